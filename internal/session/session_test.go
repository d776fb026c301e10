package session

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/PaulBabatuyi/dmengine/internal/chat"
	"github.com/mama165/sdk-go/logs"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
)

type inbox struct {
	mu  sync.Mutex
	got []chat.Notification
}

func (i *inbox) Notify(n chat.Notification) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.got = append(i.got, n)
	return nil
}

func (i *inbox) notes() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return lo.Map(i.got, func(n chat.Notification, _ int) string { return n.Note })
}

func newSession(t *testing.T) *Session {
	t.Helper()
	s := New(logs.GetLoggerFromLevel(slog.LevelDebug), Config{})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func Test_Online_Delivery_Scenario(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newSession(t)

	_, err := s.RegisterUser("alice", "alice")
	req.NoError(err)
	_, err = s.RegisterUser("bob", "bob")
	req.NoError(err)

	alice, bob := &inbox{}, &inbox{}
	_, _, err = s.LoginUser(ctx, "alice", "alice", alice)
	req.NoError(err)
	_, _, err = s.LoginUser(ctx, "bob", "bob", bob)
	req.NoError(err)

	_, err = s.SendMessage(ctx, "alice", "bob", "hi")
	req.NoError(err)

	history := s.GetHistory(ctx, "bob")
	req.Len(history, 1)
	req.Equal("hi", history[0].Body)
	req.Equal(chat.StatusDelivered, history[0].Status)
	req.Equal([]string{"bob is now online", "Message delivered"}, alice.notes())
	req.Equal([]string{"New message"}, bob.notes())
}

func Test_Offline_Delivery_Scenario(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newSession(t)
	for _, name := range []string{"alice", "bob"} {
		_, err := s.RegisterUser(name, name)
		req.NoError(err)
	}

	alice := &inbox{}
	_, _, err := s.LoginUser(ctx, "alice", "alice", alice)
	req.NoError(err)

	m, err := s.SendMessage(ctx, "alice", "bob", "hello")
	req.NoError(err)
	req.Equal(chat.StatusSent, m.Status)
	req.Empty(s.GetHistory(ctx, "bob"))
	req.NotContains(alice.notes(), "Message delivered (recipient came online)")

	_, delivered, err := s.LoginUser(ctx, "bob", "bob", &inbox{})
	req.NoError(err)
	req.Len(delivered, 1)

	history := s.GetHistory(ctx, "bob")
	req.Len(history, 1)
	req.Equal(chat.StatusDelivered, history[0].Status)
	// presence is announced before the delivery confirmation
	req.Equal([]string{
		"Message sent and queued (recipient offline)",
		"bob is now online",
		"Message delivered (recipient came online)",
	}, alice.notes())
}

func Test_Duplicate_Register_Leaves_User_Unmodified(t *testing.T) {
	req := require.New(t)
	s := newSession(t)

	first, err := s.RegisterUser("alice", "alice")
	req.NoError(err)
	_, err = s.RegisterUser("alice", "other")
	req.ErrorIs(err, chat.ErrDuplicateUser)

	users := s.ListUsers()
	req.Len(users, 1)
	req.Equal(first, users[0])
	_, _, err = s.LoginUser(context.Background(), "alice", "other", nil)
	req.ErrorIs(err, chat.ErrBadCredential)
}

func Test_Logout(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newSession(t)
	for _, name := range []string{"alice", "bob"} {
		_, err := s.RegisterUser(name, name)
		req.NoError(err)
	}

	phone, laptop := &inbox{}, &inbox{}
	_, _, err := s.LoginUser(ctx, "bob", "bob", phone)
	req.NoError(err)
	_, _, err = s.LoginUser(ctx, "bob", "bob", laptop)
	req.NoError(err)

	// closing one endpoint leaves the other subscribed
	s.LogoutUser("bob", phone)
	live, err := s.SendMessage(ctx, "alice", "bob", "while half online")
	req.NoError(err)
	req.Equal(chat.StatusDelivered, live.Status)
	req.Equal(0, s.router.Pending("bob"))
	req.Empty(phone.notes())
	req.Equal([]string{"New message"}, laptop.notes())

	s.LogoutUser("bob", nil)
	m, err := s.SendMessage(ctx, "alice", "bob", "after logout")
	req.NoError(err)
	req.Equal(chat.StatusSent, m.Status)
	req.Len(laptop.notes(), 1)
}

func Test_Conversation_Views(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newSession(t)
	for _, name := range []string{"alice", "bob", "carol"} {
		_, err := s.RegisterUser(name, name)
		req.NoError(err)
		_, _, err = s.LoginUser(ctx, name, name, nil)
		req.NoError(err)
	}
	m, err := s.SendMessage(ctx, "alice", "bob", "hey bob")
	req.NoError(err)
	_, err = s.SendMessage(ctx, "carol", "alice", "hey alice")
	req.NoError(err)

	req.Len(s.GetConversation(ctx, "alice", "bob"), 1)
	chats := s.RecentChats(ctx, "alice", 10)
	req.Equal([]string{"carol", "bob"}, lo.Map(chats, func(c chat.ChatPartner, _ int) string { return c.Username }))
	req.Equal(1, s.MarkRead(ctx, "bob", []string{m.ID}))
}

func Test_ReconfigureStore(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	dir := t.TempDir()

	first := New(slog.Default(), Config{})
	req.False(first.StoreConnected())
	ok, err := first.ReconfigureStore(ctx, "badger://"+dir, "")
	req.NoError(err)
	req.True(ok)
	req.True(first.StoreConnected())

	_, err = first.RegisterUser("alice", "alice")
	req.NoError(err)
	_, err = first.RegisterUser("bob", "bob")
	req.NoError(err)
	_, err = first.SendMessage(ctx, "alice", "bob", "persisted")
	req.NoError(err)
	req.NoError(first.Close())

	second := newSession(t)
	ok, err = second.ReconfigureStore(ctx, "badger://"+dir, DefaultDatabase)
	req.NoError(err)
	req.True(ok)
	req.Len(second.ListUsers(), 2)

	_, delivered, err := second.LoginUser(ctx, "bob", "bob", nil)
	req.NoError(err)
	req.Len(delivered, 1)
	req.Equal("persisted", delivered[0].Body)

	_, err = second.ReconfigureStore(ctx, "ftp://nowhere", "")
	req.ErrorIs(err, chat.ErrInvalidInput)
	req.True(second.StoreConnected())

	// an unreachable store still replaces the old one
	ok, err = second.ReconfigureStore(ctx, "sqlite://bad-host/x", "")
	req.NoError(err)
	req.False(ok)
	req.False(second.StoreConnected())

	// memory keeps working
	req.Len(second.GetHistory(ctx, "bob"), 1)
}
