package sqlstore

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/PaulBabatuyi/dmengine/internal/chat"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, uri string) *Store {
	t.Helper()
	s := New(slog.Default())
	require.True(t, s.Connect(context.Background(), uri, "dm"))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func Test_Path(t *testing.T) {
	req := require.New(t)

	p, err := Path("sqlite:///var/lib/dm", "whatsapp")
	req.NoError(err)
	req.Equal(filepath.Join("/var/lib/dm", "whatsapp.db"), p)

	p, err = Path("sqlite://memory", "whatsapp")
	req.NoError(err)
	req.Equal(":memory:", p)

	_, err = Path("sqlite://host/x", "whatsapp")
	req.Error(err)
	_, err = Path("badger:///x", "whatsapp")
	req.Error(err)
}

func Test_Migrations_Are_Idempotent(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	ctx := context.Background()

	s := New(slog.Default())
	req.True(s.Connect(ctx, "sqlite://"+dir, "dm"))
	req.NoError(s.UpsertUser(ctx, chat.User{Username: "alice", SecretHash: "h", Presence: chat.Offline, CreatedAt: time.Now()}))
	req.NoError(s.Close())

	req.True(s.Connect(ctx, "sqlite://"+dir, "dm"))
	defer s.Close()
	users, err := s.LoadAllUsers(ctx)
	req.NoError(err)
	req.Len(users, 1)

	var applied int
	req.NoError(s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&applied))
	req.Equal(len(migrations), applied)
}

func Test_Users_Upsert(t *testing.T) {
	req := require.New(t)
	s := newStore(t, "sqlite://memory")
	ctx := context.Background()

	created := time.Date(2025, 5, 6, 7, 8, 9, 10, time.UTC)
	req.NoError(s.UpsertUser(ctx, chat.User{Username: "bob", SecretHash: "h1", Presence: chat.Online, CreatedAt: created}))
	req.NoError(s.UpsertUser(ctx, chat.User{Username: "bob", SecretHash: "h1", Presence: chat.Offline, CreatedAt: created.Add(time.Hour)}))

	users, err := s.LoadAllUsers(ctx)
	req.NoError(err)
	req.Len(users, 1)
	req.Equal(chat.Offline, users[0].Presence)
	// created_at is kept from the first insert
	req.Equal(created, users[0].CreatedAt)
}

func Test_Messages(t *testing.T) {
	req := require.New(t)
	s := newStore(t, "sqlite://"+t.TempDir())
	ctx := context.Background()
	at := time.Now().UTC()

	for i, id := range []string{"m1", "m2", "m3"} {
		req.NoError(s.InsertMessage(ctx, chat.Message{
			ID: id, Sender: "alice", Receiver: "bob", Body: id,
			Timestamp: at.Add(time.Duration(i) * time.Nanosecond), Status: chat.StatusSent,
		}))
	}
	req.Error(s.InsertMessage(ctx, chat.Message{ID: "m1", Sender: "alice", Receiver: "bob", Timestamp: at, Status: chat.StatusSent}))

	req.NoError(s.UpdateMessageStatus(ctx, "m2", chat.StatusDelivered))
	req.NoError(s.UpdateMessageStatus(ctx, "m3", chat.StatusRead))
	req.NoError(s.UpdateMessageStatus(ctx, "m3", chat.StatusDelivered))
	req.NoError(s.UpdateMessageStatus(ctx, "m1", chat.StatusSent))

	pending, err := s.FindUndelivered(ctx, "bob")
	req.NoError(err)
	req.Len(pending, 1)
	req.Equal("m1", pending[0].ID)
	req.Equal(at, pending[0].Timestamp)

	history, err := s.FindHistory(ctx, "alice")
	req.NoError(err)
	req.Len(history, 3)
	req.Equal(chat.StatusSent, history[0].Status)
	req.Equal(chat.StatusDelivered, history[1].Status)
	req.Equal(chat.StatusRead, history[2].Status)

	history, err = s.FindHistory(ctx, "carol")
	req.NoError(err)
	req.Empty(history)
}

func Test_Not_Connected(t *testing.T) {
	s := New(slog.Default())
	require.False(t, s.Connect(context.Background(), "sqlite://nope/x", "dm"))
	_, err := s.LoadAllUsers(context.Background())
	require.ErrorIs(t, err, errNotConnected)
}
