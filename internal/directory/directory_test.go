package directory

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PaulBabatuyi/dmengine/internal/chat"
	"github.com/PaulBabatuyi/dmengine/internal/kv"
	"github.com/PaulBabatuyi/dmengine/internal/storage"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
)

type fakeMirror struct {
	mu      sync.Mutex
	upserts []chat.User
	stored  []chat.User
	err     error
}

func (f *fakeMirror) UpsertUser(u chat.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, u)
}

func (f *fakeMirror) LoadAllUsers(context.Context) ([]chat.User, error) {
	return f.stored, f.err
}

func (f *fakeMirror) presences() []chat.Presence {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]chat.Presence, 0, len(f.upserts))
	for _, u := range f.upserts {
		out = append(out, u.Presence)
	}
	return out
}

func Test_Register(t *testing.T) {
	req := require.New(t)
	m := &fakeMirror{}
	d := New(slog.Default(), m)

	u, err := d.Register("  Alice ", "alice")
	req.NoError(err)
	req.Equal("alice", u.Username)
	req.Equal(chat.Offline, u.Presence)
	req.NotEqual("alice", u.SecretHash)
	req.True(d.Exists("ALICE"))
	req.Equal([]chat.Presence{chat.Offline}, m.presences())

	_, err = d.Register("alice", "other")
	req.ErrorIs(err, chat.ErrDuplicateUser)
	// the existing user is untouched
	_, err = d.Authenticate("alice", "alice")
	req.NoError(err)

	_, err = d.Register("   ", "x")
	req.ErrorIs(err, chat.ErrInvalidInput)
	_, err = d.Register(strings.Repeat("a", 65), "x")
	req.ErrorIs(err, chat.ErrInvalidInput)

	// store keys are NUL separated, so control characters never reach them
	for _, name := range []string{"a\x00b", "tab\tbed", "bell\a"} {
		_, err = d.Register(name, "x")
		req.ErrorIs(err, chat.ErrInvalidInput, name)
	}
	req.False(d.Exists("a\x00b"))
}

func Test_Authenticate(t *testing.T) {
	req := require.New(t)
	m := &fakeMirror{}
	d := New(slog.Default(), m)
	_, err := d.Register("bob", "secret")
	req.NoError(err)

	_, err = d.Authenticate("carol", "x")
	req.ErrorIs(err, chat.ErrUnknownUser)
	_, err = d.Authenticate("bob", "wrong")
	req.ErrorIs(err, chat.ErrBadCredential)
	req.False(d.IsOnline("bob"))

	u, err := d.Authenticate("Bob", "secret")
	req.NoError(err)
	req.Equal(chat.Online, u.Presence)
	req.True(d.IsOnline("bob"))

	d.SetOffline("bob")
	d.SetOffline("bob")
	d.SetOffline("nobody")
	req.False(d.IsOnline("bob"))
	// register, login, one logout; the repeated logout is not mirrored
	req.Equal([]chat.Presence{chat.Offline, chat.Online, chat.Offline}, m.presences())
}

func Test_List_In_Registration_Order(t *testing.T) {
	req := require.New(t)
	d := New(slog.Default(), &fakeMirror{})
	for _, name := range []string{"zed", "amy", "mo"} {
		_, err := d.Register(name, name)
		req.NoError(err)
	}

	var names []string
	for _, u := range d.List() {
		names = append(names, u.Username)
	}
	req.Equal([]string{"zed", "amy", "mo"}, names)
	req.True(d.Exists("AMY"))
	req.False(d.Exists("bob"))
}

func Test_LoadFromStore_Memory_Wins(t *testing.T) {
	req := require.New(t)
	m := &fakeMirror{}
	d := New(slog.Default(), m)
	mine, err := d.Register("alice", "alice")
	req.NoError(err)

	m.stored = []chat.User{
		{Username: "alice", SecretHash: "stale", Presence: chat.Online},
		{Username: "Dave", SecretHash: "h", Presence: chat.Online, CreatedAt: time.Now()},
		{Username: "", SecretHash: "h"},
	}
	added, err := d.LoadFromStore(context.Background())
	req.NoError(err)
	req.Equal(1, added)

	users := lo.KeyBy(d.List(), func(u chat.User) string { return u.Username })
	req.Equal(mine.SecretHash, users["alice"].SecretHash)
	req.Contains(users, "dave")
	req.Equal(chat.Offline, users["dave"].Presence)
}

func Test_LoadFromStore_Without_Store(t *testing.T) {
	req := require.New(t)
	d := New(slog.Default(), &fakeMirror{err: chat.ErrStoreUnavailable})
	added, err := d.LoadFromStore(context.Background())
	req.NoError(err)
	req.Zero(added)

	d = New(slog.Default(), &fakeMirror{err: errors.New("corrupt")})
	_, err = d.LoadFromStore(context.Background())
	req.Error(err)
}

func Test_Users_Survive_Restart(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	uri := "badger://" + t.TempDir()

	open := func() *storage.Mirror {
		s := kv.New(slog.Default())
		req.True(s.Connect(ctx, uri, "dm"))
		m := storage.NewMirror(slog.Default(), 0, 0)
		m.Swap(s)
		return m
	}

	m := open()
	d := New(slog.Default(), m)
	_, err := d.Register("alice", "pw")
	req.NoError(err)
	_, err = d.Authenticate("alice", "pw")
	req.NoError(err)
	req.NoError(m.Close())

	m = open()
	defer m.Close()
	d = New(slog.Default(), m)
	added, err := d.LoadFromStore(ctx)
	req.NoError(err)
	req.Equal(1, added)
	req.False(d.IsOnline("alice"))
	_, err = d.Authenticate("alice", "pw")
	req.NoError(err)
}

func Test_Concurrent_Register_Same_Name(t *testing.T) {
	d := New(slog.Default(), &fakeMirror{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Register("race", "pw"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
	require.Len(t, d.List(), 1)
}
