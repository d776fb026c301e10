// Package session is the single entry point front ends use to drive the engine.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/PaulBabatuyi/dmengine/internal/chat"
	"github.com/PaulBabatuyi/dmengine/internal/directory"
	"github.com/PaulBabatuyi/dmengine/internal/normalize"
	"github.com/PaulBabatuyi/dmengine/internal/notify"
	"github.com/PaulBabatuyi/dmengine/internal/router"
	"github.com/PaulBabatuyi/dmengine/internal/storage"
)

const DefaultDatabase = "whatsapp"

// Config tunes the store mirror. Zero values use the defaults.
type Config struct {
	Database      string
	MirrorQueue   int
	MirrorTimeout time.Duration
}

// Session wires the directory, hub and router over one store mirror.
type Session struct {
	log      *slog.Logger
	database string

	mirror *storage.Mirror
	dir    *directory.Directory
	hub    *notify.Hub
	router *router.Router

	// reconfigurations run one at a time
	storeMu sync.Mutex
}

func New(log *slog.Logger, cfg Config) *Session {
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}
	mirror := storage.NewMirror(log, cfg.MirrorQueue, cfg.MirrorTimeout)
	dir := directory.New(log, mirror)
	hub := notify.NewHub(log)
	return &Session{
		log:      log,
		database: cfg.Database,
		mirror:   mirror,
		dir:      dir,
		hub:      hub,
		router:   router.New(log, dir, hub, mirror),
	}
}

func (s *Session) RegisterUser(username, secret string) (chat.User, error) {
	return s.dir.Register(username, secret)
}

// LoginUser authenticates, subscribes l, announces the user to everyone else and then
// hands over the messages that waited for it. l may be nil.
func (s *Session) LoginUser(ctx context.Context, username, secret string, l chat.Listener) (chat.User, []chat.Message, error) {
	u, err := s.dir.Authenticate(username, secret)
	if err != nil {
		return chat.User{}, nil, err
	}
	if l != nil {
		s.hub.Subscribe(u.Username, l)
	}
	s.hub.BroadcastPresence(u.Username)
	delivered := s.router.DeliverQueued(ctx, u.Username)

	s.log.Info("User logged in", "user", u.Username, "delivered", len(delivered))
	return u, delivered, nil
}

// LogoutUser unsubscribes l, or every listener of the user when l is nil. The user
// goes OFFLINE once no listener is left.
func (s *Session) LogoutUser(username string, l chat.Listener) {
	name := normalize.Username(username)
	if l == nil {
		s.hub.UnsubscribeAll(name)
	} else {
		s.hub.Unsubscribe(name, l)
		if left := s.hub.Listeners(name); left > 0 {
			s.log.Info("Session closed, user still connected", "user", name, "listeners", left)
			return
		}
	}
	s.dir.SetOffline(name)
	s.log.Info("User logged out", "user", name)
}

func (s *Session) SendMessage(ctx context.Context, sender, receiver, body string) (chat.Message, error) {
	return s.router.Send(ctx, sender, receiver, body)
}

func (s *Session) MarkRead(ctx context.Context, username string, ids []string) int {
	return s.router.MarkRead(ctx, username, ids)
}

func (s *Session) ListUsers() []chat.User {
	return s.dir.List()
}

func (s *Session) GetHistory(ctx context.Context, username string) []chat.Message {
	return s.router.History(ctx, username)
}

func (s *Session) GetConversation(ctx context.Context, username, peer string) []chat.Message {
	return s.router.Conversation(ctx, username, peer)
}

func (s *Session) RecentChats(ctx context.Context, username string, limit int) []chat.ChatPartner {
	return s.router.RecentChats(ctx, username, limit)
}

// ReconfigureStore replaces the mirrored store with the one uri names and reloads users
// from it. The previous store is closed even when the new one cannot connect; the
// engine then runs memory-only. It reports whether the new store is connected.
func (s *Session) ReconfigureStore(ctx context.Context, uri, database string) (bool, error) {
	if database == "" {
		database = s.database
	}
	store, err := storage.Open(uri, s.log)
	if err != nil {
		return false, err
	}

	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	ok := store.Connect(ctx, uri, database)
	s.mirror.Swap(store)
	if !ok {
		s.log.Warn("Store unreachable, running memory-only", "database", database)
		return false, nil
	}

	added, err := s.dir.LoadFromStore(ctx)
	if err != nil {
		return true, fmt.Errorf("store connected but users not loaded: %w", err)
	}
	s.log.Info("Store reconfigured", "database", database, "users_loaded", added)
	return true, nil
}

func (s *Session) StoreConnected() bool {
	return s.mirror.Connected()
}

// Close flushes pending store writes and closes the store.
func (s *Session) Close() error {
	return s.mirror.Close()
}
