package data

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/PaulBabatuyi/dmengine/internal/chat"
	"github.com/PaulBabatuyi/dmengine/internal/db"
)

var errNotConnected = errors.New("mongo store not connected")

// Store is the MongoDB implementation of chat.Store.
type Store struct {
	log *slog.Logger

	mu     sync.RWMutex
	client *db.Client
	users  *UsersStore
	msgs   *MessagesStore
}

// NewStore returns an unconnected store; call Connect before use.
func NewStore(log *slog.Logger) *Store {
	return &Store{log: log}
}

// Connect dials MongoDB and ensures indexes. Failures are logged and reported as false.
func (s *Store) Connect(ctx context.Context, uri, database string) bool {
	if uri == "" || database == "" {
		return false
	}

	client, err := db.New(ctx, uri, database)
	if err != nil {
		s.log.Warn("MongoDB unreachable, continuing in memory-only mode", "err", err)
		return false
	}
	if err := client.CreateIndexes(ctx); err != nil {
		s.log.Warn("MongoDB index creation failed", "err", err)
		_ = client.Close(context.Background())
		return false
	}

	s.mu.Lock()
	old := s.client
	s.client = client
	s.users = NewUsersStore(client.UsersCollection())
	s.msgs = NewMessagesStore(client.MessagesCollection())
	s.mu.Unlock()

	if old != nil {
		_ = old.Close(context.Background())
	}
	s.log.Info("Connected to MongoDB", "database", database)
	return true
}

func (s *Store) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client != nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	client := s.client
	s.client, s.users, s.msgs = nil, nil, nil
	s.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close(context.Background())
}

func (s *Store) stores() (*UsersStore, *MessagesStore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, nil, errNotConnected
	}
	return s.users, s.msgs, nil
}

func (s *Store) UpsertUser(ctx context.Context, u chat.User) error {
	users, _, err := s.stores()
	if err != nil {
		return err
	}
	return users.UpsertUser(ctx, u)
}

func (s *Store) LoadAllUsers(ctx context.Context) ([]chat.User, error) {
	users, _, err := s.stores()
	if err != nil {
		return nil, err
	}
	return users.LoadAllUsers(ctx)
}

func (s *Store) InsertMessage(ctx context.Context, m chat.Message) error {
	_, msgs, err := s.stores()
	if err != nil {
		return err
	}
	return msgs.InsertMessage(ctx, m)
}

func (s *Store) UpdateMessageStatus(ctx context.Context, id string, status chat.MessageStatus) error {
	_, msgs, err := s.stores()
	if err != nil {
		return err
	}
	return msgs.UpdateMessageStatus(ctx, id, status)
}

func (s *Store) FindUndelivered(ctx context.Context, receiver string) ([]chat.Message, error) {
	_, msgs, err := s.stores()
	if err != nil {
		return nil, err
	}
	return msgs.FindUndelivered(ctx, receiver)
}

func (s *Store) FindHistory(ctx context.Context, username string) ([]chat.Message, error) {
	_, msgs, err := s.stores()
	if err != nil {
		return nil, err
	}
	return msgs.FindHistory(ctx, username)
}
