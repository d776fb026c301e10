// Package sqlstore provides a chat.Store backed by an embedded SQLite file.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/PaulBabatuyi/dmengine/internal/chat"
	"github.com/samber/lo"
	_ "modernc.org/sqlite"
)

var errNotConnected = errors.New("sqlite store not connected")

// Store mirrors users and messages into SQLite tables.
type Store struct {
	log *slog.Logger

	mu sync.RWMutex
	db *sql.DB
}

func New(log *slog.Logger) *Store {
	return &Store{log: log}
}

// Path resolves a sqlite URI. sqlite://memory opens a private in-memory database;
// sqlite:///var/lib/dm stores database in /var/lib/dm/<database>.db.
func Path(uri, database string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", err
	}
	if u.Scheme != "sqlite" {
		return "", fmt.Errorf("not a sqlite uri: %q", uri)
	}
	if u.Host == "memory" {
		return ":memory:", nil
	}
	if u.Host != "" || u.Path == "" || database == "" {
		return "", fmt.Errorf("sqlite uri needs an absolute path and a database: %q", uri)
	}
	return filepath.Join(u.Path, database+".db"), nil
}

func (s *Store) Connect(ctx context.Context, uri, database string) bool {
	path, err := Path(uri, database)
	if err != nil {
		s.log.Warn("Invalid sqlite uri", "err", err)
		return false
	}
	db, err := open(ctx, s.log, path)
	if err != nil {
		s.log.Warn("SQLite open failed, continuing in memory-only mode", "path", path, "err", err)
		return false
	}

	s.mu.Lock()
	old := s.db
	s.db = db
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	s.log.Info("Opened sqlite store", "path", path)
	return true
}

func open(ctx context.Context, log *slog.Logger, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// every connection to :memory: is its own database
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		log.Warn("Failed to enable WAL mode, continuing without it", "err", err)
	}
	if err := migrate(ctx, log, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func migrate(ctx context.Context, log *slog.Logger, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	for i, m := range migrations {
		version := i + 1
		var count int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("check migration %d: %w", version, err)
		}
		if count > 0 {
			continue
		}

		log.Debug("Running migration", "version", version, "name", m.name)
		if _, err := db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %d (%s): %w", version, m.name, err)
		}
		if _, err := db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("record migration %d: %w", version, err)
		}
	}
	return nil
}

func (s *Store) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db != nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	db := s.db
	s.db = nil
	s.mu.Unlock()
	if db == nil {
		return nil
	}
	return db.Close()
}

func (s *Store) handle() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, errNotConnected
	}
	return s.db, nil
}

func (s *Store) UpsertUser(ctx context.Context, u chat.User) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO users (username, secret_hash, presence, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			secret_hash = excluded.secret_hash,
			presence = excluded.presence
	`, u.Username, u.SecretHash, string(u.Presence), u.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", u.Username, err)
	}
	return nil
}

func (s *Store) LoadAllUsers(ctx context.Context) ([]chat.User, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT username, secret_hash, presence, created_at
		FROM users ORDER BY created_at, username
	`)
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	defer rows.Close()

	var users []chat.User
	for rows.Next() {
		var (
			u        chat.User
			presence string
			created  int64
		)
		if err := rows.Scan(&u.Username, &u.SecretHash, &presence, &created); err != nil {
			return nil, err
		}
		u.Presence = chat.Offline
		if chat.Presence(presence) == chat.Online {
			u.Presence = chat.Online
		}
		u.CreatedAt = time.Unix(0, created).UTC()
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) InsertMessage(ctx context.Context, m chat.Message) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO messages (id, sender, receiver, body, created_at, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.Sender, m.Receiver, m.Body, m.Timestamp.UnixNano(), string(m.Status))
	if err != nil {
		return fmt.Errorf("insert message %s: %w", m.ID, err)
	}
	return nil
}

// UpdateMessageStatus only moves a message forward.
func (s *Store) UpdateMessageStatus(ctx context.Context, id string, status chat.MessageStatus) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	earlier := lo.Map(status.Earlier(), func(st chat.MessageStatus, _ int) any { return string(st) })
	if len(earlier) == 0 {
		return nil
	}
	query := "UPDATE messages SET status = ? WHERE id = ? AND status IN (?" + strings.Repeat(",?", len(earlier)-1) + ")"
	args := append([]any{string(status), id}, earlier...)
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update message %s: %w", id, err)
	}
	return nil
}

func (s *Store) FindUndelivered(ctx context.Context, receiver string) ([]chat.Message, error) {
	return s.find(ctx, `WHERE receiver = ? AND status = ?`, receiver, string(chat.StatusSent))
}

func (s *Store) FindHistory(ctx context.Context, username string) ([]chat.Message, error) {
	return s.find(ctx, `WHERE sender = ? OR receiver = ?`, username, username)
}

func (s *Store) find(ctx context.Context, where string, args ...any) ([]chat.Message, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, sender, receiver, body, created_at, status
		FROM messages `+where+`
		ORDER BY created_at, seq
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var (
			m      chat.Message
			ts     int64
			status string
		)
		if err := rows.Scan(&m.ID, &m.Sender, &m.Receiver, &m.Body, &ts, &status); err != nil {
			return nil, err
		}
		m.Timestamp = time.Unix(0, ts).UTC()
		m.Status = chat.MessageStatus(status)
		out = append(out, m)
	}
	return out, rows.Err()
}
