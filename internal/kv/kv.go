// Package kv provides an embedded chat.Store on top of BadgerDB.
package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/PaulBabatuyi/dmengine/internal/chat"
	"github.com/dgraph-io/badger/v4"
	"go.mongodb.org/mongo-driver/v2/bson"
)

const sep = "\x00"

var (
	errNotConnected = errors.New("badger store not connected")
	errNotFound     = errors.New("message not found")
)

// userRecord and messageRecord are the on-disk shapes. Timestamps keep nanoseconds.
type userRecord struct {
	Username   string `bson:"username"`
	SecretHash string `bson:"secret_hash"`
	Presence   string `bson:"presence"`
	CreatedAt  int64  `bson:"created_at"`
}

type messageRecord struct {
	ID        string `bson:"id"`
	Sender    string `bson:"sender"`
	Receiver  string `bson:"receiver"`
	Body      string `bson:"body"`
	Timestamp int64  `bson:"timestamp"`
	Status    string `bson:"status"`
}

func userKey(name string) []byte { return []byte("user" + sep + name) }
func msgKey(id string) []byte    { return []byte("msg" + sep + id) }

func histPrefix(name string) []byte { return []byte("hist" + sep + name + sep) }
func pendPrefix(name string) []byte { return []byte("pend" + sep + name + sep) }

// indexKey orders entries by zero-padded timestamp, then message id.
func indexKey(prefix []byte, ts int64, id string) []byte {
	return append(append([]byte{}, prefix...), fmt.Sprintf("%019d%s%s", ts, sep, id)...)
}

// Store keeps users, messages, per-user history and pending indexes in one Badger DB.
type Store struct {
	log *slog.Logger

	mu sync.RWMutex
	db *badger.DB
}

func New(log *slog.Logger) *Store {
	return &Store{log: log}
}

// Dir resolves a badger URI. badger://memory keeps everything in RAM;
// badger:///var/lib/dm stores database under /var/lib/dm/<database>.
func Dir(uri, database string) (dir string, inMemory bool, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", false, err
	}
	if u.Scheme != "badger" {
		return "", false, fmt.Errorf("not a badger uri: %q", uri)
	}
	if u.Host == "memory" {
		return "", true, nil
	}
	if u.Host != "" || u.Path == "" || database == "" {
		return "", false, fmt.Errorf("badger uri needs an absolute path and a database: %q", uri)
	}
	return filepath.Join(u.Path, database), false, nil
}

func (s *Store) Connect(_ context.Context, uri, database string) bool {
	dir, inMemory, err := Dir(uri, database)
	if err != nil {
		s.log.Warn("Invalid badger uri", "err", err)
		return false
	}

	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		s.log.Warn("Badger open failed, continuing in memory-only mode", "dir", dir, "err", err)
		return false
	}

	s.mu.Lock()
	old := s.db
	s.db = db
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	s.log.Info("Opened badger store", "dir", dir, "in_memory", inMemory)
	return true
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

func (s *Store) handle() (*badger.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, errNotConnected
	}
	return s.db, nil
}

func (s *Store) UpsertUser(_ context.Context, u chat.User) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	data, err := bson.Marshal(userRecord{
		Username:   u.Username,
		SecretHash: u.SecretHash,
		Presence:   string(u.Presence),
		CreatedAt:  u.CreatedAt.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	return db.Update(func(txn *badger.Txn) error {
		return txn.Set(userKey(u.Username), data)
	})
}

func (s *Store) LoadAllUsers(_ context.Context) ([]chat.User, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var users []chat.User
	err = db.View(func(txn *badger.Txn) error {
		prefix := userKey("")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec userRecord
			if err := it.Item().Value(func(val []byte) error {
				return bson.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("unmarshal user: %w", err)
			}
			presence := chat.Presence(rec.Presence)
			if presence != chat.Online {
				presence = chat.Offline
			}
			users = append(users, chat.User{
				Username:   rec.Username,
				SecretHash: rec.SecretHash,
				Presence:   presence,
				CreatedAt:  time.Unix(0, rec.CreatedAt).UTC(),
			})
		}
		return nil
	})
	return users, err
}

func (s *Store) InsertMessage(_ context.Context, m chat.Message) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	rec := messageRecord{
		ID:        m.ID,
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		Body:      m.Body,
		Timestamp: m.Timestamp.UnixNano(),
		Status:    string(m.Status),
	}
	data, err := bson.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(msgKey(m.ID)); err == nil {
			return fmt.Errorf("message %s already stored", m.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(msgKey(m.ID), data); err != nil {
			return err
		}
		for _, name := range []string{m.Sender, m.Receiver} {
			if err := txn.Set(indexKey(histPrefix(name), rec.Timestamp, m.ID), nil); err != nil {
				return err
			}
		}
		if m.Status == chat.StatusSent {
			return txn.Set(indexKey(pendPrefix(m.Receiver), rec.Timestamp, m.ID), nil)
		}
		return nil
	})
}

// UpdateMessageStatus only moves a message forward. Leaving SENT drops it from
// the receiver's pending index.
func (s *Store) UpdateMessageStatus(_ context.Context, id string, status chat.MessageStatus) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	return db.Update(func(txn *badger.Txn) error {
		rec, err := getMessage(txn, id)
		if err != nil {
			return err
		}
		current := chat.MessageStatus(rec.Status)
		if !current.Before(status) {
			return nil
		}
		rec.Status = string(status)
		data, err := bson.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		if err := txn.Set(msgKey(id), data); err != nil {
			return err
		}
		if current == chat.StatusSent {
			return txn.Delete(indexKey(pendPrefix(rec.Receiver), rec.Timestamp, id))
		}
		return nil
	})
}

func (s *Store) FindUndelivered(_ context.Context, receiver string) ([]chat.Message, error) {
	return s.scan(pendPrefix(receiver))
}

func (s *Store) FindHistory(_ context.Context, username string) ([]chat.Message, error) {
	return s.scan(histPrefix(username))
}

// scan walks an index prefix in key order and resolves each entry to its message.
func (s *Store) scan(prefix []byte) ([]chat.Message, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var out []chat.Message
	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			id := key[strings.LastIndex(key, sep)+1:]
			rec, err := getMessage(txn, id)
			if err != nil {
				return err
			}
			out = append(out, chat.Message{
				ID:        rec.ID,
				Sender:    rec.Sender,
				Receiver:  rec.Receiver,
				Body:      rec.Body,
				Timestamp: time.Unix(0, rec.Timestamp).UTC(),
				Status:    chat.MessageStatus(rec.Status),
			})
		}
		return nil
	})
	return out, err
}

func getMessage(txn *badger.Txn, id string) (messageRecord, error) {
	var rec messageRecord
	item, err := txn.Get(msgKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, fmt.Errorf("%s: %w", id, errNotFound)
	}
	if err != nil {
		return rec, err
	}
	err = item.Value(func(val []byte) error {
		return bson.Unmarshal(val, &rec)
	})
	return rec, err
}
