// Package storage fronts the pluggable chat.Store with a best-effort mirror and
// picks a store implementation from a connection URI.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/PaulBabatuyi/dmengine/internal/chat"
)

const (
	DefaultQueueSize = 1024
	DefaultTimeout   = 5 * time.Second
)

// job is one unit of store work. s is nil when no store is connected.
type job struct {
	name string
	ctx  context.Context // nil for writes; they get a fresh timeout when executed
	fn   func(ctx context.Context, s chat.Store) error
}

// Mirror serializes all store traffic through one FIFO worked by a single goroutine.
//
// Writes are fire-and-forget: they are queued and the caller never waits on the store.
// Reads travel through the same FIFO, so a read observes every write queued before it,
// and the caller waits at most until its context or the mirror timeout expires.
// The store is a mirror of in-memory state, never the system of record.
type Mirror struct {
	log     *slog.Logger
	timeout time.Duration

	storeMu sync.RWMutex
	store   chat.Store

	queueMu   sync.RWMutex
	closed    bool
	jobs      chan job
	done      chan struct{}
	closeOnce sync.Once
}

// NewMirror starts a mirror with no store attached. Non-positive sizes use the defaults.
func NewMirror(log *slog.Logger, queueSize int, timeout time.Duration) *Mirror {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	m := &Mirror{
		log:     log,
		timeout: timeout,
		jobs:    make(chan job, queueSize),
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Mirror) run() {
	defer close(m.done)
	for j := range m.jobs {
		m.exec(j)
	}
}

func (m *Mirror) exec(j job) {
	ctx, cancel := j.ctx, context.CancelFunc(func() {})
	if ctx == nil {
		ctx, cancel = context.WithTimeout(context.Background(), m.timeout)
	}
	defer cancel()

	// the caller of a read already gave up
	if j.ctx != nil && j.ctx.Err() != nil {
		return
	}

	s := m.current()
	if s != nil && !s.IsConnected() {
		s = nil
	}

	defer func() {
		if r := recover(); r != nil {
			m.log.Error("store operation panicked", "op", j.name, "panic", r)
		}
	}()
	if err := j.fn(ctx, s); err != nil && j.ctx == nil {
		if errors.Is(err, chat.ErrStoreUnavailable) {
			m.log.Debug("store mirror write skipped", "op", j.name, "err", err)
			return
		}
		m.log.Warn("store mirror write failed", "op", j.name, "err", err)
	}
}

func (m *Mirror) current() chat.Store {
	m.storeMu.RLock()
	defer m.storeMu.RUnlock()
	return m.store
}

// Connected reports whether a reachable store is attached.
func (m *Mirror) Connected() bool {
	s := m.current()
	return s != nil && s.IsConnected()
}

// enqueue hands j to the worker. When wait is false a full queue drops the job.
func (m *Mirror) enqueue(j job, wait bool) error {
	m.queueMu.RLock()
	defer m.queueMu.RUnlock()
	if m.closed {
		return fmt.Errorf("%w: mirror closed", chat.ErrStoreUnavailable)
	}
	if !wait {
		select {
		case m.jobs <- j:
			return nil
		default:
			return fmt.Errorf("%w: mirror queue full", chat.ErrStoreUnavailable)
		}
	}
	if j.ctx == nil {
		m.jobs <- j
		return nil
	}
	select {
	case m.jobs <- j:
		return nil
	case <-j.ctx.Done():
		return fmt.Errorf("%w: %s: %v", chat.ErrStoreUnavailable, j.name, j.ctx.Err())
	}
}

// write queues a best-effort mutation. It returns immediately.
func (m *Mirror) write(name string, op func(ctx context.Context, s chat.Store) error) {
	if !m.Connected() {
		m.log.Debug("store not connected, mirror write skipped", "op", name)
		return
	}
	err := m.enqueue(job{name: name, fn: func(ctx context.Context, s chat.Store) error {
		if s == nil {
			return chat.ErrStoreUnavailable
		}
		return op(ctx, s)
	}}, false)
	if err != nil {
		m.log.Warn("store mirror write dropped", "op", name, "err", err)
	}
}

// query runs a read behind every queued write and waits for its result.
func query[T any](ctx context.Context, m *Mirror, name string, op func(ctx context.Context, s chat.Store) (T, error)) (T, error) {
	var zero T
	if !m.Connected() {
		return zero, chat.ErrStoreUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	err := m.enqueue(job{name: name, ctx: ctx, fn: func(ctx context.Context, s chat.Store) error {
		if s == nil {
			done <- result{err: chat.ErrStoreUnavailable}
			return chat.ErrStoreUnavailable
		}
		v, err := op(ctx, s)
		done <- result{v: v, err: err}
		return err
	}}, true)
	if err != nil {
		return zero, err
	}

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		return zero, fmt.Errorf("%w: %s: %v", chat.ErrStoreUnavailable, name, ctx.Err())
	}
}

func (m *Mirror) UpsertUser(u chat.User) {
	m.write("upsert user", func(ctx context.Context, s chat.Store) error {
		return s.UpsertUser(ctx, u)
	})
}

func (m *Mirror) InsertMessage(msg chat.Message) {
	m.write("insert message", func(ctx context.Context, s chat.Store) error {
		return s.InsertMessage(ctx, msg)
	})
}

func (m *Mirror) UpdateMessageStatus(id string, status chat.MessageStatus) {
	m.write("update message status", func(ctx context.Context, s chat.Store) error {
		return s.UpdateMessageStatus(ctx, id, status)
	})
}

func (m *Mirror) LoadAllUsers(ctx context.Context) ([]chat.User, error) {
	return query(ctx, m, "load users", func(ctx context.Context, s chat.Store) ([]chat.User, error) {
		return s.LoadAllUsers(ctx)
	})
}

func (m *Mirror) FindUndelivered(ctx context.Context, receiver string) ([]chat.Message, error) {
	return query(ctx, m, "find undelivered", func(ctx context.Context, s chat.Store) ([]chat.Message, error) {
		return s.FindUndelivered(ctx, receiver)
	})
}

func (m *Mirror) FindHistory(ctx context.Context, username string) ([]chat.Message, error) {
	return query(ctx, m, "find history", func(ctx context.Context, s chat.Store) ([]chat.Message, error) {
		return s.FindHistory(ctx, username)
	})
}

// Sync waits until every job queued before it has run.
func (m *Mirror) Sync(ctx context.Context) error {
	done := make(chan struct{})
	err := m.enqueue(job{name: "sync", ctx: ctx, fn: func(context.Context, chat.Store) error {
		close(done)
		return nil
	}}, true)
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Swap installs next as the mirrored store once every earlier job has run against
// the previous one, then closes the previous store. next may be nil.
func (m *Mirror) Swap(next chat.Store) {
	done := make(chan struct{})
	err := m.enqueue(job{name: "swap", fn: func(context.Context, chat.Store) error {
		defer close(done)
		m.storeMu.Lock()
		old := m.store
		m.store = next
		m.storeMu.Unlock()
		if old != nil && old != next {
			if err := old.Close(); err != nil {
				m.log.Warn("closing previous store failed", "err", err)
			}
		}
		return nil
	}}, true)
	if err != nil {
		m.log.Warn("store swap refused", "err", err)
		if next != nil {
			_ = next.Close()
		}
		return
	}
	<-done
}

// Close drains pending jobs, stops the worker and closes the attached store.
func (m *Mirror) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.queueMu.Lock()
		m.closed = true
		close(m.jobs)
		m.queueMu.Unlock()
		<-m.done

		m.storeMu.Lock()
		s := m.store
		m.store = nil
		m.storeMu.Unlock()
		if s != nil {
			err = s.Close()
		}
	})
	return err
}
