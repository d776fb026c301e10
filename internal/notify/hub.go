// Package notify fans chat notifications out to the listeners subscribed per username.
package notify

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/PaulBabatuyi/dmengine/internal/chat"
)

// Hub maps usernames to the listeners of their live sessions so the engine can
// push notifications to every connected endpoint of a user.
type Hub struct {
	log *slog.Logger

	mu        sync.RWMutex
	listeners map[string][]chat.Listener
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:       log,
		listeners: make(map[string][]chat.Listener),
	}
}

// Subscribe appends l to the listeners of username. Several listeners per user coexist.
func (h *Hub) Subscribe(username string, l chat.Listener) {
	if l == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners[username] = append(h.listeners[username], l)
}

// Unsubscribe removes l from username. Removing the last listener drops the entry.
// It reports whether l was subscribed.
func (h *Hub) Unsubscribe(username string, l chat.Listener) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	current := h.listeners[username]
	for i, existing := range current {
		if existing != l {
			continue
		}
		rest := make([]chat.Listener, 0, len(current)-1)
		rest = append(rest, current[:i]...)
		rest = append(rest, current[i+1:]...)
		if len(rest) == 0 {
			delete(h.listeners, username)
		} else {
			h.listeners[username] = rest
		}
		return true
	}
	return false
}

// UnsubscribeAll drops every listener of username and returns how many there were.
func (h *Hub) UnsubscribeAll(username string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.listeners[username])
	delete(h.listeners, username)
	return n
}

// Publish delivers n to every listener of username in subscription order.
// Listener failures are logged and never reach the caller.
func (h *Hub) Publish(username string, n chat.Notification) {
	h.mu.RLock()
	// existing elements are never overwritten, so the slice header is a stable snapshot
	targets := h.listeners[username]
	h.mu.RUnlock()

	for _, l := range targets {
		h.deliver(username, l, n)
	}
}

// BroadcastPresence tells every other subscribed user that username came online.
func (h *Hub) BroadcastPresence(username string) {
	h.mu.RLock()
	recipients := make(map[string][]chat.Listener, len(h.listeners))
	for name, ls := range h.listeners {
		if name != username {
			recipients[name] = ls
		}
	}
	h.mu.RUnlock()

	n := chat.Notification{
		Kind:     chat.UserOnline,
		Username: username,
		Note:     fmt.Sprintf("%s is now online", username),
	}
	for name, ls := range recipients {
		for _, l := range ls {
			h.deliver(name, l, n)
		}
	}
}

func (h *Hub) deliver(username string, l chat.Listener, n chat.Notification) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("Listener panicked", "user", username, "kind", n.Kind, "panic", r)
		}
	}()
	if err := l.Notify(n); err != nil {
		h.log.Warn("Listener failed", "user", username, "kind", n.Kind, "err", err)
	}
}

// Listeners returns how many listeners username has.
func (h *Hub) Listeners(username string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners[username])
}

// Usernames returns the users with at least one listener, sorted.
func (h *Hub) Usernames() []string {
	h.mu.RLock()
	names := make([]string, 0, len(h.listeners))
	for name := range h.listeners {
		names = append(names, name)
	}
	h.mu.RUnlock()
	sort.Strings(names)
	return names
}
