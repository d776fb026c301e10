// Package router owns the message lifecycle: sending, offline queues, replay on login
// and read receipts. Every conversation is kept once, keyed by its two participants,
// and per-user views are computed on read.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/PaulBabatuyi/dmengine/internal/chat"
	"github.com/PaulBabatuyi/dmengine/internal/normalize"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

const (
	noteNewMessage       = "New message"
	noteDelivered        = "Message delivered"
	noteQueued           = "Message sent and queued (recipient offline)"
	noteOfflineDelivered = "Delivered offline message"
	noteCameOnline       = "Message delivered (recipient came online)"
	noteRead             = "Message read"
)

// Directory answers the user questions the router needs.
type Directory interface {
	Exists(username string) bool
	IsOnline(username string) bool
}

// Publisher pushes notifications to a user's listeners.
type Publisher interface {
	Publish(username string, n chat.Notification)
}

// Mirror is the best-effort store behind the router. Writes never block;
// reads observe every write issued before them.
type Mirror interface {
	InsertMessage(m chat.Message)
	UpdateMessageStatus(id string, status chat.MessageStatus)
	FindUndelivered(ctx context.Context, receiver string) ([]chat.Message, error)
	FindHistory(ctx context.Context, username string) ([]chat.Message, error)
}

// pair is the unordered participant pair of a conversation.
type pair struct{ a, b string }

func pairOf(x, y string) pair {
	if y < x {
		x, y = y, x
	}
	return pair{a: x, b: y}
}

type outgoing struct {
	to string
	n  chat.Notification
}

// Router serializes all routing behind one mutex. Lock order: router, then directory.
type Router struct {
	log    *slog.Logger
	dir    Directory
	hub    Publisher
	mirror Mirror

	now   func() time.Time
	newID func() string

	mu            sync.Mutex
	last          time.Time
	messages      map[string]*chat.Message
	conversations map[pair][]*chat.Message
	partners      map[string]map[string]struct{}
	queues        map[string][]*chat.Message
}

func New(log *slog.Logger, dir Directory, hub Publisher, mirror Mirror) *Router {
	return &Router{
		log:           log,
		dir:           dir,
		hub:           hub,
		mirror:        mirror,
		now:           time.Now,
		newID:         uuid.NewString,
		messages:      make(map[string]*chat.Message),
		conversations: make(map[pair][]*chat.Message),
		partners:      make(map[string]map[string]struct{}),
		queues:        make(map[string][]*chat.Message),
	}
}

// Send routes a new message. An online receiver gets it inline; otherwise it waits
// in the receiver's offline queue until the next login.
func (r *Router) Send(_ context.Context, sender, receiver, body string) (chat.Message, error) {
	sender, receiver = normalize.Username(sender), normalize.Username(receiver)

	r.mu.Lock()
	if !r.dir.Exists(sender) {
		r.mu.Unlock()
		return chat.Message{}, chat.ErrUnknownSender
	}
	if !r.dir.Exists(receiver) {
		r.mu.Unlock()
		return chat.Message{}, chat.ErrUnknownReceiver
	}

	m := &chat.Message{
		ID:        r.newID(),
		Sender:    sender,
		Receiver:  receiver,
		Body:      body,
		Timestamp: r.nextTimestamp(),
		Status:    chat.StatusSent,
	}
	r.mirror.InsertMessage(*m)
	r.remember(m)

	var out []outgoing
	// presence is read under the router lock, and drains take the same lock
	if r.dir.IsOnline(receiver) {
		m.Status = chat.StatusDelivered
		r.mirror.UpdateMessageStatus(m.ID, m.Status)
		out = append(out,
			notification(receiver, chat.NewMessage, sender, m, noteNewMessage),
			notification(sender, chat.MessageStatusUpdate, receiver, m, noteDelivered),
		)
	} else {
		r.queues[receiver] = append(r.queues[receiver], m)
		out = append(out, notification(sender, chat.MessageStatusUpdate, receiver, m, noteQueued))
	}
	sent := *m
	r.mu.Unlock()

	r.publish(out)
	r.log.Debug("Message routed", "id", sent.ID, "from", sender, "to", receiver, "status", sent.Status)
	return sent, nil
}

// DeliverQueued drains the offline queue of username, then replays SENT messages the
// store still holds for it. It returns the delivered messages in delivery order.
func (r *Router) DeliverQueued(ctx context.Context, username string) []chat.Message {
	name := normalize.Username(username)

	r.mu.Lock()
	queued := r.queues[name]
	delete(r.queues, name)
	delivered := make([]chat.Message, 0, len(queued))
	var out []outgoing
	for _, m := range queued {
		out = append(out, r.deliver(m)...)
		delivered = append(delivered, *m)
	}
	r.mu.Unlock()
	r.publish(out)

	// this read is ordered behind the status writes above
	stored, err := r.mirror.FindUndelivered(ctx, name)
	if err != nil {
		r.logStoreError("find undelivered", name, err)
		return delivered
	}
	sortMessages(stored)

	out = out[:0]
	r.mu.Lock()
	for _, sm := range stored {
		if _, known := r.messages[sm.ID]; known || sm.Receiver != name || sm.Status != chat.StatusSent {
			continue
		}
		m := sm
		r.remember(&m)
		out = append(out, r.deliver(&m)...)
		delivered = append(delivered, m)
	}
	r.mu.Unlock()
	r.publish(out)

	if len(delivered) > 0 {
		r.log.Info("Offline messages delivered", "user", name, "count", len(delivered), "queued", len(queued))
	}
	return delivered
}

// deliver moves a SENT message to DELIVERED. Callers hold r.mu.
func (r *Router) deliver(m *chat.Message) []outgoing {
	m.Status = chat.StatusDelivered
	r.mirror.UpdateMessageStatus(m.ID, m.Status)
	return []outgoing{
		notification(m.Receiver, chat.NewMessage, m.Sender, m, noteOfflineDelivered),
		notification(m.Sender, chat.MessageStatusUpdate, m.Receiver, m, noteCameOnline),
	}
}

// MarkRead moves the given messages addressed to username to READ and returns how many
// changed. Messages addressed to someone else, unknown ids and READ messages are skipped.
func (r *Router) MarkRead(ctx context.Context, username string, ids []string) int {
	name := normalize.Username(username)
	ids = lo.Uniq(lo.Compact(ids))

	r.mu.Lock()
	missing := lo.Filter(ids, func(id string, _ int) bool {
		_, ok := r.messages[id]
		return !ok
	})
	r.mu.Unlock()

	var fromStore []chat.Message
	if len(missing) > 0 {
		history, err := r.mirror.FindHistory(ctx, name)
		if err != nil {
			r.logStoreError("find history", name, err)
		}
		wanted := lo.SliceToMap(missing, func(id string) (string, struct{}) { return id, struct{}{} })
		fromStore = lo.Filter(history, func(m chat.Message, _ int) bool {
			_, ok := wanted[m.ID]
			return ok && m.Receiver == name
		})
	}

	var out []outgoing
	r.mu.Lock()
	for _, sm := range fromStore {
		if _, known := r.messages[sm.ID]; !known && sm.Status.Valid() {
			m := sm
			r.remember(&m)
		}
	}
	marked := 0
	for _, id := range ids {
		m, ok := r.messages[id]
		if !ok || m.Receiver != name || !m.Status.Before(chat.StatusRead) {
			continue
		}
		if m.Status == chat.StatusSent {
			r.dequeue(m)
		}
		m.Status = chat.StatusRead
		r.mirror.UpdateMessageStatus(m.ID, m.Status)
		out = append(out, notification(m.Sender, chat.MessageStatusUpdate, name, m, noteRead))
		marked++
	}
	r.mu.Unlock()

	r.publish(out)
	return marked
}

// History returns every message username sent plus every message it received that has
// been delivered, oldest first. The store view is merged in when reachable.
func (r *Router) History(ctx context.Context, username string) []chat.Message {
	name := normalize.Username(username)

	r.mu.Lock()
	var memory []chat.Message
	for peer := range r.partners[name] {
		for _, m := range r.conversations[pairOf(name, peer)] {
			memory = append(memory, *m)
		}
	}
	r.mu.Unlock()

	merged := lo.SliceToMap(memory, func(m chat.Message) (string, chat.Message) { return m.ID, m })
	stored, err := r.mirror.FindHistory(ctx, name)
	if err != nil {
		r.logStoreError("find history", name, err)
	}
	for _, sm := range stored {
		if m, ok := merged[sm.ID]; ok && !m.Status.Before(sm.Status) {
			continue
		}
		merged[sm.ID] = sm
	}

	view := lo.Filter(lo.Values(merged), func(m chat.Message, _ int) bool {
		return m.Sender == name || (m.Receiver == name && m.Status != chat.StatusSent)
	})
	sortMessages(view)
	return view
}

// Conversation is the part of username's history exchanged with peer.
func (r *Router) Conversation(ctx context.Context, username, peer string) []chat.Message {
	name, peer := normalize.Username(username), normalize.Username(peer)
	return lo.Filter(r.History(ctx, name), func(m chat.Message, _ int) bool {
		return m.Peer(name) == peer
	})
}

// RecentChats lists username's conversation partners, most recent first.
// A non-positive limit returns all of them.
func (r *Router) RecentChats(ctx context.Context, username string, limit int) []chat.ChatPartner {
	name := normalize.Username(username)

	latest := make(map[string]chat.Message)
	for _, m := range r.History(ctx, name) {
		// history is ascending, so the last write per peer wins
		latest[m.Peer(name)] = m
	}
	chats := lo.MapToSlice(latest, func(peer string, m chat.Message) chat.ChatPartner {
		return chat.ChatPartner{Username: peer, LastMessage: m.Body, LastMessageTime: m.Timestamp}
	})
	sort.Slice(chats, func(i, j int) bool {
		if !chats[i].LastMessageTime.Equal(chats[j].LastMessageTime) {
			return chats[i].LastMessageTime.After(chats[j].LastMessageTime)
		}
		return chats[i].Username < chats[j].Username
	})
	if limit > 0 && len(chats) > limit {
		chats = chats[:limit]
	}
	return chats
}

// Pending returns the length of username's in-memory offline queue.
func (r *Router) Pending(username string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues[normalize.Username(username)])
}

// nextTimestamp returns a UTC time strictly after the previous one. Callers hold r.mu.
func (r *Router) nextTimestamp() time.Time {
	ts := r.now().UTC()
	if !ts.After(r.last) {
		ts = r.last.Add(time.Nanosecond)
	}
	r.last = ts
	return ts
}

// remember indexes m by id and inserts it into its conversation in timestamp order.
// Callers hold r.mu.
func (r *Router) remember(m *chat.Message) {
	r.messages[m.ID] = m

	key := pairOf(m.Sender, m.Receiver)
	conv := r.conversations[key]
	i := sort.Search(len(conv), func(i int) bool { return less(*m, *conv[i]) })
	conv = append(conv, nil)
	copy(conv[i+1:], conv[i:])
	conv[i] = m
	r.conversations[key] = conv

	r.link(m.Sender, m.Receiver)
	r.link(m.Receiver, m.Sender)
}

func (r *Router) link(user, peer string) {
	if r.partners[user] == nil {
		r.partners[user] = make(map[string]struct{})
	}
	r.partners[user][peer] = struct{}{}
}

// dequeue removes m from its receiver's offline queue. Callers hold r.mu.
func (r *Router) dequeue(m *chat.Message) {
	q := r.queues[m.Receiver]
	rest := lo.Reject(q, func(queued *chat.Message, _ int) bool { return queued == m })
	if len(rest) == 0 {
		delete(r.queues, m.Receiver)
		return
	}
	r.queues[m.Receiver] = rest
}

func (r *Router) publish(out []outgoing) {
	for _, o := range out {
		r.hub.Publish(o.to, o.n)
	}
}

func (r *Router) logStoreError(op, user string, err error) {
	if errors.Is(err, chat.ErrStoreUnavailable) {
		r.log.Debug("Store not consulted", "op", op, "user", user, "err", err)
		return
	}
	r.log.Warn("Store read failed, using memory only", "op", op, "user", user, "err", err)
}

func notification(to string, kind chat.NotificationKind, from string, m *chat.Message, note string) outgoing {
	snapshot := *m
	return outgoing{to: to, n: chat.Notification{Kind: kind, Username: from, Message: &snapshot, Note: note}}
}

func less(a, b chat.Message) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

func sortMessages(ms []chat.Message) {
	sort.Slice(ms, func(i, j int) bool { return less(ms[i], ms[j]) })
}
