// Package chat holds the domain model shared by the delivery engine and its store adapters.
package chat

import (
	"time"

	"github.com/samber/lo"
)

// Presence is a user's online flag.
type Presence string

const (
	Online  Presence = "ONLINE"
	Offline Presence = "OFFLINE"
)

// MessageStatus is the lifecycle state of a message: SENT -> DELIVERED -> READ.
type MessageStatus string

const (
	StatusSent      MessageStatus = "SENT"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusRead      MessageStatus = "READ"
)

// Statuses lists every status in lifecycle order.
var Statuses = []MessageStatus{StatusSent, StatusDelivered, StatusRead}

// rank orders statuses so transitions can be checked for direction.
func (s MessageStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// Valid reports whether s is one of the known statuses.
func (s MessageStatus) Valid() bool { return s.rank() > 0 }

// Before reports whether s comes strictly earlier in the lifecycle than o.
func (s MessageStatus) Before(o MessageStatus) bool { return s.rank() < o.rank() }

// Earlier returns the statuses a message may be in before moving to s.
func (s MessageStatus) Earlier() []MessageStatus {
	return lo.Filter(Statuses, func(st MessageStatus, _ int) bool { return st.Before(s) })
}

// User is a registered account. SecretHash is never the plain secret.
type User struct {
	Username   string
	SecretHash string
	Presence   Presence
	CreatedAt  time.Time
}

// Message is a point-to-point text message. Everything except Status is immutable.
type Message struct {
	ID        string
	Sender    string
	Receiver  string
	Body      string
	Timestamp time.Time
	Status    MessageStatus
}

// Peer returns the other participant of the message as seen by username.
func (m Message) Peer(username string) string {
	if m.Sender == username {
		return m.Receiver
	}
	return m.Sender
}

// ChatPartner summarizes a conversation for recent-chat listings.
type ChatPartner struct {
	Username        string
	LastMessage     string
	LastMessageTime time.Time
}

// NotificationKind classifies a Notification.
type NotificationKind string

const (
	NewMessage          NotificationKind = "NEW_MESSAGE"
	UserOnline          NotificationKind = "USER_ONLINE"
	MessageStatusUpdate NotificationKind = "MESSAGE_STATUS_UPDATE"
)

// Notification is an ephemeral event pushed to listeners. Message is nil for presence events.
type Notification struct {
	Kind     NotificationKind
	Username string
	Message  *Message
	Note     string
}

// Listener receives notifications for one session. Implementations must be comparable
// (typically pointers) because the hub removes them by identity.
type Listener interface {
	Notify(n Notification) error
}
