package data

import (
	"time"

	"github.com/PaulBabatuyi/dmengine/internal/chat"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// User maps to the users collection (username, secret hash, presence).
type User struct {
	ID         bson.ObjectID `bson:"_id,omitempty"`
	Username   string        `bson:"username"`
	SecretHash string        `bson:"secret_hash"`
	Presence   string        `bson:"presence"`
	CreatedAt  time.Time     `bson:"created_at"`
	UpdatedAt  time.Time     `bson:"updated_at"`
}

// Message maps to the messages collection. MessageID is the engine's id; _id only
// records insertion order and breaks timestamp ties.
type Message struct {
	ID        bson.ObjectID `bson:"_id,omitempty"`
	MessageID string        `bson:"id"`
	Sender    string        `bson:"sender"`
	Receiver  string        `bson:"receiver"`
	Content   string        `bson:"content"`
	Timestamp time.Time     `bson:"timestamp"`
	// TimestampNs keeps the nanoseconds BSON datetimes drop
	TimestampNs int64  `bson:"timestamp_ns"`
	Status      string `bson:"status"`
}

func fromUser(u chat.User) User {
	return User{
		Username:   u.Username,
		SecretHash: u.SecretHash,
		Presence:   string(u.Presence),
		CreatedAt:  u.CreatedAt.UTC(),
	}
}

func (u User) toUser() chat.User {
	presence := chat.Presence(u.Presence)
	if presence != chat.Online {
		presence = chat.Offline
	}
	return chat.User{
		Username:   u.Username,
		SecretHash: u.SecretHash,
		Presence:   presence,
		CreatedAt:  u.CreatedAt.UTC(),
	}
}

func fromMessage(m chat.Message) Message {
	return Message{
		MessageID:   m.ID,
		Sender:      m.Sender,
		Receiver:    m.Receiver,
		Content:     m.Body,
		Timestamp:   m.Timestamp.UTC(),
		TimestampNs: m.Timestamp.UnixNano(),
		Status:      string(m.Status),
	}
}

func (m Message) toMessage() chat.Message {
	ts := m.Timestamp.UTC()
	if m.TimestampNs != 0 {
		ts = time.Unix(0, m.TimestampNs).UTC()
	}
	return chat.Message{
		ID:        m.MessageID,
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		Body:      m.Content,
		Timestamp: ts,
		Status:    chat.MessageStatus(m.Status),
	}
}
