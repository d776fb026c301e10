package data

import (
	"context"
	"fmt"

	"github.com/PaulBabatuyi/dmengine/internal/chat"
	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MessagesStore provides message database operations.
type MessagesStore struct {
	// coll is the "messages" collection
	coll *mongo.Collection
}

// NewMessagesStore returns a MessagesStore using given collection.
func NewMessagesStore(coll *mongo.Collection) *MessagesStore {
	return &MessagesStore{coll: coll}
}

// oldestFirst sorts by timestamp; _id grows with insertion and breaks ties.
var oldestFirst = bson.D{{Key: "timestamp_ns", Value: 1}, {Key: "_id", Value: 1}}

// InsertMessage stores a new message document.
func (m *MessagesStore) InsertMessage(ctx context.Context, msg chat.Message) error {
	_, err := m.coll.InsertOne(ctx, fromMessage(msg))
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("message %s already stored: %w", msg.ID, err)
	}
	return err
}

// UpdateMessageStatus moves a message to status. The filter refuses to move a
// message backwards, so replayed or reordered writes cannot undo a later status.
func (m *MessagesStore) UpdateMessageStatus(ctx context.Context, id string, status chat.MessageStatus) error {
	filter := bson.M{
		"id":     id,
		"status": bson.M{"$in": lo.Map(status.Earlier(), func(s chat.MessageStatus, _ int) string { return string(s) })},
	}
	_, err := m.coll.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"status": string(status)}})
	return err
}

// FindUndelivered returns SENT messages addressed to receiver, oldest first.
func (m *MessagesStore) FindUndelivered(ctx context.Context, receiver string) ([]chat.Message, error) {
	filter := bson.M{"receiver": receiver, "status": string(chat.StatusSent)}
	return m.find(ctx, filter)
}

// FindHistory returns every message sent or received by username, oldest first.
func (m *MessagesStore) FindHistory(ctx context.Context, username string) ([]chat.Message, error) {
	filter := bson.M{
		"$or": bson.A{
			bson.M{"sender": username},
			bson.M{"receiver": username},
		},
	}
	return m.find(ctx, filter)
}

func (m *MessagesStore) find(ctx context.Context, filter bson.M) ([]chat.Message, error) {
	cursor, err := m.coll.Find(ctx, filter, options.Find().SetSort(oldestFirst))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []Message
	if err = cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	out := make([]chat.Message, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toMessage())
	}
	return out, nil
}
