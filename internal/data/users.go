// Package data provides the MongoDB-backed chat.Store.
package data

import (
	"context"
	"time"

	"github.com/PaulBabatuyi/dmengine/internal/chat"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// UsersStore performs user DB operations.
type UsersStore struct {
	// coll is the "users" collection
	coll *mongo.Collection
}

// NewUsersStore returns a UsersStore using the provided collection.
func NewUsersStore(coll *mongo.Collection) *UsersStore {
	return &UsersStore{coll: coll}
}

// UpsertUser writes the user document keyed by username, creating it when absent.
func (u *UsersStore) UpsertUser(ctx context.Context, user chat.User) error {
	doc := fromUser(user)
	update := bson.M{
		"$set": bson.M{
			"secret_hash": doc.SecretHash,
			"presence":    doc.Presence,
			"updated_at":  time.Now().UTC(),
		},
		// created_at is only written once
		"$setOnInsert": bson.M{"created_at": doc.CreatedAt},
	}
	_, err := u.coll.UpdateOne(ctx, bson.M{"username": doc.Username}, update, options.UpdateOne().SetUpsert(true))
	return err
}

// LoadAllUsers returns every stored user ordered by creation time.
func (u *UsersStore) LoadAllUsers(ctx context.Context) ([]chat.User, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := u.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []User
	if err = cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	users := make([]chat.User, 0, len(docs))
	for _, d := range docs {
		users = append(users, d.toUser())
	}
	return users, nil
}
