//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_store.go -package=mocks
package chat

import "context"

// Store is the external persistence collaborator. The engine treats it as a mirror of its
// in-memory state: it may be absent or unreachable at any time.
type Store interface {
	// Connect opens the store. It never panics; false means unreachable.
	Connect(ctx context.Context, uri, database string) bool
	IsConnected() bool
	Close() error

	UpsertUser(ctx context.Context, u User) error
	LoadAllUsers(ctx context.Context) ([]User, error)

	InsertMessage(ctx context.Context, m Message) error
	UpdateMessageStatus(ctx context.Context, id string, status MessageStatus) error
	// FindUndelivered returns SENT messages addressed to receiver, oldest first.
	FindUndelivered(ctx context.Context, receiver string) ([]Message, error)
	// FindHistory returns every message sent or received by username, oldest first.
	FindHistory(ctx context.Context, username string) ([]Message, error)
}
