// Package directory keeps the registered users and their presence.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/PaulBabatuyi/dmengine/internal/auth"
	"github.com/PaulBabatuyi/dmengine/internal/chat"
	"github.com/PaulBabatuyi/dmengine/internal/normalize"
	"github.com/go-playground/validator/v10"
)

// Mirror is the best-effort persistence the directory writes through.
type Mirror interface {
	UpsertUser(u chat.User)
	LoadAllUsers(ctx context.Context) ([]chat.User, error)
}

type registration struct {
	Username string `validate:"required,max=64,printascii"`
}

// Directory holds every known user in registration order.
type Directory struct {
	log      *slog.Logger
	mirror   Mirror
	validate *validator.Validate

	mu    sync.RWMutex
	users map[string]*chat.User
	order []string
}

func New(log *slog.Logger, mirror Mirror) *Directory {
	return &Directory{
		log:      log,
		mirror:   mirror,
		validate: validator.New(),
		users:    make(map[string]*chat.User),
	}
}

// Register creates an OFFLINE user. The username is stored in canonical form.
func (d *Directory) Register(username, secret string) (chat.User, error) {
	name := normalize.Username(username)
	if err := d.validate.Struct(registration{Username: name}); err != nil {
		return chat.User{}, fmt.Errorf("%w: username: %v", chat.ErrInvalidInput, err)
	}
	if d.Exists(name) {
		return chat.User{}, fmt.Errorf("%w: %s", chat.ErrDuplicateUser, name)
	}

	// bcrypt is slow; keep it outside the lock
	hash, err := auth.HashPassword(secret)
	if err != nil {
		return chat.User{}, fmt.Errorf("%w: secret: %v", chat.ErrInvalidInput, err)
	}

	d.mu.Lock()
	if _, taken := d.users[name]; taken {
		d.mu.Unlock()
		return chat.User{}, fmt.Errorf("%w: %s", chat.ErrDuplicateUser, name)
	}
	u := &chat.User{
		Username:   name,
		SecretHash: hash,
		Presence:   chat.Offline,
		CreatedAt:  time.Now().UTC(),
	}
	d.users[name] = u
	d.order = append(d.order, name)
	snapshot := *u
	d.mu.Unlock()

	d.mirror.UpsertUser(snapshot)
	d.log.Info("User registered", "user", name)
	return snapshot, nil
}

// Authenticate checks the secret and flips the user ONLINE.
func (d *Directory) Authenticate(username, secret string) (chat.User, error) {
	name := normalize.Username(username)

	d.mu.RLock()
	u, ok := d.users[name]
	var hash string
	if ok {
		hash = u.SecretHash
	}
	d.mu.RUnlock()
	if !ok {
		return chat.User{}, fmt.Errorf("%w: %s", chat.ErrUnknownUser, name)
	}
	if err := auth.CheckPassword(hash, secret); err != nil {
		return chat.User{}, fmt.Errorf("%w: %s", chat.ErrBadCredential, name)
	}

	d.mu.Lock()
	u.Presence = chat.Online
	snapshot := *u
	d.mu.Unlock()

	d.mirror.UpsertUser(snapshot)
	return snapshot, nil
}

// SetOffline marks username OFFLINE. Unknown users and repeated calls are no-ops.
func (d *Directory) SetOffline(username string) {
	name := normalize.Username(username)

	d.mu.Lock()
	u, ok := d.users[name]
	if !ok || u.Presence == chat.Offline {
		d.mu.Unlock()
		return
	}
	u.Presence = chat.Offline
	snapshot := *u
	d.mu.Unlock()

	d.mirror.UpsertUser(snapshot)
}

func (d *Directory) IsOnline(username string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[normalize.Username(username)]
	return ok && u.Presence == chat.Online
}

func (d *Directory) Exists(username string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.users[normalize.Username(username)]
	return ok
}

// List returns a snapshot of all users in registration order.
func (d *Directory) List() []chat.User {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]chat.User, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, *d.users[name])
	}
	return out
}

// LoadFromStore merges store-resident users that are not known in memory.
// They start OFFLINE whatever the store says. It returns how many were added.
func (d *Directory) LoadFromStore(ctx context.Context) (int, error) {
	stored, err := d.mirror.LoadAllUsers(ctx)
	if err != nil {
		if errors.Is(err, chat.ErrStoreUnavailable) {
			d.log.Debug("No store to load users from", "err", err)
			return 0, nil
		}
		return 0, fmt.Errorf("load users: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	added := 0
	for _, su := range stored {
		name := normalize.Username(su.Username)
		if name == "" || su.SecretHash == "" {
			continue
		}
		if _, ok := d.users[name]; ok {
			continue
		}
		su.Username = name
		su.Presence = chat.Offline
		d.users[name] = &su
		d.order = append(d.order, name)
		added++
	}
	d.log.Info("Users loaded from store", "added", added, "stored", len(stored))
	return added, nil
}
