package storage

import (
	"fmt"
	"log/slog"
	"net/url"

	"github.com/PaulBabatuyi/dmengine/internal/chat"
	"github.com/PaulBabatuyi/dmengine/internal/data"
	"github.com/PaulBabatuyi/dmengine/internal/kv"
	"github.com/PaulBabatuyi/dmengine/internal/sqlstore"
)

// Open returns an unconnected store for the scheme of uri:
// mongodb and mongodb+srv use MongoDB, badger an embedded Badger database,
// sqlite an embedded SQLite file.
func Open(uri string, log *slog.Logger) (chat.Store, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: store uri: %v", chat.ErrInvalidInput, err)
	}
	switch u.Scheme {
	case "mongodb", "mongodb+srv":
		return data.NewStore(log), nil
	case "badger":
		return kv.New(log), nil
	case "sqlite":
		return sqlstore.New(log), nil
	}
	return nil, fmt.Errorf("%w: unsupported store scheme %q", chat.ErrInvalidInput, u.Scheme)
}
