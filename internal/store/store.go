// Package store persists chat messages in per-stream collections. The backend
// is chosen by the scheme of the connection URI.
package store

import (
	"context"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/you/livechat-collector/internal/core"
)

// Store is a keyed collection abstraction addressed by collection name
// (see core.CollectionName).
type Store interface {
	Insert(ctx context.Context, collection string, msg core.ChatMessage) error
	// FindOne returns the message matching key exactly, or nil when none does.
	FindOne(ctx context.Context, collection string, key core.MessageKey) (*core.ChatMessage, error)
	Find(ctx context.Context, collection string, filter Filter) ([]core.ChatMessage, error)
	Count(ctx context.Context, collection string) (int64, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
	Kind() string
}

// Order selects the sort applied by Find.
type Order string

const (
	// OrderInsertion returns messages in the order they were stored.
	OrderInsertion Order = ""
	OrderAsc       Order = "asc"
	OrderDesc      Order = "desc"
)

// Filter narrows Find. The zero value matches everything.
type Filter struct {
	// Authors are lowercased substrings; a message matches if its author contains any.
	Authors []string
	// Since is a lower bound in core.TimestampLayout form.
	Since string
	// Limit caps the result size; zero means no cap.
	Limit int
	Order Order
}

// Matches applies the filter's predicates (not Limit or Order) to one message.
func (f Filter) Matches(msg core.ChatMessage) bool {
	if len(f.Authors) > 0 {
		author := strings.ToLower(msg.Author)
		match := false
		for _, a := range f.Authors {
			if strings.Contains(author, a) {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if f.Since != "" && msg.Timestamp < f.Since {
		return false
	}
	return true
}

// Open connects to the backend named by uri's scheme: mongodb and mongodb+srv
// use MongoDB (database dbName), sqlite and file use an embedded SQLite file,
// postgres and postgresql use PostgreSQL.
func Open(ctx context.Context, uri, dbName string) (Store, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, errors.Wrap(core.ErrConfiguration, "store uri is empty")
	}
	scheme := uri
	if i := strings.Index(uri, ":"); i >= 0 {
		scheme = uri[:i]
	}
	switch strings.ToLower(scheme) {
	case "mongodb", "mongodb+srv":
		return OpenMongo(ctx, uri, dbName)
	case "postgres", "postgresql":
		return OpenPostgres(ctx, uri)
	case "sqlite":
		return OpenSQLite(ctx, sqlitePathFromURI(uri))
	case "file":
		return OpenSQLite(ctx, uri)
	default:
		return nil, errors.Wrapf(core.ErrConfiguration, "unsupported store scheme %q", scheme)
	}
}

// sqlitePathFromURI accepts sqlite:///abs/path, sqlite://rel/path and sqlite:path.
func sqlitePathFromURI(uri string) string {
	rest := strings.TrimPrefix(uri, "sqlite:")
	if !strings.HasPrefix(rest, "//") {
		return rest
	}
	u, err := url.Parse(uri)
	if err != nil {
		return strings.TrimPrefix(rest, "//")
	}
	return u.Host + u.Path
}
