// Package coordinator provides the key/value backends the lock is built on.
//
// Backends are selected by URL:
//
//	redis://host:6379/0     shared Redis server (rediss:// for TLS)
//	bolt:///var/lib/x.db    bbolt file, coordinates one host only
//	memory://               in-process, for tests and dry runs
package coordinator

import (
	"fmt"
	"io"
	"net/url"

	"github.com/smazurov/cronguard/internal/lock"
)

// Backend is a lock coordinator that holds resources until closed.
type Backend interface {
	lock.Coordinator
	io.Closer
}

// Open returns the backend for rawURL.
func Open(rawURL string) (Backend, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse coordinator url: %w", err)
	}

	switch u.Scheme {
	case "redis", "rediss":
		r, err := NewRedisURL(rawURL)
		if err != nil {
			return nil, fmt.Errorf("redis coordinator: %w", err)
		}
		return r, nil
	case "bolt":
		path := u.Path
		if u.Host != "" {
			// bolt://relative/path.db
			path = u.Host + u.Path
		}
		b, err := NewBolt(path)
		if err != nil {
			return nil, fmt.Errorf("bolt coordinator: %w", err)
		}
		return b, nil
	case "memory":
		return NewMemory(nil), nil
	default:
		return nil, fmt.Errorf("unsupported coordinator scheme %q", u.Scheme)
	}
}
