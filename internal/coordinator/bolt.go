package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var locksBucket = []byte("locks")

// DefaultBoltOpenTimeout bounds the wait for the database file lock.
const DefaultBoltOpenTimeout = 5 * time.Second

type boltEntry struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Bolt is a single-host coordinator on a bbolt file. The file is opened for
// each operation, so separate cron invocations on one machine serialize on
// bbolt's file lock. Expiry uses wall-clock time because it must be
// comparable across processes.
type Bolt struct {
	path        string
	openTimeout time.Duration
	now         func() time.Time
}

// NewBolt creates a coordinator storing locks in the file at path.
func NewBolt(path string) (*Bolt, error) {
	if path == "" {
		return nil, fmt.Errorf("empty bolt path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create bolt dir: %w", err)
	}
	return &Bolt{
		path:        path,
		openTimeout: DefaultBoltOpenTimeout,
		now:         time.Now,
	}, nil
}

// update runs fn in a read-write transaction on a freshly opened database.
func (b *Bolt) update(ctx context.Context, fn func(bucket *bolt.Bucket) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	db, err := bolt.Open(b.path, 0o600, &bolt.Options{Timeout: b.openTimeout})
	if err != nil {
		return fmt.Errorf("open %s: %w", b.path, err)
	}
	defer db.Close()

	return db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(locksBucket)
		if err != nil {
			return err
		}
		return fn(bucket)
	})
}

// live decodes the entry stored under key, ignoring expired ones.
func (b *Bolt) live(bucket *bolt.Bucket, key string) (boltEntry, bool, error) {
	raw := bucket.Get([]byte(key))
	if raw == nil {
		return boltEntry{}, false, nil
	}
	var entry boltEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return boltEntry{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	if !b.now().Before(entry.ExpiresAt) {
		return boltEntry{}, false, nil
	}
	return entry, true, nil
}

// SetNX stores value unless a live entry exists. The expiry is wall-clock
// time so it survives across processes.
func (b *Bolt) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var stored bool
	err := b.update(ctx, func(bucket *bolt.Bucket) error {
		if _, ok, err := b.live(bucket, key); err != nil || ok {
			return err
		}
		raw, err := json.Marshal(boltEntry{Value: value, ExpiresAt: b.now().Add(ttl)})
		if err != nil {
			return err
		}
		stored = true
		return bucket.Put([]byte(key), raw)
	})
	if err != nil {
		return false, err
	}
	return stored, nil
}

// Get returns the live value stored under key.
func (b *Bolt) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		entry boltEntry
		found bool
	)
	err := b.update(ctx, func(bucket *bolt.Bucket) error {
		var err error
		entry, found, err = b.live(bucket, key)
		return err
	})
	if err != nil {
		return "", false, err
	}
	return entry.Value, found, nil
}

// CompareAndDelete removes key inside one transaction when it still holds expected.
func (b *Bolt) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	var deleted bool
	err := b.update(ctx, func(bucket *bolt.Bucket) error {
		entry, ok, err := b.live(bucket, key)
		if err != nil || !ok || entry.Value != expected {
			return err
		}
		deleted = true
		return bucket.Delete([]byte(key))
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// Close is a no-op; the file is not held between operations.
func (b *Bolt) Close() error {
	return nil
}
