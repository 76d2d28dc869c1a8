package coordinator

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smazurov/cronguard/internal/clock"
)

type backendCase struct {
	name    string
	backend Backend
	// expire moves the backend's notion of time forward
	expire func(d time.Duration)
}

// fakeWall is a wall clock advanced by tests.
type fakeWall struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeWall) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeWall) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func backends(t *testing.T) []backendCase {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rdb.Close() })

	manual := clock.NewManual()
	mem := NewMemory(manual)

	wall := &fakeWall{now: time.Date(2025, 1, 27, 10, 30, 0, 0, time.UTC)}
	bdb, err := NewBolt(filepath.Join(t.TempDir(), "locks.db"))
	require.NoError(t, err)
	bdb.now = wall.Now

	return []backendCase{
		{name: "redis", backend: rdb, expire: mr.FastForward},
		{name: "memory", backend: mem, expire: manual.Advance},
		{name: "bolt", backend: bdb, expire: wall.Advance},
	}
}

func TestSetNXOnlyOnce(t *testing.T) {
	ctx := context.Background()
	for _, bc := range backends(t) {
		t.Run(bc.name, func(t *testing.T) {
			ok, err := bc.backend.SetNX(ctx, "lock/job", "a|1", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = bc.backend.SetNX(ctx, "lock/job", "b|2", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok, "second SetNX must fail while the key is live")

			value, found, err := bc.backend.Get(ctx, "lock/job")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, "a|1", value)
		})
	}
}

func TestGetMissing(t *testing.T) {
	ctx := context.Background()
	for _, bc := range backends(t) {
		t.Run(bc.name, func(t *testing.T) {
			value, found, err := bc.backend.Get(ctx, "lock/none")
			require.NoError(t, err)
			assert.False(t, found)
			assert.Empty(t, value)
		})
	}
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	for _, bc := range backends(t) {
		t.Run(bc.name, func(t *testing.T) {
			ok, err := bc.backend.SetNX(ctx, "lock/job", "a|1", 10*time.Second)
			require.NoError(t, err)
			require.True(t, ok)

			bc.expire(11 * time.Second)

			_, found, err := bc.backend.Get(ctx, "lock/job")
			require.NoError(t, err)
			assert.False(t, found, "key should have expired")

			ok, err = bc.backend.SetNX(ctx, "lock/job", "b|2", 10*time.Second)
			require.NoError(t, err)
			assert.True(t, ok, "expired key must be acquirable")
		})
	}
}

func TestCompareAndDelete(t *testing.T) {
	ctx := context.Background()
	for _, bc := range backends(t) {
		t.Run(bc.name, func(t *testing.T) {
			_, err := bc.backend.SetNX(ctx, "lock/job", "a|1", time.Minute)
			require.NoError(t, err)

			deleted, err := bc.backend.CompareAndDelete(ctx, "lock/job", "b|2")
			require.NoError(t, err)
			assert.False(t, deleted, "foreign value must not be deleted")

			value, found, err := bc.backend.Get(ctx, "lock/job")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, "a|1", value)

			deleted, err = bc.backend.CompareAndDelete(ctx, "lock/job", "a|1")
			require.NoError(t, err)
			assert.True(t, deleted)

			deleted, err = bc.backend.CompareAndDelete(ctx, "lock/job", "a|1")
			require.NoError(t, err)
			assert.False(t, deleted, "second delete is a no-op")
		})
	}
}

func TestCompareAndDeleteAfterExpiryAndReacquire(t *testing.T) {
	ctx := context.Background()
	for _, bc := range backends(t) {
		t.Run(bc.name, func(t *testing.T) {
			_, err := bc.backend.SetNX(ctx, "lock/job", "a|1", 5*time.Second)
			require.NoError(t, err)

			bc.expire(6 * time.Second)

			ok, err := bc.backend.SetNX(ctx, "lock/job", "b|2", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)

			deleted, err := bc.backend.CompareAndDelete(ctx, "lock/job", "a|1")
			require.NoError(t, err)
			assert.False(t, deleted)

			value, _, err := bc.backend.Get(ctx, "lock/job")
			require.NoError(t, err)
			assert.Equal(t, "b|2", value, "new holder's lock must survive")
		})
	}
}

func TestConcurrentSetNX(t *testing.T) {
	ctx := context.Background()
	for _, bc := range backends(t) {
		t.Run(bc.name, func(t *testing.T) {
			var wins atomic.Int32
			var wg sync.WaitGroup
			for range 16 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := bc.backend.SetNX(ctx, "lock/race", "x", time.Minute)
					assert.NoError(t, err)
					if ok {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestOpen(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"redis", "redis://" + mr.Addr() + "/0", false},
		{"memory", "memory://", false},
		{"bolt", "bolt://" + filepath.Join(t.TempDir(), "cg.db"), false},
		{"unknown scheme", "etcd://localhost:2379", true},
		{"bad redis url", "redis://host:notaport", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Open(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer b.Close()

			ok, err := b.SetNX(context.Background(), "lock/open", "v", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestBoltCanceledContext(t *testing.T) {
	b, err := NewBolt(filepath.Join(t.TempDir(), "locks.db"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = b.SetNX(ctx, "lock/job", "v", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
