package lock_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smazurov/cronguard/internal/clock"
	"github.com/smazurov/cronguard/internal/coordinator"
	"github.com/smazurov/cronguard/internal/lock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *coordinator.Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	coord := coordinator.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = coord.Close() })
	return mr, coord
}

// failingCoordinator fails every call with err.
type failingCoordinator struct {
	err error
}

func (f failingCoordinator) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, f.err
}

func (f failingCoordinator) Get(context.Context, string) (string, bool, error) {
	return "", false, f.err
}

func (f failingCoordinator) CompareAndDelete(context.Context, string, string) (bool, error) {
	return false, f.err
}

func TestKey(t *testing.T) {
	assert.Equal(t, "lock/backup.sh --full", lock.Key("lock", "backup.sh --full"))
	assert.Equal(t, lock.Key("lock", "a"), lock.Key("lock", "a"))
	assert.NotEqual(t, lock.Key("lock", "a"), lock.Key("lock", "b"))
	assert.NotEqual(t, lock.Key("lock", "a"), lock.Key("other", "a"))
}

func TestTokenValue(t *testing.T) {
	a := lock.NewToken("lock/job", "web-1")
	b := lock.NewToken("lock/job", "web-1")

	assert.NotEqual(t, a.Value(), b.Value(), "each acquisition gets a fresh nonce")
	assert.Len(t, a.Nonce, 32)
	assert.NotContains(t, a.Nonce, "-")
	assert.Equal(t, "web-1|"+a.Nonce, a.Value())
}

func TestParseHolder(t *testing.T) {
	tests := []struct {
		value string
		want  string
	}{
		{"web-1|0123abcd", "web-1"},
		{"web|01|0123abcd", "web|01"},
		{"|nonce", ""},
		{"no-separator", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, lock.ParseHolder(tt.value), "ParseHolder(%q)", tt.value)
	}
}

func TestParseHolderRoundTrip(t *testing.T) {
	for _, holder := range []string{"web-1", "web|01", "a|b|c"} {
		token := lock.NewToken("lock/job", holder)
		assert.Equal(t, holder, lock.ParseHolder(token.Value()))
	}
}

func TestAcquireAndHolder(t *testing.T) {
	_, coord := newRedis(t)
	ctx := context.Background()

	web1 := lock.NewLocker(coord, "web-1", testLogger())
	web2 := lock.NewLocker(coord, "web-2", testLogger())

	acq, err := web1.Acquire(ctx, "lock/job", time.Minute)
	require.NoError(t, err)
	require.True(t, acq.Acquired())
	assert.Equal(t, "web-1", acq.Token.Holder)

	denied, err := web2.Acquire(ctx, "lock/job", time.Minute)
	require.NoError(t, err)
	assert.False(t, denied.Acquired())
	assert.Equal(t, "web-1", denied.Holder)

	holder, found, err := web2.Holder(ctx, "lock/job")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "web-1", holder)
}

func TestAcquireInvalidTTL(t *testing.T) {
	locker := lock.NewLocker(coordinator.NewMemory(nil), "web-1", testLogger())
	_, err := locker.Acquire(context.Background(), "lock/job", 0)
	assert.ErrorIs(t, err, lock.ErrInvalidTTL)
}

func TestAcquireTransportFault(t *testing.T) {
	boom := errors.New("connection refused")
	locker := lock.NewLocker(failingCoordinator{err: boom}, "web-1", testLogger())

	acq, err := locker.Acquire(context.Background(), "lock/job", time.Minute)
	assert.ErrorIs(t, err, lock.ErrCoordinator)
	assert.ErrorIs(t, err, boom)
	assert.False(t, acq.Acquired())
}

func TestMutualExclusion(t *testing.T) {
	_, rcoord := newRedis(t)
	coords := map[string]lock.Coordinator{
		"redis":  rcoord,
		"memory": coordinator.NewMemory(nil),
	}

	for name, coord := range coords {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const contenders = 20

			var (
				mu      sync.Mutex
				winners []string
				wg      sync.WaitGroup
			)
			for i := range contenders {
				wg.Add(1)
				go func() {
					defer wg.Done()
					identity := "host-" + string(rune('a'+i))
					acq, err := lock.NewLocker(coord, identity, testLogger()).Acquire(ctx, "lock/race", time.Minute)
					assert.NoError(t, err)
					if acq.Acquired() {
						mu.Lock()
						winners = append(winners, identity)
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			require.Len(t, winners, 1)
			holder, _, err := lock.NewLocker(coord, "observer", testLogger()).Holder(ctx, "lock/race")
			require.NoError(t, err)
			assert.Equal(t, winners[0], holder)
		})
	}
}

func TestReleaseAfterExpiryKeepsNewHolder(t *testing.T) {
	t.Run("redis", func(t *testing.T) {
		mr, coord := newRedis(t)
		releaseAfterExpiry(t, coord, mr.FastForward)
	})
	t.Run("memory", func(t *testing.T) {
		manual := clock.NewManual()
		releaseAfterExpiry(t, coordinator.NewMemory(manual), manual.Advance)
	})
}

func releaseAfterExpiry(t *testing.T, coord lock.Coordinator, advance func(time.Duration)) {
	t.Helper()
	ctx := context.Background()
	first := lock.NewLocker(coord, "web-1", testLogger())
	second := lock.NewLocker(coord, "web-2", testLogger())

	acq, err := first.Acquire(ctx, "lock/job", 10*time.Second)
	require.NoError(t, err)
	require.True(t, acq.Acquired())

	advance(11 * time.Second)

	acq2, err := second.Acquire(ctx, "lock/job", time.Minute)
	require.NoError(t, err)
	require.True(t, acq2.Acquired(), "expired lock should be acquirable")

	released, err := first.Release(ctx, acq.Token)
	require.NoError(t, err)
	assert.False(t, released, "stale token must not release")

	holder, found, err := first.Holder(ctx, "lock/job")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "web-2", holder)

	released, err = second.Release(ctx, acq2.Token)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestDoReleasesOnSuccess(t *testing.T) {
	coord := coordinator.NewMemory(nil)
	locker := lock.NewLocker(coord, "web-1", testLogger())
	ctx := context.Background()

	ran := false
	acq, err := locker.Do(ctx, "lock/job", time.Minute, func(context.Context) error {
		ran = true
		_, found, err := locker.Holder(ctx, "lock/job")
		assert.NoError(t, err)
		assert.True(t, found, "lock must be held while fn runs")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, acq.Acquired())
	assert.True(t, ran)

	_, found, err := locker.Holder(ctx, "lock/job")
	require.NoError(t, err)
	assert.False(t, found, "lock must be released after Do")
}

func TestDoReleasesOnError(t *testing.T) {
	coord := coordinator.NewMemory(nil)
	locker := lock.NewLocker(coord, "web-1", testLogger())
	ctx := context.Background()
	boom := errors.New("job failed")

	_, err := locker.Do(ctx, "lock/job", time.Minute, func(context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, found, _ := locker.Holder(ctx, "lock/job")
	assert.False(t, found)
}

func TestDoReleasesOnPanic(t *testing.T) {
	coord := coordinator.NewMemory(nil)
	locker := lock.NewLocker(coord, "web-1", testLogger())
	ctx := context.Background()

	assert.PanicsWithValue(t, "kaboom", func() {
		_, _ = locker.Do(ctx, "lock/job", time.Minute, func(context.Context) error {
			panic("kaboom")
		})
	})

	_, found, _ := locker.Holder(ctx, "lock/job")
	assert.False(t, found, "lock must be released after panic")
}

func TestDoReleasesAfterCancel(t *testing.T) {
	coord := coordinator.NewMemory(nil)
	locker := lock.NewLocker(coord, "web-1", testLogger())
	ctx, cancel := context.WithCancel(context.Background())

	_, err := locker.Do(ctx, "lock/job", time.Minute, func(context.Context) error {
		cancel()
		return nil
	})
	require.NoError(t, err)

	_, found, _ := locker.Holder(context.Background(), "lock/job")
	assert.False(t, found)
}

func TestDoSkipsWhenHeld(t *testing.T) {
	coord := coordinator.NewMemory(nil)
	ctx := context.Background()
	other := lock.NewLocker(coord, "web-2", testLogger())
	_, err := other.Acquire(ctx, "lock/job", time.Minute)
	require.NoError(t, err)

	ran := false
	acq, err := lock.NewLocker(coord, "web-1", testLogger()).Do(ctx, "lock/job", time.Minute, func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, acq.Acquired())
	assert.Equal(t, "web-2", acq.Holder)
	assert.False(t, ran)
}

func TestDoReleaseFault(t *testing.T) {
	coord := &flakyRelease{Memory: coordinator.NewMemory(nil), err: errors.New("timeout")}
	locker := lock.NewLocker(coord, "web-1", testLogger())

	_, err := locker.Do(context.Background(), "lock/job", time.Minute, func(context.Context) error {
		return nil
	})
	assert.ErrorIs(t, err, lock.ErrRelease)
	assert.ErrorIs(t, err, lock.ErrCoordinator)
}

// flakyRelease fails on release only.
type flakyRelease struct {
	*coordinator.Memory
	err error
}

func (f *flakyRelease) CompareAndDelete(context.Context, string, string) (bool, error) {
	return false, f.err
}
