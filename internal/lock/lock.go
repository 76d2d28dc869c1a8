package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrCoordinator wraps transport failures of the coordinator.
	ErrCoordinator = errors.New("coordinator unavailable")
	// ErrRelease is returned when a held lock could not be released.
	ErrRelease = errors.New("lock release failed")
	// ErrInvalidTTL is returned for non-positive lock TTLs.
	ErrInvalidTTL = errors.New("invalid lock TTL")
)

// DefaultReleaseTimeout bounds the release call made when leaving Do.
const DefaultReleaseTimeout = 5 * time.Second

// Coordinator is the shared key/value store the lock is built on.
type Coordinator interface {
	// SetNX stores value under key with a TTL if key is absent.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get returns the current value of key, for holder reporting only.
	Get(ctx context.Context, key string) (string, bool, error)
	// CompareAndDelete deletes key only if it still holds expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
}

// Acquisition is the outcome of an acquire attempt. Exactly one of Token
// and Holder is meaningful: Token when acquired, Holder when denied.
type Acquisition struct {
	Token  *Token
	Holder string
}

// Acquired reports whether the lock was obtained.
func (a Acquisition) Acquired() bool {
	return a.Token != nil
}

// Locker hands out single-instance locks keyed by job.
type Locker struct {
	coord          Coordinator
	identity       string
	logger         *slog.Logger
	releaseTimeout time.Duration
}

// NewLocker creates a locker acquiring on behalf of identity.
func NewLocker(coord Coordinator, identity string, logger *slog.Logger) *Locker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{
		coord:          coord,
		identity:       identity,
		logger:         logger,
		releaseTimeout: DefaultReleaseTimeout,
	}
}

// Identity returns the holder identity stored in acquired locks.
func (l *Locker) Identity() string {
	return l.identity
}

// Acquire tries to take the lock for key once, without waiting. A lock held
// by someone else is reported through the Acquisition, not as an error.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (Acquisition, error) {
	if ttl <= 0 {
		return Acquisition{}, fmt.Errorf("%w: %s", ErrInvalidTTL, ttl)
	}

	token := NewToken(key, l.identity)
	ok, err := l.coord.SetNX(ctx, key, token.Value(), ttl)
	if err != nil {
		return Acquisition{}, fmt.Errorf("%w: acquire %s: %w", ErrCoordinator, key, err)
	}
	if ok {
		l.logger.Debug("Lock acquired", "key", key, "ttl", ttl)
		return Acquisition{Token: token}, nil
	}

	// Best effort: the key may have expired in between
	holder, _, err := l.Holder(ctx, key)
	if err != nil {
		l.logger.Warn("Failed to read lock holder", "key", key, "error", err)
	}
	l.logger.Debug("Lock held", "key", key, "holder", holder)
	return Acquisition{Holder: holder}, nil
}

// Release deletes the lock only if it still carries token's value. It
// returns false when the lock expired or now belongs to someone else.
func (l *Locker) Release(ctx context.Context, token *Token) (bool, error) {
	ok, err := l.coord.CompareAndDelete(ctx, token.Key, token.Value())
	if err != nil {
		return false, fmt.Errorf("%w: release %s: %w", ErrCoordinator, token.Key, err)
	}
	if !ok {
		l.logger.Warn("Lock was no longer ours at release", "key", token.Key)
	} else {
		l.logger.Debug("Lock released", "key", token.Key)
	}
	return ok, nil
}

// Holder reports the identity currently holding key.
func (l *Locker) Holder(ctx context.Context, key string) (string, bool, error) {
	value, ok, err := l.coord.Get(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("%w: get %s: %w", ErrCoordinator, key, err)
	}
	if !ok {
		return "", false, nil
	}
	return ParseHolder(value), true, nil
}

// Do runs fn while holding the lock for key. fn is not called when the lock
// is held elsewhere. The lock is released on every exit path, including a
// panic in fn, using a context that outlives ctx's cancellation.
func (l *Locker) Do(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (acq Acquisition, err error) {
	acq, err = l.Acquire(ctx, key, ttl)
	if err != nil || !acq.Acquired() {
		return acq, err
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.releaseTimeout)
		defer cancel()

		if _, relErr := l.Release(releaseCtx, acq.Token); relErr != nil {
			l.logger.Error("Failed to release lock", "key", key, "error", relErr)
			if err == nil {
				err = fmt.Errorf("%w: %w", ErrRelease, relErr)
			}
		}
	}()

	return acq, fn(ctx)
}
