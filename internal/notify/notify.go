// Package notify delivers failure reports to operators.
//
// Delivery is best effort: a Notifier reports success as a bool and logs its
// own failures, so a broken mail server never changes a job's result.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// Notifier sends one report.
type Notifier interface {
	Send(ctx context.Context, subject, body string) bool
}

// Transport is a single delivery mechanism that reports why it failed.
type Transport interface {
	Name() string
	Deliver(ctx context.Context, subject, body string) error
}

// Nop drops every report.
type Nop struct{}

// Send discards the report.
func (Nop) Send(context.Context, string, string) bool { return true }

// Defaults for Retrying.
const (
	DefaultAttempts        = 3
	DefaultInitialInterval = time.Second
	DefaultMaxInterval     = 5 * time.Second
)

// Retrying delivers through a transport with jittered exponential backoff.
type Retrying struct {
	transport Transport
	attempts  int
	initial   time.Duration
	max       time.Duration
	logger    *slog.Logger
}

// RetryOption configures a Retrying notifier.
type RetryOption func(*Retrying)

// WithAttempts sets the total number of delivery attempts.
func WithAttempts(n int) RetryOption {
	return func(r *Retrying) {
		if n > 0 {
			r.attempts = n
		}
	}
}

// WithIntervals sets the first and the largest wait between attempts.
func WithIntervals(initial, maxInterval time.Duration) RetryOption {
	return func(r *Retrying) {
		r.initial = initial
		r.max = maxInterval
	}
}

// NewRetrying wraps transport.
func NewRetrying(transport Transport, logger *slog.Logger, opts ...RetryOption) *Retrying {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Retrying{
		transport: transport,
		attempts:  DefaultAttempts,
		initial:   DefaultInitialInterval,
		max:       DefaultMaxInterval,
		logger:    logger.With("transport", transport.Name()),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Send tries up to the configured number of attempts.
func (r *Retrying) Send(ctx context.Context, subject, body string) bool {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initial
	b.MaxInterval = r.max
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		err := r.transport.Deliver(ctx, subject, body)
		if err != nil {
			r.logger.Warn("Notification attempt failed", "attempt", attempt, "error", err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.attempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		r.logger.Error("Notification failed", "subject", subject, "attempts", attempt, "error", err)
		return false
	}

	r.logger.Info("Notification sent", "subject", subject, "attempts", attempt)
	return true
}

// Multi fans a report out to several notifiers at once.
type Multi []Notifier

// Send succeeds if any notifier succeeded. An empty Multi succeeds.
func (m Multi) Send(ctx context.Context, subject, body string) bool {
	if len(m) == 0 {
		return true
	}

	results := make([]bool, len(m))
	var g errgroup.Group
	for i, n := range m {
		g.Go(func() error {
			results[i] = n.Send(ctx, subject, body)
			return nil
		})
	}
	_ = g.Wait()

	for _, ok := range results {
		if ok {
			return true
		}
	}
	return false
}
