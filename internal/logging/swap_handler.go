package logging

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// swapHandler forwards to a handler that Initialize can replace, so module
// loggers handed out before Initialize pick up its format and outputs.
type swapHandler struct {
	target *atomic.Pointer[slog.Handler]
	// derive replays WithAttrs and WithGroup calls on the current target.
	derive []func(slog.Handler) slog.Handler
}

func newSwapHandler(h slog.Handler) *swapHandler {
	target := &atomic.Pointer[slog.Handler]{}
	target.Store(&h)
	return &swapHandler{target: target}
}

// set replaces the target for this handler and every handler derived from it.
func (s *swapHandler) set(h slog.Handler) {
	s.target.Store(&h)
}

func (s *swapHandler) current() slog.Handler {
	h := *s.target.Load()
	for _, fn := range s.derive {
		h = fn(h)
	}
	return h
}

// Enabled implements slog.Handler.
func (s *swapHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return s.current().Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (s *swapHandler) Handle(ctx context.Context, r slog.Record) error {
	return s.current().Handle(ctx, r)
}

// WithAttrs implements slog.Handler.
func (s *swapHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return s.with(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

// WithGroup implements slog.Handler.
func (s *swapHandler) WithGroup(name string) slog.Handler {
	return s.with(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (s *swapHandler) with(fn func(slog.Handler) slog.Handler) *swapHandler {
	derive := make([]func(slog.Handler) slog.Handler, len(s.derive), len(s.derive)+1)
	copy(derive, s.derive)
	return &swapHandler{target: s.target, derive: append(derive, fn)}
}
