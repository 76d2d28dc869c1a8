package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/smazurov/cronguard/internal/clock"
)

type memoryEntry struct {
	value     string
	expiresAt time.Duration // on the coordinator's clock
}

// Memory is an in-process coordinator. Expiry follows a monotonic clock, so
// it only coordinates callers within one process.
type Memory struct {
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemory creates an empty coordinator. A nil clock uses clock.New().
func NewMemory(c clock.Clock) *Memory {
	if c == nil {
		c = clock.New()
	}
	return &Memory{
		clock:   c,
		entries: make(map[string]memoryEntry),
	}
}

// lookup returns the live entry for key, dropping it if expired.
// Caller must hold mu.
func (m *Memory) lookup(key string) (memoryEntry, bool) {
	entry, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if m.clock.Elapsed() >= entry.expiresAt {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

// SetNX stores value unless a live entry exists.
func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.entries[key] = memoryEntry{value: value, expiresAt: clock.ExpiresAt(m.clock, ttl)}
	return true, nil
}

// Get returns the live value stored under key.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.lookup(key)
	return entry.value, ok, nil
}

// CompareAndDelete removes key when it still holds expected.
func (m *Memory) CompareAndDelete(_ context.Context, key, expected string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.lookup(key)
	if !ok || entry.value != expected {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}
