package nats

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/smazurov/cronguard/internal/events"
)

// marshaler is implemented by every message type.
type marshaler interface {
	Marshal() ([]byte, error)
}

// Bridge forwards event bus events to NATS subjects so that other hosts can
// watch guarded runs live.
type Bridge struct {
	url      string
	host     string
	eventBus *events.Bus
	conn     *nats.Conn
	unsubs   []func()
	logger   *slog.Logger
	mu       sync.Mutex

	completed     chan struct{}
	completedOnce sync.Once
}

// NewBridge creates a new EventBus-to-NATS bridge publishing as host.
func NewBridge(url, host string, eventBus *events.Bus, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}

	return &Bridge{
		url:       url,
		host:      host,
		eventBus:  eventBus,
		logger:    logger.With("component", "nats-bridge"),
		completed: make(chan struct{}),
	}
}

// Start connects to NATS and subscribes to the event bus.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.eventBus == nil {
		return errors.New("nats bridge needs an event bus")
	}

	conn, err := nats.Connect(b.url,
		nats.Name("cronguard-bridge-"+b.host),
		nats.Timeout(5*time.Second),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(5),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn("NATS bridge disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			b.logger.Info("NATS bridge reconnected")
		}),
	)
	if err != nil {
		return err
	}

	b.conn = conn
	b.logger.Debug("NATS bridge connected", "url", b.url)

	b.unsubs = append(b.unsubs,
		b.eventBus.Subscribe(b.handleState),
		b.eventBus.Subscribe(b.handleFault),
		b.eventBus.Subscribe(b.handleContention),
		b.eventBus.Subscribe(b.handleCompleted),
	)
	return nil
}

func (b *Bridge) handleState(e events.StateChangedEvent) {
	b.publish(SubjectState(b.host), StateMessage{
		Host:      b.host,
		Command:   e.Command,
		PID:       e.PID,
		From:      e.From,
		To:        e.To,
		Timestamp: e.Timestamp,
	})
}

func (b *Bridge) handleFault(e events.RunFaultEvent) {
	b.publish(SubjectFault(b.host), FaultMessage{
		Host:      b.host,
		Command:   e.Command,
		PID:       e.PID,
		Error:     e.Error,
		Timestamp: e.Timestamp,
	})
}

func (b *Bridge) handleContention(e events.LockContendedEvent) {
	b.publish(SubjectContention(b.host), ContentionMessage{
		Host:      b.host,
		Key:       e.Key,
		Holder:    e.Holder,
		Local:     e.Local,
		Timestamp: e.Timestamp,
	})
}

// handleCompleted forwards the last event of an invocation.
func (b *Bridge) handleCompleted(e events.RunCompletedEvent) {
	b.publish(SubjectCompleted(b.host), CompletedMessage{
		Host:       b.host,
		Command:    e.Command,
		State:      e.State,
		ExitCode:   e.ExitCode,
		DurationMs: e.DurationMs,
		Timestamp:  e.Timestamp,
	})
	b.completedOnce.Do(func() { close(b.completed) })
}

func (b *Bridge) publish(subject string, m marshaler) {
	data, err := m.Marshal()
	if err != nil {
		b.logger.Warn("Failed to marshal message", "error", err, "subject", subject)
		return
	}

	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return
	}

	if err := conn.Publish(subject, data); err != nil {
		b.logger.Warn("Failed to publish", "error", err, "subject", subject)
		return
	}
	b.logger.Debug("Published event", "subject", subject)
}

// Stop waits up to timeout for the invocation's completion event to be
// forwarded, then flushes and closes the connection.
func (b *Bridge) Stop(timeout time.Duration) {
	select {
	case <-b.completed:
	case <-time.After(timeout):
		b.logger.Debug("NATS bridge stopping before completion event")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, unsub := range b.unsubs {
		unsub()
	}
	b.unsubs = nil

	if b.conn != nil {
		if err := b.conn.FlushTimeout(timeout); err != nil {
			b.logger.Warn("NATS bridge flush failed", "error", err)
		}
		b.conn.Close()
		b.conn = nil
	}
}

// IsConnected returns true if the bridge is connected to NATS.
func (b *Bridge) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil && b.conn.IsConnected()
}
