package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	cgnats "github.com/smazurov/cronguard/internal/nats"
)

// NATS publishes reports to a NATS subject. Each delivery uses its own short
// connection since a cron wrapper sends at most a few reports per run.
type NATS struct {
	url     string
	subject string
	host    string
	timeout time.Duration
}

// NewNATS creates a NATS transport. An empty subject publishes on the host's
// report subject.
func NewNATS(url, subject, host string) (*NATS, error) {
	if url == "" {
		return nil, errors.New("nats url not configured")
	}
	if subject == "" {
		subject = cgnats.SubjectReport(host)
	}
	return &NATS{url: url, subject: subject, host: host, timeout: 5 * time.Second}, nil
}

// Name identifies the transport in logs.
func (n *NATS) Name() string {
	return "nats"
}

// Deliver publishes one report and waits for the server to acknowledge it.
func (n *NATS) Deliver(ctx context.Context, subject, body string) error {
	timeout := n.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}

	conn, err := nats.Connect(n.url,
		nats.Name("cronguard-"+n.host),
		nats.Timeout(timeout),
		nats.NoReconnect(),
	)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer conn.Close()

	data, err := cgnats.ReportMessage{
		Host:      n.host,
		Subject:   subject,
		Body:      body,
		Timestamp: time.Now().Format(time.RFC3339),
	}.Marshal()
	if err != nil {
		return err
	}

	if err := conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	if err := conn.FlushTimeout(timeout); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}
