package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cgnats "github.com/smazurov/cronguard/internal/nats"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport fails the first failures deliveries.
type fakeTransport struct {
	failures int32
	calls    atomic.Int32
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Deliver(context.Context, string, string) error {
	if f.calls.Add(1) <= f.failures {
		return errors.New("relay unavailable")
	}
	return nil
}

type staticNotifier bool

func (s staticNotifier) Send(context.Context, string, string) bool { return bool(s) }

func fastRetry(tr Transport, opts ...RetryOption) *Retrying {
	opts = append([]RetryOption{WithIntervals(time.Millisecond, 2*time.Millisecond)}, opts...)
	return NewRetrying(tr, testLogger(), opts...)
}

func TestExtractAddresses(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"single", "ops@example.com", []string{"ops@example.com"}},
		{"semicolon list", "a@example.com;b@example.org", []string{"a@example.com", "b@example.org"}},
		{"obfuscated", "alice at example dot com", []string{"alice@example.com"}},
		{"mixed", "bob@x.io, carol at mail dot x dot io", []string{"bob@x.io", "carol@mail.x.io"}},
		{"uppercase normalized", "Ops@Example.COM", []string{"ops@example.com"}},
		{"duplicates", "a@b.co;a@b.co", []string{"a@b.co"}},
		{"dotted local part", "first.last+tag@sub.example.com", []string{"first.last+tag@sub.example.com"}},
		{"none", "nobody here", nil},
		{"empty", "", nil},
		{"no tld", "user@localhost", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractAddresses(tt.in))
		})
	}
}

func TestRetryingSucceedsAfterFailures(t *testing.T) {
	tr := &fakeTransport{failures: 2}
	ok := fastRetry(tr).Send(context.Background(), "subject", "body")
	assert.True(t, ok)
	assert.Equal(t, int32(3), tr.calls.Load())
}

func TestRetryingGivesUp(t *testing.T) {
	tr := &fakeTransport{failures: 100}
	ok := fastRetry(tr).Send(context.Background(), "subject", "body")
	assert.False(t, ok)
	assert.Equal(t, int32(DefaultAttempts), tr.calls.Load())
}

func TestRetryingAttempts(t *testing.T) {
	tr := &fakeTransport{failures: 100}
	ok := fastRetry(tr, WithAttempts(1)).Send(context.Background(), "subject", "body")
	assert.False(t, ok)
	assert.Equal(t, int32(1), tr.calls.Load())
}

func TestRetryingStopsOnCancel(t *testing.T) {
	tr := &fakeTransport{failures: 100}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRetrying(tr, testLogger(), WithAttempts(10), WithIntervals(time.Hour, time.Hour))
	assert.False(t, r.Send(ctx, "subject", "body"))
	assert.LessOrEqual(t, tr.calls.Load(), int32(1))
}

func TestMulti(t *testing.T) {
	tests := []struct {
		name string
		m    Multi
		want bool
	}{
		{"empty", Multi{}, true},
		{"all fail", Multi{staticNotifier(false), staticNotifier(false)}, false},
		{"one succeeds", Multi{staticNotifier(false), staticNotifier(true)}, true},
		{"all succeed", Multi{staticNotifier(true), staticNotifier(true)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.m.Send(context.Background(), "s", "b"))
		})
	}
}

func TestNop(t *testing.T) {
	assert.True(t, Nop{}.Send(context.Background(), "s", "b"))
}

func TestNewMailValidation(t *testing.T) {
	_, err := NewMail(MailConfig{}, []string{"ops@example.com"})
	assert.Error(t, err)

	_, err = NewMail(MailConfig{Host: "smtp.example.com"}, nil)
	assert.Error(t, err)

	m, err := NewMail(MailConfig{Host: "smtp.example.com"}, []string{"ops@example.com"})
	require.NoError(t, err)
	assert.Equal(t, 25, m.cfg.Port)
	assert.Equal(t, "mail", m.Name())
}

func TestMailMessage(t *testing.T) {
	m, err := NewMail(MailConfig{Host: "smtp.example.com", From: "cron@example.com"},
		[]string{"a@example.com", "b@example.com"})
	require.NoError(t, err)

	msg, err := m.message("[cronguard] job failed", "stderr output")
	require.NoError(t, err)

	rcpts, err := msg.GetRecipients()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a@example.com", "b@example.com"}, rcpts)
}

func TestMailMessageInvalidSender(t *testing.T) {
	m, err := NewMail(MailConfig{Host: "smtp.example.com", From: "not an address"}, []string{"a@example.com"})
	require.NoError(t, err)

	_, err = m.message("s", "b")
	assert.Error(t, err)
}

func TestNATSValidation(t *testing.T) {
	_, err := NewNATS("", "", "web-1")
	assert.Error(t, err)

	n, err := NewNATS("nats://127.0.0.1:4222", "", "web-1")
	require.NoError(t, err)
	assert.Equal(t, "cronguard.web-1.report", n.subject)

	n, err = NewNATS("nats://127.0.0.1:4222", "ops.cron", "web-1")
	require.NoError(t, err)
	assert.Equal(t, "ops.cron", n.subject)
}

func TestNATSDeliver(t *testing.T) {
	server := cgnats.NewServer(cgnats.ServerOptions{Listen: "127.0.0.1:0", Logger: testLogger()})
	require.NoError(t, server.Start())
	defer server.Stop()

	sub, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer sub.Close()

	msgs := make(chan *nats.Msg, 1)
	_, err = sub.ChanSubscribe(cgnats.SubjectReport("db.internal"), msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	n, err := NewNATS(server.ClientURL(), "", "db.internal")
	require.NoError(t, err)
	require.NoError(t, n.Deliver(context.Background(), "cronguard: backup", "exit 1"))

	select {
	case msg := <-msgs:
		report, err := cgnats.UnmarshalReport(msg.Data)
		require.NoError(t, err)
		assert.Equal(t, "db.internal", report.Host)
		assert.Equal(t, "cronguard: backup", report.Subject)
		assert.Equal(t, "exit 1", report.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("report not received")
	}
}

func TestNATSDeliverUnreachable(t *testing.T) {
	n, err := NewNATS("nats://127.0.0.1:1", "", "web-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, n.Deliver(ctx, "s", "b"))
}
