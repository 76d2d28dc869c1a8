package logging

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/journal"
)

func TestRingBufferWrap(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := range 5 {
		rb.Write(LogEntry{Message: fmt.Sprintf("m%d", i)})
	}

	if rb.Count() != 3 {
		t.Fatalf("count = %d, want 3", rb.Count())
	}
	entries := rb.ReadAll()
	var got []string
	for _, e := range entries {
		got = append(got, e.Message)
	}
	if strings.Join(got, ",") != "m2,m3,m4" {
		t.Errorf("entries = %v, want oldest first m2,m3,m4", got)
	}
}

func TestRingBufferLast(t *testing.T) {
	rb := NewRingBuffer(4)
	if got := rb.Last(3); got != nil {
		t.Errorf("Last on empty buffer = %v, want nil", got)
	}

	for i := range 6 {
		rb.Write(LogEntry{Message: fmt.Sprintf("m%d", i)})
	}

	tests := []struct {
		n    int
		want string
	}{
		{2, "m4,m5"},
		{4, "m2,m3,m4,m5"},
		{10, "m2,m3,m4,m5"},
		{0, ""},
	}
	for _, tt := range tests {
		var got []string
		for _, e := range rb.Last(tt.n) {
			got = append(got, e.Message)
		}
		if strings.Join(got, ",") != tt.want {
			t.Errorf("Last(%d) = %v, want %s", tt.n, got, tt.want)
		}
	}
}

func TestBufferHandlerAndRecentLines(t *testing.T) {
	Initialize(Config{Level: "debug", Format: "text", BufferSize: 10})

	logger := slog.New(NewBufferHandler(slog.LevelDebug)).With("module", "runner")
	logger.Info("Lock acquired", "key", "lock/job", "ttl", 30*time.Second)
	logger.WithGroup("child").Warn("Process exited", "error", errors.New("exit status 1"))

	lines := RecentLines(2)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %v", len(lines), lines)
	}
	if !strings.Contains(lines[0], "[INFO] [runner] Lock acquired key=lock/job ttl=30s") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.Contains(lines[1], "[WARN] [runner] Process exited child.error=exit status 1") {
		t.Errorf("line 1 = %q", lines[1])
	}

	if got := RecentLines(1); len(got) != 1 || got[0] != lines[1] {
		t.Errorf("RecentLines(1) = %v, want last line only", got)
	}
	if got := RecentLines(0); got != nil {
		t.Errorf("RecentLines(0) = %v, want nil", got)
	}
}

func TestBufferHandlerLevel(t *testing.T) {
	h := NewBufferHandler(slog.LevelWarn)
	if h.Enabled(t.Context(), slog.LevelInfo) {
		t.Error("info should be filtered at warn level")
	}
	if !h.Enabled(t.Context(), slog.LevelError) {
		t.Error("error should pass at warn level")
	}
}

func TestMapLevelToPriority(t *testing.T) {
	tests := []struct {
		level slog.Level
		want  journal.Priority
	}{
		{slog.LevelDebug, journal.PriDebug},
		{slog.LevelInfo, journal.PriInfo},
		{slog.LevelWarn, journal.PriWarning},
		{slog.LevelError, journal.PriErr},
		{slog.LevelError + 4, journal.PriErr},
	}
	for _, tt := range tests {
		if got := mapLevelToPriority(tt.level); got != tt.want {
			t.Errorf("mapLevelToPriority(%v) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestAddAttrToFields(t *testing.T) {
	fields := make(map[string]string)
	addAttrToFields(fields, slog.String("key", "lock/job"), nil)
	addAttrToFields(fields, slog.Int("pid", 42), []string{"child"})
	addAttrToFields(fields, slog.Group("stats", slog.Bool("killed", true)), nil)
	addAttrToFields(fields, slog.Attr{}, nil)

	want := map[string]string{
		"KEY":          "lock/job",
		"CHILD_PID":    "42",
		"STATS_KILLED": "true",
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("fields[%s] = %q, want %q", k, fields[k], v)
		}
	}
	if len(fields) != len(want) {
		t.Errorf("unexpected fields: %v", fields)
	}
}
