package process

import (
	"bytes"
	"log/slog"
	"sync"
)

// OutputHandler receives output lines from the child process.
type OutputHandler interface {
	HandleLine(source, line string)
}

// DefaultCaptureLimit is the per-stream capture size used when Options leaves it unset.
const DefaultCaptureLimit = 1 << 20

// captureWriter collects one output stream of the child. os/exec copies the
// pipe into it from its own goroutine, so the child never blocks on a full
// pipe while the supervisor sleeps between ticks.
type captureWriter struct {
	source  string
	limit   int
	handler OutputHandler
	logger  *slog.Logger

	mu        sync.Mutex
	buf       bytes.Buffer
	partial   []byte
	truncated bool
}

func newCaptureWriter(source string, limit int, handler OutputHandler, logger *slog.Logger) *captureWriter {
	if limit <= 0 {
		limit = DefaultCaptureLimit
	}
	return &captureWriter{
		source:  source,
		limit:   limit,
		handler: handler,
		logger:  logger,
	}
}

// Write never fails: data past the limit is drained and dropped.
func (w *captureWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if room := w.limit - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
			w.truncated = true
		} else {
			w.buf.Write(p)
		}
	} else if len(p) > 0 {
		w.truncated = true
	}

	w.emitLines(p)
	return len(p), nil
}

// emitLines forwards complete lines to the handler and debug log.
func (w *captureWriter) emitLines(p []byte) {
	if w.handler == nil && w.logger == nil {
		return
	}

	w.partial = append(w.partial, p...)
	for {
		idx := bytes.IndexByte(w.partial, '\n')
		if idx < 0 {
			break
		}
		w.emit(string(bytes.TrimRight(w.partial[:idx], "\r")))
		w.partial = w.partial[idx+1:]
	}

	// Unterminated lines longer than the limit are flushed as-is
	if len(w.partial) > w.limit {
		w.emit(string(w.partial))
		w.partial = nil
	}
}

func (w *captureWriter) emit(line string) {
	if w.handler != nil {
		w.handler.HandleLine(w.source, line)
	}
	if w.logger != nil {
		w.logger.Debug(line, "source", w.source)
	}
}

// flush emits a trailing line without newline.
func (w *captureWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.emit(string(w.partial))
		w.partial = nil
	}
}

func (w *captureWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func (w *captureWriter) Truncated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.truncated
}
