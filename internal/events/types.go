package events

// Event type constants for kelindar/event.
const (
	TypeStateChanged uint32 = iota + 1
	TypeRunFault
	TypeLockContended
	TypeRunCompleted
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// StateChangedEvent is published on every supervisor state transition.
type StateChangedEvent struct {
	Command   string `json:"command"`
	PID       int    `json:"pid"`
	From      string `json:"from"`
	To        string `json:"to"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for StateChangedEvent.
func (e StateChangedEvent) Type() uint32 { return TypeStateChanged }

// RunFaultEvent is published when the supervisor's wait loop fails and the
// child had to be force-killed.
type RunFaultEvent struct {
	Command   string `json:"command"`
	PID       int    `json:"pid"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for RunFaultEvent.
func (e RunFaultEvent) Type() uint32 { return TypeRunFault }

// LockContendedEvent is published when a run was skipped because the lock is held.
type LockContendedEvent struct {
	Key       string `json:"key"`
	Holder    string `json:"holder"`
	Local     bool   `json:"local"` // holder is this host
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for LockContendedEvent.
func (e LockContendedEvent) Type() uint32 { return TypeLockContended }

// RunCompletedEvent is published after a guarded run finished and the lock was released.
type RunCompletedEvent struct {
	Command    string `json:"command"`
	State      string `json:"state"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
	Timestamp  string `json:"timestamp"`
}

// Type returns the event type identifier for RunCompletedEvent.
func (e RunCompletedEvent) Type() uint32 { return TypeRunCompleted }
