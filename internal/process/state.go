package process

import "time"

// State represents the supervision state of a child process.
type State string

// Process states, in escalation order. StateFinished is layered on top of an
// active state once the child exits successfully.
const (
	StateInit        State = "INIT"        // Not started
	StateRunning     State = "RUNNING"     // Started, within timeout
	StateTerminating State = "TERMINATING" // Graceful stop signal sent
	StateKilled      State = "KILLED"      // Forced kill signal sent
	StateFinished    State = "FINISHED"    // Exited with code 0
)

// Active reports whether the state belongs to a started, not yet finished child.
func (s State) Active() bool {
	return s == StateRunning || s == StateTerminating || s == StateKilled
}

// Action is the side effect the supervisor must perform after a tick.
type Action int

// Tick actions.
const (
	ActionNone Action = iota
	ActionTerminate
	ActionKill
)

func (a Action) String() string {
	switch a {
	case ActionTerminate:
		return "terminate"
	case ActionKill:
		return "kill"
	default:
		return "none"
	}
}

// Machine is the escalation state machine driven by polling ticks.
// It performs no I/O: the caller sends the signals Tick asks for.
type Machine struct {
	state   State
	timeout time.Duration
	grace   time.Duration

	running     time.Duration
	terminating time.Duration
	killed      time.Duration
}

// NewMachine creates a machine in StateInit.
func NewMachine(timeout, grace time.Duration) *Machine {
	return &Machine{
		state:   StateInit,
		timeout: timeout,
		grace:   grace,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// RunningElapsed returns the time accumulated while in StateRunning.
func (m *Machine) RunningElapsed() time.Duration {
	return m.running
}

// TerminatingElapsed returns the time accumulated while in StateTerminating.
func (m *Machine) TerminatingElapsed() time.Duration {
	return m.terminating
}

// Start moves INIT to RUNNING. It is a no-op in any other state.
func (m *Machine) Start() bool {
	if m.state != StateInit {
		return false
	}
	m.state = StateRunning
	return true
}

// Tick advances the counter of the current state by d and escalates when
// the state's budget is used up.
func (m *Machine) Tick(d time.Duration) Action {
	switch m.state {
	case StateRunning:
		m.running += d
		if m.running >= m.timeout {
			m.state = StateTerminating
			return ActionTerminate
		}
	case StateTerminating:
		m.terminating += d
		if m.terminating >= m.grace {
			m.state = StateKilled
			return ActionKill
		}
	case StateKilled:
		// kill is terminal for control purposes, only exit detection remains
		m.killed += d
	}
	return ActionNone
}

// ForceKill jumps from any active state straight to StateKilled.
// Returns false if the machine was not in an active state.
func (m *Machine) ForceKill() bool {
	if !m.state.Active() {
		return false
	}
	m.state = StateKilled
	return true
}

// Finish layers StateFinished on an active state when the child succeeded.
func (m *Machine) Finish(success bool) {
	if success && m.state.Active() {
		m.state = StateFinished
	}
}
