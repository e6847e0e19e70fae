package process

import "time"

// State represents the current state of a managed process.
type State string

// Process states.
const (
	StateIdle     State = "idle"     // Not running
	StateStarting State = "starting" // Being started
	StateRunning  State = "running"  // Active
	StateStopping State = "stopping" // Being stopped on request
	StateError    State = "error"    // Failed to start or exited non-zero
)

// Info contains information about a managed process.
type Info struct {
	ID        string
	State     State
	PID       int
	StartedAt time.Time
	LastError error
}

// Unexpected reports whether a transition is a process ending on its own
// rather than because Stop was called.
func Unexpected(oldState, newState State) bool {
	return oldState == StateRunning && (newState == StateIdle || newState == StateError)
}
