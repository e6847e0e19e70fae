package process

import (
	"log/slog"
	"strings"
	"time"
)

// Command describes a subprocess invocation.
type Command struct {
	Path string
	Args []string
	// Env entries are appended to the parent environment.
	Env []string
	Dir string
}

// String renders the command line for logs.
func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

// CommandProvider builds the command for a process ID (e.g. a browser
// command line from an encoder binding).
type CommandProvider func(id string) (Command, error)

// StateChangeCallback is called when a process state changes.
type StateChangeCallback func(id string, oldState, newState State, err error)

// Configurer configures a Process before it starts.
type Configurer func(id string, proc *Process)

// PoolOptions configures a new Pool.
type PoolOptions struct {
	// CommandProvider generates the command for a given process ID (required).
	CommandProvider CommandProvider

	// OnStateChange is called after every state transition (optional).
	// It runs outside the pool lock and may call back into the pool.
	OnStateChange StateChangeCallback

	// ConfigureProcess customizes the Process before start (optional).
	ConfigureProcess Configurer

	// StopTimeout bounds how long Stop waits for a process to exit.
	// Default 15s.
	StopTimeout time.Duration

	// Logger for pool operations. If nil, uses slog.Default().
	Logger *slog.Logger
}
