package browser

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/smazurov/pagecaster/internal/encoders"
	"github.com/smazurov/pagecaster/internal/logging"
	"github.com/smazurov/pagecaster/internal/process"
)

// ExitFunc is called when a browser process ends without being stopped.
type ExitFunc func(encoderID string, err error)

// Manager owns the browser processes for every encoder and hands out one
// Session per binding.
type Manager struct {
	procs    process.Pool
	sessions map[string]*RodSession
	bindings map[string]encoders.Binding
	opts     Options
	logger   *slog.Logger

	mu     sync.Mutex
	onExit ExitFunc
}

// NewManager creates sessions for bindings. No browser is started.
func NewManager(bindings []encoders.Binding, opts Options, sessionOpts SessionOptions) *Manager {
	m := &Manager{
		sessions: make(map[string]*RodSession, len(bindings)),
		bindings: make(map[string]encoders.Binding, len(bindings)),
		opts:     opts,
		logger:   logging.GetLogger("browser"),
	}
	for _, b := range bindings {
		m.bindings[b.ID] = b
	}

	chromeLogger := logging.GetLogger("chrome")
	m.procs = process.NewPool(&process.PoolOptions{
		CommandProvider: m.command,
		OnStateChange:   m.stateChanged,
		ConfigureProcess: func(_ string, proc *process.Process) {
			proc.SetLogParser(chromeLogger, ParseChromeLog)
		},
		Logger: logging.GetLogger("process"),
	})

	for _, b := range bindings {
		m.sessions[b.ID] = NewRodSession(b, m.procs, sessionOpts, m.logger)
	}
	return m
}

// SetExitHandler sets the callback for unexpected browser exits.
func (m *Manager) SetExitHandler(fn ExitFunc) {
	m.mu.Lock()
	m.onExit = fn
	m.mu.Unlock()
}

// Session returns the session for an encoder.
func (m *Manager) Session(encoderID string) (Session, bool) {
	s, ok := m.sessions[encoderID]
	if !ok {
		return nil, false
	}
	return s, true
}

// StopAll stops every browser process.
func (m *Manager) StopAll() {
	m.procs.StopAll()
}

func (m *Manager) command(id string) (process.Command, error) {
	b, ok := m.bindings[id]
	if !ok {
		return process.Command{}, fmt.Errorf("encoder %s: %w", id, encoders.ErrEncoderNotFound)
	}
	return ChromeCommand(b, m.opts)
}

func (m *Manager) stateChanged(id string, old, next process.State, err error) {
	if !process.Unexpected(old, next) {
		return
	}
	m.logger.Warn("Browser exited unexpectedly", "encoder_id", id, "error", err)

	m.mu.Lock()
	fn := m.onExit
	m.mu.Unlock()
	if fn != nil {
		fn(id, err)
	}
}
