package process

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Pool manages multiple named processes with lifecycle control.
type Pool interface {
	// Start starts a process by ID. It returns once the OS process exists or
	// failed to start. Returns error if already running.
	Start(id string) error

	// Stop gracefully stops a process by ID. Stopping an unknown ID is a no-op.
	Stop(id string) error

	// Restart stops and restarts a process.
	Restart(id string) error

	// GetStatus returns process info. Returns idle state if not found.
	GetStatus(id string) *Info

	// IsRunning checks if a process is currently running.
	IsRunning(id string) bool

	// StopAll gracefully stops all running processes.
	StopAll()
}

type managedProcess struct {
	proc      *Process
	id        string
	state     State
	startedAt time.Time
	lastError error
	cancel    context.CancelFunc
	done      chan struct{}
}

type pool struct {
	opts      PoolOptions
	processes map[string]*managedProcess
	mu        sync.Mutex
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// NewPool creates a new process pool.
func NewPool(opts *PoolOptions) Pool {
	if opts == nil || opts.CommandProvider == nil {
		panic("PoolOptions with CommandProvider is required")
	}

	p := &pool{
		opts:      *opts,
		processes: make(map[string]*managedProcess),
		logger:    opts.Logger,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.opts.StopTimeout <= 0 {
		p.opts.StopTimeout = 15 * time.Second
	}
	return p
}

func (p *pool) Start(id string) error {
	p.mu.Lock()
	if mp, ok := p.processes[id]; ok && (mp.state == StateRunning || mp.state == StateStarting || mp.state == StateStopping) {
		p.mu.Unlock()
		return fmt.Errorf("process %s already running", id)
	}
	mp := &managedProcess{id: id, state: StateStarting, startedAt: time.Now(), done: make(chan struct{})}
	p.processes[id] = mp
	p.mu.Unlock()
	p.notifyStateChange(id, StateIdle, StateStarting, nil)

	command, err := p.opts.CommandProvider(id)
	if err != nil {
		p.fail(mp, fmt.Errorf("failed to generate command: %w", err))
		return mp.lastError
	}

	mp.proc = NewProcess(id, command, p.logger)
	if p.opts.ConfigureProcess != nil {
		p.opts.ConfigureProcess(id, mp.proc)
	}
	if err := mp.proc.Start(); err != nil {
		p.fail(mp, err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	mp.cancel = cancel
	mp.state = StateRunning
	p.mu.Unlock()
	p.notifyStateChange(id, StateStarting, StateRunning, nil)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(mp.done)
		p.waitProcess(ctx, mp)
	}()
	return nil
}

func (p *pool) fail(mp *managedProcess, err error) {
	p.mu.Lock()
	mp.state = StateError
	mp.lastError = err
	close(mp.done)
	p.mu.Unlock()
	p.logger.Error("Process failed to start", "id", mp.id, "error", err)
	p.notifyStateChange(mp.id, StateStarting, StateError, err)
}

func (p *pool) waitProcess(ctx context.Context, mp *managedProcess) {
	exitCode := mp.proc.Wait(ctx)

	p.mu.Lock()
	oldState := mp.state
	switch {
	case ctx.Err() != nil:
		mp.state = StateIdle
	case exitCode != 0:
		mp.state = StateError
		mp.lastError = fmt.Errorf("process exited with code %d", exitCode)
	default:
		mp.state = StateIdle
	}
	newState, lastErr := mp.state, mp.lastError
	p.mu.Unlock()

	if Unexpected(oldState, newState) {
		p.logger.Warn("Process exited unexpectedly", "id", mp.id, "exit_code", exitCode)
	}
	p.notifyStateChange(mp.id, oldState, newState, lastErr)
}

func (p *pool) Stop(id string) error {
	p.mu.Lock()
	mp, ok := p.processes[id]
	if !ok || mp.state != StateRunning {
		p.mu.Unlock()
		return nil
	}
	mp.state = StateStopping
	p.mu.Unlock()

	p.notifyStateChange(id, StateRunning, StateStopping, nil)
	p.logger.Info("Stopping process", "id", id)
	mp.cancel()

	var err error
	select {
	case <-mp.done:
	case <-time.After(p.opts.StopTimeout):
		err = fmt.Errorf("timeout waiting for process %s to stop", id)
		p.logger.Warn("Timeout waiting for process to stop", "id", id)
	}

	p.mu.Lock()
	if p.processes[id] == mp {
		delete(p.processes, id)
	}
	p.mu.Unlock()
	return err
}

func (p *pool) Restart(id string) error {
	p.logger.Info("Restarting process", "id", id)
	if err := p.Stop(id); err != nil {
		return fmt.Errorf("failed to stop process: %w", err)
	}
	return p.Start(id)
}

func (p *pool) GetStatus(id string) *Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	mp, ok := p.processes[id]
	if !ok {
		return &Info{ID: id, State: StateIdle}
	}
	info := &Info{
		ID:        id,
		State:     mp.state,
		StartedAt: mp.startedAt,
		LastError: mp.lastError,
	}
	if mp.proc != nil && mp.state == StateRunning {
		info.PID = mp.proc.PID()
	}
	return info
}

func (p *pool) IsRunning(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	mp, ok := p.processes[id]
	return ok && mp.state == StateRunning
}

func (p *pool) StopAll() {
	p.logger.Info("Stopping all processes")

	p.mu.Lock()
	ids := make([]string, 0, len(p.processes))
	for id := range p.processes {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Stop(id)
		}()
	}
	wg.Wait()
	p.wg.Wait()
	p.logger.Info("All processes stopped")
}

func (p *pool) notifyStateChange(id string, oldState, newState State, err error) {
	if p.opts.OnStateChange != nil {
		p.opts.OnStateChange(id, oldState, newState, err)
	}
}
