package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// OutputHandler receives output lines from the subprocess.
type OutputHandler interface {
	HandleLine(source, line string)
}

// LogParser extracts a log level and message from a line of process output.
type LogParser func(line string) (level, msg string)

// exitCodeKilled is reported when the process had to be force-killed.
const exitCodeKilled = 137

// Process manages the lifecycle of one subprocess. The whole process group
// is signalled on stop so helper children (renderers, GPU process) go too.
type Process struct {
	id      string
	command Command
	logger  *slog.Logger

	processLogger *slog.Logger
	logParser     LogParser
	outputHandler OutputHandler

	gracefulTimeout time.Duration
	killTimeout     time.Duration

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan error
}

// NewProcess creates a process that is not yet started.
func NewProcess(id string, command Command, logger *slog.Logger) *Process {
	if logger == nil {
		logger = slog.Default()
	}
	return &Process{
		id:              id,
		command:         command,
		logger:          logger,
		gracefulTimeout: 5 * time.Second,
		killTimeout:     5 * time.Second,
	}
}

// Command returns the command the process was created with.
func (p *Process) Command() Command {
	return p.command
}

// SetLogParser sets a logger and level parser for process output.
func (p *Process) SetLogParser(logger *slog.Logger, parser LogParser) {
	p.processLogger = logger
	p.logParser = parser
}

// SetOutputHandler forwards every output line to h.
func (p *Process) SetOutputHandler(h OutputHandler) {
	p.outputHandler = h
}

// SetGracefulTimeout sets how long to wait after SIGTERM before SIGKILL.
func (p *Process) SetGracefulTimeout(d time.Duration) {
	p.gracefulTimeout = d
}

// PID returns the OS process id, or 0 before Start.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Start launches the subprocess without waiting for it.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil {
		return fmt.Errorf("process %s already started", p.id)
	}
	if p.command.Path == "" {
		return fmt.Errorf("process %s: empty command", p.id)
	}

	cmd := exec.Command(p.command.Path, p.command.Args...)
	cmd.Dir = p.command.Dir
	if len(p.command.Env) > 0 {
		cmd.Env = append(os.Environ(), p.command.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	cmd.Stdout = &lineWriter{proc: p, source: "stdout"}
	cmd.Stderr = &lineWriter{proc: p, source: "stderr"}
	// Helper children may keep the output pipes open after the main process
	// exits; stop waiting on them after a short grace period.
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.command.Path, err)
	}
	p.cmd = cmd
	p.logger.Info("Process started", "id", p.id, "pid", cmd.Process.Pid, "command", p.command.String())

	p.done = make(chan error, 1)
	go func() {
		p.done <- cmd.Wait()
	}()

	return nil
}

// Wait blocks until the process exits on its own or ctx is cancelled, in
// which case the process group is stopped gracefully and then killed.
// Returns the exit code.
func (p *Process) Wait(ctx context.Context) int {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return 1
	}

	select {
	case err := <-done:
		code := exitCodeFromError(err)
		p.logger.Info("Process exited", "id", p.id, "exit_code", code)
		return code
	case <-ctx.Done():
		p.logger.Info("Stopping process", "id", p.id, "pid", p.PID())
		p.signalGroup(syscall.SIGTERM)
		return p.waitForExit(done)
	}
}

// Run starts the process and waits for it. Start failures return exit code 1.
func (p *Process) Run(ctx context.Context) int {
	if err := p.Start(); err != nil {
		p.logger.Error("Failed to start process", "id", p.id, "error", err)
		return 1
	}
	return p.Wait(ctx)
}

func (p *Process) signalGroup(sig syscall.Signal) {
	pid := p.PID()
	if pid == 0 {
		return
	}
	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		p.logger.Warn("Failed to signal process group", "id", p.id, "signal", sig.String(), "error", err)
	}
}

func (p *Process) waitForExit(done <-chan error) int {
	select {
	case err := <-done:
		return exitCodeFromError(err)
	case <-time.After(p.gracefulTimeout):
	}

	p.logger.Warn("Graceful shutdown timeout, forcing kill", "id", p.id, "timeout", p.gracefulTimeout)
	p.signalGroup(syscall.SIGKILL)

	select {
	case <-done:
	case <-time.After(p.killTimeout):
		p.logger.Error("Process did not exit after kill signal", "id", p.id)
	}
	return exitCodeKilled
}

// exitCodeFromError maps a Wait error to an exit code. Processes ended by a
// signal report 128+signal like a shell would.
func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 1
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return exitErr.ExitCode()
}

// lineWriter splits process output into lines and logs each one.
type lineWriter struct {
	proc   *Process
	source string
	buf    []byte
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.proc.handleLine(w.source, string(bytes.TrimRight(w.buf[:i], "\r")))
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxLineLength {
		w.proc.handleLine(w.source, string(w.buf))
		w.buf = w.buf[:0]
	}
	return len(b), nil
}

const maxLineLength = 64 * 1024

func (p *Process) handleLine(source, line string) {
	if p.outputHandler != nil {
		p.outputHandler.HandleLine(source, line)
	}

	logger := p.processLogger
	if logger == nil {
		logger = p.logger
	}

	level, msg := "debug", line
	if p.logParser != nil {
		level, msg = p.logParser(line)
	}
	switch level {
	case "fatal", "error":
		logger.Error(msg, "id", p.id)
	case "warning", "warn":
		logger.Warn(msg, "id", p.id)
	case "info":
		logger.Info(msg, "id", p.id)
	default:
		logger.Debug(msg, "id", p.id)
	}
}
