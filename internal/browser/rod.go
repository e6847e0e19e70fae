package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	gops "github.com/shirou/gopsutil/v4/process"

	"github.com/smazurov/pagecaster/internal/encoders"
	"github.com/smazurov/pagecaster/internal/process"
)

const devToolsPollInterval = 250 * time.Millisecond

// SessionOptions tunes a RodSession.
type SessionOptions struct {
	// StartupTimeout bounds how long Launch waits for the DevTools endpoint.
	StartupTimeout time.Duration
	// PingURL is loaded by Ping in a throwaway tab.
	PingURL string
}

// RodSession drives one Chrome instance over the DevTools protocol. The
// process itself is owned by the shared process pool.
type RodSession struct {
	binding encoders.Binding
	procs   process.Pool
	opts    SessionOptions
	logger  *slog.Logger

	mu        sync.Mutex
	browser   *rod.Browser
	page      *rod.Page
	startedAt time.Time
}

// NewRodSession creates a session for binding whose browser process is
// started through procs under the binding's id.
func NewRodSession(binding encoders.Binding, procs process.Pool, opts SessionOptions, logger *slog.Logger) *RodSession {
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 20 * time.Second
	}
	if opts.PingURL == "" {
		opts.PingURL = "about:blank"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RodSession{
		binding: binding,
		procs:   procs,
		opts:    opts,
		logger:  logger.With("encoder_id", binding.ID),
	}
}

// Launch starts the browser and connects to it. A browser that is already
// running is stopped first.
func (s *RodSession) Launch(ctx context.Context) error {
	if s.procs.IsRunning(s.binding.ID) {
		if err := s.Teardown(ctx); err != nil {
			return fmt.Errorf("%w: stop previous browser: %w", ErrLaunchFailed, err)
		}
	}

	if err := s.procs.Start(s.binding.ID); err != nil {
		return fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}

	controlURL, err := s.waitForDevTools(ctx)
	if err != nil {
		_ = s.procs.Stop(s.binding.ID)
		return fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		_ = s.procs.Stop(s.binding.ID)
		return fmt.Errorf("%w: connect to devtools: %w", ErrLaunchFailed, err)
	}

	page, err := mainPage(b)
	if err != nil {
		_ = s.procs.Stop(s.binding.ID)
		return fmt.Errorf("%w: open tab: %w", ErrLaunchFailed, err)
	}

	s.mu.Lock()
	s.browser = b
	s.page = page
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("Browser launched", "debug_port", s.binding.DebugPort, "pid", s.procs.GetStatus(s.binding.ID).PID)
	return nil
}

func (s *RodSession) waitForDevTools(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StartupTimeout)
	defer cancel()

	port := strconv.Itoa(s.binding.DebugPort)
	ticker := time.NewTicker(devToolsPollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		u, err := launcher.ResolveURL(port)
		if err == nil {
			return u, nil
		}
		lastErr = err

		if info := s.procs.GetStatus(s.binding.ID); info.State != process.StateRunning {
			return "", fmt.Errorf("browser exited during startup: %v", info.LastError)
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("devtools on port %s not ready: %w", port, errors.Join(ctx.Err(), lastErr))
		case <-ticker.C:
		}
	}
}

func mainPage(b *rod.Browser) (*rod.Page, error) {
	pages, err := b.Pages()
	if err != nil {
		return nil, err
	}
	for _, p := range pages {
		info, err := p.Info()
		if err == nil && info.Type == proto.TargetTargetInfoTypePage {
			return p, nil
		}
	}
	return b.Page(proto.TargetCreateTarget{URL: "about:blank"})
}

func (s *RodSession) current() (*rod.Browser, *rod.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser == nil || s.page == nil {
		return nil, nil, ErrNotRunning
	}
	return s.browser, s.page, nil
}

// Navigate loads url in the main tab. The load event is awaited within ctx
// but a page that never finishes loading is not an error; media detection
// decides whether it is usable.
func (s *RodSession) Navigate(ctx context.Context, url string) error {
	_, page, err := s.current()
	if err != nil {
		return err
	}
	p := page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("wait for %s to load: %w", url, err)
		}
		s.logger.Debug("Page still loading after navigation timeout", "url", url)
	}
	return nil
}

// ProbeVideo reports the state of the page's media element.
func (s *RodSession) ProbeVideo(ctx context.Context) (VideoState, error) {
	_, page, err := s.current()
	if err != nil {
		return VideoState{}, err
	}
	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{JS: probeJS, ByValue: true})
	if err != nil {
		return VideoState{}, fmt.Errorf("probe video: %w", err)
	}
	var state VideoState
	if err := decodeResult(res, &state); err != nil {
		return VideoState{}, err
	}
	return state, nil
}

// Play dismisses overlays and starts playback with sound.
func (s *RodSession) Play(ctx context.Context) error {
	return s.action(ctx, &rod.EvalOptions{
		JS:           playJS,
		JSArgs:       []any{PlaySelectors},
		ByValue:      true,
		AwaitPromise: true,
		UserGesture:  true,
	})
}

// Resume restarts a paused media element.
func (s *RodSession) Resume(ctx context.Context) error {
	return s.action(ctx, &rod.EvalOptions{JS: resumeJS, ByValue: true, AwaitPromise: true, UserGesture: true})
}

// FullScreen maximizes the window over its screen region, then puts the
// media element into element fullscreen.
func (s *RodSession) FullScreen(ctx context.Context) error {
	_, page, err := s.current()
	if err != nil {
		return err
	}
	winErr := page.Context(ctx).SetWindow(&proto.BrowserBounds{WindowState: proto.BrowserWindowStateFullscreen})
	if winErr != nil {
		winErr = fmt.Errorf("window fullscreen: %w", winErr)
	}
	elemErr := s.action(ctx, &rod.EvalOptions{JS: fullScreenJS, ByValue: true, AwaitPromise: true, UserGesture: true})
	if elemErr != nil {
		elemErr = fmt.Errorf("element fullscreen: %w", elemErr)
	}
	return errors.Join(winErr, elemErr)
}

func (s *RodSession) action(ctx context.Context, opts *rod.EvalOptions) error {
	_, page, err := s.current()
	if err != nil {
		return err
	}
	res, err := page.Context(ctx).Evaluate(opts)
	if err != nil {
		return err
	}
	var out actionResult
	if err := decodeResult(res, &out); err != nil {
		return err
	}
	return out.err()
}

// Halt stops media and parks the main tab on about:blank.
func (s *RodSession) Halt(ctx context.Context) error {
	_, page, err := s.current()
	if err != nil {
		return err
	}
	p := page.Context(ctx)
	_, pauseErr := p.Evaluate(&rod.EvalOptions{JS: haltJS, ByValue: true})
	if err := p.Navigate("about:blank"); err != nil {
		return errors.Join(pauseErr, fmt.Errorf("navigate to about:blank: %w", err))
	}
	_ = p.SetWindow(&proto.BrowserBounds{WindowState: proto.BrowserWindowStateNormal})
	return nil
}

// Ping opens a throwaway tab, loads the ping URL and checks the document
// responds.
func (s *RodSession) Ping(ctx context.Context) error {
	if !s.Alive() {
		return ErrNotRunning
	}
	b, _, err := s.current()
	if err != nil {
		return err
	}

	tab, err := b.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank", Background: true})
	if err != nil {
		return fmt.Errorf("open probe tab: %w", err)
	}
	defer func() { _ = tab.Close() }()

	if err := tab.Navigate(s.opts.PingURL); err != nil {
		return fmt.Errorf("probe navigation: %w", err)
	}
	res, err := tab.Evaluate(&rod.EvalOptions{JS: readyStateJS, ByValue: true})
	if err != nil {
		return fmt.Errorf("probe evaluation: %w", err)
	}
	var readyState string
	if err := decodeResult(res, &readyState); err != nil {
		return err
	}
	if readyState == "" {
		return errors.New("probe tab has no document")
	}
	return nil
}

// Teardown stops the browser process and drops the DevTools connection.
func (s *RodSession) Teardown(context.Context) error {
	s.mu.Lock()
	s.browser = nil
	s.page = nil
	s.startedAt = time.Time{}
	s.mu.Unlock()

	if err := s.procs.Stop(s.binding.ID); err != nil {
		return err
	}
	s.logger.Info("Browser stopped")
	return nil
}

// Alive reports whether the browser process exists at the OS level.
func (s *RodSession) Alive() bool {
	pid := s.procs.GetStatus(s.binding.ID).PID
	if pid == 0 {
		return false
	}
	p, err := gops.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	running, err := p.IsRunning()
	return err == nil && running
}

// Stats returns process information for the browser, zero when stopped.
func (s *RodSession) Stats() Stats {
	info := s.procs.GetStatus(s.binding.ID)
	st := Stats{PID: info.PID}
	if info.PID == 0 {
		return st
	}
	s.mu.Lock()
	st.StartedAt = s.startedAt
	s.mu.Unlock()

	if p, err := gops.NewProcess(int32(info.PID)); err == nil {
		if mem, err := p.MemoryInfo(); err == nil {
			st.RSSBytes = mem.RSS
		}
	}
	return st
}
