package monitoring

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/smazurov/pagecaster/internal/config"
	"github.com/smazurov/pagecaster/internal/encoders"
	"github.com/smazurov/pagecaster/internal/events"
	"github.com/smazurov/pagecaster/internal/logging"
	"github.com/smazurov/pagecaster/internal/metrics"
	"github.com/smazurov/pagecaster/internal/streams"
)

// Recovery actions reported in HealthCheckFailedEvent.
const (
	ActionRelaunch = "relaunch"
	ActionDeferred = "deferred"
)

// Launcher relaunches browsers. *streams.Controller implements it.
type Launcher interface {
	LaunchBrowser(ctx context.Context, encoderID, reason string) error
}

// HealthOptions configures a HealthSupervisor.
type HealthOptions struct {
	Pool     *encoders.Pool
	Sessions streams.Sessions
	Launcher Launcher
	Bus      Bus
	Interval time.Duration
	Enabled  bool
	// PingTimeout bounds each browser probe. Defaults to 30s.
	PingTimeout time.Duration
	Logger      *slog.Logger
}

// HealthSupervisor periodically probes every browser and relaunches the ones
// that stopped responding. A browser carrying a stream is never relaunched;
// its recovery waits until the stream ends.
type HealthSupervisor struct {
	pool        *encoders.Pool
	sessions    streams.Sessions
	launcher    Launcher
	bus         Bus
	pingTimeout time.Duration
	logger      *slog.Logger

	cron *cron.Cron

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	interval time.Duration
	enabled  bool
	entry    cron.EntryID
	locks    map[string]*sync.Mutex
	unsub    func()
	stopped  bool
	wg       sync.WaitGroup
}

// NewHealthSupervisor creates a supervisor. Call Start to schedule sweeps.
func NewHealthSupervisor(opts HealthOptions) *HealthSupervisor {
	s := &HealthSupervisor{
		pool:        opts.Pool,
		sessions:    opts.Sessions,
		launcher:    opts.Launcher,
		bus:         opts.Bus,
		pingTimeout: opts.PingTimeout,
		logger:      opts.Logger,
		interval:    config.ClampDuration(opts.Interval, config.MinHealthInterval, config.MaxHealthInterval),
		enabled:     opts.Enabled,
		locks:       make(map[string]*sync.Mutex),
	}
	if s.logger == nil {
		s.logger = logging.GetLogger("health")
	}
	if s.pingTimeout <= 0 {
		s.pingTimeout = 30 * time.Second
	}
	for _, id := range s.pool.IDs() {
		s.locks[id] = &sync.Mutex{}
	}
	cl := cronLogger{s.logger}
	s.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.SkipIfStillRunning(cl)))
	return s
}

// Start schedules the sweep and listens for encoders whose deferred recovery
// became due.
func (s *HealthSupervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.unsub = s.bus.Subscribe(s.stateChanged)

	if err := s.reschedule(); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("Health supervisor started", "interval", s.Interval(), "enabled", s.Enabled())
	return nil
}

// Stop cancels running checks and waits for them.
func (s *HealthSupervisor) Stop() {
	if s.unsub != nil {
		s.unsub()
	}
	s.mu.Lock()
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.wg.Wait()
}

// stateChanged starts a deferred recovery when an encoder turns unhealthy
// outside a sweep. Events still in flight after Stop are ignored.
func (s *HealthSupervisor) stateChanged(e events.EncoderStateChangedEvent) {
	if e.NewState != string(encoders.StateUnhealthy) {
		return
	}
	s.mu.Lock()
	if s.stopped || s.ctx == nil || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.recoverUnhealthy(e.EncoderID)
	}()
}

// Interval returns the sweep period.
func (s *HealthSupervisor) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Enabled reports whether periodic sweeps are scheduled.
func (s *HealthSupervisor) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// SetInterval changes the sweep period, clamped to 30m..168h.
func (s *HealthSupervisor) SetInterval(d time.Duration) error {
	d = config.ClampDuration(d, config.MinHealthInterval, config.MaxHealthInterval)
	s.mu.Lock()
	changed := s.interval != d
	s.interval = d
	s.mu.Unlock()
	if !changed {
		return nil
	}
	s.logger.Info("Health interval updated", "interval", d)
	return s.reschedule()
}

// SetEnabled turns periodic sweeps on or off. CheckNow works either way.
func (s *HealthSupervisor) SetEnabled(enabled bool) error {
	s.mu.Lock()
	changed := s.enabled != enabled
	s.enabled = enabled
	s.mu.Unlock()
	if !changed {
		return nil
	}
	s.logger.Info("Health supervisor toggled", "enabled", enabled)
	return s.reschedule()
}

func (s *HealthSupervisor) reschedule() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry != 0 {
		s.cron.Remove(s.entry)
		s.entry = 0
	}
	if !s.enabled || s.ctx == nil {
		return nil
	}
	id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		s.sweep(s.context())
	})
	if err != nil {
		return fmt.Errorf("failed to schedule health sweep: %w", err)
	}
	s.entry = id
	return nil
}

func (s *HealthSupervisor) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// CheckNow runs one sweep and waits for it.
func (s *HealthSupervisor) CheckNow(ctx context.Context) {
	s.sweep(ctx)
}

func (s *HealthSupervisor) sweep(ctx context.Context) {
	started := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range s.pool.IDs() {
		g.Go(func() error {
			s.check(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	s.logger.Debug("Health sweep finished", "took", time.Since(started).Round(time.Millisecond))
}

// check probes one encoder. Concurrent checks of the same encoder are skipped.
func (s *HealthSupervisor) check(ctx context.Context, id string) {
	lock := s.locks[id]
	if !lock.TryLock() {
		s.logger.Debug("Health check already running", "encoder_id", id)
		return
	}
	defer lock.Unlock()

	st, ok := s.pool.Status(id)
	if !ok {
		return
	}
	switch {
	case st.State == encoders.StateOffline:
		s.logger.Info("Browser offline, launching", "encoder_id", id)
		s.relaunch(ctx, id)
		return
	case st.State == encoders.StateUnhealthy:
		s.relaunch(ctx, id)
		return
	case !st.HasBrowser() || st.RecoveryPending:
		return
	}

	session, ok := s.sessions.Session(id)
	if !ok {
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, s.pingTimeout)
	err := session.Ping(pingCtx)
	cancel()
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		return
	}

	metrics.IncHealthFailure(id)
	deferred := s.pool.MarkUnhealthy(id)
	action := ActionRelaunch
	if deferred {
		action = ActionDeferred
	}
	s.logger.Warn("Browser failed health check", "encoder_id", id, "action", action, "error", err)
	s.bus.Publish(events.HealthCheckFailedEvent{
		EncoderID: id,
		Error:     err.Error(),
		Action:    action,
		Timestamp: events.Timestamp(time.Now()),
	})
	if !deferred {
		s.relaunch(ctx, id)
	}
}

// recoverUnhealthy relaunches an encoder that turned unhealthy outside a
// sweep, typically a stream ending with recovery pending.
func (s *HealthSupervisor) recoverUnhealthy(id string) {
	lock, ok := s.locks[id]
	if !ok {
		return
	}
	lock.Lock()
	defer lock.Unlock()

	st, ok := s.pool.Status(id)
	if !ok || st.State != encoders.StateUnhealthy {
		return
	}
	s.logger.Info("Running deferred browser recovery", "encoder_id", id)
	s.relaunch(s.context(), id)
}

func (s *HealthSupervisor) relaunch(ctx context.Context, id string) {
	if ctx.Err() != nil {
		return
	}
	if err := s.launcher.LaunchBrowser(ctx, id, streams.LaunchHealth); err != nil {
		s.logger.Error("Browser relaunch failed", "encoder_id", id, "error", err)
	}
}

// cronLogger adapts slog to the cron logger interface.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
