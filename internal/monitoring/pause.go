package monitoring

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/smazurov/pagecaster/internal/config"
	"github.com/smazurov/pagecaster/internal/encoders"
	"github.com/smazurov/pagecaster/internal/events"
	"github.com/smazurov/pagecaster/internal/logging"
	"github.com/smazurov/pagecaster/internal/metrics"
	"github.com/smazurov/pagecaster/internal/streams"
)

// Bus is the event bus the monitors listen on. *events.Bus implements it.
type Bus interface {
	Publish(ev events.Event)
	Subscribe(handler any) func()
}

// PauseMonitorOptions configures a PauseMonitor.
type PauseMonitorOptions struct {
	Pool     *encoders.Pool
	Sessions streams.Sessions
	Bus      Bus
	Interval time.Duration
	Enabled  bool
	// ProbeTimeout bounds each probe and resume call. Defaults to 5s.
	ProbeTimeout time.Duration
	Logger       *slog.Logger
}

// PauseMonitor keeps active streams playing. Each active stream gets its own
// loop that probes the page and resumes paused media.
type PauseMonitor struct {
	pool         *encoders.Pool
	sessions     streams.Sessions
	bus          Bus
	probeTimeout time.Duration
	logger       *slog.Logger

	mu       sync.Mutex
	interval time.Duration
	enabled  bool
	ctx      context.Context
	cancel   context.CancelFunc
	loops    map[string]*pauseLoop // by stream id
	unsubs   []func()
	wg       sync.WaitGroup
}

type pauseLoop struct {
	cancel context.CancelFunc
}

// NewPauseMonitor creates a monitor. Call Start to begin watching streams.
func NewPauseMonitor(opts PauseMonitorOptions) *PauseMonitor {
	m := &PauseMonitor{
		pool:         opts.Pool,
		sessions:     opts.Sessions,
		bus:          opts.Bus,
		probeTimeout: opts.ProbeTimeout,
		logger:       opts.Logger,
		interval:     config.ClampDuration(opts.Interval, config.MinPauseInterval, config.MaxPauseInterval),
		enabled:      opts.Enabled,
		loops:        make(map[string]*pauseLoop),
	}
	if m.logger == nil {
		m.logger = logging.GetLogger("pause")
	}
	if m.probeTimeout <= 0 {
		m.probeTimeout = 5 * time.Second
	}
	return m
}

// Start subscribes to stream events and adopts streams that are already active.
func (m *PauseMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.unsubs = append(m.unsubs,
		m.bus.Subscribe(func(e events.StreamStartedEvent) {
			m.watch(e.EncoderID, e.StreamID)
		}),
		m.bus.Subscribe(func(e events.StreamStoppedEvent) {
			m.unwatch(e.StreamID)
		}),
	)
	m.adopt()
	m.logger.Info("Pause monitor started", "interval", m.Interval(), "enabled", m.Enabled())
}

// Stop ends every loop and waits for them to exit.
func (m *PauseMonitor) Stop() {
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.unsubs = nil

	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.loops = make(map[string]*pauseLoop)
	m.mu.Unlock()

	m.wg.Wait()
}

// Interval returns the probe period.
func (m *PauseMonitor) Interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

// SetInterval changes the probe period, clamped to 1s..300s. Running loops
// pick it up after their current wait.
func (m *PauseMonitor) SetInterval(d time.Duration) {
	d = config.ClampDuration(d, config.MinPauseInterval, config.MaxPauseInterval)
	m.mu.Lock()
	changed := m.interval != d
	m.interval = d
	m.mu.Unlock()
	if changed {
		m.logger.Info("Pause monitor interval updated", "interval", d)
	}
}

// Enabled reports whether the monitor is on.
func (m *PauseMonitor) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// SetEnabled turns the monitor on or off. Turning it off stops every loop;
// turning it on adopts the streams that are active.
func (m *PauseMonitor) SetEnabled(enabled bool) {
	m.mu.Lock()
	if m.enabled == enabled {
		m.mu.Unlock()
		return
	}
	m.enabled = enabled
	if !enabled {
		for id, loop := range m.loops {
			loop.cancel()
			delete(m.loops, id)
		}
	}
	m.mu.Unlock()

	m.logger.Info("Pause monitor toggled", "enabled", enabled)
	if enabled {
		m.adopt()
	}
}

// Watching reports the number of running loops.
func (m *PauseMonitor) Watching() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.loops)
}

func (m *PauseMonitor) adopt() {
	for _, s := range m.pool.ActiveStreams() {
		m.watch(s.EncoderID, s.ID)
	}
}

func (m *PauseMonitor) watch(encoderID, streamID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled || m.ctx == nil || m.ctx.Err() != nil {
		return
	}
	if _, ok := m.loops[streamID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	loop := &pauseLoop{cancel: cancel}
	m.loops[streamID] = loop

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx, encoderID, streamID)
		m.mu.Lock()
		if m.loops[streamID] == loop {
			delete(m.loops, streamID)
		}
		m.mu.Unlock()
		cancel()
	}()
}

func (m *PauseMonitor) unwatch(streamID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if loop, ok := m.loops[streamID]; ok {
		loop.cancel()
		delete(m.loops, streamID)
	}
}

func (m *PauseMonitor) run(ctx context.Context, encoderID, streamID string) {
	logger := m.logger.With("encoder_id", encoderID, "stream_id", streamID)
	logger.Debug("Watching stream for pauses")
	defer logger.Debug("Stopped watching stream")

	timer := time.NewTimer(m.Interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if !m.tick(ctx, encoderID, streamID, logger) {
			return
		}
		timer.Reset(m.Interval())
	}
}

// tick probes once and resumes paused media. It returns false when the
// stream is gone and the loop should exit.
func (m *PauseMonitor) tick(ctx context.Context, encoderID, streamID string, logger *slog.Logger) bool {
	current := m.pool.Stream(encoderID)
	if current == nil || current.ID != streamID {
		return false
	}
	session, ok := m.sessions.Session(encoderID)
	if !ok || !session.Alive() {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	state, err := session.ProbeVideo(probeCtx)
	if err != nil {
		logger.Debug("Pause probe failed", "error", err)
		return true
	}
	if !state.Found || !state.Paused || state.Ended {
		return true
	}

	logger.Info("Video paused, resuming", "current_time", state.CurrentTime)
	if err := session.Resume(probeCtx); err != nil {
		logger.Warn("Failed to resume video", "error", err)
		return true
	}
	metrics.IncPauseResume(encoderID)
	m.bus.Publish(events.VideoResumedEvent{
		StreamID:  streamID,
		EncoderID: encoderID,
		Timestamp: events.Timestamp(time.Now()),
	})
	return true
}
