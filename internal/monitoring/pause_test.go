package monitoring

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smazurov/pagecaster/internal/browser/browsertest"
	"github.com/smazurov/pagecaster/internal/encoders"
	"github.com/smazurov/pagecaster/internal/events"
	"github.com/smazurov/pagecaster/internal/streams"
)

type env struct {
	pool     *encoders.Pool
	sessions browsertest.Sessions
	bus      *events.Bus
	ctrl     *streams.Controller
	logger   *slog.Logger
}

func newEnv(t *testing.T, ids ...string) *env {
	t.Helper()
	bindings := make([]encoders.Binding, len(ids))
	sessions := browsertest.Sessions{}
	for i, id := range ids {
		bindings[i] = encoders.Binding{ID: id, IngestURL: "http://10.0.0.20/live/" + id, Channel: "20" + id[len(id)-1:]}
		sessions[id] = browsertest.NewFake()
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := &env{
		pool:     encoders.NewPool(bindings, encoders.PoolOptions{Logger: logger}),
		sessions: sessions,
		bus:      events.New(),
		logger:   logger,
	}
	e.ctrl = streams.NewController(streams.Options{
		Pool:     e.pool,
		Sessions: sessions,
		Bus:      e.bus,
		Tuning:   streams.Tuning{FindVideoRetries: 1, PlayVideoRetries: 1, NavigationTimeout: time.Second, ProbeTimeout: time.Second},
		Logger:   logger,
	})
	require.NoError(t, e.ctrl.LaunchAll(t.Context()))
	return e
}

func (e *env) tune(t *testing.T, id string) *streams.TuneResult {
	t.Helper()
	res, err := e.ctrl.Tune(t.Context(), streams.TuneRequest{URL: "https://example.com/live", EncoderID: id})
	require.NoError(t, err)
	return res
}

func (e *env) pauseMonitor(t *testing.T) *PauseMonitor {
	t.Helper()
	m := NewPauseMonitor(PauseMonitorOptions{
		Pool:     e.pool,
		Sessions: e.sessions,
		Bus:      e.bus,
		Enabled:  true,
		Logger:   e.logger,
	})
	m.interval = 10 * time.Millisecond
	m.Start(t.Context())
	t.Cleanup(m.Stop)
	return m
}

func TestPauseMonitorResumesOncePerPause(t *testing.T) {
	e := newEnv(t, "enc1")
	e.tune(t, "enc1")

	resumed := make(chan events.VideoResumedEvent, 4)
	defer e.bus.Subscribe(func(ev events.VideoResumedEvent) { resumed <- ev })()

	m := e.pauseMonitor(t)
	require.Eventually(t, func() bool { return m.Watching() == 1 }, time.Second, 5*time.Millisecond)

	fake := e.sessions["enc1"]
	fake.SetPaused(true)
	require.Eventually(t, func() bool { return fake.Counts().Resumes == 1 }, time.Second, 5*time.Millisecond)

	// Resume unpaused the fake; further ticks must not resume again.
	probes := fake.Counts().Probes
	require.Eventually(t, func() bool { return fake.Counts().Probes >= probes+3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, fake.Counts().Resumes)

	select {
	case ev := <-resumed:
		assert.Equal(t, "enc1", ev.EncoderID)
	case <-time.After(time.Second):
		t.Fatal("no VideoResumedEvent")
	}
}

func TestPauseMonitorIdlesWhilePlaying(t *testing.T) {
	e := newEnv(t, "enc1")
	e.tune(t, "enc1")
	fake := e.sessions["enc1"]
	probes := fake.Counts().Probes

	e.pauseMonitor(t)
	require.Eventually(t, func() bool { return fake.Counts().Probes >= probes+3 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, fake.Counts().Resumes)
}

func TestPauseMonitorIgnoresPageWithoutVideo(t *testing.T) {
	e := newEnv(t, "enc1")
	e.tune(t, "enc1")
	fake := e.sessions["enc1"]
	fake.VideoOnProbe = -1
	probes := fake.Counts().Probes

	e.pauseMonitor(t)
	fake.SetPaused(true)
	require.Eventually(t, func() bool { return fake.Counts().Probes >= probes+3 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, fake.Counts().Resumes)
}

func TestPauseMonitorKeepsRunningAfterResumeError(t *testing.T) {
	e := newEnv(t, "enc1")
	e.tune(t, "enc1")
	fake := e.sessions["enc1"]
	fake.ResumeErr = errors.New("not allowed")

	m := e.pauseMonitor(t)
	fake.SetPaused(true)
	require.Eventually(t, func() bool { return fake.Counts().Resumes >= 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, m.Watching())
}

func TestPauseMonitorFollowsStreamEvents(t *testing.T) {
	e := newEnv(t, "enc1")
	m := e.pauseMonitor(t)
	assert.Zero(t, m.Watching())

	e.tune(t, "enc1")
	require.Eventually(t, func() bool { return m.Watching() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, e.ctrl.Stop(t.Context(), "enc1"))
	require.Eventually(t, func() bool { return m.Watching() == 0 }, time.Second, 5*time.Millisecond)
}

func TestPauseMonitorExitsWhenBrowserDies(t *testing.T) {
	e := newEnv(t, "enc1")
	e.tune(t, "enc1")
	m := e.pauseMonitor(t)
	require.Eventually(t, func() bool { return m.Watching() == 1 }, time.Second, 5*time.Millisecond)

	e.sessions["enc1"].Crash()
	require.Eventually(t, func() bool { return m.Watching() == 0 }, time.Second, 5*time.Millisecond)
}

func TestPauseMonitorToggle(t *testing.T) {
	e := newEnv(t, "enc1", "enc2")
	e.tune(t, "enc1")
	e.tune(t, "enc2")
	m := e.pauseMonitor(t)
	require.Eventually(t, func() bool { return m.Watching() == 2 }, time.Second, 5*time.Millisecond)

	m.SetEnabled(false)
	assert.Zero(t, m.Watching())
	assert.False(t, m.Enabled())

	m.SetEnabled(true)
	assert.Equal(t, 2, m.Watching())
}

func TestPauseMonitorIntervalClamped(t *testing.T) {
	e := newEnv(t, "enc1")
	m := NewPauseMonitor(PauseMonitorOptions{Pool: e.pool, Sessions: e.sessions, Bus: e.bus, Logger: e.logger})

	m.SetInterval(0)
	assert.Equal(t, time.Second, m.Interval())
	m.SetInterval(time.Hour)
	assert.Equal(t, 300*time.Second, m.Interval())
	m.SetInterval(15 * time.Second)
	assert.Equal(t, 15*time.Second, m.Interval())
}
