package monitoring

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smazurov/pagecaster/internal/encoders"
	"github.com/smazurov/pagecaster/internal/events"
)

func (e *env) supervisor(t *testing.T, enabled bool) *HealthSupervisor {
	t.Helper()
	s := NewHealthSupervisor(HealthOptions{
		Pool:        e.pool,
		Sessions:    e.sessions,
		Launcher:    e.ctrl,
		Bus:         e.bus,
		Interval:    time.Hour,
		Enabled:     enabled,
		PingTimeout: time.Second,
		Logger:      e.logger,
	})
	require.NoError(t, s.Start(t.Context()))
	t.Cleanup(s.Stop)
	return s
}

func (e *env) state(t *testing.T, id string) encoders.Status {
	t.Helper()
	st, ok := e.pool.Status(id)
	require.True(t, ok)
	return st
}

func TestHealthyBrowserLeftAlone(t *testing.T) {
	e := newEnv(t, "enc1")
	s := e.supervisor(t, false)

	s.CheckNow(t.Context())

	fake := e.sessions["enc1"]
	assert.Equal(t, 1, fake.Counts().Pings)
	assert.Equal(t, 1, fake.Counts().Launches)
	assert.Equal(t, encoders.StateIdle, e.state(t, "enc1").State)
}

func TestIdleFailureRelaunchesNow(t *testing.T) {
	e := newEnv(t, "enc1")
	failed := make(chan events.HealthCheckFailedEvent, 1)
	defer e.bus.Subscribe(func(ev events.HealthCheckFailedEvent) { failed <- ev })()
	s := e.supervisor(t, false)

	fake := e.sessions["enc1"]
	fake.SetPingErr(errors.New("navigation timed out"))
	s.CheckNow(t.Context())

	assert.Equal(t, 2, fake.Counts().Launches)
	assert.Equal(t, encoders.StateIdle, e.state(t, "enc1").State)

	select {
	case ev := <-failed:
		assert.Equal(t, "enc1", ev.EncoderID)
		assert.Equal(t, ActionRelaunch, ev.Action)
	case <-time.After(time.Second):
		t.Fatal("no HealthCheckFailedEvent")
	}
}

func TestMidStreamFailureDefersRecovery(t *testing.T) {
	e := newEnv(t, "enc1")
	s := e.supervisor(t, false)
	e.tune(t, "enc1")

	fake := e.sessions["enc1"]
	fake.SetPingErr(errors.New("renderer hung"))
	s.CheckNow(t.Context())

	st := e.state(t, "enc1")
	assert.Equal(t, encoders.StateBusy, st.State)
	assert.True(t, st.RecoveryPending)
	assert.False(t, st.IsHealthy())
	assert.NotNil(t, st.Stream)
	assert.Equal(t, 1, fake.Counts().Launches, "must not relaunch mid-stream")

	// A second sweep while the stream plays changes nothing.
	s.CheckNow(t.Context())
	assert.Equal(t, 1, fake.Counts().Launches)

	fake.SetPingErr(nil)
	require.NoError(t, e.ctrl.Stop(t.Context(), "enc1"))

	require.Eventually(t, func() bool {
		return fake.Counts().Launches == 2 && e.state(t, "enc1").State == encoders.StateIdle
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, e.state(t, "enc1").RecoveryPending)
}

func TestOfflineEncoderLaunched(t *testing.T) {
	e := newEnv(t, "enc1", "enc2")
	s := e.supervisor(t, false)

	e.sessions["enc2"].Crash()
	e.ctrl.HandleBrowserExit("enc2", errors.New("signal: segmentation fault"))
	require.Equal(t, encoders.StateOffline, e.state(t, "enc2").State)

	s.CheckNow(t.Context())
	assert.Equal(t, encoders.StateIdle, e.state(t, "enc2").State)
	assert.Equal(t, 2, e.sessions["enc2"].Counts().Launches)
	assert.Equal(t, 1, e.sessions["enc1"].Counts().Launches)
}

func TestFailedRelaunchStaysOffline(t *testing.T) {
	e := newEnv(t, "enc1")
	s := e.supervisor(t, false)

	fake := e.sessions["enc1"]
	fake.SetPingErr(errors.New("dead"))
	fake.LaunchErr = errors.New("no display")
	s.CheckNow(t.Context())

	assert.Equal(t, encoders.StateOffline, e.state(t, "enc1").State)
}

func TestConcurrentCheckSkipped(t *testing.T) {
	e := newEnv(t, "enc1")
	s := e.supervisor(t, false)

	s.locks["enc1"].Lock()
	s.CheckNow(t.Context())
	s.locks["enc1"].Unlock()

	assert.Zero(t, e.sessions["enc1"].Counts().Pings)
}

func TestHealthSchedule(t *testing.T) {
	e := newEnv(t, "enc1")
	s := e.supervisor(t, true)

	s.mu.Lock()
	entry := s.entry
	s.mu.Unlock()
	require.NotZero(t, entry)
	assert.True(t, s.cron.Entry(entry).Valid())

	require.NoError(t, s.SetInterval(time.Minute))
	assert.Equal(t, 30*time.Minute, s.Interval())
	require.NoError(t, s.SetInterval(1000*time.Hour))
	assert.Equal(t, 168*time.Hour, s.Interval())

	require.NoError(t, s.SetEnabled(false))
	s.mu.Lock()
	assert.Zero(t, s.entry)
	s.mu.Unlock()
	assert.False(t, s.cron.Entry(entry).Valid())
}

func TestUnhealthyAfterStopIgnored(t *testing.T) {
	e := newEnv(t, "enc1")
	s := NewHealthSupervisor(HealthOptions{
		Pool:     e.pool,
		Sessions: e.sessions,
		Launcher: e.ctrl,
		Bus:      e.bus,
		Interval: time.Hour,
		Logger:   e.logger,
	})
	require.NoError(t, s.Start(t.Context()))

	unhealthy := events.EncoderStateChangedEvent{EncoderID: "enc1", OldState: "idle", NewState: string(encoders.StateUnhealthy)}
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				s.stateChanged(unhealthy)
			}
		}()
	}
	s.Stop()
	wg.Wait()

	launches := e.sessions["enc1"].Counts().Launches
	e.pool.MarkUnhealthy("enc1")
	s.stateChanged(unhealthy)
	s.wg.Wait()

	assert.Equal(t, launches, e.sessions["enc1"].Counts().Launches)
	assert.Equal(t, encoders.StateUnhealthy, e.state(t, "enc1").State)
}
