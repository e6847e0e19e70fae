package encoders

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBindings(ids ...string) []Binding {
	out := make([]Binding, len(ids))
	for i, id := range ids {
		out[i] = Binding{ID: id, IngestURL: "http://10.0.0.20/live/" + id, Channel: "10" + id[len(id)-1:]}
	}
	return out
}

func newTestPool(t *testing.T, ids ...string) *Pool {
	t.Helper()
	p := NewPool(testBindings(ids...), PoolOptions{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	for _, id := range ids {
		require.NoError(t, p.BeginLaunch(id))
		p.MarkLaunched(id)
	}
	return p
}

func assertAvailability(t *testing.T, p *Pool) {
	t.Helper()
	for _, st := range p.Snapshot() {
		want := st.HasBrowser() && st.IsHealthy() && st.Stream == nil
		assert.Equal(t, want, st.IsAvailable(), "encoder %s in state %s", st.ID, st.State)
	}
}

func TestNewPoolStartsOffline(t *testing.T) {
	p := NewPool(testBindings("enc1", "enc2"), PoolOptions{})
	for _, st := range p.Snapshot() {
		assert.Equal(t, StateOffline, st.State)
		assert.False(t, st.HasBrowser())
		assert.False(t, st.IsAvailable())
	}
	_, err := p.ReserveFirst()
	assert.ErrorIs(t, err, ErrNoEncoderAvailable)
	assert.ErrorIs(t, err, ErrEncoderBusy)
}

func TestReserveCommitEnd(t *testing.T) {
	p := newTestPool(t, "enc1")
	assertAvailability(t, p)

	r, err := p.Reserve("enc1")
	require.NoError(t, err)
	assert.Equal(t, "enc1", r.EncoderID())
	assert.False(t, r.Cancelled())

	st, _ := p.Status("enc1")
	assert.Equal(t, StateBusy, st.State)
	assert.Nil(t, st.Stream)
	assert.False(t, st.IsAvailable())

	stream, err := r.Commit(ActiveStream{ID: "s1", TargetURL: "https://example.com", StartedAt: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, "enc1", stream.EncoderID)
	assertAvailability(t, p)

	// Release after commit must not free a streaming encoder.
	r.Release()
	st, _ = p.Status("enc1")
	assert.Equal(t, StateBusy, st.State)
	require.NotNil(t, st.Stream)

	_, _, ok := p.BeginStop("enc1", "other")
	assert.False(t, ok)

	ended, hold, ok := p.BeginStop("enc1", "s1")
	require.True(t, ok)
	assert.Equal(t, "s1", ended.ID)

	// The encoder stays busy with no stream until the page is torn down.
	st, _ = p.Status("enc1")
	assert.Equal(t, StateBusy, st.State)
	assert.Nil(t, st.Stream)
	_, err = p.Reserve("enc1")
	assert.ErrorIs(t, err, ErrEncoderBusy)

	hold.Release()
	st, _ = p.Status("enc1")
	assert.Equal(t, StateIdle, st.State)
	assertAvailability(t, p)
}

func TestReserveErrors(t *testing.T) {
	p := newTestPool(t, "enc1")

	_, err := p.Reserve("nope")
	assert.ErrorIs(t, err, ErrEncoderNotFound)

	r, err := p.Reserve("enc1")
	require.NoError(t, err)
	defer r.Release()

	_, err = p.Reserve("enc1")
	assert.ErrorIs(t, err, ErrEncoderBusy)
	assert.False(t, errors.Is(err, ErrNoEncoderAvailable))
}

func TestReserveFirstUsesConfigurationOrder(t *testing.T) {
	p := newTestPool(t, "enc1", "enc2", "enc3")

	r1, err := p.ReserveFirst()
	require.NoError(t, err)
	assert.Equal(t, "enc1", r1.EncoderID())

	r2, err := p.ReserveFirst()
	require.NoError(t, err)
	assert.Equal(t, "enc2", r2.EncoderID())

	r1.Release()
	r3, err := p.ReserveFirst()
	require.NoError(t, err)
	assert.Equal(t, "enc1", r3.EncoderID())
}

func TestConcurrentReserveSingleWinner(t *testing.T) {
	p := newTestPool(t, "enc1")

	var wins, busy atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Reserve("enc1")
			if err == nil {
				wins.Add(1)
			} else if errors.Is(err, ErrEncoderBusy) {
				busy.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(19), busy.Load())
}

func TestCancelledReservationCannotCommit(t *testing.T) {
	p := newTestPool(t, "enc1")
	r, err := p.Reserve("enc1")
	require.NoError(t, err)

	assert.True(t, p.CancelReservation("enc1"))
	assert.True(t, r.Cancelled())

	// Still busy until the tune gives the encoder back.
	_, err = p.Reserve("enc1")
	assert.ErrorIs(t, err, ErrEncoderBusy)

	_, err = r.Commit(ActiveStream{ID: "s1"})
	assert.ErrorIs(t, err, ErrReservationLost)
	assert.Nil(t, p.Stream("enc1"))

	r.Release()
	st, _ := p.Status("enc1")
	assert.Equal(t, StateIdle, st.State)
	assert.False(t, p.CancelReservation("enc1"))
}

func TestMarkOfflineInvalidatesReservation(t *testing.T) {
	p := newTestPool(t, "enc1")
	r, err := p.Reserve("enc1")
	require.NoError(t, err)

	assert.Nil(t, p.MarkOffline("enc1"))
	assert.True(t, r.Cancelled())

	// A stale release must not resurrect an offline encoder.
	r.Release()
	st, _ := p.Status("enc1")
	assert.Equal(t, StateOffline, st.State)
}

func TestMarkOfflineReturnsStream(t *testing.T) {
	p := newTestPool(t, "enc1")
	r, _ := p.Reserve("enc1")
	_, err := r.Commit(ActiveStream{ID: "s1"})
	require.NoError(t, err)

	ended := p.MarkOffline("enc1")
	require.NotNil(t, ended)
	assert.Equal(t, "s1", ended.ID)
	assert.Empty(t, p.ActiveStreams())
	assertAvailability(t, p)
}

func TestMarkUnhealthyIdle(t *testing.T) {
	p := newTestPool(t, "enc1")
	assert.False(t, p.MarkUnhealthy("enc1"))

	st, _ := p.Status("enc1")
	assert.Equal(t, StateUnhealthy, st.State)
	assert.True(t, st.HasBrowser())
	assert.False(t, st.IsHealthy())
	assertAvailability(t, p)

	_, err := p.ReserveFirst()
	assert.ErrorIs(t, err, ErrNoEncoderAvailable)
}

func TestMarkUnhealthyMidStreamDefersRecovery(t *testing.T) {
	p := newTestPool(t, "enc1")
	var mu sync.Mutex
	var seen []State
	p.SetStateChangeHandler(func(_ string, _, next State) {
		mu.Lock()
		seen = append(seen, next)
		mu.Unlock()
	})

	r, _ := p.Reserve("enc1")
	_, err := r.Commit(ActiveStream{ID: "s1"})
	require.NoError(t, err)

	assert.True(t, p.MarkUnhealthy("enc1"))
	st, _ := p.Status("enc1")
	assert.Equal(t, StateBusy, st.State)
	assert.True(t, st.RecoveryPending)
	assert.False(t, st.IsHealthy())
	assert.NotNil(t, st.Stream)

	_, hold, ok := p.BeginStop("enc1", "s1")
	require.True(t, ok)
	hold.Release()
	st, _ = p.Status("enc1")
	assert.Equal(t, StateUnhealthy, st.State)
	assert.False(t, st.RecoveryPending)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateBusy, StateUnhealthy}, seen)
}

func TestBeginLaunch(t *testing.T) {
	p := newTestPool(t, "enc1")

	r, _ := p.Reserve("enc1")
	assert.ErrorIs(t, p.BeginLaunch("enc1"), ErrEncoderBusy)
	r.Release()

	require.NoError(t, p.BeginLaunch("enc1"))
	assert.ErrorIs(t, p.BeginLaunch("enc1"), ErrEncoderBusy)
	st, _ := p.Status("enc1")
	assert.False(t, st.HasBrowser())

	p.MarkLaunched("enc1")
	st, _ = p.Status("enc1")
	assert.Equal(t, StateIdle, st.State)

	assert.ErrorIs(t, p.BeginLaunch("nope"), ErrEncoderNotFound)
}

func TestSetRecordingJob(t *testing.T) {
	p := newTestPool(t, "enc1")
	r, _ := p.Reserve("enc1")
	_, err := r.Commit(ActiveStream{ID: "s1"})
	require.NoError(t, err)

	assert.False(t, p.SetRecordingJob("enc1", "s0", "job"))
	assert.True(t, p.SetRecordingJob("enc1", "s1", "job-42"))
	assert.Equal(t, "job-42", p.Stream("enc1").RecordingJobID)
}

func TestStreamReturnsCopy(t *testing.T) {
	p := newTestPool(t, "enc1")
	r, _ := p.Reserve("enc1")
	_, err := r.Commit(ActiveStream{ID: "s1", TargetURL: "https://a"})
	require.NoError(t, err)

	cp := p.Stream("enc1")
	cp.TargetURL = "https://b"
	assert.Equal(t, "https://a", p.Stream("enc1").TargetURL)
}

func TestBeginStopOnlyOnce(t *testing.T) {
	p := newTestPool(t, "enc1")
	r, _ := p.Reserve("enc1")
	_, err := r.Commit(ActiveStream{ID: "s1"})
	require.NoError(t, err)

	_, first, ok := p.BeginStop("enc1", "s1")
	require.True(t, ok)
	_, _, ok = p.BeginStop("enc1", "s1")
	assert.False(t, ok, "a stream can only be stopped once")
	first.Release()

	r2, err := p.Reserve("enc1")
	require.NoError(t, err)
	_, err = r2.Commit(ActiveStream{ID: "s2"})
	require.NoError(t, err)

	_, _, ok = p.BeginStop("enc1", "s1")
	assert.False(t, ok, "an old stream id must not detach the new stream")
	assert.Equal(t, "s2", p.Stream("enc1").ID)
}

func TestBrowserExitDuringStopFreesNothing(t *testing.T) {
	p := newTestPool(t, "enc1")
	r, _ := p.Reserve("enc1")
	_, err := r.Commit(ActiveStream{ID: "s1"})
	require.NoError(t, err)

	_, hold, ok := p.BeginStop("enc1", "s1")
	require.True(t, ok)
	assert.Nil(t, p.MarkOffline("enc1"))
	hold.Release()

	st, _ := p.Status("enc1")
	assert.Equal(t, StateOffline, st.State)
}

func TestNotifyDropsSupersededChange(t *testing.T) {
	p := newTestPool(t, "enc1")
	type change struct{ old, next State }
	var seen []change
	p.SetStateChangeHandler(func(_ string, old, next State) {
		seen = append(seen, change{old, next})
	})

	p.mu.Lock()
	s := p.slots["enc1"]
	var busy, unhealthy []transition
	p.setStateLocked(s, StateBusy, &busy)
	p.setStateLocked(s, StateUnhealthy, &unhealthy)
	p.mu.Unlock()

	// Delivered newest first, as two racing goroutines could.
	p.notify(unhealthy)
	p.notify(busy)

	assert.Equal(t, []change{{StateIdle, StateUnhealthy}}, seen)
}

func TestStateChangesFormChain(t *testing.T) {
	p := newTestPool(t, "enc1")
	var (
		mu      sync.Mutex
		current = StateIdle
		broken  atomic.Int32
	)
	p.SetStateChangeHandler(func(_ string, old, next State) {
		mu.Lock()
		defer mu.Unlock()
		if old != current {
			broken.Add(1)
		}
		current = next
	})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				if r, err := p.Reserve("enc1"); err == nil {
					r.Release()
				}
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, broken.Load())
	st, _ := p.Status("enc1")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, st.State, current)
}
