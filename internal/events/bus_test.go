package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		var zero T
		return zero
	}
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := New()
	received := make(chan StreamStartedEvent, 1)

	unsub := bus.Subscribe(func(e StreamStartedEvent) { received <- e })
	defer unsub()

	ev := StreamStartedEvent{
		StreamID:  "s1",
		EncoderID: "enc1",
		TargetURL: "https://example.com/live",
		IngestURL: "http://10.0.0.20/live/stream0",
		Timestamp: "2025-01-27T10:30:00Z",
	}
	bus.Publish(ev)

	assert.Equal(t, ev, receive(t, received))
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := New()
	received1 := make(chan EncoderStateChangedEvent, 1)
	received2 := make(chan EncoderStateChangedEvent, 1)

	defer bus.Subscribe(func(e EncoderStateChangedEvent) { received1 <- e })()
	defer bus.Subscribe(func(e EncoderStateChangedEvent) { received2 <- e })()

	bus.Publish(EncoderStateChangedEvent{EncoderID: "enc1", OldState: "idle", NewState: "busy"})

	assert.Equal(t, "busy", receive(t, received1).NewState)
	assert.Equal(t, "busy", receive(t, received2).NewState)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New()
	received := make(chan BrowserExitedEvent, 1)

	unsub := bus.Subscribe(func(e BrowserExitedEvent) { received <- e })

	bus.Publish(BrowserExitedEvent{EncoderID: "enc1"})
	receive(t, received)

	unsub()

	bus.Publish(BrowserExitedEvent{EncoderID: "enc2"})
	select {
	case <-received:
		t.Fatal("received event after unsubscribe")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBus_TypeIsolation(t *testing.T) {
	bus := New()
	stopped := make(chan StreamStoppedEvent, 1)
	defer bus.Subscribe(func(e StreamStoppedEvent) { stopped <- e })()

	bus.Publish(VideoResumedEvent{EncoderID: "enc1"})
	bus.Publish(HealthCheckFailedEvent{EncoderID: "enc1", Action: "relaunch"})
	bus.Publish(StreamStoppedEvent{EncoderID: "enc1", Reason: "auto_stop"})

	assert.Equal(t, "auto_stop", receive(t, stopped).Reason)
}

func TestBus_UnknownHandlerIsNoop(t *testing.T) {
	bus := New()
	unsub := bus.Subscribe(func(string) {})
	require.NotNil(t, unsub)
	unsub()
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := New()
	var mu sync.Mutex
	count := 0
	done := make(chan struct{})
	const total = 50

	defer bus.Subscribe(func(VideoResumedEvent) {
		mu.Lock()
		count++
		if count == total {
			close(done)
		}
		mu.Unlock()
	})()

	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(VideoResumedEvent{EncoderID: "enc1"})
		}()
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not all events delivered")
	}
}

func TestSubscribeToChannel(t *testing.T) {
	bus := New()
	ch := make(chan any, 4)
	unsub := SubscribeToChannel[HealthCheckFailedEvent](bus, ch)
	defer unsub()

	bus.Publish(HealthCheckFailedEvent{EncoderID: "enc2", Error: "probe timed out", Action: "deferred"})

	got, ok := receive(t, ch).(HealthCheckFailedEvent)
	require.True(t, ok)
	assert.Equal(t, "deferred", got.Action)
}

func TestSubscribeAll(t *testing.T) {
	bus := New()
	ch := make(chan any, 8)
	unsub := SubscribeAll(bus, ch)

	bus.Publish(StreamStartedEvent{StreamID: "s1", EncoderID: "enc1"})
	_, ok := receive(t, ch).(StreamStartedEvent)
	require.True(t, ok)

	bus.Publish(VideoResumedEvent{StreamID: "s1", EncoderID: "enc1"})
	_, ok = receive(t, ch).(VideoResumedEvent)
	require.True(t, ok)

	unsub()
	bus.Publish(StreamStoppedEvent{StreamID: "s1", EncoderID: "enc1"})
	select {
	case ev := <-ch:
		t.Fatalf("event delivered after unsubscribe: %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventJSON(t *testing.T) {
	data, err := json.Marshal(StreamStoppedEvent{StreamID: "s1", EncoderID: "enc1", Reason: "manual", Timestamp: "t"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"stream_id":"s1","encoder_id":"enc1","reason":"manual","timestamp":"t"}`, string(data))

	data, err = json.Marshal(StreamStartedEvent{StreamID: "s1", EncoderID: "enc1"})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "auto_stop_at")
}

func TestTimestamp(t *testing.T) {
	ts := time.Date(2025, 1, 27, 11, 30, 0, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "2025-01-27T10:30:00Z", Timestamp(ts))
}
