package events

import "github.com/kelindar/event"

// SubscribeToChannel forwards events of type T into ch for select-loop
// consumers such as the SSE route. Sends never block: the event is dropped
// when ch is full.
func SubscribeToChannel[T Event](bus *Bus, ch chan<- any) func() {
	return event.Subscribe(bus.dispatcher, func(e T) {
		select {
		case ch <- e:
		default:
		}
	})
}

// SubscribeAll forwards every event type into ch. The returned function
// removes all of the subscriptions.
func SubscribeAll(bus *Bus, ch chan<- any) func() {
	unsubs := []func(){
		SubscribeToChannel[EncoderStateChangedEvent](bus, ch),
		SubscribeToChannel[StreamStartedEvent](bus, ch),
		SubscribeToChannel[StreamStoppedEvent](bus, ch),
		SubscribeToChannel[BrowserExitedEvent](bus, ch),
		SubscribeToChannel[VideoResumedEvent](bus, ch),
		SubscribeToChannel[HealthCheckFailedEvent](bus, ch),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}
