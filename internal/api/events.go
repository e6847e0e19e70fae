package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/smazurov/pagecaster/internal/events"
)

// registerSSERoutes registers the native Huma SSE endpoint.
func (s *Server) registerSSERoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Server-Sent Events Stream",
		Description: "Real-time encoder, stream and browser events",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"encoder-state-changed": events.EncoderStateChangedEvent{},
		"stream-started":        events.StreamStartedEvent{},
		"stream-stopped":        events.StreamStoppedEvent{},
		"browser-exited":        events.BrowserExitedEvent{},
		"video-resumed":         events.VideoResumedEvent{},
		"health-check-failed":   events.HealthCheckFailedEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		eventCh := make(chan any, 32)
		unsubscribe := events.SubscribeAll(s.eventBus, eventCh)
		defer unsubscribe()

		// Current encoder states first, so a fresh client needs no extra call.
		for _, e := range s.ctrl.Health().Encoders {
			if err := send.Data(events.EncoderStateChangedEvent{
				EncoderID: e.ID,
				NewState:  string(e.State),
			}); err != nil {
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-eventCh:
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}
