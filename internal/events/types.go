package events

// Event type constants for kelindar/event.
const (
	TypeEncoderStateChanged uint32 = iota + 1
	TypeStreamStarted
	TypeStreamStopped
	TypeBrowserExited
	TypeVideoResumed
	TypeHealthCheckFailed
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// EncoderStateChangedEvent is published on every encoder status transition.
type EncoderStateChangedEvent struct {
	EncoderID string `json:"encoder_id" example:"enc1" doc:"Encoder identifier"`
	OldState  string `json:"old_state" example:"idle" doc:"Previous status"`
	NewState  string `json:"new_state" example:"busy" doc:"New status"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for EncoderStateChangedEvent.
func (e EncoderStateChangedEvent) Type() uint32 { return TypeEncoderStateChanged }

// StreamStartedEvent is published once a tune has committed an active stream.
type StreamStartedEvent struct {
	StreamID   string `json:"stream_id" example:"0b9e7c2e-5f1a-4c1e-9f57-7d1b0e3f6a11" doc:"Active stream identity"`
	EncoderID  string `json:"encoder_id" example:"enc1" doc:"Encoder carrying the stream"`
	TargetURL  string `json:"target_url" example:"https://example.com/live" doc:"Page being rendered"`
	IngestURL  string `json:"ingest_url" example:"http://10.0.0.20/live/stream0" doc:"Encoder output URL"`
	AutoStopAt string `json:"auto_stop_at,omitempty" example:"2025-01-27T11:30:00Z" doc:"Scheduled stop time"`
	Timestamp  string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for StreamStartedEvent.
func (e StreamStartedEvent) Type() uint32 { return TypeStreamStarted }

// StreamStoppedEvent is published after an active stream has been destroyed.
type StreamStoppedEvent struct {
	StreamID  string `json:"stream_id" doc:"Active stream identity"`
	EncoderID string `json:"encoder_id" example:"enc1" doc:"Encoder that carried the stream"`
	Reason    string `json:"reason" example:"manual" doc:"Why the stream ended: manual, auto_stop, browser_exit, shutdown"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for StreamStoppedEvent.
func (e StreamStoppedEvent) Type() uint32 { return TypeStreamStopped }

// BrowserExitedEvent is published when a browser process ends without being asked to.
type BrowserExitedEvent struct {
	EncoderID string `json:"encoder_id" example:"enc1" doc:"Encoder whose browser exited"`
	Error     string `json:"error,omitempty" doc:"Exit error"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for BrowserExitedEvent.
func (e BrowserExitedEvent) Type() uint32 { return TypeBrowserExited }

// VideoResumedEvent is published when the pause monitor restarts paused playback.
type VideoResumedEvent struct {
	StreamID  string `json:"stream_id" doc:"Active stream identity"`
	EncoderID string `json:"encoder_id" example:"enc1" doc:"Encoder identifier"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for VideoResumedEvent.
func (e VideoResumedEvent) Type() uint32 { return TypeVideoResumed }

// HealthCheckFailedEvent is published when a browser fails its health probe.
type HealthCheckFailedEvent struct {
	EncoderID string `json:"encoder_id" example:"enc1" doc:"Encoder identifier"`
	Error     string `json:"error" doc:"Probe error"`
	Action    string `json:"action" example:"relaunch" doc:"Recovery taken: relaunch or deferred"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for HealthCheckFailedEvent.
func (e HealthCheckFailedEvent) Type() uint32 { return TypeHealthCheckFailed }
