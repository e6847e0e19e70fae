package models

import (
	"time"
)

// Health models
type EncoderHealthData struct {
	ID          string `json:"id" example:"enc1" doc:"Encoder identifier"`
	Channel     string `json:"channel" example:"101" doc:"DVR channel number"`
	IngestURL   string `json:"ingest_url" example:"http://10.0.0.20/live/stream0" doc:"Encoder output URL"`
	AudioDevice string `json:"audio_device,omitempty" example:"alsa_output.hdmi-stereo" doc:"Audio sink of the browser"`
	State       string `json:"state" enum:"offline,launching,idle,busy,unhealthy" example:"idle" doc:"Encoder status"`
	HasBrowser  bool   `json:"has_browser" doc:"Browser is running"`
	IsHealthy   bool   `json:"is_healthy" doc:"Browser passed its last health check"`
	IsAvailable bool   `json:"is_available" doc:"Encoder can take a new stream"`
	TargetURL   string `json:"target_url,omitempty" example:"https://example.com/live" doc:"Page currently playing"`
	BrowserPID  int    `json:"browser_pid,omitempty" example:"4242" doc:"Browser process id"`
	BrowserRSS  uint64 `json:"browser_rss_bytes,omitempty" doc:"Browser resident memory in bytes"`
}

type StreamData struct {
	StreamID       string     `json:"stream_id" example:"0b9e7c2e-5f1a-4c1e-9f57-7d1b0e3f6a11" doc:"Active stream identity"`
	EncoderID      string     `json:"encoder_id" example:"enc1" doc:"Encoder carrying the stream"`
	Channel        string     `json:"channel,omitempty" example:"101" doc:"DVR channel number"`
	IngestURL      string     `json:"ingest_url" example:"http://10.0.0.20/live/stream0" doc:"Encoder output URL"`
	TargetURL      string     `json:"target_url" example:"https://example.com/live" doc:"Page being played"`
	StartedAt      time.Time  `json:"started_at" doc:"When the stream started"`
	Uptime         string     `json:"uptime,omitempty" example:"1h2m3s" doc:"Time since the stream started"`
	AutoStopAt     *time.Time `json:"auto_stop_at,omitempty" doc:"Scheduled stop time"`
	RecordingJobID string     `json:"recording_job_id,omitempty" example:"job-1" doc:"DVR recording job"`
}

type HealthData struct {
	Status   string              `json:"status" example:"ok" doc:"ok when every encoder is healthy, degraded otherwise"`
	Encoders []EncoderHealthData `json:"encoders" doc:"Per-encoder state"`
	Streams  []StreamData        `json:"streams" doc:"Active streams"`
}

type HealthResponse struct {
	Body HealthData
}

// Tune models
type TuneRequestData struct {
	URL             string `json:"url" minLength:"1" example:"https://example.com/live" doc:"Page to play"`
	EncoderID       string `json:"encoder_id,omitempty" example:"enc1" doc:"Encoder to use; first available when empty"`
	DurationMinutes int    `json:"duration_minutes,omitempty" minimum:"0" example:"60" doc:"Stop automatically after this many minutes"`
}

type TuneRequest struct {
	Body TuneRequestData
}

type StreamResponse struct {
	Body StreamData
}

// Record models
type RecordRequestData struct {
	URL             string   `json:"url" minLength:"1" example:"https://example.com/live" doc:"Page to play"`
	EncoderID       string   `json:"encoder_id,omitempty" example:"enc1" doc:"Encoder to use; first available when empty"`
	DurationMinutes int      `json:"duration_minutes" minimum:"1" example:"60" doc:"Recording length in minutes"`
	Title           string   `json:"title,omitempty" example:"Evening News" doc:"Recording title"`
	EpisodeTitle    string   `json:"episode_title,omitempty" doc:"Episode title"`
	Summary         string   `json:"summary,omitempty" doc:"Recording description"`
	Image           string   `json:"image,omitempty" doc:"Artwork URL"`
	Genres          []string `json:"genres,omitempty" doc:"Genres"`
}

type RecordRequest struct {
	Body RecordRequestData
}

// RecordingError is returned by the record route when the stream started
// but the DVR job could not be created.
type RecordingError struct {
	Status int        `json:"status" example:"502" doc:"HTTP status code"`
	Title  string     `json:"title" example:"Bad Gateway" doc:"Error title"`
	Detail string     `json:"detail" doc:"Why the recording job failed"`
	Code   string     `json:"code" example:"RECORDING_JOB_FAILED" doc:"Error code"`
	Stream StreamData `json:"stream" doc:"The stream that is playing"`
}

func (e *RecordingError) Error() string { return e.Detail }

// GetStatus implements huma.StatusError.
func (e *RecordingError) GetStatus() int { return e.Status }

// Stop models
type StopRequestData struct {
	EncoderID string `json:"encoder_id,omitempty" example:"enc1" doc:"Encoder to stop; all encoders when empty"`
}

type StopRequest struct {
	Body StopRequestData
}

type MessageData struct {
	Message string `json:"message" example:"stopped" doc:"Operation result"`
}

type MessageResponse struct {
	Body MessageData
}

// Version models
type VersionData struct {
	Version   string `json:"version" example:"dev" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"abc1234" doc:"Git commit SHA"`
	BuildDate string `json:"build_date" example:"2024-12-15 14:30" doc:"Build timestamp"`
	BuildID   string `json:"build_id" example:"a1b2c3d4" doc:"Unique build identifier"`
	GoVersion string `json:"go_version" example:"go1.21.0" doc:"Go compiler version"`
	Compiler  string `json:"compiler" example:"gc" doc:"Compiler used"`
	Platform  string `json:"platform" example:"linux/amd64" doc:"Platform"`
}

type VersionResponse struct {
	Body VersionData
}
