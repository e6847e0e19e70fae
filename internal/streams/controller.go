package streams

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smazurov/pagecaster/internal/browser"
	"github.com/smazurov/pagecaster/internal/dvr"
	"github.com/smazurov/pagecaster/internal/encoders"
	"github.com/smazurov/pagecaster/internal/events"
	"github.com/smazurov/pagecaster/internal/logging"
	"github.com/smazurov/pagecaster/internal/metrics"
)

// Stop reasons carried by StreamStoppedEvent.
const (
	ReasonManual      = "manual"
	ReasonAutoStop    = "auto_stop"
	ReasonBrowserExit = "browser_exit"
	ReasonShutdown    = "shutdown"
)

// Sessions resolves the browser session bound to an encoder.
type Sessions interface {
	Session(encoderID string) (browser.Session, bool)
}

// JobSubmitter schedules DVR recordings.
type JobSubmitter interface {
	SubmitJob(ctx context.Context, job dvr.Job) (string, error)
}

// Publisher receives controller events. *events.Bus implements it.
type Publisher interface {
	Publish(ev events.Event)
}

// Options configures a Controller.
type Options struct {
	Pool     *encoders.Pool
	Sessions Sessions
	DVR      JobSubmitter
	Bus      Publisher
	Tuning   Tuning
	// Sleep replaces the retry wait, for tests.
	Sleep SleepFunc
	// OnPhase observes load/play workflow transitions.
	OnPhase func(encoderID string, phase Phase)
	Logger  *slog.Logger
}

// TuneRequest asks for a page to be played on an encoder.
type TuneRequest struct {
	URL string
	// EncoderID pins the request to one encoder; empty picks the first
	// available one.
	EncoderID       string
	DurationMinutes int
}

// TuneResult describes a stream that is now playing.
type TuneResult struct {
	StreamID   string
	EncoderID  string
	Channel    string
	IngestURL  string
	TargetURL  string
	StartedAt  time.Time
	AutoStopAt *time.Time
}

// RecordRequest is a tune plus a DVR recording of the same length.
type RecordRequest struct {
	URL             string
	EncoderID       string
	DurationMinutes int
	Metadata        dvr.Metadata
}

// RecordResult is the outcome of Record. RecordingJobID is empty when the
// DVR submission failed.
type RecordResult struct {
	TuneResult
	RecordingJobID string
}

// Controller runs tune, record and stop requests against the encoder pool.
type Controller struct {
	pool     *encoders.Pool
	sessions Sessions
	dvr      JobSubmitter
	bus      Publisher
	sleep    SleepFunc
	onPhase  func(string, Phase)
	logger   *slog.Logger

	tuningMu sync.RWMutex
	tuning   Tuning

	timersMu sync.Mutex
	timers   map[string]*time.Timer
}

// NewController creates a controller and registers it for pool state changes.
func NewController(opts Options) *Controller {
	c := &Controller{
		pool:     opts.Pool,
		sessions: opts.Sessions,
		dvr:      opts.DVR,
		bus:      opts.Bus,
		sleep:    opts.Sleep,
		onPhase:  opts.OnPhase,
		logger:   opts.Logger,
		tuning:   opts.Tuning,
		timers:   make(map[string]*time.Timer),
	}
	if c.logger == nil {
		c.logger = logging.GetLogger("streams")
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	c.pool.SetStateChangeHandler(c.encoderStateChanged)
	for _, id := range c.pool.IDs() {
		metrics.SetEncoderState(id, "", string(encoders.StateOffline))
	}
	return c
}

// Tuning returns the current retry budget.
func (c *Controller) Tuning() Tuning {
	c.tuningMu.RLock()
	defer c.tuningMu.RUnlock()
	return c.tuning
}

// SetTuning replaces the retry budget for requests started afterwards.
func (c *Controller) SetTuning(t Tuning) {
	c.tuningMu.Lock()
	c.tuning = t
	c.tuningMu.Unlock()
	c.logger.Info("Tuning updated",
		"find_video_retries", t.FindVideoRetries, "find_video_wait", t.FindVideoWait,
		"play_video_retries", t.PlayVideoRetries, "play_video_wait", t.PlayVideoWait)
}

// Tune plays req.URL on an encoder and records it as an active stream.
func (c *Controller) Tune(ctx context.Context, req TuneRequest) (*TuneResult, error) {
	started := time.Now()
	res, err := c.tune(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = CodeOf(err)
		if outcome == "" {
			outcome = "error"
		}
	}
	metrics.ObserveTune(outcome, time.Since(started))
	return res, err
}

func (c *Controller) tune(ctx context.Context, req TuneRequest) (*TuneResult, error) {
	if err := validateTarget(req.URL); err != nil {
		return nil, err
	}
	if req.DurationMinutes < 0 {
		return nil, NewStreamError(ErrCodeInvalidParams, "duration must not be negative", nil)
	}

	var (
		reservation *encoders.Reservation
		err         error
	)
	if req.EncoderID != "" {
		reservation, err = c.pool.Reserve(req.EncoderID)
	} else {
		reservation, err = c.pool.ReserveFirst()
	}
	if err != nil {
		return nil, poolError(err)
	}
	defer reservation.Release()

	binding := reservation.Binding()
	session, ok := c.sessions.Session(binding.ID)
	if !ok {
		return nil, NewStreamError(ErrCodeBrowserLaunchFailed, "encoder has no browser session", browser.ErrNotRunning)
	}

	logger := c.logger.With("encoder_id", binding.ID, "url", req.URL)
	logger.Info("Tuning encoder")

	if err := c.load(ctx, reservation, session, req.URL, logger); err != nil {
		logger.Warn("Tune failed", "error", err)
		c.halt(session, logger)
		return nil, err
	}

	now := time.Now()
	stream := encoders.ActiveStream{
		ID:        uuid.NewString(),
		TargetURL: req.URL,
		StartedAt: now,
	}
	if req.DurationMinutes > 0 {
		stopAt := now.Add(time.Duration(req.DurationMinutes) * time.Minute)
		stream.AutoStopAt = &stopAt
	}

	committed, err := reservation.Commit(stream)
	if err != nil {
		logger.Info("Discarding tune result, encoder was stopped meanwhile")
		c.halt(session, logger)
		return nil, NewStreamError(ErrCodeTuneCancelled, "encoder was stopped during tune", errors.Join(ErrTuneCancelled, err))
	}

	if committed.AutoStopAt != nil {
		c.armAutoStop(*committed)
	}
	c.streamsChanged()
	c.publish(events.StreamStartedEvent{
		StreamID:   committed.ID,
		EncoderID:  committed.EncoderID,
		TargetURL:  committed.TargetURL,
		IngestURL:  binding.IngestURL,
		AutoStopAt: formatOptional(committed.AutoStopAt),
		Timestamp:  events.Timestamp(now),
	})
	logger.Info("Stream started", "stream_id", committed.ID, "auto_stop_at", committed.AutoStopAt)

	return &TuneResult{
		StreamID:   committed.ID,
		EncoderID:  committed.EncoderID,
		Channel:    binding.Channel,
		IngestURL:  binding.IngestURL,
		TargetURL:  committed.TargetURL,
		StartedAt:  committed.StartedAt,
		AutoStopAt: committed.AutoStopAt,
	}, nil
}

// Record tunes and then schedules a DVR recording. A DVR failure does not
// undo the tune: the result is returned together with a
// RECORDING_JOB_FAILED error.
func (c *Controller) Record(ctx context.Context, req RecordRequest) (*RecordResult, error) {
	if req.DurationMinutes <= 0 {
		return nil, NewStreamError(ErrCodeInvalidParams, "duration is required for recordings", nil)
	}

	tuned, err := c.Tune(ctx, TuneRequest{URL: req.URL, EncoderID: req.EncoderID, DurationMinutes: req.DurationMinutes})
	if err != nil {
		return nil, err
	}
	out := &RecordResult{TuneResult: *tuned}

	if c.dvr == nil {
		metrics.IncDVRJob(dvr.ErrDisabled)
		return out, NewStreamError(ErrCodeRecordingJobFailed, "recording job not submitted", fmt.Errorf("%w: %w", ErrRecordingJobFailed, dvr.ErrDisabled))
	}

	jobID, err := c.dvr.SubmitJob(ctx, dvr.Job{
		Channel:  tuned.Channel,
		Start:    tuned.StartedAt,
		Duration: time.Duration(req.DurationMinutes) * time.Minute,
		Metadata: req.Metadata,
	})
	metrics.IncDVRJob(err)
	if err != nil {
		c.logger.Error("Recording job failed, stream keeps playing", "encoder_id", tuned.EncoderID, "stream_id", tuned.StreamID, "error", err)
		return out, NewStreamError(ErrCodeRecordingJobFailed, "recording job not submitted", fmt.Errorf("%w: %w", ErrRecordingJobFailed, err))
	}

	c.pool.SetRecordingJob(tuned.EncoderID, tuned.StreamID, jobID)
	out.RecordingJobID = jobID
	return out, nil
}

// Stop ends the stream on encoderID. Stopping an idle encoder is a no-op;
// a tune still in flight on it is cancelled and its result discarded.
func (c *Controller) Stop(ctx context.Context, encoderID string) error {
	if _, ok := c.pool.Binding(encoderID); !ok {
		return NewStreamError(ErrCodeEncoderNotFound, "unknown encoder", fmt.Errorf("encoder %s: %w", encoderID, encoders.ErrEncoderNotFound))
	}
	if c.pool.CancelReservation(encoderID) {
		c.logger.Info("Cancelled tune in progress", "encoder_id", encoderID)
	}
	stream := c.pool.Stream(encoderID)
	if stream == nil {
		return nil
	}
	c.stopStream(ctx, *stream, ReasonManual)
	return nil
}

// StopAll stops every encoder.
func (c *Controller) StopAll(ctx context.Context) {
	c.stopAll(ctx, ReasonManual)
}

func (c *Controller) stopAll(ctx context.Context, reason string) {
	for _, id := range c.pool.IDs() {
		c.pool.CancelReservation(id)
	}
	var wg sync.WaitGroup
	for _, stream := range c.pool.ActiveStreams() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.stopStream(ctx, stream, reason)
		}()
	}
	wg.Wait()
}

// stopStream ends stream if it is still the encoder's active stream, halts
// the page and frees the encoder. A stale snapshot is ignored so it cannot
// blank a stream tuned after it.
func (c *Controller) stopStream(ctx context.Context, stream encoders.ActiveStream, reason string) {
	c.cancelAutoStop(stream.ID)
	ended, hold, ok := c.pool.BeginStop(stream.EncoderID, stream.ID)
	if !ok {
		c.logger.Debug("Stream already ended", "encoder_id", stream.EncoderID, "stream_id", stream.ID)
		return
	}

	if session, ok := c.sessions.Session(stream.EncoderID); ok && reason != ReasonBrowserExit {
		haltCtx, cancel := context.WithTimeout(ctx, c.Tuning().normalized().NavigationTimeout)
		if err := session.Halt(haltCtx); err != nil {
			c.logger.Warn("Failed to halt playback", "encoder_id", stream.EncoderID, "stream_id", stream.ID, "error", err)
		}
		cancel()
	}

	hold.Release()
	c.streamEnded(*ended, reason)
}

func (c *Controller) streamEnded(stream encoders.ActiveStream, reason string) {
	c.streamsChanged()
	c.publish(events.StreamStoppedEvent{
		StreamID:  stream.ID,
		EncoderID: stream.EncoderID,
		Reason:    reason,
		Timestamp: events.Timestamp(time.Now()),
	})
	c.logger.Info("Stream stopped", "encoder_id", stream.EncoderID, "stream_id", stream.ID, "reason", reason,
		"uptime", time.Since(stream.StartedAt).Round(time.Second))
}

func (c *Controller) armAutoStop(stream encoders.ActiveStream) {
	d := time.Until(*stream.AutoStopAt)
	timer := time.AfterFunc(d, func() {
		c.logger.Info("Auto-stop reached", "encoder_id", stream.EncoderID, "stream_id", stream.ID)
		c.stopStream(context.Background(), stream, ReasonAutoStop)
	})

	c.timersMu.Lock()
	c.timers[stream.ID] = timer
	c.timersMu.Unlock()
}

func (c *Controller) cancelAutoStop(streamID string) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	if t, ok := c.timers[streamID]; ok {
		t.Stop()
		delete(c.timers, streamID)
	}
}

func (c *Controller) halt(session browser.Session, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), c.Tuning().normalized().ProbeTimeout)
	defer cancel()
	if err := session.Halt(ctx); err != nil && !errors.Is(err, browser.ErrNotRunning) {
		logger.Debug("Failed to reset page", "error", err)
	}
}

func (c *Controller) encoderStateChanged(id string, old, next encoders.State) {
	metrics.SetEncoderState(id, string(old), string(next))
	c.publish(events.EncoderStateChangedEvent{
		EncoderID: id,
		OldState:  string(old),
		NewState:  string(next),
		Timestamp: events.Timestamp(time.Now()),
	})
}

func (c *Controller) streamsChanged() {
	metrics.SetActiveStreams(len(c.pool.ActiveStreams()))
}

func (c *Controller) publish(ev events.Event) {
	if c.bus != nil {
		c.bus.Publish(ev)
	}
}

func validateTarget(raw string) error {
	if raw == "" {
		return NewStreamError(ErrCodeInvalidParams, "url is required", nil)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return NewStreamError(ErrCodeInvalidParams, fmt.Sprintf("invalid url %q", raw), err)
	}
	return nil
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return ""
	}
	return events.Timestamp(*t)
}
