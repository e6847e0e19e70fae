package streams

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smazurov/pagecaster/internal/browser"
	"github.com/smazurov/pagecaster/internal/encoders"
	"github.com/smazurov/pagecaster/internal/events"
	"github.com/smazurov/pagecaster/internal/metrics"
)

// Launch reasons, used in logs and metrics.
const (
	LaunchStartup = "startup"
	LaunchRestart = "restart"
	LaunchHealth  = "health"
)

// LaunchBrowser starts the browser for encoderID. An encoder that is
// streaming or already launching is refused with ENCODER_BUSY.
func (c *Controller) LaunchBrowser(ctx context.Context, encoderID, reason string) error {
	session, ok := c.sessions.Session(encoderID)
	if !ok {
		return NewStreamError(ErrCodeEncoderNotFound, "unknown encoder", fmt.Errorf("encoder %s: %w", encoderID, encoders.ErrEncoderNotFound))
	}
	if err := c.pool.BeginLaunch(encoderID); err != nil {
		return poolError(err)
	}

	c.logger.Info("Launching browser", "encoder_id", encoderID, "reason", reason)
	err := session.Launch(ctx)
	metrics.IncBrowserLaunch(encoderID, reason, err)
	if err != nil {
		c.pool.MarkOffline(encoderID)
		if !errors.Is(err, browser.ErrLaunchFailed) {
			err = fmt.Errorf("%w: %w", browser.ErrLaunchFailed, err)
		}
		c.logger.Error("Browser launch failed", "encoder_id", encoderID, "error", err)
		return NewStreamError(ErrCodeBrowserLaunchFailed, "browser failed to start", err)
	}
	c.pool.MarkLaunched(encoderID)
	return nil
}

// RestartBrowser relaunches the browser of an encoder that is not streaming.
func (c *Controller) RestartBrowser(ctx context.Context, encoderID string) error {
	return c.LaunchBrowser(ctx, encoderID, LaunchRestart)
}

// LaunchAll starts every browser in configuration order. Failures are
// collected; encoders that failed stay offline for the health sweep to retry.
func (c *Controller) LaunchAll(ctx context.Context) error {
	var errs []error
	for _, id := range c.pool.IDs() {
		if err := c.LaunchBrowser(ctx, id, LaunchStartup); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ShutdownBrowsers stops all streams and browsers.
func (c *Controller) ShutdownBrowsers(ctx context.Context) {
	c.stopAll(ctx, ReasonShutdown)
	for _, id := range c.pool.IDs() {
		if session, ok := c.sessions.Session(id); ok {
			if err := session.Teardown(ctx); err != nil {
				c.logger.Warn("Failed to stop browser", "encoder_id", id, "error", err)
			}
		}
		c.pool.MarkOffline(id)
		metrics.SetBrowserRSS(id, -1)
	}
}

// HandleBrowserExit records a browser that died on its own. The encoder goes
// offline, its stream (if any) is ended, and the health sweep will relaunch it.
func (c *Controller) HandleBrowserExit(encoderID string, exitErr error) {
	stream := c.pool.MarkOffline(encoderID)
	if session, ok := c.sessions.Session(encoderID); ok {
		_ = session.Teardown(context.Background())
	}
	metrics.SetBrowserRSS(encoderID, -1)

	errMsg := ""
	if exitErr != nil {
		errMsg = exitErr.Error()
	}
	c.publish(events.BrowserExitedEvent{EncoderID: encoderID, Error: errMsg, Timestamp: events.Timestamp(time.Now())})

	if stream != nil {
		c.cancelAutoStop(stream.ID)
		c.streamEnded(*stream, ReasonBrowserExit)
	}
}

// EncoderHealth is the health view of one encoder.
type EncoderHealth struct {
	ID          string
	Channel     string
	IngestURL   string
	AudioDevice string
	State       encoders.State
	HasBrowser  bool
	IsHealthy   bool
	IsAvailable bool
	TargetURL   string
	BrowserPID  int
	BrowserRSS  uint64
}

// StreamHealth is the health view of one active stream.
type StreamHealth struct {
	StreamID       string
	EncoderID      string
	IngestURL      string
	TargetURL      string
	StartedAt      time.Time
	Uptime         time.Duration
	AutoStopAt     *time.Time
	RecordingJobID string
}

// HealthReport is the state of every encoder and stream.
type HealthReport struct {
	Encoders []EncoderHealth
	Streams  []StreamHealth
}

// Health snapshots the pool.
func (c *Controller) Health() HealthReport {
	now := time.Now()
	var report HealthReport
	for _, st := range c.pool.Snapshot() {
		eh := EncoderHealth{
			ID:          st.ID,
			Channel:     st.Channel,
			IngestURL:   st.IngestURL,
			AudioDevice: st.AudioDevice,
			State:       st.State,
			HasBrowser:  st.HasBrowser(),
			IsHealthy:   st.IsHealthy(),
			IsAvailable: st.IsAvailable(),
		}
		if session, ok := c.sessions.Session(st.ID); ok && st.HasBrowser() {
			stats := session.Stats()
			eh.BrowserPID = stats.PID
			eh.BrowserRSS = stats.RSSBytes
			metrics.SetBrowserRSS(st.ID, int64(stats.RSSBytes))
		}
		if st.Stream != nil {
			eh.TargetURL = st.Stream.TargetURL
			report.Streams = append(report.Streams, StreamHealth{
				StreamID:       st.Stream.ID,
				EncoderID:      st.ID,
				IngestURL:      st.IngestURL,
				TargetURL:      st.Stream.TargetURL,
				StartedAt:      st.Stream.StartedAt,
				Uptime:         now.Sub(st.Stream.StartedAt).Round(time.Second),
				AutoStopAt:     st.Stream.AutoStopAt,
				RecordingJobID: st.Stream.RecordingJobID,
			})
		}
		report.Encoders = append(report.Encoders, eh)
	}
	return report
}
