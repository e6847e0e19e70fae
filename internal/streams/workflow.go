package streams

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/smazurov/pagecaster/internal/browser"
	"github.com/smazurov/pagecaster/internal/encoders"
)

// Phase is a step of the load/play workflow.
type Phase string

// Workflow phases, in order.
const (
	PhaseNavigating   Phase = "navigating"
	PhaseFindingVideo Phase = "finding_video"
	PhasePlaying      Phase = "playing"
	PhaseFullScreen   Phase = "full_screen"
	PhaseStreaming    Phase = "streaming"
)

// loadRun drives one request through the load/play phases. Each phase has a
// bounded number of attempts; the reservation is checked before every step
// so a stopped encoder aborts the run.
type loadRun struct {
	c           *Controller
	tuning      Tuning
	reservation *encoders.Reservation
	session     browser.Session
	url         string
	logger      *slog.Logger
}

func (c *Controller) load(ctx context.Context, reservation *encoders.Reservation, session browser.Session, url string, logger *slog.Logger) error {
	run := &loadRun{
		c:           c,
		tuning:      c.Tuning().normalized(),
		reservation: reservation,
		session:     session,
		url:         url,
		logger:      logger,
	}
	return run.execute(ctx)
}

func (r *loadRun) execute(ctx context.Context) error {
	steps := []struct {
		phase Phase
		run   func(context.Context) error
	}{
		{PhaseNavigating, r.navigate},
		{PhaseFindingVideo, r.findVideo},
		{PhasePlaying, r.play},
		{PhaseFullScreen, r.fullScreen},
	}
	for _, step := range steps {
		r.enter(step.phase)
		if err := step.run(ctx); err != nil {
			return err
		}
	}
	r.enter(PhaseStreaming)
	return nil
}

func (r *loadRun) enter(p Phase) {
	r.logger.Debug("Tune phase", "phase", p)
	if r.c.onPhase != nil {
		r.c.onPhase(r.reservation.EncoderID(), p)
	}
}

// checkpoint fails when the caller went away or the encoder was stopped.
func (r *loadRun) checkpoint(ctx context.Context) error {
	if r.reservation.Cancelled() {
		return NewStreamError(ErrCodeTuneCancelled, "encoder was stopped during tune", ErrTuneCancelled)
	}
	if err := ctx.Err(); err != nil {
		return NewStreamError(ErrCodeTuneCancelled, "request cancelled", errors.Join(ErrTuneCancelled, err))
	}
	return nil
}

func (r *loadRun) navigate(ctx context.Context) error {
	if err := r.checkpoint(ctx); err != nil {
		return err
	}
	navCtx, cancel := context.WithTimeout(ctx, r.tuning.NavigationTimeout)
	defer cancel()
	if err := r.session.Navigate(navCtx, r.url); err != nil {
		if cpErr := r.checkpoint(ctx); cpErr != nil {
			return cpErr
		}
		return NewStreamError(ErrCodeNavigationFailed, fmt.Sprintf("could not load %s", r.url), errors.Join(ErrNavigationFailed, err))
	}
	return nil
}

func (r *loadRun) probe(ctx context.Context) (browser.VideoState, error) {
	probeCtx, cancel := context.WithTimeout(ctx, r.tuning.ProbeTimeout)
	defer cancel()
	return r.session.ProbeVideo(probeCtx)
}

func (r *loadRun) findVideo(ctx context.Context) error {
	attempts := r.tuning.FindVideoRetries
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := r.checkpoint(ctx); err != nil {
			return err
		}
		state, err := r.probe(ctx)
		if err == nil && state.Found {
			r.logger.Debug("Video found", "attempt", attempt, "ready_state", state.ReadyState)
			return nil
		}
		lastErr = err
		r.logger.Debug("Video not found yet", "attempt", attempt, "attempts", attempts, "error", err)

		if attempt < attempts {
			if err := r.c.sleep(ctx, r.tuning.FindVideoWait); err != nil {
				return r.abort(ctx, err)
			}
		}
	}
	cause := ErrVideoNotFound
	if lastErr != nil {
		cause = errors.Join(ErrVideoNotFound, lastErr)
	}
	return NewStreamError(ErrCodeVideoNotFound, fmt.Sprintf("no video on page after %d attempts", attempts), cause)
}

func (r *loadRun) play(ctx context.Context) error {
	attempts := r.tuning.PlayVideoRetries
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := r.checkpoint(ctx); err != nil {
			return err
		}

		playCtx, cancel := context.WithTimeout(ctx, r.tuning.ProbeTimeout)
		playErr := r.session.Play(playCtx)
		cancel()

		state, err := r.probe(ctx)
		if err == nil && state.Playing() {
			r.logger.Debug("Video playing", "attempt", attempt, "current_time", state.CurrentTime)
			return nil
		}
		lastErr = errors.Join(playErr, err)
		r.logger.Debug("Video not playing yet", "attempt", attempt, "attempts", attempts, "paused", state.Paused, "error", lastErr)

		if attempt < attempts {
			if err := r.c.sleep(ctx, r.tuning.PlayVideoWait); err != nil {
				return r.abort(ctx, err)
			}
		}
	}
	cause := ErrPlaybackFailed
	if lastErr != nil {
		cause = errors.Join(ErrPlaybackFailed, lastErr)
	}
	return NewStreamError(ErrCodePlaybackFailed, fmt.Sprintf("video did not start after %d attempts", attempts), cause)
}

// fullScreen never fails the run; a windowed video is still a stream.
func (r *loadRun) fullScreen(ctx context.Context) error {
	if err := r.c.sleep(ctx, r.tuning.FullScreenWait); err != nil {
		return r.abort(ctx, err)
	}
	if err := r.checkpoint(ctx); err != nil {
		return err
	}
	fsCtx, cancel := context.WithTimeout(ctx, r.tuning.ProbeTimeout)
	defer cancel()
	if err := r.session.FullScreen(fsCtx); err != nil {
		r.logger.Warn("Fullscreen request failed", "error", err)
	}
	return nil
}

func (r *loadRun) abort(ctx context.Context, err error) error {
	if cpErr := r.checkpoint(ctx); cpErr != nil {
		return cpErr
	}
	return NewStreamError(ErrCodeTuneCancelled, "wait interrupted", errors.Join(ErrTuneCancelled, err))
}
