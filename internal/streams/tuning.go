package streams

import (
	"context"
	"time"

	"github.com/smazurov/pagecaster/internal/config"
)

// Tuning is the retry budget of the load/play workflow.
type Tuning struct {
	FindVideoRetries  int
	FindVideoWait     time.Duration
	PlayVideoRetries  int
	PlayVideoWait     time.Duration
	FullScreenWait    time.Duration
	NavigationTimeout time.Duration
	ProbeTimeout      time.Duration
}

// TuningFromConfig converts the [tuning] config section.
func TuningFromConfig(c config.TuningConfig) Tuning {
	return Tuning{
		FindVideoRetries:  c.FindVideoRetries,
		FindVideoWait:     time.Duration(c.FindVideoWaitSeconds) * time.Second,
		PlayVideoRetries:  c.PlayVideoRetries,
		PlayVideoWait:     time.Duration(c.PlayVideoWaitSeconds) * time.Second,
		FullScreenWait:    time.Duration(c.FullScreenWaitSeconds) * time.Second,
		NavigationTimeout: time.Duration(c.NavigationTimeoutSeconds) * time.Second,
		ProbeTimeout:      time.Duration(c.ProbeTimeoutSeconds) * time.Second,
	}
}

// DefaultTuning returns the built-in retry budget.
func DefaultTuning() Tuning {
	return TuningFromConfig(config.DefaultRuntime().Tuning)
}

func (t Tuning) normalized() Tuning {
	if t.FindVideoRetries < 1 {
		t.FindVideoRetries = 1
	}
	if t.PlayVideoRetries < 1 {
		t.PlayVideoRetries = 1
	}
	if t.NavigationTimeout <= 0 {
		t.NavigationTimeout = 30 * time.Second
	}
	if t.ProbeTimeout <= 0 {
		t.ProbeTimeout = 5 * time.Second
	}
	return t
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
