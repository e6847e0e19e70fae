package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/smazurov/pagecaster/internal/logging"
)

// Bounds for the background loop periods.
const (
	MinPauseInterval  = 1 * time.Second
	MaxPauseInterval  = 300 * time.Second
	MinHealthInterval = 30 * time.Minute
	MaxHealthInterval = 168 * time.Hour
)

// TuningConfig holds the load/play retry budget.
type TuningConfig struct {
	FindVideoRetries         int `toml:"find_video_retries"`
	FindVideoWaitSeconds     int `toml:"find_video_wait_seconds"`
	PlayVideoRetries         int `toml:"play_video_retries"`
	PlayVideoWaitSeconds     int `toml:"play_video_wait_seconds"`
	FullScreenWaitSeconds    int `toml:"full_screen_wait_seconds"`
	NavigationTimeoutSeconds int `toml:"navigation_timeout_seconds"`
	ProbeTimeoutSeconds      int `toml:"probe_timeout_seconds"`
}

// PauseMonitorConfig controls the auto-resume loop.
type PauseMonitorConfig struct {
	Enabled         bool `toml:"enabled"`
	IntervalSeconds int  `toml:"interval_seconds"`
}

// HealthConfig controls the browser health sweep.
type HealthConfig struct {
	Enabled       bool    `toml:"enabled"`
	IntervalHours float64 `toml:"interval_hours"`
}

// Runtime is the subset of config.toml that is re-read on change and applied
// without a restart.
type Runtime struct {
	Tuning       TuningConfig       `toml:"tuning"`
	PauseMonitor PauseMonitorConfig `toml:"pause_monitor"`
	Health       HealthConfig       `toml:"health"`
	Logging      logging.Config     `toml:"logging"`
}

// DefaultRuntime returns the built-in defaults.
func DefaultRuntime() Runtime {
	return Runtime{
		Tuning: TuningConfig{
			FindVideoRetries:         6,
			FindVideoWaitSeconds:     5,
			PlayVideoRetries:         6,
			PlayVideoWaitSeconds:     5,
			FullScreenWaitSeconds:    3,
			NavigationTimeoutSeconds: 30,
			ProbeTimeoutSeconds:      5,
		},
		PauseMonitor: PauseMonitorConfig{Enabled: true, IntervalSeconds: 10},
		Health:       HealthConfig{Enabled: true, IntervalHours: 6},
		Logging:      logging.Config{Level: "info", Format: "text"},
	}
}

// LoadRuntime reads the hot-reloadable sections of a config file on top of
// DefaultRuntime. A missing file yields the defaults.
func LoadRuntime(path string) (Runtime, error) {
	rt := DefaultRuntime()
	if path == "" {
		return rt, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return rt, nil
	}
	if err != nil {
		return rt, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &rt); err != nil {
		return rt, fmt.Errorf("failed to parse TOML config: %w", err)
	}
	return rt, nil
}

// PauseInterval returns the pause monitor period clamped to its bounds.
func (p PauseMonitorConfig) PauseInterval() time.Duration {
	return ClampDuration(time.Duration(p.IntervalSeconds)*time.Second, MinPauseInterval, MaxPauseInterval)
}

// Interval returns the health sweep period clamped to its bounds.
func (h HealthConfig) Interval() time.Duration {
	return ClampDuration(time.Duration(h.IntervalHours*float64(time.Hour)), MinHealthInterval, MaxHealthInterval)
}

// ClampDuration limits d to [lo, hi].
func ClampDuration(d, lo, hi time.Duration) time.Duration {
	switch {
	case d < lo:
		return lo
	case d > hi:
		return hi
	default:
		return d
	}
}
