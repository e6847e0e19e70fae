package browser

import (
	"context"
	"errors"
	"time"
)

// ErrLaunchFailed is returned when a browser could not be started or its
// DevTools endpoint never came up.
var ErrLaunchFailed = errors.New("browser launch failed")

// ErrNotRunning is returned by page operations on a session without a browser.
var ErrNotRunning = errors.New("browser not running")

// VideoState describes the first media element found on the page.
type VideoState struct {
	Found       bool    `json:"found"`
	Paused      bool    `json:"paused"`
	Ended       bool    `json:"ended"`
	Muted       bool    `json:"muted"`
	ReadyState  int     `json:"readyState"`
	CurrentTime float64 `json:"currentTime"`
}

// Playing reports whether media was found and is advancing.
func (v VideoState) Playing() bool {
	return v.Found && !v.Paused && !v.Ended
}

// Session is one browser bound to one encoder. Page operations act on the
// encoder's main tab.
type Session interface {
	Launch(ctx context.Context) error
	Navigate(ctx context.Context, url string) error
	ProbeVideo(ctx context.Context) (VideoState, error)
	Play(ctx context.Context) error
	Resume(ctx context.Context) error
	FullScreen(ctx context.Context) error
	// Halt pauses media and parks the tab on about:blank.
	Halt(ctx context.Context) error
	// Ping loads a page in a throwaway tab to prove the browser still
	// navigates, without touching the main tab.
	Ping(ctx context.Context) error
	Teardown(ctx context.Context) error
	Alive() bool
	Stats() Stats
}

// Stats is process-level information about a running browser.
type Stats struct {
	PID       int
	RSSBytes  uint64
	StartedAt time.Time
}
