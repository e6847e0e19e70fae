// Package browsertest provides an in-memory browser.Session for tests.
package browsertest

import (
	"context"
	"sync"
	"time"

	"github.com/smazurov/pagecaster/internal/browser"
)

// Fake is a scripted browser.Session. The zero value behaves like a running
// browser on a page with a playing video.
type Fake struct {
	mu sync.Mutex

	// VideoOnProbe is the 1-based probe on which the video appears; 0 means
	// the first probe finds it, negative means never.
	VideoOnProbe int
	// PlayOnAttempt is the 1-based Play call after which the video is
	// reported playing; 0 means the first, negative means never.
	PlayOnAttempt int

	LaunchErr   error
	NavigateErr error
	PingErr     error
	ResumeErr   error
	FullErr     error

	// Block, when set, makes Navigate wait until it is closed or ctx ends.
	Block chan struct{}

	running    bool
	paused     bool
	ended      bool
	url        string
	probes     int
	plays      int
	launches   int
	navigates  int
	resumes    int
	halts      int
	pings      int
	teardowns  int
	fullscreen int
}

// NewFake returns a Fake with a browser already running.
func NewFake() *Fake {
	return &Fake{running: true}
}

// Launch implements browser.Session.
func (f *Fake) Launch(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches++
	if f.LaunchErr != nil {
		f.running = false
		return f.LaunchErr
	}
	f.running = true
	f.url = "about:blank"
	f.probes, f.plays = 0, 0
	return nil
}

// Navigate implements browser.Session.
func (f *Fake) Navigate(ctx context.Context, url string) error {
	f.mu.Lock()
	f.navigates++
	block := f.Block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return browser.ErrNotRunning
	}
	if f.NavigateErr != nil {
		return f.NavigateErr
	}
	f.url = url
	f.probes, f.plays = 0, 0
	f.paused, f.ended = true, false
	return nil
}

// ProbeVideo implements browser.Session.
func (f *Fake) ProbeVideo(context.Context) (browser.VideoState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return browser.VideoState{}, browser.ErrNotRunning
	}
	f.probes++
	if f.VideoOnProbe < 0 || f.probes < f.VideoOnProbe {
		return browser.VideoState{}, nil
	}
	return browser.VideoState{Found: true, Paused: f.paused, Ended: f.ended, ReadyState: 4}, nil
}

// Play implements browser.Session.
func (f *Fake) Play(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return browser.ErrNotRunning
	}
	f.plays++
	if f.PlayOnAttempt >= 0 && f.plays >= f.PlayOnAttempt {
		f.paused = false
	}
	return nil
}

// Resume implements browser.Session.
func (f *Fake) Resume(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes++
	if f.ResumeErr != nil {
		return f.ResumeErr
	}
	f.paused = false
	return nil
}

// FullScreen implements browser.Session.
func (f *Fake) FullScreen(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fullscreen++
	return f.FullErr
}

// Halt implements browser.Session.
func (f *Fake) Halt(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.halts++
	if !f.running {
		return browser.ErrNotRunning
	}
	f.url = "about:blank"
	f.paused = true
	return nil
}

// Ping implements browser.Session.
func (f *Fake) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	if !f.running {
		return browser.ErrNotRunning
	}
	return f.PingErr
}

// Teardown implements browser.Session.
func (f *Fake) Teardown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardowns++
	f.running = false
	return nil
}

// Alive implements browser.Session.
func (f *Fake) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// Stats implements browser.Session.
func (f *Fake) Stats() browser.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return browser.Stats{}
	}
	return browser.Stats{PID: 4242, RSSBytes: 64 << 20, StartedAt: time.Unix(0, 0)}
}

// SetPaused simulates the page pausing or resuming its video.
func (f *Fake) SetPaused(paused bool) {
	f.mu.Lock()
	f.paused = paused
	f.mu.Unlock()
}

// SetPingErr changes the Ping result.
func (f *Fake) SetPingErr(err error) {
	f.mu.Lock()
	f.PingErr = err
	f.mu.Unlock()
}

// Crash makes the browser disappear without Teardown.
func (f *Fake) Crash() {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
}

// URL is the page the main tab is on.
func (f *Fake) URL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url
}

// Counts is a snapshot of call counters.
type Counts struct {
	Launches, Navigates, Probes, Plays, Resumes, Halts, Pings, Teardowns, FullScreens int
}

// Counts returns the call counters.
func (f *Fake) Counts() Counts {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Counts{
		Launches:    f.launches,
		Navigates:   f.navigates,
		Probes:      f.probes,
		Plays:       f.plays,
		Resumes:     f.resumes,
		Halts:       f.halts,
		Pings:       f.pings,
		Teardowns:   f.teardowns,
		FullScreens: f.fullscreen,
	}
}

// Sessions maps encoder ids to fakes.
type Sessions map[string]*Fake

// Session implements streams.Sessions.
func (s Sessions) Session(encoderID string) (browser.Session, bool) {
	f, ok := s[encoderID]
	if !ok {
		return nil, false
	}
	return f, true
}

var _ browser.Session = (*Fake)(nil)
