package browser

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ysmood/gson"

	"github.com/smazurov/pagecaster/internal/encoders"
	"github.com/smazurov/pagecaster/internal/process"
)

func testBinding() encoders.Binding {
	return encoders.Binding{
		ID:          "enc1",
		IngestURL:   "http://10.0.0.20/live/stream0",
		Channel:     "101",
		OffsetX:     1920,
		OffsetY:     0,
		AudioDevice: "alsa_output.hdmi-stereo",
		Width:       1920,
		Height:      1080,
		DebugPort:   9223,
	}
}

func TestChromeCommand(t *testing.T) {
	profiles := t.TempDir()
	opts := Options{ChromePath: "/usr/bin/chromium", ProfileDir: profiles, Display: ":0", ExtraFlags: []string{"--disable-gpu"}}

	cmd, err := ChromeCommand(testBinding(), opts)
	require.NoError(t, err)

	assert.Equal(t, "/usr/bin/chromium", cmd.Path)
	assert.Contains(t, cmd.Args, "--user-data-dir="+filepath.Join(profiles, "enc1"))
	assert.Contains(t, cmd.Args, "--remote-debugging-port=9223")
	assert.Contains(t, cmd.Args, "--window-position=1920,0")
	assert.Contains(t, cmd.Args, "--window-size=1920,1080")
	assert.Contains(t, cmd.Args, "--autoplay-policy=no-user-gesture-required")
	assert.Contains(t, cmd.Args, "--alsa-output-device=alsa_output.hdmi-stereo")
	assert.Contains(t, cmd.Args, "about:blank")
	assert.Equal(t, "--disable-gpu", cmd.Args[len(cmd.Args)-1])

	for _, arg := range cmd.Args {
		assert.False(t, strings.HasPrefix(arg, "--headless"), "unexpected %s", arg)
		assert.False(t, strings.HasPrefix(arg, "--rod-"), "unexpected %s", arg)
		assert.NotEqual(t, "--enable-automation", arg)
		assert.NotEqual(t, "--no-startup-window", arg)
	}

	assert.ElementsMatch(t, []string{"PULSE_SINK=alsa_output.hdmi-stereo", "DISPLAY=:0"}, cmd.Env)
}

func TestChromeCommandWithoutAudio(t *testing.T) {
	b := testBinding()
	b.AudioDevice = ""
	cmd, err := ChromeCommand(b, Options{ChromePath: "chromium", ProfileDir: t.TempDir()})
	require.NoError(t, err)

	assert.Empty(t, cmd.Env)
	for _, arg := range cmd.Args {
		assert.False(t, strings.HasPrefix(arg, "--alsa-output-device"))
	}
}

func TestChromeCommandRequiresDebugPort(t *testing.T) {
	b := testBinding()
	b.DebugPort = 0
	_, err := ChromeCommand(b, Options{ChromePath: "chromium"})
	assert.ErrorIs(t, err, ErrLaunchFailed)
}

func TestParseChromeLog(t *testing.T) {
	tests := []struct {
		line      string
		wantLevel string
		wantMsg   string
	}{
		{"[12345:12367:1019/101500.123456:ERROR:gpu_init.cc(523)] Passthrough is not supported", "warn", "Passthrough is not supported"},
		{"[1:2:1019/101500.1:FATAL:main.cc(1)] boom", "fatal", "boom"},
		{"[1:2:1019/101500.1:INFO:CONSOLE(12)] hello", "debug", "hello"},
		{"[1:2:1019/101500.1:WARNING:x.cc(1)] careful", "debug", "careful"},
		{"DevTools listening on ws://127.0.0.1:9222/devtools/browser/abc", "debug", "DevTools listening on ws://127.0.0.1:9222/devtools/browser/abc"},
	}
	for _, tt := range tests {
		level, msg := ParseChromeLog(tt.line)
		assert.Equal(t, tt.wantLevel, level, tt.line)
		assert.Equal(t, tt.wantMsg, msg, tt.line)
	}
}

func TestVideoStatePlaying(t *testing.T) {
	assert.False(t, VideoState{}.Playing())
	assert.False(t, VideoState{Found: true, Paused: true}.Playing())
	assert.False(t, VideoState{Found: true, Ended: true}.Playing())
	assert.True(t, VideoState{Found: true, ReadyState: 4}.Playing())
}

func TestDecodeResult(t *testing.T) {
	res := &proto.RuntimeRemoteObject{Value: gson.New(map[string]any{
		"state": map[string]any{"found": true, "paused": true, "readyState": 4, "currentTime": 12.5},
		"error": "NotAllowedError: play() failed",
	})}

	var out actionResult
	require.NoError(t, decodeResult(res, &out))
	assert.True(t, out.State.Found)
	assert.True(t, out.State.Paused)
	assert.Equal(t, 4, out.State.ReadyState)
	assert.InDelta(t, 12.5, out.State.CurrentTime, 0.001)
	assert.ErrorContains(t, out.err(), "NotAllowedError")

	assert.Error(t, decodeResult(nil, &out))
}

func TestActionResultErr(t *testing.T) {
	assert.True(t, errors.Is(actionResult{}.err(), errNoVideo))
	assert.NoError(t, actionResult{State: VideoState{Found: true}}.err())
}

func TestManagerSessions(t *testing.T) {
	m := NewManager([]encoders.Binding{testBinding()}, Options{ChromePath: "chromium", ProfileDir: t.TempDir()}, SessionOptions{})

	s, ok := m.Session("enc1")
	require.True(t, ok)
	assert.False(t, s.Alive())
	assert.Zero(t, s.Stats().PID)

	_, ok = m.Session("enc9")
	assert.False(t, ok)

	_, err := m.command("enc9")
	assert.ErrorIs(t, err, encoders.ErrEncoderNotFound)
}

func TestManagerReportsUnexpectedExit(t *testing.T) {
	m := NewManager([]encoders.Binding{testBinding()}, Options{ChromePath: "chromium"}, SessionOptions{})

	var got []string
	m.SetExitHandler(func(id string, _ error) { got = append(got, id) })

	m.stateChanged("enc1", process.StateRunning, process.StateStopping, nil)
	m.stateChanged("enc1", process.StateStopping, process.StateIdle, nil)
	assert.Empty(t, got)

	m.stateChanged("enc1", process.StateRunning, process.StateError, errors.New("process exited with code 1"))
	assert.Equal(t, []string{"enc1"}, got)
}

func TestSessionWithoutBrowser(t *testing.T) {
	m := NewManager([]encoders.Binding{testBinding()}, Options{ChromePath: "chromium"}, SessionOptions{})
	s, _ := m.Session("enc1")

	_, err := s.ProbeVideo(t.Context())
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, s.Navigate(t.Context(), "https://example.com"), ErrNotRunning)
	assert.ErrorIs(t, s.Ping(t.Context()), ErrNotRunning)
	assert.NoError(t, s.Teardown(t.Context()))
}
