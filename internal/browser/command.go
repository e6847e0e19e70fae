package browser

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"

	"github.com/smazurov/pagecaster/internal/encoders"
	"github.com/smazurov/pagecaster/internal/process"
)

// Options configures how browsers are started.
type Options struct {
	// ChromePath is the browser binary. Empty means look it up on the system.
	ChromePath string
	// ProfileDir holds one persistent profile per encoder so logins survive
	// restarts.
	ProfileDir string
	// Display is exported as DISPLAY when set.
	Display string
	// ExtraFlags are appended verbatim, e.g. "--disable-gpu".
	ExtraFlags []string
	// StartURL is the first page shown. Defaults to about:blank.
	StartURL string
}

// rod launcher defaults that do not suit a visible capture window.
var droppedDefaults = []flags.Flag{flags.Headless, "no-startup-window", "enable-automation", flags.Leakless}

// ProfilePath returns the persistent profile directory for an encoder.
func ProfilePath(opts Options, encoderID string) string {
	return filepath.Join(opts.ProfileDir, encoderID)
}

// ChromeCommand builds the browser command line for a binding.
func ChromeCommand(b encoders.Binding, opts Options) (process.Command, error) {
	bin := opts.ChromePath
	if bin == "" {
		found, ok := launcher.LookPath()
		if !ok {
			return process.Command{}, fmt.Errorf("%w: no chrome binary found, set browser.chrome_path", ErrLaunchFailed)
		}
		bin = found
	}
	if b.DebugPort == 0 {
		return process.Command{}, fmt.Errorf("%w: encoder %s has no debug port", ErrLaunchFailed, b.ID)
	}

	l := launcher.New()
	for _, f := range droppedDefaults {
		l.Delete(f)
	}
	l.UserDataDir(ProfilePath(opts, b.ID)).
		RemoteDebuggingPort(b.DebugPort).
		Set("remote-debugging-address", "127.0.0.1").
		Set("window-position", fmt.Sprintf("%d,%d", b.OffsetX, b.OffsetY)).
		Set("window-size", fmt.Sprintf("%d,%d", b.Width, b.Height)).
		Set("autoplay-policy", "no-user-gesture-required").
		Set("no-default-browser-check").
		Set("disable-session-crashed-bubble").
		Set("hide-crash-restore-bubble").
		Set("disable-infobars").
		Set("noerrdialogs").
		StartURL(startURL(opts))
	if b.AudioDevice != "" {
		l.Set("alsa-output-device", b.AudioDevice)
	}

	cmd := process.Command{Path: bin, Args: append(l.FormatArgs(), opts.ExtraFlags...)}
	if b.AudioDevice != "" {
		cmd.Env = append(cmd.Env, "PULSE_SINK="+b.AudioDevice)
	}
	if opts.Display != "" {
		cmd.Env = append(cmd.Env, "DISPLAY="+opts.Display)
	}
	return cmd, nil
}

func startURL(opts Options) string {
	if opts.StartURL == "" {
		return "about:blank"
	}
	return opts.StartURL
}

// chromeLogLine matches chromium's log prefix, e.g.
// [12345:12367:1019/101500.123456:ERROR:gpu_init.cc(523)] message
var chromeLogLine = regexp.MustCompile(`^\[[\d:/.]+:(VERBOSE\d*|INFO|WARNING|ERROR|FATAL):[^\]]*\]\s*(.*)$`)

// ParseChromeLog maps a chromium output line to a log level. Chromium logs
// harmless ERROR lines constantly, so those are demoted to warn and
// everything except FATAL below that to debug.
func ParseChromeLog(line string) (level, msg string) {
	m := chromeLogLine.FindStringSubmatch(line)
	if m == nil {
		return "debug", line
	}
	switch strings.ToUpper(m[1]) {
	case "FATAL":
		return "fatal", m[2]
	case "ERROR":
		return "warn", m[2]
	default:
		return "debug", m[2]
	}
}
