package encoders

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Default browser window size when a binding does not set one.
const (
	DefaultWidth  = 1920
	DefaultHeight = 1080
)

// Binding ties one HDMI encoder to the screen region and audio device its
// browser renders into.
type Binding struct {
	ID          string `toml:"id" json:"id"`
	IngestURL   string `toml:"ingest_url" json:"ingest_url"`
	Channel     string `toml:"channel" json:"channel"`
	OffsetX     int    `toml:"offset_x" json:"offset_x"`
	OffsetY     int    `toml:"offset_y" json:"offset_y"`
	AudioDevice string `toml:"audio_device,omitempty" json:"audio_device,omitempty"`
	Width       int    `toml:"width,omitempty" json:"width,omitempty"`
	Height      int    `toml:"height,omitempty" json:"height,omitempty"`
	DebugPort   int    `toml:"debug_port,omitempty" json:"debug_port,omitempty"`
}

// file is the on-disk shape of encoders.toml.
type file struct {
	Version  int       `toml:"version"`
	Encoders []Binding `toml:"encoders"`
}

// LoadFile reads and validates an encoders file. Missing size and debug port
// fields are filled in; debug ports are assigned from debugPortBase in file
// order.
func LoadFile(path string, debugPortBase int) ([]Binding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read encoders file: %w", err)
	}

	var f file
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse encoders file: %w", err)
	}

	bindings := ApplyDefaults(f.Encoders, debugPortBase)
	if err := Validate(bindings); err != nil {
		return nil, err
	}
	return bindings, nil
}

// SaveFile writes bindings to path, creating the directory if needed.
func SaveFile(path string, bindings []Binding) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := toml.Marshal(file{Version: 1, Encoders: bindings})
	if err != nil {
		return fmt.Errorf("failed to marshal encoders: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write encoders file: %w", err)
	}
	return nil
}

// ApplyDefaults returns a copy of bindings with window size and debug port
// filled in.
func ApplyDefaults(bindings []Binding, debugPortBase int) []Binding {
	out := make([]Binding, len(bindings))
	for i, b := range bindings {
		if b.Width <= 0 {
			b.Width = DefaultWidth
		}
		if b.Height <= 0 {
			b.Height = DefaultHeight
		}
		if b.DebugPort == 0 && debugPortBase > 0 {
			b.DebugPort = debugPortBase + i
		}
		out[i] = b
	}
	return out
}

// Validate reports every problem in bindings at once.
func Validate(bindings []Binding) error {
	if len(bindings) == 0 {
		return errors.New("no encoders configured")
	}

	var errs []error
	ids := make(map[string]bool, len(bindings))
	ports := make(map[int]string, len(bindings))
	for i, b := range bindings {
		name := b.ID
		if name == "" {
			name = fmt.Sprintf("#%d", i+1)
			errs = append(errs, fmt.Errorf("encoder %s: id cannot be empty", name))
		} else if ids[b.ID] {
			errs = append(errs, fmt.Errorf("encoder %s: duplicate id", name))
		}
		ids[b.ID] = true

		if b.IngestURL == "" {
			errs = append(errs, fmt.Errorf("encoder %s: ingest_url cannot be empty", name))
		} else if u, err := url.Parse(b.IngestURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("encoder %s: invalid ingest_url %q", name, b.IngestURL))
		}
		if b.Channel == "" {
			errs = append(errs, fmt.Errorf("encoder %s: channel cannot be empty", name))
		}
		if b.DebugPort != 0 {
			if other, taken := ports[b.DebugPort]; taken {
				errs = append(errs, fmt.Errorf("encoder %s: debug_port %d already used by %s", name, b.DebugPort, other))
			}
			ports[b.DebugPort] = name
		}
	}
	return errors.Join(errs...)
}
