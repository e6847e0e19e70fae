package logging

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetLogging() {
	mutex.Lock()
	defer mutex.Unlock()
	moduleLoggers = make(map[string]*slog.Logger)
	moduleLevels = make(map[string]*slog.LevelVar)
	current = Config{}
	isInitialized = false
}

func TestModuleLevelOverride(t *testing.T) {
	resetLogging()

	Initialize(Config{
		Level:  "info",
		Format: "text",
		Modules: map[string]string{
			"browser": "debug",
			"http":    "warn",
		},
	})

	tests := []struct {
		module    string
		wantDebug bool
		wantInfo  bool
		wantWarn  bool
	}{
		{"browser", true, true, true},
		{"http", false, false, true},
		{"streams", false, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.module, func(t *testing.T) {
			handler := GetLogger(tt.module).Handler()
			ctx := context.Background()
			assert.Equal(t, tt.wantDebug, handler.Enabled(ctx, slog.LevelDebug))
			assert.Equal(t, tt.wantInfo, handler.Enabled(ctx, slog.LevelInfo))
			assert.Equal(t, tt.wantWarn, handler.Enabled(ctx, slog.LevelWarn))
		})
	}
}

func TestGetLoggerReturnsSameInstance(t *testing.T) {
	resetLogging()

	first := GetLogger("encoders")
	second := GetLogger("encoders")
	assert.Same(t, first, second)
}

func TestApplyLevelsChangesExistingLoggers(t *testing.T) {
	resetLogging()
	Initialize(Config{Level: "info", Format: "text"})

	logger := GetLogger("pause")
	require.False(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))

	ApplyLevels(Config{Level: "info", Modules: map[string]string{"pause": "debug"}})
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))

	ApplyLevels(Config{Level: "error"})
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelWarn))
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in     string
		want   slog.Level
		wantOK bool
	}{
		{"debug", slog.LevelDebug, true},
		{"INFO", slog.LevelInfo, true},
		{"warning", slog.LevelWarn, true},
		{" error ", slog.LevelError, true},
		{"verbose", slog.LevelInfo, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		assert.Equal(t, tt.wantOK, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestJournalFieldFlattening(t *testing.T) {
	fields := make(map[string]string)
	addJournalField(fields, slog.String("encoder_id", "enc1"), nil)
	addJournalField(fields, slog.Group("stream", slog.Int("attempt", 3)), []string{"tune"})

	assert.Equal(t, "enc1", fields["ENCODER_ID"])
	assert.Equal(t, "3", fields["TUNE_STREAM_ATTEMPT"])
}
