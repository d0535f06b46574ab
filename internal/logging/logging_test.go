package logging

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestLogFilePath(t *testing.T) {
	sessionStart := time.Date(2026, 2, 12, 21, 38, 36, 0, time.UTC)

	tests := []struct {
		name    string
		logsDir string
		prefix  string
		want    string
	}{
		{
			name:    "basic path",
			logsDir: "wslogs",
			prefix:  "worldsync",
			want:    filepath.Join("wslogs", "worldsync.20260212_213836.log"),
		},
		{
			name:    "relative path with dot",
			logsDir: "./wslogs",
			prefix:  "worldsync",
			want:    filepath.Join(".", "wslogs", "worldsync.20260212_213836.log"),
		},
		{
			name:    "absolute path",
			logsDir: filepath.Join("/var", "log", "worldsync"),
			prefix:  "worldsync",
			want:    filepath.Join("/var", "log", "worldsync", "worldsync.20260212_213836.log"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LogFilePath(tt.logsDir, tt.prefix, sessionStart)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewZerolog(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			assert.Equal(t, tt.want, NewZerolog(&bytes.Buffer{}, tt.level).GetLevel())
		})
	}
}

func TestNewZerolog_Fields(t *testing.T) {
	var buf bytes.Buffer
	log := NewZerolog(&buf, "info")
	log.Info().Str("bucket", "worldsync_sessions").Msg("writer created")
	log.Debug().Msg("filtered")

	out := buf.String()
	assert.Contains(t, out, `"service":"worldsync"`)
	assert.Contains(t, out, `"bucket":"worldsync_sessions"`)
	assert.NotContains(t, out, "filtered")
}
