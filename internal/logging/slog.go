package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// ServiceName identifies this process in external log sinks.
const ServiceName = "worldsync"

// stdout hooks, swapped in tests
var (
	osStdout = os.Stdout
	osPipe   = os.Pipe
)

var levels = map[string]slog.Level{
	"DEBUG": slog.LevelDebug,
	"INFO":  slog.LevelInfo,
	"WARN":  slog.LevelWarn,
	"ERROR": slog.LevelError,
}

// parseLevel maps a config level name to a slog.Level, defaulting to info.
func parseLevel(level string) slog.Level {
	if lvl, ok := levels[strings.ToUpper(level)]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// utcTime renders record times as UTC RFC3339 so that log files written on
// different hosts line up.
func utcTime(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.TimeKey {
		return a
	}
	if t, ok := a.Value.Any().(time.Time); ok {
		a.Value = slog.StringValue(t.UTC().Format(time.RFC3339))
	}
	return a
}

// SlogManager owns the process logger and the optional OTel log provider.
type SlogManager struct {
	logger   *slog.Logger
	provider *sdklog.LoggerProvider
	context  ContextProvider
}

func NewSlogManager() *SlogManager {
	return &SlogManager{}
}

// SetContextProvider adds attributes computed at log time to every record.
// It takes effect on the next Setup.
func (m *SlogManager) SetContextProvider(p ContextProvider) {
	m.context = p
}

// Setup (re)builds the logger. Text records go to file, or to stdout when
// file is nil. Each writer in sinks receives JSON records, the format the
// Graylog writer expects. A nil provider disables OTel export.
func (m *SlogManager) Setup(file io.Writer, level string, provider *sdklog.LoggerProvider, sinks ...io.Writer) {
	m.provider = provider
	opts := &slog.HandlerOptions{Level: parseLevel(level), ReplaceAttr: utcTime}

	if file == nil {
		file = osStdout
	}
	handlers := []slog.Handler{slog.NewTextHandler(file, opts)}
	for _, w := range sinks {
		if w != nil {
			handlers = append(handlers, slog.NewJSONHandler(w, opts))
		}
	}
	if provider != nil {
		handlers = append(handlers, otelslog.NewHandler(ServiceName, otelslog.WithLoggerProvider(provider)))
	}

	m.logger = slog.New(newFanout(m.context, handlers...))
	m.logger.Info("Logging initialized", "level", level, "sinks", len(handlers))
}

// Logger returns the configured logger, or slog.Default before Setup.
func (m *SlogManager) Logger() *slog.Logger {
	if m.logger != nil {
		return m.logger
	}
	return slog.Default()
}

// Flush pushes buffered OTel records to the exporter.
func (m *SlogManager) Flush(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.ForceFlush(ctx)
}
