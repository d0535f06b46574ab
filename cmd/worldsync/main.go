// Command worldsync is a headless world sync client. It reads collaborator
// commands from stdin, one per line, and writes one reply line per command.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/multiplayar/worldsync/internal/anchor"
	"github.com/multiplayar/worldsync/internal/api"
	"github.com/multiplayar/worldsync/internal/config"
	"github.com/multiplayar/worldsync/internal/database"
	"github.com/multiplayar/worldsync/internal/dispatcher"
	"github.com/multiplayar/worldsync/internal/handlers"
	"github.com/multiplayar/worldsync/internal/influx"
	"github.com/multiplayar/worldsync/internal/logging"
	"github.com/multiplayar/worldsync/internal/monitor"
	intOtel "github.com/multiplayar/worldsync/internal/otel"
	"github.com/multiplayar/worldsync/internal/reconcile"
	"github.com/multiplayar/worldsync/internal/session"
	"github.com/multiplayar/worldsync/internal/storage"
	"github.com/multiplayar/worldsync/internal/tracker"
	"github.com/multiplayar/worldsync/pkg/core"
)

// module defs - set at build time via ldflags
var (
	CurrentVersion string = "0.0.1"
	BuildDate      string = "unknown"

	AppName string = "worldsync"
)

// shutdownTimeout bounds the final journal and log flush.
const shutdownTimeout = 15 * time.Second

func main() {
	configDir := "."
	if len(os.Args) > 1 {
		configDir = os.Args[1]
	}
	if err := run(configDir, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", AppName, err)
		os.Exit(1)
	}
}

// reply is one line written back to the collaborator.
type reply struct {
	Command string `json:"command"`
	OK      bool   `json:"ok"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// objectEvent is written whenever an object's local pose changes.
type objectEvent struct {
	Event  string            `json:"event"`
	Object core.ObjectRecord `json:"object"`
}

// output serializes JSON lines from the dispatcher and the session loop.
type output struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (o *output) write(v any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.enc.Encode(v)
}

func run(configDir string, in io.Reader, out io.Writer) error {
	startTime := time.Now()

	slogManager := logging.NewSlogManager()
	slogManager.Setup(nil, "info", nil)
	logger := slogManager.Logger()

	if err := config.Load(configDir); err != nil {
		logger.Warn("Failed to load config, using defaults!", "error", err)
	} else {
		logger.Info("Loaded config", "dir", configDir)
	}

	sessionCfg := config.GetSessionConfig()
	userID := sessionCfg.UserID
	if userID == "" {
		userID = uuid.NewString()
	}

	// logging: file, graylog and otel
	logsDir := config.GetString("logsDir")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs dir: %w", err)
	}
	logFilePath := logging.LogFilePath(logsDir, AppName, startTime)
	logFile, err := os.OpenFile(logFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()

	var sinks []io.Writer
	if config.GetBool("graylog.enabled") {
		gw, err := logging.NewGraylogWriter(config.GetString("graylog.address"))
		if err != nil {
			logger.Error("Failed to connect to Graylog", "error", err)
		} else {
			defer gw.Close()
			sinks = append(sinks, gw)
		}
	}

	otelCfg := config.GetOTelConfig()
	otelProvider, err := intOtel.New(intOtel.Config{
		Enabled:      otelCfg.Enabled,
		ServiceName:  otelCfg.ServiceName,
		BatchTimeout: otelCfg.BatchTimeout,
		LogWriter:    logFile,
		Endpoint:     otelCfg.Endpoint,
		Insecure:     otelCfg.Insecure,
		UserID:       userID,
	})
	if err != nil {
		logger.Error("Failed to initialize OTel provider", "error", err)
		otelProvider = nil
	}
	var otelLogProvider *sdklog.LoggerProvider
	if otelProvider != nil {
		otelLogProvider = otelProvider.LoggerProvider()
	}

	logLevel := config.GetString("logLevel")
	slogManager.Setup(logFile, logLevel, otelLogProvider, sinks...)
	logger = slogManager.Logger()
	logger.Info("Starting", "app", AppName, "version", CurrentVersion, "buildDate", BuildDate, "userId", userID, "logFile", logFilePath)

	zlog := logging.NewZerolog(logFile, logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// server API
	serverCfg := config.GetServerConfig()
	client, err := api.New(api.Config{
		BaseURL: serverCfg.Address,
		UserID:  userID,
		Timeout: serverCfg.Timeout,
		HTTP2:   serverCfg.HTTP2,
	})
	if err != nil {
		return fmt.Errorf("failed to create api client: %w", err)
	}
	if err := client.Healthcheck(ctx); err != nil {
		logger.Warn("World state server healthcheck failed", "server", serverCfg.Address, "error", err)
	} else {
		logger.Info("World state server is reachable", "server", serverCfg.Address)
	}

	// session journal
	storageCfg := config.GetStorageConfig()
	journal, err := storage.NewBackend(storageCfg, config.GetDBConfig(), userID, logger, zlog)
	if err != nil {
		return err
	}
	if err := journal.Init(); err != nil {
		logger.Error("Failed to initialize session journal, journaling disabled", "type", storageCfg.Type, "error", err)
		journal = storage.Nop{}
	}
	if storageCfg.Type == "sqlite" {
		if paths, err := database.ListSnapshots(storageCfg.SQLite.OutputDir); err == nil && len(paths) > 0 {
			logger.Info("Found session databases from earlier runs", "count", len(paths), "dir", storageCfg.SQLite.OutputDir)
		}
	}

	// session
	stdout := &output{enc: json.NewEncoder(out)}
	syncCfg := config.GetSyncConfig()
	objects := reconcile.New(reconcile.ObserverFunc(func(rec core.ObjectRecord) {
		if err := stdout.write(objectEvent{Event: "object", Object: rec}); err != nil {
			logger.Error("Failed to write object event", "error", err)
		}
	}))
	sess, err := session.New(session.Dependencies{
		Transport:  client,
		Reconciler: objects,
		Journal:    journal,
		Logger:     logger,
		Interval:   syncCfg.Interval,
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	negotiator := anchor.New(sess, client, logger)
	negotiator.SetPollInterval(syncCfg.AnchorPollInterval)
	detector := tracker.New(sess, sess.Reconciler(), logger)
	sess.AddEarly(negotiator)
	sess.AddLate(detector)

	slogManager.SetContextProvider(func() []slog.Attr {
		return []slog.Attr{slog.String("anchor", negotiator.State().String())}
	})

	if err := journal.StartSession(&core.Session{
		UserID:    userID,
		Server:    serverCfg.Address,
		StartTime: startTime,
		Latitude:  sessionCfg.Latitude,
		Longitude: sessionCfg.Longitude,
	}); err != nil {
		logger.Error("Failed to start journal session", "error", err)
	}

	// metrics
	var metrics monitor.MetricsWriter
	influxManager := influx.NewManager(config.GetInfluxConfig(), zlog, filepath.Join(logsDir, "influx_backup.log.gz"))
	if err := influxManager.Connect(ctx); err != nil {
		if !errors.Is(err, influx.ErrDisabled) {
			logger.Error("Failed to connect to InfluxDB", "error", err)
		}
	} else {
		metrics = influxManager
	}
	defer influxManager.Close()

	monitorService := monitor.NewService(monitor.Dependencies{
		Session:   sess,
		Anchor:    negotiator,
		Journal:   journal,
		Metrics:   metrics,
		Logger:    logger,
		Interval:  config.GetDuration("monitor.interval"),
		OutputDir: logsDir,
	})
	if err := monitorService.Start(); err != nil {
		logger.Error("Failed to start status monitor", "error", err)
	}

	// collaborator commands
	d, err := dispatcher.New(logger.With("component", "dispatcher"))
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	handlers.NewService(ctx, handlers.Dependencies{
		Session:    sess,
		Negotiator: negotiator,
		Tracker:    detector,
		Logger:     logger,
	}).Register(d)
	logger.Info("Registered commands", "commands", d.Commands())

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	lines := make(chan string)
	go readLines(ctx, in, lines)

	running := true
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-runErr:
			running = false
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Session stopped", "error", err)
			}
			break loop
		case line, ok := <-lines:
			if !ok {
				logger.Info("Input closed")
				break loop
			}
			if r, ok := dispatchLine(d, line); ok {
				if err := stdout.write(r); err != nil {
					logger.Error("Failed to write reply", "error", err)
				}
			}
		}
	}

	stop()
	if running {
		<-runErr
	}
	return shutdown(logger, sess, d, monitorService, journal, slogManager, otelProvider)
}

// readLines forwards input lines and closes lines at EOF. It returns
// without closing lines once ctx is done.
func readLines(ctx context.Context, in io.Reader, lines chan<- string) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
	close(lines)
}

// dispatchLine runs one command line. Blank lines produce no reply.
func dispatchLine(d *dispatcher.Dispatcher, line string) (reply, bool) {
	e, err := dispatcher.ParseLine(line, time.Now())
	if errors.Is(err, dispatcher.ErrEmptyLine) {
		return reply{}, false
	}
	if err != nil {
		return reply{Error: err.Error()}, true
	}

	result, err := d.Dispatch(e)
	if err != nil {
		return reply{Command: e.Command, Error: err.Error()}, true
	}
	return reply{Command: e.Command, OK: true, Result: result}, true
}

func shutdown(
	logger *slog.Logger,
	sess *session.Session,
	d *dispatcher.Dispatcher,
	monitorService *monitor.Service,
	journal storage.Backend,
	slogManager *logging.SlogManager,
	otelProvider *intOtel.Provider,
) error {
	logger.Info("Shutting down")

	d.Close()
	monitorService.Stop()
	sess.Close()

	var errs []error
	if err := journal.EndSession(); err != nil {
		errs = append(errs, fmt.Errorf("end journal session: %w", err))
	}
	if e, ok := journal.(storage.Exportable); ok && e.ExportedFilePath() != "" {
		logger.Info("Session journal written", "path", e.ExportedFilePath())
	}
	if err := journal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close journal: %w", err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := slogManager.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	if otelProvider != nil {
		if err := otelProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		logger.Error("Shutdown finished with errors", "error", err)
	}
	return err
}
