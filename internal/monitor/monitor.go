package monitor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/multiplayar/worldsync/internal/anchor"
	"github.com/multiplayar/worldsync/internal/model"
	"github.com/multiplayar/worldsync/internal/session"
	"github.com/multiplayar/worldsync/internal/storage"
)

// DefaultInterval is the sampling interval used when none is configured.
const DefaultInterval = 30 * time.Second

// StatusFileName is the file rewritten on every sample.
const StatusFileName = "status.txt"

// StatsSource supplies session counters.
type StatsSource interface {
	Stats() session.Stats
}

// AnchorSource reports the anchor negotiation state.
type AnchorSource interface {
	State() anchor.State
	Polling() bool
	Candidates() int
}

// MetricsWriter receives samples for the time series database.
type MetricsWriter interface {
	WriteStatus(userID string, perf *model.Performance) error
	WriteSyncPass(userID string, at time.Time, created, updated, objects int) error
}

// Dependencies holds all dependencies for the monitor service
type Dependencies struct {
	Session   StatsSource
	Anchor    AnchorSource
	Journal   storage.Backend
	Metrics   MetricsWriter
	Logger    *slog.Logger
	Interval  time.Duration
	OutputDir string
}

// Status is one status sample.
type Status struct {
	Time        time.Time `json:"time"`
	UserID      string    `json:"userId"`
	AnchorState string    `json:"anchorState"`
	Polling     bool      `json:"polling"`
	Candidates  int       `json:"candidates"`
	AnchorSent  bool      `json:"anchorSent"`
	AnchorAcked bool      `json:"anchorAcked"`
	Objects     int       `json:"objects"`
	InFlight    int64     `json:"inFlight"`
	Pulls       int64     `json:"pulls"`
	PullFails   int64     `json:"pullFailures"`
	Pushes      int64     `json:"pushes"`
	PushFails   int64     `json:"pushFailures"`
	LastPull    time.Time `json:"lastPull"`
	Journal     *Journal  `json:"journal,omitempty"`
}

// Journal describes the backlog of a buffered journal backend.
type Journal struct {
	Pending           int     `json:"pending"`
	LastWriteDuration float64 `json:"lastWriteDurationMs"`
}

// Service manages status monitoring
type Service struct {
	deps      Dependencies
	log       *slog.Logger
	isRunning bool
	mu        sync.RWMutex
	stopChan  chan struct{}
	done      sync.WaitGroup
	lastPass  time.Time
}

// NewService creates a new monitor service
func NewService(deps Dependencies) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Interval <= 0 {
		deps.Interval = DefaultInterval
	}
	return &Service{
		deps: deps,
		log:  deps.Logger.With("component", "monitor"),
	}
}

// IsRunning returns whether the status monitor is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Sample collects the current status and its performance row.
func (s *Service) Sample(now time.Time) (Status, model.Performance) {
	return s.build(s.deps.Session.Stats(), now)
}

func (s *Service) build(stats session.Stats, now time.Time) (Status, model.Performance) {
	status := Status{
		Time:        now,
		UserID:      stats.UserID,
		AnchorState: anchor.Unselected.String(),
		AnchorSent:  stats.AnchorSent,
		AnchorAcked: stats.AnchorAcked,
		Objects:     stats.Objects,
		InFlight:    stats.InFlight,
		Pulls:       stats.Pulls,
		PullFails:   stats.PullFailures,
		Pushes:      stats.Pushes,
		PushFails:   stats.PushFailures,
		LastPull:    stats.LastPull,
	}
	if s.deps.Anchor != nil {
		status.AnchorState = s.deps.Anchor.State().String()
		status.Polling = s.deps.Anchor.Polling()
		status.Candidates = s.deps.Anchor.Candidates()
	}
	if b, ok := s.deps.Journal.(storage.Buffered); ok {
		status.Journal = &Journal{
			Pending:           b.Pending(),
			LastWriteDuration: float64(b.LastWriteDuration().Microseconds()) / 1000,
		}
	}

	perf := model.Performance{
		Time:            now,
		AnchorConfirmed: stats.AnchorReady,
		Objects:         int64(stats.Objects),
		InFlight:        stats.InFlight,
		Pulls:           stats.Pulls,
		PullFailures:    stats.PullFailures,
		Pushes:          stats.Pushes,
		PushFailures:    stats.PushFailures,
	}
	return status, perf
}

// Report takes one sample and sends it to the log, the status file, the
// journal and the metrics writer.
func (s *Service) Report(now time.Time) Status {
	stats := s.deps.Session.Stats()
	status, perf := s.build(stats, now)

	s.log.Info("Session status",
		"anchor", status.AnchorState,
		"objects", status.Objects,
		"inFlight", status.InFlight,
		"pulls", status.Pulls,
		"pullFailures", status.PullFails,
		"pushes", status.Pushes,
		"pushFailures", status.PushFails,
	)

	if err := s.writeStatusFile(status); err != nil {
		s.log.Error("Error writing status file", "error", err)
	}

	if rec, ok := s.deps.Journal.(storage.PerformanceRecorder); ok {
		if err := rec.RecordPerformance(&perf); err != nil {
			s.log.Error("Error journaling status sample", "error", err)
		}
	}

	if s.deps.Metrics != nil {
		if err := s.deps.Metrics.WriteStatus(stats.UserID, &perf); err != nil {
			s.log.Warn("Error writing status metrics", "error", err)
		}
		if !stats.LastPull.IsZero() && stats.LastPull.After(s.lastPass) {
			s.lastPass = stats.LastPull
			res := stats.LastPullResult
			if err := s.deps.Metrics.WriteSyncPass(stats.UserID, stats.LastPull, res.Created, res.Updated, stats.Objects); err != nil {
				s.log.Warn("Error writing sync pass metrics", "error", err)
			}
		}
	}

	return status
}

func (s *Service) writeStatusFile(status Status) error {
	if s.deps.OutputDir == "" {
		return nil
	}
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		data = []byte(fmt.Sprintf(`{"error": "%s"}`, err))
	}
	path := filepath.Join(s.deps.OutputDir, StatusFileName)
	return os.WriteFile(path, append(data, '\n'), 0644)
}

// Start starts the status monitor goroutine
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return nil
	}
	if s.deps.Session == nil {
		return fmt.Errorf("monitor: session is required")
	}
	if s.deps.OutputDir != "" {
		if err := os.MkdirAll(s.deps.OutputDir, 0755); err != nil {
			return fmt.Errorf("monitor: failed to create output dir: %w", err)
		}
	}

	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.done.Add(1)
	go s.loop(s.stopChan)
	return nil
}

func (s *Service) loop(stop <-chan struct{}) {
	defer s.done.Done()
	s.log.Debug("Starting status monitor goroutine", "interval", s.deps.Interval)

	ticker := time.NewTicker(s.deps.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			s.Report(now)
		}
	}
}

// Stop stops the status monitor and waits for the goroutine to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopChan)
	s.mu.Unlock()
	s.done.Wait()
}
