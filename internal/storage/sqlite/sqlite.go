// Package sqlitestorage implements the storage.Backend interface using an in-memory
// SQLite database with periodic disk dumps via VACUUM INTO.
// It wraps the GORM backend via composition. The SQLite-specific concerns are
// creating the in-memory DB and the periodic disk dump.
package sqlitestorage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/multiplayar/worldsync/internal/database"
	gormstorage "github.com/multiplayar/worldsync/internal/storage/gorm"
	"github.com/multiplayar/worldsync/pkg/core"
	"github.com/rs/zerolog"
)

// Config holds configuration for the SQLite storage backend.
type Config struct {
	DumpInterval time.Duration
	OutputDir    string // directory for VACUUM INTO dumps, one file per session
}

// Backend wraps the GORM backend for SQLite-specific behavior.
type Backend struct {
	*gormstorage.Backend
	db       *database.Manager
	cfg      Config
	path     string
	log      *slog.Logger
	stopChan chan struct{}
	done     sync.WaitGroup
	mu       sync.Mutex
}

// New creates a new SQLite storage backend on a private in-memory database.
func New(cfg Config, logger *slog.Logger, dbLogger zerolog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := database.NewManager(dbLogger)
	if err := m.OpenSQLite(""); err != nil {
		return nil, fmt.Errorf("failed to create in-memory SQLite DB: %w", err)
	}

	gormBackend := gormstorage.New(gormstorage.Dependencies{
		DB:     m.DB,
		Logger: logger,
	})

	return &Backend{
		Backend: gormBackend,
		db:      m,
		cfg:     cfg,
		log:     logger,
	}, nil
}

// Init migrates the schema, initializes the embedded GORM backend and
// starts the dump goroutine.
func (b *Backend) Init() error {
	if err := b.db.Migrate(); err != nil {
		return err
	}
	if err := b.Backend.Init(); err != nil {
		return err
	}

	if b.cfg.OutputDir != "" && b.cfg.DumpInterval > 0 {
		b.stopChan = make(chan struct{})
		b.done.Add(1)
		go b.dumpLoop(b.stopChan)
	}

	return nil
}

// StartSession records the session and names the dump file after it.
func (b *Backend) StartSession(s *core.Session) error {
	if err := b.Backend.StartSession(s); err != nil {
		return err
	}
	if b.cfg.OutputDir == "" {
		return nil
	}
	if err := os.MkdirAll(b.cfg.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	b.mu.Lock()
	b.path = filepath.Join(b.cfg.OutputDir,
		fmt.Sprintf("worldsync_%s%s", s.StartTime.Format("20060102_150405"), database.SnapshotExt))
	b.mu.Unlock()
	return nil
}

// EndSession flushes the session and writes a final dump.
func (b *Backend) EndSession() error {
	if err := b.Backend.EndSession(); err != nil {
		return err
	}
	return b.Dump()
}

// Dump writes the current database to the session dump file. It is a no-op
// before a session has started or without an output directory.
func (b *Backend) Dump() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.path == "" {
		return nil
	}
	return b.db.Snapshot(b.path)
}

// ExportedFilePath returns the path of the session dump file.
func (b *Backend) ExportedFilePath() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.path
}

// Close stops the dump goroutine, closes the embedded GORM backend and
// releases the database.
func (b *Backend) Close() error {
	if b.stopChan != nil {
		close(b.stopChan)
		b.stopChan = nil
		b.done.Wait()
	}
	if err := b.Backend.Close(); err != nil {
		return err
	}
	return b.db.Close()
}

// dumpLoop periodically flushes queued rows and dumps the in-memory SQLite
// database to disk. VACUUM INTO creates a point-in-time snapshot, so no
// pause mechanism is needed.
func (b *Backend) dumpLoop(stop <-chan struct{}) {
	defer b.done.Done()
	ticker := time.NewTicker(b.cfg.DumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := b.Flush(); err != nil {
				b.log.Error("Error flushing before dump", "error", err)
			}
			start := time.Now()
			if err := b.Dump(); err != nil {
				b.log.Error("Error dumping to disk", "error", err)
			} else {
				b.log.Debug("Dumped to disk", "duration", time.Since(start))
			}
		}
	}
}
