// Package postgres implements the storage.Backend interface on PostgreSQL
// through the GORM backend. If Postgres is unreachable at Init the journal
// falls back to an in-memory SQLite database.
package postgres

import (
	"fmt"
	"log/slog"

	"github.com/multiplayar/worldsync/internal/config"
	"github.com/multiplayar/worldsync/internal/database"
	gormstorage "github.com/multiplayar/worldsync/internal/storage/gorm"
	"github.com/rs/zerolog"
)

// Backend connects to Postgres and delegates journaling to the GORM backend.
type Backend struct {
	*gormstorage.Backend
	cfg config.DBConfig
	db  *database.Manager
	log *slog.Logger
}

// New creates a new Postgres storage backend. No connection is made until Init.
func New(cfg config.DBConfig, logger *slog.Logger, dbLogger zerolog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		cfg: cfg,
		db:  database.NewManager(dbLogger),
		log: logger,
	}
}

// Init connects, migrates the schema and starts the DB writer goroutine.
func (b *Backend) Init() error {
	if err := b.db.Connect(b.cfg); err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if b.db.Local {
		b.log.Warn("Postgres unavailable, journaling to in-memory SQLite", "host", b.cfg.Host)
	}
	if err := b.db.Migrate(); err != nil {
		return fmt.Errorf("failed to setup DB: %w", err)
	}

	b.Backend = gormstorage.New(gormstorage.Dependencies{
		DB:     b.db.DB,
		Logger: b.log,
	})
	return b.Backend.Init()
}

// Local reports whether the backend fell back to SQLite.
func (b *Backend) Local() bool {
	return b.db.Local
}

// Close stops the writer and releases the connection pool.
func (b *Backend) Close() error {
	if b.Backend != nil {
		if err := b.Backend.Close(); err != nil {
			return err
		}
	}
	return b.db.Close()
}
