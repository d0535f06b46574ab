// Package database opens the GORM connection behind the SQL journal
// backends: Postgres when reachable, otherwise SQLite.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/multiplayar/worldsync/internal/config"
	"github.com/multiplayar/worldsync/internal/model"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SnapshotExt is the file extension of SQLite session snapshots.
const SnapshotExt = ".db"

// ErrNotConnected is returned by operations that need an open database.
var ErrNotConnected = errors.New("database not connected")

// sqlitePragmas tune SQLite for a single writer that is snapshotted to
// disk rather than relying on its own journal.
var sqlitePragmas = []string{
	"PRAGMA user_version = 1;",
	"PRAGMA journal_mode = MEMORY;",
	"PRAGMA synchronous = OFF;",
	"PRAGMA cache_size = -32000;",
	"PRAGMA temp_store = MEMORY;",
}

// Manager owns one GORM connection.
type Manager struct {
	DB      *gorm.DB
	IsValid bool
	// Local is set when the connection is SQLite rather than Postgres.
	Local bool

	pool *sql.DB
	log  zerolog.Logger
}

func NewManager(log zerolog.Logger) *Manager {
	return &Manager{log: log}
}

// PostgresDSN builds the connection string for cfg.
func PostgresDSN(cfg config.DBConfig) string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database)
}

func gormConfig(batch int, prepare bool) *gorm.Config {
	return &gorm.Config{
		PrepareStmt:            prepare,
		SkipDefaultTransaction: true,
		CreateBatchSize:        batch,
		Logger:                 logger.Default.LogMode(logger.Silent),
	}
}

// Connect opens Postgres and falls back to a private in-memory SQLite
// database if the server cannot be reached.
func (m *Manager) Connect(cfg config.DBConfig) error {
	m.log.Debug().Str("host", cfg.Host).Str("port", cfg.Port).Str("database", cfg.Database).
		Msg("Connecting to Postgres DB")

	err := m.open(postgres.New(postgres.Config{
		DSN:                  PostgresDSN(cfg),
		PreferSimpleProtocol: true,
	}), gormConfig(10000, false))
	if err == nil {
		err = m.pool.Ping()
	}
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to connect to Postgres DB, trying SQLite")
		m.release()
		return m.OpenSQLite("")
	}

	m.pool.SetMaxOpenConns(10)
	m.IsValid = true
	m.log.Info().Str("host", cfg.Host).Msg("Connected to database")
	return nil
}

// OpenSQLite opens the SQLite database at path. An empty path opens a
// uniquely named shared-cache in-memory database, so two managers never
// see each other's tables.
func (m *Manager) OpenSQLite(path string) error {
	m.Local = true
	dsn := path
	if dsn == "" {
		dsn = "file:worldsync_" + uuid.NewString() + "?mode=memory&cache=shared"
	}

	if err := m.open(sqlite.Open(dsn), gormConfig(2000, true)); err != nil {
		return fmt.Errorf("opening SQLite DB: %w", err)
	}
	for _, pragma := range sqlitePragmas {
		if err := m.DB.Exec(pragma).Error; err != nil {
			m.release()
			return fmt.Errorf("setting %q: %w", pragma, err)
		}
	}

	if path == "" {
		m.log.Info().Msg("Using local SQLite DB in memory")
	} else {
		m.log.Info().Str("path", path).Msg("Using local SQLite DB")
	}
	m.IsValid = true
	return nil
}

func (m *Manager) open(d gorm.Dialector, cfg *gorm.Config) error {
	db, err := gorm.Open(d, cfg)
	if err != nil {
		return err
	}
	pool, err := db.DB()
	if err != nil {
		return fmt.Errorf("accessing sql interface: %w", err)
	}
	m.DB, m.pool = db, pool
	return nil
}

func (m *Manager) release() {
	if m.pool != nil {
		_ = m.pool.Close()
	}
	m.DB, m.pool, m.IsValid = nil, nil, false
}

// Migrate creates or updates the journal tables. On Postgres the PostGIS
// extension is installed first for the geometry columns.
func (m *Manager) Migrate() error {
	if m.DB == nil {
		return ErrNotConnected
	}

	if m.DB.Dialector.Name() == "postgres" {
		if err := m.DB.Exec(`CREATE EXTENSION IF NOT EXISTS postgis;`).Error; err != nil {
			m.IsValid = false
			return fmt.Errorf("creating PostGIS extension: %w", err)
		}
	}

	if err := m.DB.AutoMigrate(model.DatabaseModels...); err != nil {
		m.IsValid = false
		return fmt.Errorf("migrating schema: %w", err)
	}
	m.log.Info().Str("dialect", m.DB.Dialector.Name()).Int("tables", len(model.DatabaseModels)).
		Msg("Database schema ready")
	return nil
}

// Snapshot writes a consistent copy of a SQLite database to path with
// VACUUM INTO, replacing any earlier snapshot there.
func (m *Manager) Snapshot(path string) error {
	if m.DB == nil {
		return ErrNotConnected
	}
	if path == "" {
		return errors.New("snapshot path not set")
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing previous snapshot: %w", err)
	}

	start := time.Now()
	target := strings.ReplaceAll("file:"+path, "'", "''")
	if err := m.DB.Exec("VACUUM INTO '" + target + "';").Error; err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	m.log.Debug().Dur("duration", time.Since(start)).Str("path", path).Msg("Wrote SQLite snapshot")
	return nil
}

// Close releases the connection pool.
func (m *Manager) Close() error {
	m.IsValid = false
	if m.pool == nil {
		return nil
	}
	return m.pool.Close()
}

// ListSnapshots returns the snapshot files directly inside dir.
func ListSnapshots(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), SnapshotExt) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out, nil
}
