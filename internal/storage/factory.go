// internal/storage/factory.go
package storage

import (
	"fmt"
	"log/slog"

	"github.com/multiplayar/worldsync/internal/config"
	"github.com/multiplayar/worldsync/internal/storage/memory"
	"github.com/multiplayar/worldsync/internal/storage/postgres"
	sqlitestorage "github.com/multiplayar/worldsync/internal/storage/sqlite"
	"github.com/multiplayar/worldsync/internal/storage/websocket"
	"github.com/rs/zerolog"
)

// NewBackend creates a session journal backend based on configuration.
// The backend is not initialized.
func NewBackend(cfg config.StorageConfig, dbCfg config.DBConfig, userID string, logger *slog.Logger, dbLogger zerolog.Logger) (Backend, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(cfg.Memory), nil
	case "sqlite":
		b, err := sqlitestorage.New(sqlitestorage.Config{
			DumpInterval: cfg.SQLite.DumpInterval,
			OutputDir:    cfg.SQLite.OutputDir,
		}, logger, dbLogger)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "postgres":
		return postgres.New(dbCfg, logger, dbLogger), nil
	case "websocket":
		return websocket.New(websocket.Config{
			URL:    cfg.WebSocket.URL,
			Secret: cfg.WebSocket.Secret,
			UserID: userID,
		}, logger), nil
	case "none", "":
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
