// internal/storage/storage_test.go
package storage

import (
	"testing"

	"github.com/multiplayar/worldsync/internal/config"
	"github.com/multiplayar/worldsync/internal/storage/memory"
	"github.com/multiplayar/worldsync/internal/storage/postgres"
	sqlitestorage "github.com/multiplayar/worldsync/internal/storage/sqlite"
	"github.com/multiplayar/worldsync/internal/storage/websocket"
	"github.com/multiplayar/worldsync/pkg/core"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Compile-time interface checks
var (
	_ Backend    = Nop{}
	_ Backend    = (*memory.Backend)(nil)
	_ Exportable = (*memory.Backend)(nil)
	_ Buffered   = (*memory.Backend)(nil)

	_ Backend    = (*sqlitestorage.Backend)(nil)
	_ Exportable = (*sqlitestorage.Backend)(nil)
	_ Buffered   = (*sqlitestorage.Backend)(nil)

	_ Backend             = (*postgres.Backend)(nil)
	_ Buffered            = (*postgres.Backend)(nil)
	_ PerformanceRecorder = (*postgres.Backend)(nil)

	_ Backend  = (*websocket.Backend)(nil)
	_ Buffered = (*websocket.Backend)(nil)
)

func TestNewBackend(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.StorageConfig
		want    any
		wantErr bool
	}{
		{name: "memory", cfg: config.StorageConfig{Type: "memory"}, want: &memory.Backend{}},
		{name: "sqlite", cfg: config.StorageConfig{Type: "sqlite"}, want: &sqlitestorage.Backend{}},
		{name: "postgres", cfg: config.StorageConfig{Type: "postgres"}, want: &postgres.Backend{}},
		{name: "websocket", cfg: config.StorageConfig{Type: "websocket"}, want: &websocket.Backend{}},
		{name: "none", cfg: config.StorageConfig{Type: "none"}, want: Nop{}},
		{name: "empty", cfg: config.StorageConfig{}, want: Nop{}},
		{name: "unknown", cfg: config.StorageConfig{Type: "redis"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewBackend(tt.cfg, config.DBConfig{}, "user-1", nil, zerolog.Nop())
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, b)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, b)
		})
	}
}

func TestNop(t *testing.T) {
	var b Backend = Nop{}
	assert.NoError(t, b.Init())
	assert.NoError(t, b.StartSession(&core.Session{UserID: "u"}))
	assert.NoError(t, b.RecordAnchor(&core.AnchorState{}))
	assert.NoError(t, b.RecordObject(&core.ObjectRecord{}))
	assert.NoError(t, b.RecordSyncPass(&core.SyncPass{}))
	assert.NoError(t, b.EndSession())
	assert.NoError(t, b.Close())

	_, ok := b.(Exportable)
	assert.False(t, ok)
}
