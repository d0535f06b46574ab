package database

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/multiplayar/worldsync/internal/config"
	"github.com/multiplayar/worldsync/internal/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(zerolog.Nop())
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, m.OpenSQLite(""))
	return m
}

func TestPostgresDSN(t *testing.T) {
	dsn := PostgresDSN(config.DBConfig{
		Host:     "db",
		Port:     "5433",
		Username: "ws",
		Password: "secret",
		Database: "worldsync",
	})
	assert.Equal(t, "host=db port=5433 user=ws password=secret dbname=worldsync sslmode=disable", dsn)
}

func TestOpenSQLite_Migrate(t *testing.T) {
	m := memoryManager(t)
	assert.True(t, m.IsValid)
	assert.True(t, m.Local)

	require.NoError(t, m.Migrate())
	for _, mdl := range model.DatabaseModels {
		assert.True(t, m.DB.Migrator().HasTable(mdl), "%T not migrated", mdl)
	}
}

func TestOpenSQLite_MemoryIsolation(t *testing.T) {
	a := memoryManager(t)
	b := memoryManager(t)
	require.NoError(t, a.Migrate())

	assert.True(t, a.DB.Migrator().HasTable(&model.Session{}))
	assert.False(t, b.DB.Migrator().HasTable(&model.Session{}))
}

func TestNotConnected(t *testing.T) {
	m := NewManager(zerolog.Nop())
	assert.ErrorIs(t, m.Migrate(), ErrNotConnected)
	assert.ErrorIs(t, m.Snapshot("x.db"), ErrNotConnected)
	assert.NoError(t, m.Close())
}

func TestConnect_FallsBackToSQLite(t *testing.T) {
	m := NewManager(zerolog.Nop())
	t.Cleanup(func() { _ = m.Close() })

	require.NoError(t, m.Connect(config.DBConfig{
		Host:     "127.0.0.1",
		Port:     "1",
		Username: "nobody",
		Password: "nothing",
		Database: "none",
	}))
	assert.True(t, m.IsValid)
	assert.True(t, m.Local)
	assert.Equal(t, "sqlite", m.DB.Dialector.Name())
}

func TestSnapshot(t *testing.T) {
	m := memoryManager(t)
	require.NoError(t, m.Migrate())
	require.NoError(t, m.DB.Create(&model.Session{UserID: "u1", StartTime: time.Now()}).Error)

	path := filepath.Join(t.TempDir(), "session.db")
	require.NoError(t, m.Snapshot(path))
	require.NoError(t, m.Snapshot(path), "second snapshot replaces the first")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	disk := NewManager(zerolog.Nop())
	t.Cleanup(func() { _ = disk.Close() })
	require.NoError(t, disk.OpenSQLite(path))

	var count int64
	require.NoError(t, disk.DB.Model(&model.Session{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestSnapshot_NoPath(t *testing.T) {
	m := memoryManager(t)
	assert.Error(t, m.Snapshot(""))
}

func TestListSnapshots(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.db", "b.db", "notes.txt", ".db"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "dir.db"), 0755))

	paths, err := ListSnapshots(dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(dir, "a.db"),
		filepath.Join(dir, "b.db"),
		filepath.Join(dir, ".db"),
	}, paths)

	_, err = ListSnapshots(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
