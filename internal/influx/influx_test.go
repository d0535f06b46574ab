package influx

import (
	"bufio"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/multiplayar/worldsync/internal/config"
	"github.com/multiplayar/worldsync/internal/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var unreachable = config.InfluxConfig{
	Enabled:  true,
	Host:     "127.0.0.1",
	Port:     "1",
	Protocol: "http",
	Token:    "token",
	Org:      "worldsync",
	Bucket:   "worldsync_sessions",
}

func readBackup(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()

	var lines []string
	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestConnect_Disabled(t *testing.T) {
	m := NewManager(config.InfluxConfig{}, zerolog.Nop(), "")
	assert.ErrorIs(t, m.Connect(context.Background()), ErrDisabled)
}

func TestServerURL(t *testing.T) {
	m := NewManager(unreachable, zerolog.Nop(), "")
	assert.Equal(t, "http://127.0.0.1:1", m.ServerURL())
}

func TestWritePoint_NotConnected(t *testing.T) {
	m := NewManager(unreachable, zerolog.Nop(), "")
	assert.Error(t, m.WriteSyncPass("u", time.Now(), 1, 0, 1))
	assert.NoError(t, m.Close())
}

func TestConnect_UnreachableNoBackupPath(t *testing.T) {
	m := NewManager(unreachable, zerolog.Nop(), "")
	assert.Error(t, m.Connect(context.Background()))
	assert.False(t, m.IsValid)
	assert.NoError(t, m.Close())
}

func TestBackupWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "influx_backup.log.gz")
	m := NewManager(unreachable, zerolog.Nop(), path)

	require.NoError(t, m.Connect(context.Background()))
	assert.False(t, m.IsValid)
	require.NotNil(t, m.BackupWriter)

	at := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, m.WriteStatus("user-1", &model.Performance{
		Time:            at,
		AnchorConfirmed: true,
		Objects:         4,
		Pulls:           10,
	}))
	require.NoError(t, m.WriteSyncPass("user-1", at, 2, 1, 4))
	require.NoError(t, m.Close())

	lines := readBackup(t, path)
	require.Len(t, lines, 2)

	assert.True(t, strings.HasPrefix(lines[0], "session_status,user=user-1 "))
	assert.Contains(t, lines[0], "anchor_confirmed=true")
	assert.Contains(t, lines[0], "objects=4i")
	assert.Contains(t, lines[0], "pulls=10i")

	assert.True(t, strings.HasPrefix(lines[1], "sync_pass,user=user-1 "))
	assert.Contains(t, lines[1], "created=2i")
	assert.True(t, strings.HasSuffix(lines[1], "1769936400000000000"))
}

func TestBackupWriter_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "influx_backup.log.gz")

	for i := range 2 {
		m := NewManager(unreachable, zerolog.Nop(), path)
		require.NoError(t, m.Connect(context.Background()))
		require.NoError(t, m.WriteSyncPass("u", time.Now(), i, 0, 0))
		require.NoError(t, m.Close())
	}

	assert.Len(t, readBackup(t, path), 2)
}

func TestSyncPassPoint(t *testing.T) {
	at := time.Unix(100, 0)
	p := SyncPassPoint("u", at, 1, 2, 3)
	assert.Equal(t, MeasurementSyncPass, p.Name())
	assert.Equal(t, at, p.Time())
	assert.Len(t, p.FieldList(), 3)
}
