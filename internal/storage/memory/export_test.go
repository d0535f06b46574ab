// internal/storage/memory/export_test.go
package memory

import (
	"compress/gzip"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/multiplayar/worldsync/internal/config"
	"github.com/multiplayar/worldsync/pkg/core"
)

var exportStart = time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)

func newExportBackend(t *testing.T, compress bool) *Backend {
	t.Helper()
	b := New(config.MemoryConfig{OutputDir: t.TempDir(), CompressOutput: compress})
	b.now = func() time.Time { return exportStart.Add(time.Minute) }
	_ = b.StartSession(&core.Session{
		UserID:    "user 1",
		Server:    "http://localhost:5000",
		StartTime: exportStart,
		Latitude:  48.2,
		Longitude: 16.37,
	})
	return b
}

func readExport(t *testing.T, path string, compressed bool) SessionExport {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open export: %v", err)
	}
	defer f.Close()

	var decoder *json.Decoder
	if compressed {
		gz, err := gzip.NewReader(f)
		if err != nil {
			t.Fatalf("failed to open gzip: %v", err)
		}
		defer gz.Close()
		decoder = json.NewDecoder(gz)
	} else {
		decoder = json.NewDecoder(f)
	}

	var export SessionExport
	if err := decoder.Decode(&export); err != nil {
		t.Fatalf("failed to decode export: %v", err)
	}
	return export
}

func TestBuildExport(t *testing.T) {
	b := newExportBackend(t, false)

	_ = b.RecordAnchor(&core.AnchorState{Position: core.Position3D{X: 1, Y: 2, Z: 3}, Rotation: 90, RemoteHeadingOffset: 15, Confirmed: true})
	_ = b.RecordObject(&core.ObjectRecord{Handle: 2, ServerID: "42", State: core.OwnedRemote})
	_ = b.RecordObject(&core.ObjectRecord{Handle: 1, ServerID: "abc123", Position: core.Position3D{X: 5}, OwnedLocally: true, State: core.Selected})
	_ = b.RecordSyncPass(&core.SyncPass{Time: exportStart, Objects: 2, Created: 1, Updated: 1, Duration: 2500 * time.Microsecond})

	export := b.buildExport(b.syncPasses.PopAll())

	if export.UserID != "user 1" || export.Server != "http://localhost:5000" {
		t.Errorf("unexpected session fields: %+v", export)
	}
	if len(export.Anchors) != 1 || export.Anchors[0].Position != [3]float64{1, 2, 3} || export.Anchors[0].Rotation != 90 {
		t.Errorf("unexpected anchors: %+v", export.Anchors)
	}
	if len(export.Objects) != 2 {
		t.Fatalf("expected 2 objects, got %d", len(export.Objects))
	}
	if export.Objects[0].Handle != 1 || export.Objects[1].Handle != 2 {
		t.Errorf("expected objects sorted by handle, got %d, %d", export.Objects[0].Handle, export.Objects[1].Handle)
	}
	if export.Objects[0].State != "selected" || export.Objects[1].State != "owned_remote" {
		t.Errorf("unexpected states: %s, %s", export.Objects[0].State, export.Objects[1].State)
	}
	pos := export.Objects[0].Positions
	if len(pos) != 1 || pos[0][0] != float64(exportStart.Add(time.Minute).UnixMilli()) || pos[0][1] != 5 {
		t.Errorf("unexpected positions: %v", pos)
	}
	if len(export.SyncPasses) != 1 || export.SyncPasses[0].DurationMs != 2.5 {
		t.Errorf("unexpected sync passes: %+v", export.SyncPasses)
	}
}

func TestEndSession_WritesJSON(t *testing.T) {
	b := newExportBackend(t, false)
	_ = b.RecordObject(&core.ObjectRecord{Handle: 1, ServerID: "abc123", OwnedLocally: true})

	if err := b.EndSession(); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	path := b.ExportedFilePath()
	if filepath.Base(path) != "worldsync_user_1_20260115_103000.json" {
		t.Errorf("unexpected file name %s", filepath.Base(path))
	}

	export := readExport(t, path, false)
	if len(export.Objects) != 1 || export.Objects[0].ServerID != "abc123" {
		t.Errorf("unexpected objects: %+v", export.Objects)
	}
	if !export.EndTime.Equal(exportStart.Add(time.Minute)) {
		t.Errorf("unexpected end time %v", export.EndTime)
	}
}

func TestEndSession_WritesGzip(t *testing.T) {
	b := newExportBackend(t, true)
	_ = b.RecordSyncPass(&core.SyncPass{Objects: 3})

	if err := b.EndSession(); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	path := b.ExportedFilePath()
	if !strings.HasSuffix(path, ".json.gz") {
		t.Errorf("expected .json.gz, got %s", path)
	}
	export := readExport(t, path, true)
	if len(export.SyncPasses) != 1 || export.SyncPasses[0].Objects != 3 {
		t.Errorf("unexpected sync passes: %+v", export.SyncPasses)
	}
}

func TestEndSession_AnonymousUser(t *testing.T) {
	b := New(config.MemoryConfig{OutputDir: t.TempDir()})
	_ = b.StartSession(&core.Session{StartTime: exportStart})

	if err := b.EndSession(); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if !strings.Contains(b.ExportedFilePath(), "worldsync_anonymous_") {
		t.Errorf("unexpected path %s", b.ExportedFilePath())
	}
}

func TestEndSession_FailureKeepsSyncPasses(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatal(err)
	}

	b := New(config.MemoryConfig{OutputDir: filepath.Join(blocker, "out")})
	_ = b.StartSession(&core.Session{UserID: "u", StartTime: exportStart})
	_ = b.RecordSyncPass(&core.SyncPass{Objects: 1})

	if err := b.EndSession(); err == nil {
		t.Fatal("expected error for unusable output directory")
	}
	if b.Pending() != 1 {
		t.Errorf("expected sync pass kept for retry, got %d", b.Pending())
	}
	if b.ExportedFilePath() != "" {
		t.Errorf("expected no export path, got %s", b.ExportedFilePath())
	}
}
