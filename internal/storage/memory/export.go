// internal/storage/memory/export.go
package memory

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/multiplayar/worldsync/pkg/core"
)

// SessionExport is the root JSON structure
type SessionExport struct {
	UserID            string         `json:"userId"`
	Server            string         `json:"server"`
	StartTime         time.Time      `json:"startTime"`
	EndTime           time.Time      `json:"endTime"`
	Latitude          float64        `json:"latitude"`
	Longitude         float64        `json:"longitude"`
	Anchors           []AnchorJSON   `json:"anchors"`
	Objects           []ObjectJSON   `json:"objects"`
	SyncPasses        []SyncPassJSON `json:"syncPasses"`
	DroppedSyncPasses uint64         `json:"droppedSyncPasses"`
}

// AnchorJSON is one anchor confirmation
type AnchorJSON struct {
	Time                time.Time  `json:"time"`
	Position            [3]float64 `json:"position"`
	Rotation            float64    `json:"rotation"`
	RemoteHeadingOffset float64    `json:"remoteHeadingOffset"`
}

// ObjectJSON is one object with its position history.
// Positions are [unixMillis, x, y, z].
type ObjectJSON struct {
	Handle       uint64       `json:"handle"`
	ServerID     string       `json:"serverId"`
	OwnedLocally bool         `json:"ownedLocally"`
	State        string       `json:"state"`
	FirstSeen    time.Time    `json:"firstSeen"`
	Positions    [][4]float64 `json:"positions"`
}

// SyncPassJSON is one applied sync pass
type SyncPassJSON struct {
	Time       time.Time `json:"time"`
	Objects    int       `json:"objects"`
	Created    int       `json:"created"`
	Updated    int       `json:"updated"`
	DurationMs float64   `json:"durationMs"`
}

// exportJSON writes the session journal to a JSON file, gzipped if configured.
// Callers hold b.mu.
func (b *Backend) exportJSON() error {
	passes := b.syncPasses.PopAll()
	export := b.buildExport(passes)

	// Build filename
	user := strings.NewReplacer(" ", "_", ":", "_", "/", "_").Replace(b.session.UserID)
	if user == "" {
		user = "anonymous"
	}
	timestamp := b.session.StartTime.Format("20060102_150405")

	var filename string
	if b.cfg.CompressOutput {
		filename = fmt.Sprintf("worldsync_%s_%s.json.gz", user, timestamp)
	} else {
		filename = fmt.Sprintf("worldsync_%s_%s.json", user, timestamp)
	}

	outputPath := filepath.Join(b.cfg.OutputDir, filename)

	// Ensure output directory exists
	if err := os.MkdirAll(b.cfg.OutputDir, 0755); err != nil {
		b.syncPasses.PushFront(passes...)
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	var err error
	if b.cfg.CompressOutput {
		err = b.writeGzipJSON(outputPath, export)
	} else {
		err = b.writeJSON(outputPath, export)
	}
	if err != nil {
		b.syncPasses.PushFront(passes...)
		return err
	}

	b.lastExportPath = outputPath
	return nil
}

func (b *Backend) buildExport(passes []core.SyncPass) SessionExport {
	export := SessionExport{
		UserID:            b.session.UserID,
		Server:            b.session.Server,
		StartTime:         b.session.StartTime,
		EndTime:           b.endTime,
		Latitude:          b.session.Latitude,
		Longitude:         b.session.Longitude,
		Anchors:           make([]AnchorJSON, 0, len(b.anchors)),
		Objects:           make([]ObjectJSON, 0, len(b.objects)),
		SyncPasses:        make([]SyncPassJSON, 0, len(passes)),
		DroppedSyncPasses: b.syncPasses.Dropped(),
	}

	for _, a := range b.anchors {
		export.Anchors = append(export.Anchors, AnchorJSON{
			Time:                a.Time,
			Position:            [3]float64{a.Anchor.Position.X, a.Anchor.Position.Y, a.Anchor.Position.Z},
			Rotation:            a.Anchor.Rotation,
			RemoteHeadingOffset: a.Anchor.RemoteHeadingOffset,
		})
	}

	for _, h := range b.objects {
		obj := ObjectJSON{
			Handle:       uint64(h.Record.Handle),
			ServerID:     h.Record.ServerID,
			OwnedLocally: h.Record.OwnedLocally,
			State:        h.Record.State.String(),
			FirstSeen:    h.FirstSeen,
			Positions:    make([][4]float64, 0, len(h.Positions)),
		}
		for _, p := range h.Positions {
			obj.Positions = append(obj.Positions, [4]float64{
				float64(p.Time.UnixMilli()),
				p.Position.X,
				p.Position.Y,
				p.Position.Z,
			})
		}
		export.Objects = append(export.Objects, obj)
	}
	sort.Slice(export.Objects, func(i, j int) bool {
		return export.Objects[i].Handle < export.Objects[j].Handle
	})

	for _, p := range passes {
		export.SyncPasses = append(export.SyncPasses, SyncPassJSON{
			Time:       p.Time,
			Objects:    p.Objects,
			Created:    p.Created,
			Updated:    p.Updated,
			DurationMs: float64(p.Duration.Microseconds()) / 1000,
		})
	}

	return export
}

func (b *Backend) writeJSON(path string, data SessionExport) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	return encoder.Encode(data)
}

func (b *Backend) writeGzipJSON(path string, data SessionExport) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	gzWriter := gzip.NewWriter(f)
	defer gzWriter.Close()

	encoder := json.NewEncoder(gzWriter)
	return encoder.Encode(data)
}
