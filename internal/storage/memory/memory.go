// internal/storage/memory/memory.go
package memory

import (
	"sync"
	"time"

	"github.com/multiplayar/worldsync/internal/config"
	"github.com/multiplayar/worldsync/internal/queue"
	"github.com/multiplayar/worldsync/pkg/core"
)

// maxSyncPasses bounds the sync pass history kept for export. Older passes
// are dropped first.
const maxSyncPasses = 20000

// ObjectHistory groups an object with every journaled position
type ObjectHistory struct {
	Record    core.ObjectRecord
	FirstSeen time.Time
	Positions []TimedPosition
}

// TimedPosition is a position with the time it was journaled
type TimedPosition struct {
	Time     time.Time
	Position core.Position3D
}

// TimedAnchor is an anchor confirmation with the time it was journaled
type TimedAnchor struct {
	Time   time.Time
	Anchor core.AnchorState
}

// Backend stores the session journal in memory and exports it to JSON
type Backend struct {
	cfg     config.MemoryConfig
	session *core.Session
	endTime time.Time

	anchors    []TimedAnchor
	objects    map[core.Handle]*ObjectHistory
	syncPasses *queue.Queue[core.SyncPass]

	lastExportPath string
	now            func() time.Time
	mu             sync.RWMutex
}

// New creates a new memory backend
func New(cfg config.MemoryConfig) *Backend {
	return &Backend{
		cfg:        cfg,
		objects:    make(map[core.Handle]*ObjectHistory),
		syncPasses: queue.NewBounded[core.SyncPass](maxSyncPasses),
		now:        time.Now,
	}
}

// Init initializes the backend
func (b *Backend) Init() error {
	return nil
}

// Close cleans up resources
func (b *Backend) Close() error {
	return nil
}

// StartSession begins journaling a new session
func (b *Backend) StartSession(s *core.Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.session = s
	b.endTime = time.Time{}

	// Reset all collections
	b.anchors = nil
	b.objects = make(map[core.Handle]*ObjectHistory)
	b.syncPasses.Clear()
	b.lastExportPath = ""

	return nil
}

// EndSession finalizes and exports the session journal
func (b *Backend) EndSession() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session == nil {
		return nil
	}
	b.endTime = b.now()
	return b.exportJSON()
}

// RecordAnchor stores an anchor confirmation
func (b *Backend) RecordAnchor(a *core.AnchorState) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.anchors = append(b.anchors, TimedAnchor{Time: b.now(), Anchor: *a})
	return nil
}

// RecordObject stores the latest state of an object and appends its position
// to the object's history
func (b *Backend) RecordObject(o *core.ObjectRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	h, ok := b.objects[o.Handle]
	if !ok {
		h = &ObjectHistory{FirstSeen: now}
		b.objects[o.Handle] = h
	}
	h.Record = *o
	h.Positions = append(h.Positions, TimedPosition{Time: now, Position: o.Position})
	return nil
}

// RecordSyncPass stores a sync pass summary
func (b *Backend) RecordSyncPass(p *core.SyncPass) error {
	b.syncPasses.Push(*p)
	return nil
}

// GetObject returns the journaled history of an object
func (b *Backend) GetObject(h core.Handle) (*ObjectHistory, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	o, ok := b.objects[h]
	return o, ok
}

// Pending returns the number of sync passes held for export
func (b *Backend) Pending() int {
	return b.syncPasses.Len()
}

// LastWriteDuration is always zero; the memory backend writes once at EndSession.
func (b *Backend) LastWriteDuration() time.Duration {
	return 0
}

// ExportedFilePath returns the path of the last exported file
func (b *Backend) ExportedFilePath() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastExportPath
}
