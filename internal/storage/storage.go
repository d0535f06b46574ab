// internal/storage/storage.go
package storage

import (
	"time"

	"github.com/multiplayar/worldsync/internal/model"
	"github.com/multiplayar/worldsync/pkg/core"
)

// Backend is the interface all session journal implementations must satisfy
type Backend interface {
	// Lifecycle
	Init() error
	Close() error

	// Session management
	StartSession(s *core.Session) error
	EndSession() error

	// Recording
	RecordAnchor(a *core.AnchorState) error
	RecordObject(o *core.ObjectRecord) error
	RecordSyncPass(p *core.SyncPass) error
}

// Exportable is an optional interface for backends that write a session
// file when the session ends.
type Exportable interface {
	ExportedFilePath() string
}

// Buffered is an optional interface for backends that write asynchronously.
type Buffered interface {
	Pending() int
	LastWriteDuration() time.Duration
}

// PerformanceRecorder is an optional interface for backends that keep
// status monitor samples.
type PerformanceRecorder interface {
	RecordPerformance(p *model.Performance) error
}

// Nop discards everything. It is used when storage.type is "none".
type Nop struct{}

func (Nop) Init() error                           { return nil }
func (Nop) Close() error                          { return nil }
func (Nop) StartSession(*core.Session) error      { return nil }
func (Nop) EndSession() error                     { return nil }
func (Nop) RecordAnchor(*core.AnchorState) error  { return nil }
func (Nop) RecordObject(*core.ObjectRecord) error { return nil }
func (Nop) RecordSyncPass(*core.SyncPass) error   { return nil }
