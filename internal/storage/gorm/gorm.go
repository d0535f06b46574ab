// Package gormstorage implements the storage.Backend interface on GORM with
// internal queues and a background DB writer goroutine. The schema must
// already be migrated.
package gormstorage

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/multiplayar/worldsync/internal/model"
	"github.com/multiplayar/worldsync/internal/model/convert"
	"github.com/multiplayar/worldsync/internal/queue"
	"github.com/multiplayar/worldsync/pkg/core"

	"gorm.io/gorm"
)

// DefaultFlushInterval is how often queued rows are written.
const DefaultFlushInterval = 2 * time.Second

// Dependencies holds all dependencies for the GORM storage backend.
type Dependencies struct {
	DB            *gorm.DB
	Logger        *slog.Logger
	FlushInterval time.Duration
}

// queues holds all the write queues for batch DB insertion.
type queues struct {
	Anchors      *queue.Queue[model.Anchor]
	ObjectStates *queue.Queue[model.ObjectState]
	SyncPasses   *queue.Queue[model.SyncPass]
}

func newQueues() *queues {
	return &queues{
		Anchors:      queue.New[model.Anchor](),
		ObjectStates: queue.New[model.ObjectState](),
		SyncPasses:   queue.New[model.SyncPass](),
	}
}

// Backend implements storage.Backend on GORM with queue-based batch writes.
type Backend struct {
	deps      Dependencies
	queues    *queues
	sessionID atomic.Uint64
	stopChan  chan struct{}
	done      sync.WaitGroup
	writeMu   sync.Mutex
	lastWrite atomic.Int64
}

// New creates a new GORM storage backend.
func New(deps Dependencies) *Backend {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.FlushInterval <= 0 {
		deps.FlushInterval = DefaultFlushInterval
	}
	return &Backend{
		deps:   deps,
		queues: newQueues(),
	}
}

// DB returns the underlying connection.
func (b *Backend) DB() *gorm.DB {
	return b.deps.DB
}

// Init starts the DB writer goroutine.
func (b *Backend) Init() error {
	if b.deps.DB == nil {
		return errors.New("gorm backend: no database")
	}
	b.stopChan = make(chan struct{})
	b.done.Add(1)
	go b.writeLoop(b.stopChan)
	return nil
}

// Close stops the DB writer goroutine after a final flush.
func (b *Backend) Close() error {
	if b.stopChan == nil {
		return nil
	}
	close(b.stopChan)
	b.stopChan = nil
	b.done.Wait()
	return nil
}

// StartSession inserts the session row synchronously so later rows can
// reference its ID.
func (b *Backend) StartSession(s *core.Session) error {
	row := convert.CoreToSession(*s)
	if err := b.deps.DB.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	b.sessionID.Store(uint64(row.ID))
	b.deps.Logger.Info("Session journaled", "sessionId", row.ID, "userId", row.UserID)
	return nil
}

// SessionID returns the DB ID of the current session, 0 before StartSession.
func (b *Backend) SessionID() uint {
	return uint(b.sessionID.Load())
}

// EndSession flushes pending rows and stamps the session end time.
func (b *Backend) EndSession() error {
	id := b.SessionID()
	if id == 0 {
		return nil
	}
	if err := b.Flush(); err != nil {
		return err
	}
	end := sql.NullTime{Time: time.Now(), Valid: true}
	if err := b.deps.DB.Model(&model.Session{}).Where("id = ?", id).Update("end_time", end).Error; err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return nil
}

// RecordAnchor converts and queues an anchor confirmation.
func (b *Backend) RecordAnchor(a *core.AnchorState) error {
	row := convert.CoreToAnchor(*a)
	row.Time = time.Now()
	b.queues.Anchors.Push(row)
	return nil
}

// RecordObject converts and queues an object position.
func (b *Backend) RecordObject(o *core.ObjectRecord) error {
	row := convert.CoreToObjectState(*o)
	row.Time = time.Now()
	b.queues.ObjectStates.Push(row)
	return nil
}

// RecordSyncPass converts and queues a sync pass summary.
func (b *Backend) RecordSyncPass(p *core.SyncPass) error {
	b.queues.SyncPasses.Push(convert.CoreToSyncPass(*p))
	return nil
}

// RecordPerformance writes a status monitor sample for the current session.
func (b *Backend) RecordPerformance(p *model.Performance) error {
	sessionID := b.SessionID()
	if sessionID == 0 {
		return nil
	}
	row := *p
	row.SessionID = sessionID
	if err := b.deps.DB.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to insert performance sample: %w", err)
	}
	return nil
}

// Pending returns the number of rows waiting to be written.
func (b *Backend) Pending() int {
	return b.queues.Anchors.Len() + b.queues.ObjectStates.Len() + b.queues.SyncPasses.Len()
}

// LastWriteDuration returns how long the last flush took.
func (b *Backend) LastWriteDuration() time.Duration {
	return time.Duration(b.lastWrite.Load())
}

// Flush writes every queue once, stamping rows with the current session ID.
// Rows are held back until a session has started.
func (b *Backend) Flush() error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	sessionID := b.SessionID()
	if sessionID == 0 {
		return nil
	}

	start := time.Now()
	err := errors.Join(
		writeQueue(b.deps.DB, b.queues.Anchors, "anchors", func(items []model.Anchor) {
			for i := range items {
				items[i].SessionID = sessionID
			}
		}),
		writeQueue(b.deps.DB, b.queues.ObjectStates, "object states", func(items []model.ObjectState) {
			for i := range items {
				items[i].SessionID = sessionID
			}
		}),
		writeQueue(b.deps.DB, b.queues.SyncPasses, "sync passes", func(items []model.SyncPass) {
			for i := range items {
				items[i].SessionID = sessionID
			}
		}),
	)
	b.lastWrite.Store(int64(time.Since(start)))
	return err
}

// writeQueue writes all items from a queue to the database in a transaction.
// On failure the batch is put back at the head of the queue.
func writeQueue[T any](db *gorm.DB, q *queue.Queue[T], name string, prepare func([]T)) error {
	if q.Empty() {
		return nil
	}

	items := q.PopAll()
	if prepare != nil {
		prepare(items)
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		return tx.Create(&items).Error
	})
	if err != nil {
		q.PushFront(items...)
		return fmt.Errorf("error creating %s: %w", name, err)
	}
	return nil
}

func (b *Backend) writeLoop(stop <-chan struct{}) {
	defer b.done.Done()
	ticker := time.NewTicker(b.deps.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			if err := b.Flush(); err != nil {
				b.deps.Logger.Error("Final journal flush failed", "error", err)
			}
			return
		case <-ticker.C:
			if err := b.Flush(); err != nil {
				b.deps.Logger.Error("Journal flush failed", "error", err)
			}
		}
	}
}
