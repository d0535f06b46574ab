// Package reconcile keeps the local object set in step with the server's
// authoritative object list. Objects are only ever added: a snapshot that no
// longer lists an object does not remove it.
package reconcile

import (
	"errors"
	"sort"
	"sync"

	"github.com/multiplayar/worldsync/internal/cache"
	"github.com/multiplayar/worldsync/internal/geo"
	"github.com/multiplayar/worldsync/pkg/core"
)

var (
	// ErrUnknownObject is returned for a handle that was never created.
	ErrUnknownObject = errors.New("unknown object")
	// ErrNotMovable is returned when local input targets another user's object.
	ErrNotMovable = errors.New("object is owned by another user")
	// ErrAlreadyRegistered is reported when a creation push returns an id
	// that is already bound to another object.
	ErrAlreadyRegistered = errors.New("server id already registered")
)

// Observer receives every change to a record, e.g. to render it.
type Observer interface {
	ObjectChanged(rec core.ObjectRecord)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(rec core.ObjectRecord)

// ObjectChanged calls f(rec).
func (f ObserverFunc) ObjectChanged(rec core.ObjectRecord) { f(rec) }

// Result counts what one reconciliation pass did. Updated only counts known
// objects whose position changed.
type Result struct {
	Created int
	Updated int
}

// Reconciler owns the ObjectRecord set of a session.
type Reconciler struct {
	mu         sync.RWMutex
	records    map[core.Handle]*core.ObjectRecord
	index      *cache.ObjectIndex
	nextHandle core.Handle
	observer   Observer
}

// New creates an empty Reconciler. observer may be nil.
func New(observer Observer) *Reconciler {
	return &Reconciler{
		records:  make(map[core.Handle]*core.ObjectRecord),
		index:    cache.NewObjectIndex(),
		observer: observer,
	}
}

// Spawn creates a locally owned object at a local world position. The
// object has no server id until Confirm is called.
func (r *Reconciler) Spawn(pos core.Position3D) core.ObjectRecord {
	r.mu.Lock()
	rec := r.newRecordLocked(pos, true)
	out := *rec
	r.mu.Unlock()

	r.notify(out)
	return out
}

// Move sets the local world position of a locally owned object.
func (r *Reconciler) Move(h core.Handle, pos core.Position3D) (core.ObjectRecord, error) {
	r.mu.Lock()
	rec, ok := r.records[h]
	if !ok {
		r.mu.Unlock()
		return core.ObjectRecord{}, ErrUnknownObject
	}
	if !rec.Movable() {
		r.mu.Unlock()
		return core.ObjectRecord{}, ErrNotMovable
	}
	rec.Position = pos
	out := *rec
	r.mu.Unlock()

	r.notify(out)
	return out, nil
}

// ToggleSelect flips a locally owned object between Unselected and Selected.
func (r *Reconciler) ToggleSelect(h core.Handle) (core.ObjectRecord, error) {
	r.mu.Lock()
	rec, ok := r.records[h]
	if !ok {
		r.mu.Unlock()
		return core.ObjectRecord{}, ErrUnknownObject
	}
	switch rec.State {
	case core.OwnedRemote:
		r.mu.Unlock()
		return core.ObjectRecord{}, ErrNotMovable
	case core.Selected:
		rec.State = core.Unselected
	default:
		rec.State = core.Selected
	}
	out := *rec
	r.mu.Unlock()

	r.notify(out)
	return out, nil
}

// Confirm assigns the server id returned by a creation push. It returns
// false, changing nothing, when the object already has an id or the id is
// already bound to another object.
func (r *Reconciler) Confirm(h core.Handle, serverID string) bool {
	r.mu.Lock()
	rec, ok := r.records[h]
	if !ok || rec.ServerID != "" {
		r.mu.Unlock()
		return false
	}
	if !r.index.Register(h, serverID) {
		r.mu.Unlock()
		return false
	}
	rec.ServerID = serverID
	out := *rec
	r.mu.Unlock()

	r.notify(out)
	return true
}

// Record returns a copy of the record for h.
func (r *Reconciler) Record(h core.Handle) (core.ObjectRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[h]
	if !ok {
		return core.ObjectRecord{}, false
	}
	return *rec, true
}

// Lookup returns the record bound to a server id.
func (r *Reconciler) Lookup(serverID string) (core.ObjectRecord, bool) {
	h, ok := r.index.Handle(serverID)
	if !ok {
		return core.ObjectRecord{}, false
	}
	return r.Record(h)
}

// Records returns copies of all records ordered by handle.
func (r *Reconciler) Records() []core.ObjectRecord {
	r.mu.RLock()
	out := make([]core.ObjectRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// Len returns the number of records.
func (r *Reconciler) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Reconcile applies a server snapshot against the local records. Known ids
// are moved to the snapshot position, unknown ids become new remote-owned
// records. Records missing from the snapshot are left untouched.
func (r *Reconciler) Reconcile(snap core.SyncSnapshot, anchor core.AnchorState) Result {
	var res Result
	var changed []core.ObjectRecord

	rot := anchor.RotationOffset()

	r.mu.Lock()
	for _, obj := range snap.Objects {
		pos := geo.ToWorld(anchor.Position, rot, obj.Position)

		if h, ok := r.index.Handle(obj.ServerID); ok {
			rec := r.records[h]
			if rec.Position != pos {
				rec.Position = pos
				changed = append(changed, *rec)
				res.Updated++
			}
			continue
		}

		rec := r.newRecordLocked(pos, false)
		if !r.index.Register(rec.Handle, obj.ServerID) {
			// Lost the id to a concurrent registration; keep one record per id.
			delete(r.records, rec.Handle)
			continue
		}
		rec.ServerID = obj.ServerID
		changed = append(changed, *rec)
		res.Created++
	}
	r.mu.Unlock()

	for _, rec := range changed {
		r.notify(rec)
	}
	return res
}

func (r *Reconciler) newRecordLocked(pos core.Position3D, owned bool) *core.ObjectRecord {
	r.nextHandle++
	rec := &core.ObjectRecord{
		Handle:       r.nextHandle,
		Position:     pos,
		OwnedLocally: owned,
		State:        core.Unselected,
	}
	if !owned {
		rec.State = core.OwnedRemote
	}
	r.records[rec.Handle] = rec
	return rec
}

func (r *Reconciler) notify(rec core.ObjectRecord) {
	if r.observer != nil {
		r.observer.ObjectChanged(rec)
	}
}
