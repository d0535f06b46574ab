// Package tracker pushes object moves to the server. It runs in the late
// phase of a session tick so it sees each tick's final positions.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/multiplayar/worldsync/internal/reconcile"
	"github.com/multiplayar/worldsync/internal/session"
	"github.com/multiplayar/worldsync/pkg/core"
)

// Pusher issues object pushes.
type Pusher interface {
	PushObject(ctx context.Context, h core.Handle, done session.PushDone) error
	Anchor() core.AnchorState
}

type tracked struct {
	lastPushed core.Position3D
	pushed     bool
	creating   bool
	// settled is set when the creation push returned an id that was already
	// bound to another record. The object is never created again.
	settled bool
}

// Detector watches locally owned objects and pushes them when they move.
type Detector struct {
	pusher  Pusher
	objects *reconcile.Reconciler
	log     *slog.Logger

	mu      sync.Mutex
	tracked map[core.Handle]*tracked
}

// New creates a Detector over the objects of a reconciler.
func New(pusher Pusher, objects *reconcile.Reconciler, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.Default()
	}
	return &Detector{
		pusher:  pusher,
		objects: objects,
		log:     log.With("component", "tracker"),
		tracked: make(map[core.Handle]*tracked),
	}
}

// Track starts watching a locally owned object.
func (d *Detector) Track(h core.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tracked[h]; !ok {
		d.tracked[h] = &tracked{}
	}
}

// Len returns the number of tracked objects.
func (d *Detector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tracked)
}

// Tick compares each tracked object to its last pushed position. Confirmed
// objects that moved are pushed. Objects still waiting for a server id get
// one creation push once the anchor is confirmed.
func (d *Detector) Tick(ctx context.Context) {
	if !d.pusher.Anchor().Confirmed {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for h, t := range d.tracked {
		rec, ok := d.objects.Record(h)
		if !ok {
			delete(d.tracked, h)
			continue
		}

		if !rec.Confirmed() {
			if t.creating || t.settled {
				continue
			}
			t.creating = true
			t.lastPushed, t.pushed = rec.Position, true
			if err := d.pusher.PushObject(ctx, h, d.creationDone(h)); err != nil {
				t.creating = false
				t.pushed = false
				d.log.Debug("Creation push not issued", "handle", h, "error", err)
			}
			continue
		}

		if t.pushed && t.lastPushed == rec.Position {
			continue
		}
		if err := d.pusher.PushObject(ctx, h, nil); err != nil {
			d.log.Debug("Update push not issued", "handle", h, "error", err)
			continue
		}
		t.lastPushed, t.pushed = rec.Position, true
	}
}

// creationDone re-arms the creation push of h if it failed. A push whose id
// lost to another record still created the object, so it is not re-armed.
func (d *Detector) creationDone(h core.Handle) session.PushDone {
	return func(serverID string, err error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		t, ok := d.tracked[h]
		if !ok {
			return
		}
		t.creating = false
		switch {
		case errors.Is(err, reconcile.ErrAlreadyRegistered):
			t.settled = true
			d.log.Warn("Created object id bound to another record", "handle", h, "objectId", serverID)
		case err != nil:
			t.pushed = false
		}
	}
}
