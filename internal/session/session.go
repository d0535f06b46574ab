// Package session drives the fetch/push protocol with the world state server.
//
// Network calls run on their own goroutines. Their results are queued as
// completions and applied on the goroutine that calls Tick or Run, in the
// order they arrive. After Close, late completions are dropped.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/multiplayar/worldsync/internal/api"
	"github.com/multiplayar/worldsync/internal/geo"
	"github.com/multiplayar/worldsync/internal/queue"
	"github.com/multiplayar/worldsync/internal/reconcile"
	"github.com/multiplayar/worldsync/internal/storage"
	"github.com/multiplayar/worldsync/pkg/core"
)

// DefaultInterval is the sync cadence used when none is configured.
const DefaultInterval = 166 * time.Millisecond

var (
	// ErrAnchorPending is returned for pushes issued before the anchor is confirmed.
	ErrAnchorPending = errors.New("anchor not confirmed")
	// ErrClosed is returned once the session has been closed.
	ErrClosed = errors.New("session closed")
)

// Transport is the subset of the server API the session drives.
type Transport interface {
	PostAnchor(ctx context.Context, req api.AnchorRequest) (string, error)
	PostObject(ctx context.Context, req api.ObjectRequest) (string, error)
	Sync(ctx context.Context) (core.SyncSnapshot, error)
}

// Ticker is a component driven once per session tick.
type Ticker interface {
	Tick(ctx context.Context)
}

// PushDone is called on the session goroutine when an object push completes.
type PushDone func(serverID string, err error)

// Dependencies holds all dependencies for a session.
type Dependencies struct {
	Transport  Transport
	Reconciler *reconcile.Reconciler
	Journal    storage.Backend
	Logger     *slog.Logger
	Interval   time.Duration
}

// Stats is a point-in-time view of session counters.
type Stats struct {
	UserID         string
	AnchorSent     bool
	AnchorAcked    bool
	AnchorReady    bool
	Objects        int
	Pulls          int64
	PullFailures   int64
	Pushes         int64
	PushFailures   int64
	InFlight       int64
	LastPull       time.Time
	LastPullResult reconcile.Result
}

// Session owns the anchor state and schedules all server traffic.
type Session struct {
	deps    Dependencies
	log     *slog.Logger
	metrics *metrics

	mu        sync.RWMutex
	anchor    core.AnchorState
	userID    string
	heading   float64
	hasHead   bool
	lastPull  time.Time
	lastRes   reconcile.Result
	early     []Ticker
	late      []Ticker
	anchorAck bool

	synced  atomic.Bool
	pulling atomic.Bool
	closed  atomic.Bool

	pulls        atomic.Int64
	pullFailures atomic.Int64
	pushes       atomic.Int64
	pushFailures atomic.Int64
	inFlight     atomic.Int64

	completions *queue.Queue[func()]
	notify      chan struct{}
	wg          sync.WaitGroup
}

// New creates a session. The anchor starts unconfirmed.
func New(deps Dependencies) (*Session, error) {
	if deps.Transport == nil {
		return nil, errors.New("session: transport is required")
	}
	if deps.Reconciler == nil {
		deps.Reconciler = reconcile.New(nil)
	}
	if deps.Journal == nil {
		deps.Journal = storage.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Interval <= 0 {
		deps.Interval = DefaultInterval
	}

	m, err := newMetrics()
	if err != nil {
		return nil, err
	}

	return &Session{
		deps:        deps,
		log:         deps.Logger.With("component", "session"),
		metrics:     m,
		completions: queue.New[func()](),
		notify:      make(chan struct{}, 1),
	}, nil
}

// Reconciler returns the object set driven by this session.
func (s *Session) Reconciler() *reconcile.Reconciler {
	return s.deps.Reconciler
}

// AddEarly registers a component ticked before the sync pull.
func (s *Session) AddEarly(t Ticker) {
	s.mu.Lock()
	s.early = append(s.early, t)
	s.mu.Unlock()
}

// AddLate registers a component ticked after all other per-tick work.
func (s *Session) AddLate(t Ticker) {
	s.mu.Lock()
	s.late = append(s.late, t)
	s.mu.Unlock()
}

// Anchor returns a copy of the current anchor state.
func (s *Session) Anchor() core.AnchorState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.anchor
}

// SetHeading records the device's current compass heading in degrees.
func (s *Session) SetHeading(deg float64) {
	s.mu.Lock()
	s.heading = geo.NormalizeDegrees(deg)
	s.hasHead = true
	s.mu.Unlock()
}

// Heading returns the last device heading, if one has been reported.
func (s *Session) Heading() (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.heading, s.hasHead
}

// ConfirmAnchor fixes the anchor. It succeeds only once per session.
func (s *Session) ConfirmAnchor(state core.AnchorState) bool {
	s.mu.Lock()
	if s.anchor.Confirmed {
		s.mu.Unlock()
		return false
	}
	state.Confirmed = true
	s.anchor = state
	s.mu.Unlock()

	s.log.Info("Anchor confirmed",
		"position", state.Position.String(),
		"rotation", state.Rotation,
		"headingOffset", state.RemoteHeadingOffset)

	if err := s.deps.Journal.RecordAnchor(&state); err != nil {
		s.log.Error("Failed to journal anchor", "error", err)
	}
	return true
}

// Tick runs one session cycle: pending completions, early components, the
// sync pull, then late components.
func (s *Session) Tick(ctx context.Context) {
	if s.closed.Load() {
		return
	}
	s.Drain()

	s.mu.RLock()
	early := append([]Ticker(nil), s.early...)
	late := append([]Ticker(nil), s.late...)
	s.mu.RUnlock()

	for _, t := range early {
		t.Tick(ctx)
	}
	s.SyncWorld(ctx)
	for _, t := range late {
		t.Tick(ctx)
	}
}

// Run ticks the session at the configured interval and applies completions
// as they arrive, until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.deps.Interval)
	defer ticker.Stop()

	s.log.Info("Session loop started", "interval", s.deps.Interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		case <-s.notify:
			s.Drain()
		}
	}
}

// Drain applies all queued completions and returns how many ran.
func (s *Session) Drain() int {
	n := 0
	for _, fn := range s.completions.PopAll() {
		if s.closed.Load() {
			break
		}
		fn()
		n++
	}
	return n
}

// Settle waits for every in-flight request and applies the results.
func (s *Session) Settle() {
	s.wg.Wait()
	s.Drain()
}

// Close stops the session. Responses that arrive afterwards are ignored.
func (s *Session) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.completions.Clear()
	s.log.Info("Session closed")
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// SyncWorld issues a sync pull. It is a no-op until the anchor is confirmed
// and while a previous pull is still in flight. It reports whether a pull
// was issued.
func (s *Session) SyncWorld(ctx context.Context) bool {
	if s.closed.Load() || !s.Anchor().Confirmed {
		return false
	}
	if !s.pulling.CompareAndSwap(false, true) {
		return false
	}

	start := time.Now()
	s.Go(ctx, func(ctx context.Context) func() {
		snap, err := s.deps.Transport.Sync(ctx)
		return func() {
			s.pulling.Store(false)
			if err != nil {
				s.pullFailures.Add(1)
				s.metrics.pullErrors.Add(ctx, 1)
				s.log.Warn("Sync pull failed", "error", err)
				return
			}
			s.applySnapshot(ctx, snap, start)
		}
	})
	return true
}

func (s *Session) applySnapshot(ctx context.Context, snap core.SyncSnapshot, start time.Time) {
	res := s.deps.Reconciler.Reconcile(snap, s.Anchor())
	now := time.Now()

	s.mu.Lock()
	s.lastPull = now
	s.lastRes = res
	s.mu.Unlock()

	s.pulls.Add(1)
	s.metrics.pulls.Add(ctx, 1)
	s.metrics.created.Add(ctx, int64(res.Created))
	s.metrics.passLatency.Record(ctx, float64(now.Sub(start).Microseconds())/1000)

	if res.Created > 0 {
		s.log.Debug("Reconciled snapshot", "objects", len(snap.Objects), "created", res.Created, "updated", res.Updated)
	}

	pass := core.SyncPass{
		Time:     now,
		Objects:  len(snap.Objects),
		Created:  res.Created,
		Updated:  res.Updated,
		Duration: now.Sub(start),
		Snapshot: snap,
	}
	if err := s.deps.Journal.RecordSyncPass(&pass); err != nil {
		s.log.Error("Failed to journal sync pass", "error", err)
	}
}

// PushObject sends the object's anchor-relative position to the server.
// The request carries the object's server id only once one is assigned. The
// id returned for a creation push is registered unless another completion
// registered one first, in which case done gets reconcile.ErrAlreadyRegistered
// along with the id. done may be nil.
func (s *Session) PushObject(ctx context.Context, h core.Handle, done PushDone) error {
	if s.closed.Load() {
		return ErrClosed
	}
	anchor := s.Anchor()
	if !anchor.Confirmed {
		return ErrAnchorPending
	}
	rec, ok := s.deps.Reconciler.Record(h)
	if !ok {
		return reconcile.ErrUnknownObject
	}

	req := api.ObjectRequest{
		ObjectID: rec.ServerID,
		Offset:   geo.ToAnchorRelative(anchor.Position, anchor.RotationOffset(), rec.Position),
	}
	if heading, ok := s.Heading(); ok {
		req.Heading = &heading
	}

	s.Go(ctx, func(ctx context.Context) func() {
		id, err := s.deps.Transport.PostObject(ctx, req)
		return func() {
			if err != nil {
				s.pushFailures.Add(1)
				s.metrics.pushErrors.Add(ctx, 1)
				s.log.Warn("Object push failed", "handle", h, "objectId", req.ObjectID, "error", err)
				if done != nil {
					done("", err)
				}
				return
			}
			s.pushes.Add(1)
			s.metrics.pushes.Add(ctx, 1)

			var doneErr error
			if req.ObjectID == "" {
				if s.deps.Reconciler.Confirm(h, id) {
					s.log.Info("Object confirmed", "handle", h, "objectId", id)
				} else {
					s.log.Debug("Object id already registered", "handle", h, "objectId", id)
					doneErr = reconcile.ErrAlreadyRegistered
				}
			}
			if rec, ok := s.deps.Reconciler.Record(h); ok {
				if err := s.deps.Journal.RecordObject(&rec); err != nil {
					s.log.Error("Failed to journal object", "error", err)
				}
			}
			if done != nil {
				done(id, doneErr)
			}
		}
	})
	return nil
}

// SendAnchor pushes the anchor establishment request. Only the first call
// issues a request; later calls are no-ops unless that request failed.
func (s *Session) SendAnchor(ctx context.Context, screen core.Position2D, cameraOffset core.Position3D) bool {
	if s.closed.Load() {
		return false
	}
	if !s.synced.CompareAndSwap(false, true) {
		return false
	}

	s.mu.RLock()
	req := api.AnchorRequest{Screen: screen, Offset: cameraOffset, UserID: s.userID}
	s.mu.RUnlock()

	s.Go(ctx, func(ctx context.Context) func() {
		userID, err := s.deps.Transport.PostAnchor(ctx, req)
		return func() {
			if err != nil {
				s.synced.Store(false)
				s.log.Warn("Anchor push failed", "error", err)
				return
			}
			s.mu.Lock()
			if userID != "" {
				s.userID = userID
			}
			s.anchorAck = true
			s.mu.Unlock()
			s.log.Info("Anchor acknowledged", "userId", userID)
		}
	})
	return true
}

// AnchorSent reports whether an anchor push has been issued and not failed.
func (s *Session) AnchorSent() bool {
	return s.synced.Load()
}

// AnchorAcknowledged reports whether the server answered the anchor push.
func (s *Session) AnchorAcknowledged() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.anchorAck
}

// Stats returns the current session counters.
func (s *Session) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		UserID:         s.userID,
		AnchorSent:     s.synced.Load(),
		AnchorAcked:    s.anchorAck,
		AnchorReady:    s.anchor.Confirmed,
		Objects:        s.deps.Reconciler.Len(),
		Pulls:          s.pulls.Load(),
		PullFailures:   s.pullFailures.Load(),
		Pushes:         s.pushes.Load(),
		PushFailures:   s.pushFailures.Load(),
		InFlight:       s.inFlight.Load(),
		LastPull:       s.lastPull,
		LastPullResult: s.lastRes,
	}
}

// Go runs work on its own goroutine and queues the completion it returns to
// be applied by Tick or Run. A nil completion is skipped. Nothing is started
// once the session is closed.
func (s *Session) Go(ctx context.Context, work func(context.Context) func()) {
	if s.closed.Load() {
		return
	}
	s.wg.Add(1)
	s.inFlight.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inFlight.Add(-1)

		apply := work(ctx)
		if apply == nil || s.closed.Load() {
			return
		}
		s.completions.Push(apply)
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}()
}
