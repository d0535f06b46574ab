// Package anchor negotiates the shared anchor of a session with the server.
package anchor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/multiplayar/worldsync/internal/cache"
	"github.com/multiplayar/worldsync/internal/geo"
	"github.com/multiplayar/worldsync/pkg/core"
)

// State is the negotiation state.
type State uint8

const (
	// Unselected collects candidate points.
	Unselected State = iota
	// CandidatesOffered waits for the server to pick one of the offered points.
	CandidatesOffered
	// Confirmed is final.
	Confirmed
)

func (s State) String() string {
	switch s {
	case Unselected:
		return "unselected"
	case CandidatesOffered:
		return "candidates_offered"
	case Confirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// Negotiation errors.
var (
	ErrConfirmed      = errors.New("anchor already confirmed")
	ErrOffered        = errors.New("candidates already offered")
	ErrNoCandidates   = errors.New("no candidate points")
	ErrDuplicatePoint = errors.New("candidate point already added")
)

// Transport is the server API used during negotiation.
type Transport interface {
	SubmitImage(ctx context.Context, image []byte, candidates []core.Position2D) ([]core.Position2D, error)
	PollPoint(ctx context.Context) (core.Position2D, bool, error)
	Sync(ctx context.Context) (core.SyncSnapshot, error)
}

// Host is the session the negotiated anchor is handed to.
type Host interface {
	Go(ctx context.Context, work func(context.Context) func())
	ConfirmAnchor(state core.AnchorState) bool
	SendAnchor(ctx context.Context, screen core.Position2D, cameraOffset core.Position3D) bool
	AnchorAcknowledged() bool
	Heading() (float64, bool)
}

// Negotiator drives Unselected -> CandidatesOffered -> Confirmed.
type Negotiator struct {
	host      Host
	transport Transport
	log       *slog.Logger

	mu         sync.Mutex
	state      State
	round      int
	candidates *cache.CandidateMap
	yaw        float64
	camera     core.Position3D
	polling    bool
	inFlight   bool
	screen     core.Position2D
	anchor     core.AnchorState

	pollEvery time.Duration
	lastPoll  time.Time
	now       func() time.Time
}

// New creates a negotiator in the Unselected state.
func New(host Host, transport Transport, log *slog.Logger) *Negotiator {
	if log == nil {
		log = slog.Default()
	}
	return &Negotiator{
		host:       host,
		transport:  transport,
		log:        log.With("component", "anchor"),
		candidates: cache.NewCandidateMap(),
		now:        time.Now,
	}
}

// SetPollInterval sets the minimum time between anchor polls. Zero polls
// on every tick.
func (n *Negotiator) SetPollInterval(d time.Duration) {
	n.mu.Lock()
	n.pollEvery = d
	n.mu.Unlock()
}

// State returns the current negotiation state.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Polling reports whether the negotiator is polling for a server-chosen point.
func (n *Negotiator) Polling() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.polling
}

// Candidates returns the number of candidate points in the current round.
func (n *Negotiator) Candidates() int {
	return n.candidates.Len()
}

// AddCandidate pairs a screen point with the local world point it projects from.
func (n *Negotiator) AddCandidate(screen core.Position2D, world core.Position3D) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch n.state {
	case Confirmed:
		return ErrConfirmed
	case CandidatesOffered:
		return ErrOffered
	}
	if !n.candidates.Add(screen, world) {
		return ErrDuplicatePoint
	}
	return nil
}

// SetYaw sets the anchor's rotation about the vertical axis. It has no
// effect once the anchor is confirmed.
func (n *Negotiator) SetYaw(deg float64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == Confirmed {
		return ErrConfirmed
	}
	n.yaw = geo.NormalizeDegrees(deg)
	return nil
}

// SetCamera records the device camera position in local world space.
func (n *Negotiator) SetCamera(pos core.Position3D) {
	n.mu.Lock()
	n.camera = pos
	n.mu.Unlock()
}

// Reset starts a new negotiation round, discarding collected candidates.
func (n *Negotiator) Reset() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == Confirmed {
		return ErrConfirmed
	}
	n.candidates.Reset()
	n.state = Unselected
	n.round++
	n.polling = false
	n.inFlight = false
	return nil
}

// Anchor returns the negotiated anchor once confirmed.
func (n *Negotiator) Anchor() (core.AnchorState, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.anchor, n.state == Confirmed
}

// Offer submits the captured image together with the candidate points. A
// matched point that resolves to a candidate confirms the anchor. No match
// or a failed request switches to polling.
func (n *Negotiator) Offer(ctx context.Context, image []byte) error {
	n.mu.Lock()
	switch n.state {
	case Confirmed:
		n.mu.Unlock()
		return ErrConfirmed
	case CandidatesOffered:
		n.mu.Unlock()
		return ErrOffered
	}
	if n.candidates.Len() == 0 {
		n.mu.Unlock()
		return ErrNoCandidates
	}
	n.state = CandidatesOffered
	n.inFlight = true
	round := n.round
	screens := n.candidates.Screens()
	n.mu.Unlock()

	n.log.Info("Offering anchor candidates", "points", len(screens), "imageBytes", len(image))

	n.host.Go(ctx, func(ctx context.Context) func() {
		matched, err := n.transport.SubmitImage(ctx, image, screens)
		return func() {
			if !n.current(round) {
				return
			}
			if err != nil {
				n.log.Warn("Image submission failed, polling for anchor", "error", err)
				n.startPolling()
				return
			}
			for _, p := range matched {
				if world, ok := n.candidates.Resolve(p); ok {
					n.confirm(ctx, round, p, world)
					return
				}
				n.log.Debug("Matched point is not a candidate", "x", p.X, "y", p.Y)
			}
			n.log.Info("No anchor match yet, polling", "matched", len(matched))
			n.startPolling()
		}
	})
	return nil
}

// Tick issues one anchor poll while polling, and retries the anchor push
// after confirmation until the server acknowledges it.
func (n *Negotiator) Tick(ctx context.Context) {
	n.mu.Lock()
	if n.state == Confirmed {
		screen, offset := n.screen, n.camera.Sub(n.anchor.Position)
		n.mu.Unlock()
		if !n.host.AnchorAcknowledged() {
			n.host.SendAnchor(ctx, screen, offset)
		}
		return
	}
	if n.state != CandidatesOffered || !n.polling || n.inFlight {
		n.mu.Unlock()
		return
	}
	now := n.now()
	if n.pollEvery > 0 && now.Sub(n.lastPoll) < n.pollEvery {
		n.mu.Unlock()
		return
	}
	n.lastPoll = now
	n.inFlight = true
	round := n.round
	n.mu.Unlock()

	n.host.Go(ctx, func(ctx context.Context) func() {
		point, ok, err := n.transport.PollPoint(ctx)
		return func() {
			if !n.current(round) {
				return
			}
			if err != nil {
				n.log.Warn("Anchor poll failed", "error", err)
				n.setInFlight(false)
				return
			}
			if !ok {
				n.setInFlight(false)
				return
			}
			world, found := n.candidates.Resolve(point)
			if !found {
				n.log.Warn("Polled anchor point is not a candidate", "x", point.X, "y", point.Y)
				n.setInFlight(false)
				return
			}
			n.confirm(ctx, round, point, world)
		}
	})
}

// current reports whether a completion issued in round still applies.
func (n *Negotiator) current(round int) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.round == round && n.state == CandidatesOffered
}

func (n *Negotiator) startPolling() {
	n.mu.Lock()
	if n.state == CandidatesOffered {
		n.polling = true
	}
	n.inFlight = false
	n.mu.Unlock()
}

func (n *Negotiator) setInFlight(v bool) {
	n.mu.Lock()
	n.inFlight = v
	n.mu.Unlock()
}

// confirm fixes the anchor at world. The server's reference heading, if it
// reports one, sets the heading offset.
func (n *Negotiator) confirm(ctx context.Context, round int, screen core.Position2D, world core.Position3D) {
	n.mu.Lock()
	n.polling = false
	n.inFlight = true
	n.mu.Unlock()

	n.host.Go(ctx, func(ctx context.Context) func() {
		snap, err := n.transport.Sync(ctx)
		return func() {
			offset := 0.0
			if err != nil {
				n.log.Warn("Reference heading unavailable", "error", err)
			} else if heading, ok := n.host.Heading(); ok && snap.Rotation != nil {
				offset = geo.NormalizeDegrees(heading - *snap.Rotation)
			}

			n.mu.Lock()
			if n.round != round || n.state != CandidatesOffered {
				n.mu.Unlock()
				return
			}
			n.state = Confirmed
			n.inFlight = false
			n.screen = screen
			n.anchor = core.AnchorState{
				Position:            world,
				Rotation:            n.yaw,
				RemoteHeadingOffset: offset,
				Confirmed:           true,
			}
			anchor := n.anchor
			cameraOffset := n.camera.Sub(world)
			n.mu.Unlock()

			n.candidates.Reset()
			n.host.ConfirmAnchor(anchor)
			n.host.SendAnchor(ctx, screen, cameraOffset)
		}
	})
}
