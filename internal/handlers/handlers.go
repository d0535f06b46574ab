// Package handlers turns collaborator commands into session operations.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/multiplayar/worldsync/internal/anchor"
	"github.com/multiplayar/worldsync/internal/dispatcher"
	"github.com/multiplayar/worldsync/internal/geo"
	"github.com/multiplayar/worldsync/internal/session"
	"github.com/multiplayar/worldsync/internal/tracker"
	"github.com/multiplayar/worldsync/pkg/core"
)

// Commands understood by the service.
const (
	CmdObjectSpawn     = ":OBJECT:SPAWN:"
	CmdObjectMove      = ":OBJECT:MOVE:"
	CmdObjectSelect    = ":OBJECT:SELECT:"
	CmdObjectList      = ":OBJECT:LIST:"
	CmdAnchorCandidate = ":ANCHOR:CANDIDATE:"
	CmdAnchorRotate    = ":ANCHOR:ROTATE:"
	CmdAnchorOffer     = ":ANCHOR:OFFER:"
	CmdAnchorReset     = ":ANCHOR:RESET:"
	CmdHeading         = ":HEADING:"
	CmdCamera          = ":CAMERA:"
	CmdStatus          = ":STATUS:"
)

// ErrArgs is returned when a command has the wrong arguments.
var ErrArgs = errors.New("invalid arguments")

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Session    *session.Session
	Negotiator *anchor.Negotiator
	Tracker    *tracker.Detector
	Logger     *slog.Logger

	// ReadImage loads the scene capture for :ANCHOR:OFFER:. Defaults to os.ReadFile.
	ReadImage func(path string) ([]byte, error)
}

// Status is the reply to :STATUS:.
type Status struct {
	session.Stats
	AnchorState string  `json:"anchorState"`
	Polling     bool    `json:"polling"`
	Candidates  int     `json:"candidates"`
	Tracked     int     `json:"tracked"`
	Heading     float64 `json:"heading,omitempty"`
}

// Service provides handler methods for collaborator commands
type Service struct {
	deps Dependencies
	ctx  context.Context
	log  *slog.Logger
}

// NewService creates a new handler service. ctx scopes the network
// requests commands start.
func NewService(ctx context.Context, deps Dependencies) *Service {
	if deps.ReadImage == nil {
		deps.ReadImage = os.ReadFile
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{
		deps: deps,
		ctx:  ctx,
		log:  deps.Logger.With("component", "handlers"),
	}
}

// Register adds every command to the dispatcher.
func (s *Service) Register(d *dispatcher.Dispatcher) {
	d.Register(CmdObjectSpawn, s.handleSpawn, dispatcher.Logged())
	d.Register(CmdObjectMove, s.handleMove, dispatcher.Buffered(256), dispatcher.Logged())
	d.Register(CmdObjectSelect, s.handleSelect, dispatcher.Logged())
	d.Register(CmdObjectList, s.handleList)
	d.Register(CmdAnchorCandidate, s.handleCandidate, dispatcher.Logged())
	d.Register(CmdAnchorRotate, s.handleRotate, dispatcher.Logged())
	d.Register(CmdAnchorOffer, s.handleOffer, dispatcher.Logged())
	d.Register(CmdAnchorReset, s.handleReset, dispatcher.Logged())
	d.Register(CmdHeading, s.handleHeading, dispatcher.Buffered(64))
	d.Register(CmdCamera, s.handleCamera, dispatcher.Buffered(64))
	d.Register(CmdStatus, s.handleStatus)
}

// :OBJECT:SPAWN: x,y,z
func (s *Service) handleSpawn(e dispatcher.Event) (any, error) {
	if len(e.Args) != 1 {
		return nil, fmt.Errorf("%s expects x,y,z: %w", CmdObjectSpawn, ErrArgs)
	}
	pos, err := geo.Position3DFromString(e.Args[0])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", CmdObjectSpawn, err)
	}

	rec := s.deps.Session.Reconciler().Spawn(pos)
	s.deps.Tracker.Track(rec.Handle)
	s.log.Info("Object spawned", "handle", rec.Handle, "position", pos.String())
	return uint64(rec.Handle), nil
}

// :OBJECT:MOVE: handle x,y,z
func (s *Service) handleMove(e dispatcher.Event) (any, error) {
	if len(e.Args) != 2 {
		return nil, fmt.Errorf("%s expects handle and x,y,z: %w", CmdObjectMove, ErrArgs)
	}
	h, err := parseHandle(e.Args[0])
	if err != nil {
		return nil, err
	}
	pos, err := geo.Position3DFromString(e.Args[1])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", CmdObjectMove, err)
	}

	rec, err := s.deps.Session.Reconciler().Move(h, pos)
	if err != nil {
		return nil, fmt.Errorf("moving object %d: %w", h, err)
	}
	return rec, nil
}

// :OBJECT:SELECT: handle
func (s *Service) handleSelect(e dispatcher.Event) (any, error) {
	if len(e.Args) != 1 {
		return nil, fmt.Errorf("%s expects a handle: %w", CmdObjectSelect, ErrArgs)
	}
	h, err := parseHandle(e.Args[0])
	if err != nil {
		return nil, err
	}
	rec, err := s.deps.Session.Reconciler().ToggleSelect(h)
	if err != nil {
		return nil, fmt.Errorf("selecting object %d: %w", h, err)
	}
	return rec.State.String(), nil
}

// :OBJECT:LIST:
func (s *Service) handleList(dispatcher.Event) (any, error) {
	out, err := json.Marshal(s.deps.Session.Reconciler().Records())
	if err != nil {
		return nil, fmt.Errorf("encoding objects: %w", err)
	}
	return string(out), nil
}

// :ANCHOR:CANDIDATE: sx,sy x,y,z
func (s *Service) handleCandidate(e dispatcher.Event) (any, error) {
	if len(e.Args) != 2 {
		return nil, fmt.Errorf("%s expects sx,sy and x,y,z: %w", CmdAnchorCandidate, ErrArgs)
	}
	screen, err := geo.Position2DFromString(e.Args[0])
	if err != nil {
		return nil, fmt.Errorf("%s screen point: %w", CmdAnchorCandidate, err)
	}
	world, err := geo.Position3DFromString(e.Args[1])
	if err != nil {
		return nil, fmt.Errorf("%s world point: %w", CmdAnchorCandidate, err)
	}
	if err := s.deps.Negotiator.AddCandidate(screen, world); err != nil {
		return nil, err
	}
	return s.deps.Negotiator.Candidates(), nil
}

// :ANCHOR:ROTATE: degrees
func (s *Service) handleRotate(e dispatcher.Event) (any, error) {
	deg, err := parseDegrees(CmdAnchorRotate, e.Args)
	if err != nil {
		return nil, err
	}
	return nil, s.deps.Negotiator.SetYaw(deg)
}

// :ANCHOR:OFFER: imagePath
func (s *Service) handleOffer(e dispatcher.Event) (any, error) {
	if len(e.Args) != 1 {
		return nil, fmt.Errorf("%s expects an image path: %w", CmdAnchorOffer, ErrArgs)
	}
	image, err := s.deps.ReadImage(e.Args[0])
	if err != nil {
		return nil, fmt.Errorf("reading scene image: %w", err)
	}
	if err := s.deps.Negotiator.Offer(s.ctx, image); err != nil {
		return nil, err
	}
	return s.deps.Negotiator.State().String(), nil
}

// :ANCHOR:RESET:
func (s *Service) handleReset(dispatcher.Event) (any, error) {
	if err := s.deps.Negotiator.Reset(); err != nil {
		return nil, err
	}
	return s.deps.Negotiator.State().String(), nil
}

// :HEADING: degrees
func (s *Service) handleHeading(e dispatcher.Event) (any, error) {
	deg, err := parseDegrees(CmdHeading, e.Args)
	if err != nil {
		return nil, err
	}
	s.deps.Session.SetHeading(deg)
	return nil, nil
}

// :CAMERA: x,y,z
func (s *Service) handleCamera(e dispatcher.Event) (any, error) {
	if len(e.Args) != 1 {
		return nil, fmt.Errorf("%s expects x,y,z: %w", CmdCamera, ErrArgs)
	}
	pos, err := geo.Position3DFromString(e.Args[0])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", CmdCamera, err)
	}
	s.deps.Negotiator.SetCamera(pos)
	return nil, nil
}

// :STATUS:
func (s *Service) handleStatus(dispatcher.Event) (any, error) {
	return s.Status(), nil
}

// Status collects the current session, negotiation and tracking state.
func (s *Service) Status() Status {
	st := Status{
		Stats:       s.deps.Session.Stats(),
		AnchorState: s.deps.Negotiator.State().String(),
		Polling:     s.deps.Negotiator.Polling(),
		Candidates:  s.deps.Negotiator.Candidates(),
		Tracked:     s.deps.Tracker.Len(),
	}
	if h, ok := s.deps.Session.Heading(); ok {
		st.Heading = h
	}
	return st
}

func parseHandle(s string) (core.Handle, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid object handle %q: %w", s, ErrArgs)
	}
	return core.Handle(v), nil
}

func parseDegrees(cmd string, args []string) (float64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("%s expects degrees: %w", cmd, ErrArgs)
	}
	deg, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid angle %q: %w", cmd, args[0], ErrArgs)
	}
	return deg, nil
}
