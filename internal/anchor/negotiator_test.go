package anchor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/multiplayar/worldsync/internal/api"
	"github.com/multiplayar/worldsync/internal/session"
	"github.com/multiplayar/worldsync/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	mu sync.Mutex

	matched   []core.Position2D
	submitErr error
	submitted [][]core.Position2D

	pollPoint *core.Position2D
	pollErr   error
	polls     int

	rotation *float64
	syncErr  error
	snapshot core.SyncSnapshot

	anchors []api.AnchorRequest
}

func (f *fakeServer) SubmitImage(_ context.Context, _ []byte, candidates []core.Position2D) ([]core.Position2D, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, candidates)
	return f.matched, f.submitErr
}

func (f *fakeServer) PollPoint(context.Context) (core.Position2D, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.pollErr != nil {
		return core.Position2D{}, false, f.pollErr
	}
	if f.pollPoint == nil {
		return core.Position2D{}, false, nil
	}
	return *f.pollPoint, true, nil
}

func (f *fakeServer) Sync(context.Context) (core.SyncSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := f.snapshot
	snap.Rotation = f.rotation
	return snap, f.syncErr
}

func (f *fakeServer) PostAnchor(_ context.Context, req api.AnchorRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.anchors = append(f.anchors, req)
	return "user-1", nil
}

func (f *fakeServer) PostObject(_ context.Context, req api.ObjectRequest) (string, error) {
	return "obj", nil
}

func setup(t *testing.T, srv *fakeServer) (*Negotiator, *session.Session) {
	t.Helper()
	s, err := session.New(session.Dependencies{Transport: srv})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return New(s, srv, nil), s
}

func ptr(v float64) *float64 { return &v }

func TestStateString(t *testing.T) {
	assert.Equal(t, "unselected", Unselected.String())
	assert.Equal(t, "candidates_offered", CandidatesOffered.String())
	assert.Equal(t, "confirmed", Confirmed.String())
}

func TestOffer_RequiresCandidates(t *testing.T) {
	n, _ := setup(t, &fakeServer{})
	assert.ErrorIs(t, n.Offer(context.Background(), nil), ErrNoCandidates)
	assert.Equal(t, Unselected, n.State())
}

func TestAddCandidate_Duplicate(t *testing.T) {
	n, _ := setup(t, &fakeServer{})
	require.NoError(t, n.AddCandidate(core.Position2D{X: 1, Y: 2}, core.Position3D{}))
	assert.ErrorIs(t, n.AddCandidate(core.Position2D{X: 1.0001, Y: 2}, core.Position3D{X: 5}), ErrDuplicatePoint)
	assert.Equal(t, 1, n.Candidates())
}

func TestOffer_MatchedPointPlacesAnchor(t *testing.T) {
	srv := &fakeServer{
		matched: []core.Position2D{{X: 10.000, Y: 20.000}},
		snapshot: core.SyncSnapshot{Objects: []core.SnapshotObject{
			{ServerID: "origin", Position: core.Position3D{}},
		}},
	}
	n, s := setup(t, srv)
	ctx := context.Background()

	require.NoError(t, n.AddCandidate(core.Position2D{X: 10.0, Y: 20.0}, core.Position3D{X: 1, Y: 2, Z: 3}))
	require.NoError(t, n.AddCandidate(core.Position2D{X: 30, Y: 40}, core.Position3D{X: 9, Y: 9, Z: 9}))
	require.NoError(t, n.Offer(ctx, []byte("png")))
	assert.Equal(t, CandidatesOffered, n.State())

	s.Settle() // image match
	s.Settle() // reference heading fetch
	s.Settle() // anchor push

	assert.Equal(t, Confirmed, n.State())
	anchor := s.Anchor()
	require.True(t, anchor.Confirmed)
	assert.Equal(t, core.Position3D{X: 1, Y: 2, Z: 3}, anchor.Position)

	require.Len(t, srv.submitted, 1)
	assert.Len(t, srv.submitted[0], 2)
	assert.True(t, s.AnchorAcknowledged())

	s.SyncWorld(ctx)
	s.Settle()
	rec, ok := s.Reconciler().Lookup("origin")
	require.True(t, ok)
	assert.True(t, rec.Position.ApproxEqual(core.Position3D{X: 1, Y: 2, Z: 3}, 1e-9))
}

func TestOffer_FirstResolvablePointWins(t *testing.T) {
	srv := &fakeServer{matched: []core.Position2D{{X: 99, Y: 99}, {X: 3, Y: 4}, {X: 1, Y: 2}}}
	n, s := setup(t, srv)

	require.NoError(t, n.AddCandidate(core.Position2D{X: 1, Y: 2}, core.Position3D{X: 1}))
	require.NoError(t, n.AddCandidate(core.Position2D{X: 3, Y: 4}, core.Position3D{X: 3}))
	require.NoError(t, n.Offer(context.Background(), nil))
	s.Settle()
	s.Settle()

	assert.Equal(t, core.Position3D{X: 3}, s.Anchor().Position)
}

func TestOffer_EmptyMatchSwitchesToPolling(t *testing.T) {
	srv := &fakeServer{}
	n, s := setup(t, srv)
	ctx := context.Background()

	require.NoError(t, n.AddCandidate(core.Position2D{X: 5, Y: 6}, core.Position3D{Z: 7}))
	require.NoError(t, n.Offer(ctx, nil))
	s.Settle()
	assert.True(t, n.Polling())
	assert.Equal(t, CandidatesOffered, n.State())

	// not ready yet
	n.Tick(ctx)
	n.Tick(ctx) // one poll in flight at a time
	s.Settle()
	assert.Equal(t, 1, srv.polls)
	assert.False(t, s.Anchor().Confirmed)

	srv.mu.Lock()
	srv.pollPoint = &core.Position2D{X: 5, Y: 6}
	srv.mu.Unlock()

	n.Tick(ctx)
	s.Settle()
	s.Settle()
	s.Settle()

	assert.Equal(t, Confirmed, n.State())
	assert.False(t, n.Polling())
	assert.Equal(t, core.Position3D{Z: 7}, s.Anchor().Position)

	n.Tick(ctx)
	s.Settle()
	assert.Equal(t, 2, srv.polls, "polling stops once confirmed")
}

func TestOffer_TransportFailureSwitchesToPolling(t *testing.T) {
	srv := &fakeServer{submitErr: errors.New("connection reset")}
	n, s := setup(t, srv)

	require.NoError(t, n.AddCandidate(core.Position2D{X: 1, Y: 1}, core.Position3D{}))
	require.NoError(t, n.Offer(context.Background(), nil))
	s.Settle()

	assert.True(t, n.Polling())
	assert.Equal(t, CandidatesOffered, n.State())
	assert.ErrorIs(t, n.Offer(context.Background(), nil), ErrOffered)
}

func TestTick_PollFailureRetried(t *testing.T) {
	srv := &fakeServer{pollErr: errors.New("timeout")}
	n, s := setup(t, srv)
	ctx := context.Background()

	require.NoError(t, n.AddCandidate(core.Position2D{X: 1, Y: 1}, core.Position3D{}))
	require.NoError(t, n.Offer(ctx, nil))
	s.Settle()

	n.Tick(ctx)
	s.Settle()
	n.Tick(ctx)
	s.Settle()

	assert.Equal(t, 2, srv.polls)
	assert.True(t, n.Polling())
}

func TestTick_PollInterval(t *testing.T) {
	srv := &fakeServer{}
	n, s := setup(t, srv)
	ctx := context.Background()

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return clock }
	n.SetPollInterval(time.Second)

	require.NoError(t, n.AddCandidate(core.Position2D{X: 1, Y: 1}, core.Position3D{}))
	require.NoError(t, n.Offer(ctx, nil))
	s.Settle()

	n.Tick(ctx)
	s.Settle()
	n.Tick(ctx)
	s.Settle()
	assert.Equal(t, 1, srv.polls, "second tick is within the poll interval")

	clock = clock.Add(time.Second)
	n.Tick(ctx)
	s.Settle()
	assert.Equal(t, 2, srv.polls)
}

func TestConfirm_HeadingOffset(t *testing.T) {
	srv := &fakeServer{matched: []core.Position2D{{X: 1, Y: 1}}, rotation: ptr(30)}
	n, s := setup(t, srv)
	s.SetHeading(100)

	require.NoError(t, n.SetYaw(45))
	require.NoError(t, n.AddCandidate(core.Position2D{X: 1, Y: 1}, core.Position3D{}))
	require.NoError(t, n.Offer(context.Background(), nil))
	s.Settle()
	s.Settle()

	anchor := s.Anchor()
	assert.InDelta(t, 70.0, anchor.RemoteHeadingOffset, 1e-9)
	assert.InDelta(t, 45.0, anchor.Rotation, 1e-9)
	assert.ErrorIs(t, n.SetYaw(10), ErrConfirmed)
}

func TestConfirm_NoReferenceHeading(t *testing.T) {
	srv := &fakeServer{matched: []core.Position2D{{X: 1, Y: 1}}, syncErr: errors.New("down")}
	n, s := setup(t, srv)
	s.SetHeading(100)

	require.NoError(t, n.AddCandidate(core.Position2D{X: 1, Y: 1}, core.Position3D{}))
	require.NoError(t, n.Offer(context.Background(), nil))
	s.Settle()
	s.Settle()

	assert.True(t, s.Anchor().Confirmed)
	assert.Zero(t, s.Anchor().RemoteHeadingOffset)
}

func TestConfirm_SendsCameraOffset(t *testing.T) {
	srv := &fakeServer{matched: []core.Position2D{{X: 10, Y: 20}}}
	n, s := setup(t, srv)

	n.SetCamera(core.Position3D{X: 2, Y: 3, Z: 4})
	require.NoError(t, n.AddCandidate(core.Position2D{X: 10, Y: 20}, core.Position3D{X: 1, Y: 1, Z: 1}))
	require.NoError(t, n.Offer(context.Background(), nil))
	s.Settle()
	s.Settle()
	s.Settle()

	require.Len(t, srv.anchors, 1)
	assert.Equal(t, core.Position2D{X: 10, Y: 20}, srv.anchors[0].Screen)
	assert.Equal(t, core.Position3D{X: 1, Y: 2, Z: 3}, srv.anchors[0].Offset)

	// acknowledged, so ticks do not push again
	n.Tick(context.Background())
	s.Settle()
	assert.Len(t, srv.anchors, 1)
}

func TestReset_StartsNewRound(t *testing.T) {
	srv := &fakeServer{}
	n, s := setup(t, srv)
	ctx := context.Background()

	require.NoError(t, n.AddCandidate(core.Position2D{X: 1, Y: 1}, core.Position3D{}))
	require.NoError(t, n.Offer(ctx, nil))
	s.Settle()
	require.True(t, n.Polling())

	require.NoError(t, n.Reset())
	assert.Equal(t, Unselected, n.State())
	assert.Zero(t, n.Candidates())
	assert.False(t, n.Polling())

	require.NoError(t, n.AddCandidate(core.Position2D{X: 2, Y: 2}, core.Position3D{X: 2}))
	assert.Equal(t, 1, n.Candidates())
}

func TestReset_DropsStaleCompletion(t *testing.T) {
	srv := &fakeServer{matched: []core.Position2D{{X: 1, Y: 1}}}
	n, s := setup(t, srv)

	require.NoError(t, n.AddCandidate(core.Position2D{X: 1, Y: 1}, core.Position3D{X: 1}))
	require.NoError(t, n.Offer(context.Background(), nil))
	require.NoError(t, n.Reset())
	s.Settle()
	s.Settle()

	assert.Equal(t, Unselected, n.State())
	assert.False(t, s.Anchor().Confirmed)
}

func TestAddCandidate_AfterConfirm(t *testing.T) {
	srv := &fakeServer{matched: []core.Position2D{{X: 1, Y: 1}}}
	n, s := setup(t, srv)

	require.NoError(t, n.AddCandidate(core.Position2D{X: 1, Y: 1}, core.Position3D{}))
	require.NoError(t, n.Offer(context.Background(), nil))
	s.Settle()
	s.Settle()

	assert.ErrorIs(t, n.AddCandidate(core.Position2D{X: 3, Y: 3}, core.Position3D{}), ErrConfirmed)
	assert.ErrorIs(t, n.Reset(), ErrConfirmed)
	assert.ErrorIs(t, n.Offer(context.Background(), nil), ErrConfirmed)

	got, ok := n.Anchor()
	assert.True(t, ok)
	assert.True(t, got.Confirmed)
}
