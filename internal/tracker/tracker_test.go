package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/multiplayar/worldsync/internal/api"
	"github.com/multiplayar/worldsync/internal/session"
	"github.com/multiplayar/worldsync/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu   sync.Mutex
	reqs []api.ObjectRequest
	err  error
	next int
}

func (f *fakeTransport) PostAnchor(context.Context, api.AnchorRequest) (string, error) {
	return "", nil
}

func (f *fakeTransport) PostObject(_ context.Context, req api.ObjectRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return "", f.err
	}
	if req.ObjectID != "" {
		return req.ObjectID, nil
	}
	f.next++
	if f.next == 1 {
		return "abc123", nil
	}
	return fmt.Sprintf("id-%d", f.next), nil
}

func (f *fakeTransport) Sync(context.Context) (core.SyncSnapshot, error) {
	return core.SyncSnapshot{}, nil
}

func (f *fakeTransport) requests() []api.ObjectRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.ObjectRequest(nil), f.reqs...)
}

func setup(t *testing.T, tr *fakeTransport) (*Detector, *session.Session) {
	t.Helper()
	s, err := session.New(session.Dependencies{Transport: tr})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	d := New(s, s.Reconciler(), nil)
	s.AddLate(d)
	return d, s
}

func TestTick_WaitsForAnchor(t *testing.T) {
	tr := &fakeTransport{}
	d, s := setup(t, tr)
	rec := s.Reconciler().Spawn(core.Position3D{X: 1})
	d.Track(rec.Handle)

	d.Tick(context.Background())
	s.Settle()
	assert.Empty(t, tr.requests())

	s.ConfirmAnchor(core.AnchorState{})
	d.Tick(context.Background())
	s.Settle()
	require.Len(t, tr.requests(), 1)
	assert.Empty(t, tr.requests()[0].ObjectID)
}

func TestTick_MoveAfterConfirmationPushesID(t *testing.T) {
	tr := &fakeTransport{}
	d, s := setup(t, tr)
	ctx := context.Background()
	s.ConfirmAnchor(core.AnchorState{})

	rec := s.Reconciler().Spawn(core.Position3D{})
	d.Track(rec.Handle)

	d.Tick(ctx)
	d.Tick(ctx) // creation push still in flight
	s.Settle()
	require.Len(t, tr.requests(), 1)

	got, _ := s.Reconciler().Record(rec.Handle)
	require.Equal(t, "abc123", got.ServerID)

	// unchanged position, no push
	d.Tick(ctx)
	s.Settle()
	assert.Len(t, tr.requests(), 1)

	_, err := s.Reconciler().Move(rec.Handle, core.Position3D{X: 4})
	require.NoError(t, err)
	d.Tick(ctx)
	s.Settle()

	reqs := tr.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "abc123", reqs[1].ObjectID)
	assert.Equal(t, 4.0, reqs[1].Offset.X)

	d.Tick(ctx)
	s.Settle()
	assert.Len(t, tr.requests(), 2, "edge triggered")
}

func TestTick_MoveDuringCreationPushed(t *testing.T) {
	tr := &fakeTransport{}
	d, s := setup(t, tr)
	ctx := context.Background()
	s.ConfirmAnchor(core.AnchorState{})

	rec := s.Reconciler().Spawn(core.Position3D{})
	d.Track(rec.Handle)
	d.Tick(ctx)

	_, err := s.Reconciler().Move(rec.Handle, core.Position3D{Z: 2})
	require.NoError(t, err)
	s.Settle()

	d.Tick(ctx)
	s.Settle()

	reqs := tr.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "abc123", reqs[1].ObjectID)
	assert.Equal(t, 2.0, reqs[1].Offset.Z)
}

func TestTick_CreationRetriedAfterFailure(t *testing.T) {
	tr := &fakeTransport{err: errors.New("unreachable")}
	d, s := setup(t, tr)
	ctx := context.Background()
	s.ConfirmAnchor(core.AnchorState{})

	rec := s.Reconciler().Spawn(core.Position3D{})
	d.Track(rec.Handle)
	d.Tick(ctx)
	s.Settle()

	tr.mu.Lock()
	tr.err = nil
	tr.mu.Unlock()

	d.Tick(ctx)
	s.Settle()

	require.Len(t, tr.requests(), 2)
	got, _ := s.Reconciler().Record(rec.Handle)
	assert.Equal(t, "abc123", got.ServerID)
}

func TestTick_CreationNotRepeatedWhenIDTaken(t *testing.T) {
	tr := &fakeTransport{}
	d, s := setup(t, tr)
	ctx := context.Background()
	s.ConfirmAnchor(core.AnchorState{})

	rec := s.Reconciler().Spawn(core.Position3D{})
	d.Track(rec.Handle)
	s.Reconciler().Reconcile(core.SyncSnapshot{Objects: []core.SnapshotObject{
		{ServerID: "abc123", Position: core.Position3D{X: 1}},
	}}, s.Anchor())

	for range 4 {
		d.Tick(ctx)
		s.Settle()
	}

	creations := 0
	for _, req := range tr.requests() {
		if req.ObjectID == "" {
			creations++
		}
	}
	assert.Equal(t, 1, creations)
	assert.Equal(t, 2, s.Reconciler().Len())

	got, _ := s.Reconciler().Record(rec.Handle)
	assert.Empty(t, got.ServerID)
}

func TestTick_SessionDrivesDetector(t *testing.T) {
	tr := &fakeTransport{}
	d, s := setup(t, tr)
	ctx := context.Background()
	s.ConfirmAnchor(core.AnchorState{})

	rec := s.Reconciler().Spawn(core.Position3D{})
	d.Track(rec.Handle)
	d.Track(rec.Handle)
	assert.Equal(t, 1, d.Len())

	s.Tick(ctx)
	s.Settle()

	got, _ := s.Reconciler().Record(rec.Handle)
	assert.True(t, got.Confirmed())
}

func TestTick_DropsUnknownHandles(t *testing.T) {
	tr := &fakeTransport{}
	d, s := setup(t, tr)
	s.ConfirmAnchor(core.AnchorState{})

	d.Track(12345)
	d.Tick(context.Background())
	assert.Zero(t, d.Len())
}
