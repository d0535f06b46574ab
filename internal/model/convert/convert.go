// Package convert provides functions to convert core journal records to GORM models
package convert

import (
	"github.com/multiplayar/worldsync/internal/geo"
	"github.com/multiplayar/worldsync/internal/model"
	"github.com/multiplayar/worldsync/pkg/core"
	"github.com/multiplayar/worldsync/pkg/wire"
	geom "github.com/peterstace/simplefeatures/geom"
	"gorm.io/datatypes"
)

// CoreToSession converts a core.Session to a GORM model.Session.
// An out of range geolocation leaves Location empty.
func CoreToSession(s core.Session) model.Session {
	location, err := geo.Coords3857From4326(s.Longitude, s.Latitude)
	if err != nil {
		location = geom.NewEmptyPoint(geom.DimXY)
	}
	return model.Session{
		UserID:    s.UserID,
		Server:    s.Server,
		StartTime: s.StartTime,
		Latitude:  s.Latitude,
		Longitude: s.Longitude,
		Location:  location,
	}
}

// CoreToAnchor converts a core.AnchorState to a GORM model.Anchor.
func CoreToAnchor(a core.AnchorState) model.Anchor {
	return model.Anchor{
		Position:            geo.PointFromPosition(a.Position),
		Rotation:            a.Rotation,
		RemoteHeadingOffset: a.RemoteHeadingOffset,
	}
}

// CoreToObjectState converts a core.ObjectRecord to a GORM model.ObjectState.
func CoreToObjectState(r core.ObjectRecord) model.ObjectState {
	return model.ObjectState{
		Handle:       uint64(r.Handle),
		ServerID:     r.ServerID,
		Position:     geo.PointFromPosition(r.Position),
		OwnedLocally: r.OwnedLocally,
		State:        r.State.String(),
	}
}

// CoreToSyncPass converts a core.SyncPass to a GORM model.SyncPass.
// The snapshot is stored in the server's sync body format.
func CoreToSyncPass(p core.SyncPass) model.SyncPass {
	snapshot, err := wire.EncodeSync(p.Snapshot)
	if err != nil {
		snapshot = []byte("{}")
	}
	return model.SyncPass{
		Time:       p.Time,
		Objects:    p.Objects,
		Created:    p.Created,
		Updated:    p.Updated,
		DurationMs: float32(p.Duration.Microseconds()) / 1000,
		Snapshot:   datatypes.JSON(snapshot),
	}
}

// ObjectStateToCore converts a GORM model.ObjectState back to a core.ObjectRecord.
// Unknown states decode as Unselected.
func ObjectStateToCore(o model.ObjectState) core.ObjectRecord {
	var state core.ObjectState
	if err := state.UnmarshalText([]byte(o.State)); err != nil {
		state = core.Unselected
	}
	return core.ObjectRecord{
		Handle:       core.Handle(o.Handle),
		ServerID:     o.ServerID,
		Position:     geo.PositionFromPoint(o.Position),
		OwnedLocally: o.OwnedLocally,
		State:        state,
	}
}
