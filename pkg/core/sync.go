package core

import "time"

// SnapshotObject is one entry of the server's authoritative object list.
// Position is relative to the shared anchor.
type SnapshotObject struct {
	ServerID string
	Position Position3D
	Rotation *float64
}

// SyncSnapshot is the server's object list as returned by one poll.
// Rotation is the optional reference heading of the server frame.
type SyncSnapshot struct {
	Objects  []SnapshotObject
	Users    []SnapshotObject
	Rotation *float64
}

// Session describes one client session for journaling.
type Session struct {
	UserID    string
	Server    string
	StartTime time.Time
	Latitude  float64
	Longitude float64
}

// SyncPass summarizes one applied reconciliation pass.
type SyncPass struct {
	Time     time.Time
	Objects  int
	Created  int
	Updated  int
	Duration time.Duration
	Snapshot SyncSnapshot
}
