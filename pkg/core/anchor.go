package core

// AnchorState is the shared reference frame of a session.
// Rotations are in degrees about the vertical axis.
type AnchorState struct {
	Position            Position3D `json:"position"`
	Rotation            float64    `json:"rotation"`
	RemoteHeadingOffset float64    `json:"remoteHeadingOffset"`
	Confirmed           bool       `json:"confirmed"`
}

// RotationOffset is the total yaw applied when converting between local
// world space and anchor-relative space.
func (a AnchorState) RotationOffset() float64 {
	return a.Rotation + a.RemoteHeadingOffset
}
