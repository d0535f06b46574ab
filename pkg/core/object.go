package core

import "fmt"

// Handle is the opaque local identity of a synchronized object.
type Handle uint64

// ObjectState is the interaction state of an object on this client.
type ObjectState uint8

const (
	// Unselected is a locally owned object that is not selected.
	Unselected ObjectState = iota
	// Selected is a locally owned object picked by the user.
	Selected
	// OwnedRemote is an object created by another client. It cannot be
	// selected or moved locally.
	OwnedRemote
)

func (s ObjectState) String() string {
	switch s {
	case Unselected:
		return "unselected"
	case Selected:
		return "selected"
	case OwnedRemote:
		return "owned_remote"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s ObjectState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *ObjectState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "unselected":
		*s = Unselected
	case "selected":
		*s = Selected
	case "owned_remote":
		*s = OwnedRemote
	default:
		return fmt.Errorf("unknown object state %q", b)
	}
	return nil
}

// ObjectRecord is the local representation of a synchronized object.
// An empty ServerID means the server has not confirmed the object yet.
type ObjectRecord struct {
	Handle       Handle      `json:"handle"`
	ServerID     string      `json:"serverId"`
	Position     Position3D  `json:"position"`
	OwnedLocally bool        `json:"ownedLocally"`
	State        ObjectState `json:"state"`
}

// Confirmed reports whether the server has assigned an id to the object.
func (r ObjectRecord) Confirmed() bool {
	return r.ServerID != ""
}

// Movable reports whether local input may move the object.
func (r ObjectRecord) Movable() bool {
	return r.OwnedLocally && r.State != OwnedRemote
}
