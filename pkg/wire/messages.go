// Package wire holds the payload formats exchanged with the world state server.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/multiplayar/worldsync/pkg/core"
)

// Endpoint paths.
const (
	PathAnchor      = "/anchor"
	PathObject      = "/object"
	PathSync        = "/sync"
	PathImage       = "/image"
	PathPointPoll   = "/pointpoll"
	PathHealthcheck = "/healthcheck"
)

// HeaderUserID carries the client-generated session identity on every request.
const HeaderUserID = "x-user-id"

// Form field names.
const (
	FieldX        = "x"
	FieldY        = "y"
	FieldZ        = "z"
	FieldUserID   = "userId"
	FieldObjectID = "objectId"
	FieldHeading  = "heading"
	FieldAnchor   = "anchor"
	FieldPoints   = "points"
	FieldImage    = "image"
)

// ErrMalformed is returned when a response body cannot be interpreted.
var ErrMalformed = errors.New("malformed response body")

// VectorInformation is one object or user entry of a sync response.
type VectorInformation struct {
	ID       string   `json:"id"`
	X        float64  `json:"x"`
	Y        float64  `json:"y"`
	Z        float64  `json:"z"`
	Rotation *float64 `json:"rotation,omitempty"`
}

// SyncResponse is the body returned by GET /sync.
type SyncResponse struct {
	Users    []VectorInformation `json:"users"`
	Objects  []VectorInformation `json:"objects"`
	Rotation *float64            `json:"rotation,omitempty"`
}

// PointInformation is a 2D point in screen or image space.
type PointInformation struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

// MatchedPoints is the body returned by POST /image.
type MatchedPoints struct {
	Points []PointInformation `json:"points"`
}

// DecodeSync parses a sync body. Every object entry must carry an id,
// otherwise the whole snapshot is rejected.
func DecodeSync(body []byte) (core.SyncSnapshot, error) {
	var resp SyncResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.SyncSnapshot{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	snap := core.SyncSnapshot{
		Objects:  make([]core.SnapshotObject, 0, len(resp.Objects)),
		Users:    make([]core.SnapshotObject, 0, len(resp.Users)),
		Rotation: resp.Rotation,
	}
	for i, v := range resp.Objects {
		if v.ID == "" {
			return core.SyncSnapshot{}, fmt.Errorf("%w: object %d has no id", ErrMalformed, i)
		}
		snap.Objects = append(snap.Objects, toSnapshotObject(v))
	}
	for _, v := range resp.Users {
		snap.Users = append(snap.Users, toSnapshotObject(v))
	}
	return snap, nil
}

// EncodeSync builds a sync body from a snapshot.
func EncodeSync(snap core.SyncSnapshot) ([]byte, error) {
	resp := SyncResponse{
		Users:    make([]VectorInformation, 0, len(snap.Users)),
		Objects:  make([]VectorInformation, 0, len(snap.Objects)),
		Rotation: snap.Rotation,
	}
	for _, o := range snap.Objects {
		resp.Objects = append(resp.Objects, fromSnapshotObject(o))
	}
	for _, u := range snap.Users {
		resp.Users = append(resp.Users, fromSnapshotObject(u))
	}
	return json.Marshal(resp)
}

func toSnapshotObject(v VectorInformation) core.SnapshotObject {
	return core.SnapshotObject{
		ServerID: v.ID,
		Position: core.Position3D{X: v.X, Y: v.Y, Z: v.Z},
		Rotation: v.Rotation,
	}
}

func fromSnapshotObject(o core.SnapshotObject) VectorInformation {
	return VectorInformation{
		ID:       o.ServerID,
		X:        o.Position.X,
		Y:        o.Position.Y,
		Z:        o.Position.Z,
		Rotation: o.Rotation,
	}
}

// DecodeMatchedPoints parses an image-match body. An empty body means no match.
func DecodeMatchedPoints(body []byte) ([]core.Position2D, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var mp MatchedPoints
	if err := json.Unmarshal(body, &mp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	points := make([]core.Position2D, 0, len(mp.Points))
	for i, p := range mp.Points {
		if p.X == nil || p.Y == nil {
			return nil, fmt.Errorf("%w: point %d is incomplete", ErrMalformed, i)
		}
		points = append(points, core.Position2D{X: *p.X, Y: *p.Y})
	}
	return points, nil
}

// DecodePointPoll parses a point-poll body. ok is false when the server has
// not resolved an anchor yet, which is signalled by an empty body or an
// object without coordinates.
func DecodePointPoll(body []byte) (point core.Position2D, ok bool, err error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return core.Position2D{}, false, nil
	}
	var p PointInformation
	if err := json.Unmarshal(body, &p); err != nil {
		return core.Position2D{}, false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.X == nil || p.Y == nil {
		return core.Position2D{}, false, nil
	}
	return core.Position2D{X: *p.X, Y: *p.Y}, true, nil
}

// FormatFloat renders a coordinate the way form fields carry it.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// FormatCandidates serializes candidate points as "x,y" pairs with three
// decimals, separated by semicolons, without a trailing separator.
func FormatCandidates(points []core.Position2D) string {
	var sb strings.Builder
	for i, p := range points {
		if i > 0 {
			sb.WriteByte(';')
		}
		sb.WriteString(p.Key())
	}
	return sb.String()
}

// ParseCandidates is the inverse of FormatCandidates. A trailing semicolon is tolerated.
func ParseCandidates(s string) ([]core.Position2D, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), ";")
	if s == "" {
		return nil, nil
	}
	pairs := strings.Split(s, ";")
	points := make([]core.Position2D, 0, len(pairs))
	for _, pair := range pairs {
		xy := strings.Split(pair, ",")
		if len(xy) != 2 {
			return nil, fmt.Errorf("%w: candidate %q", ErrMalformed, pair)
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(xy[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: candidate %q", ErrMalformed, pair)
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(xy[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: candidate %q", ErrMalformed, pair)
		}
		points = append(points, core.Position2D{X: x, Y: y})
	}
	return points, nil
}
