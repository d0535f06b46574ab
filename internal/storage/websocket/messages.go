package websocket

import (
	"encoding/json"
	"time"

	"github.com/multiplayar/worldsync/pkg/core"
)

// Message types of the journal stream.
const (
	TypeStartSession = "start_session"
	TypeEndSession   = "end_session"
	TypeAnchor       = "anchor"
	TypeObject       = "object"
	TypeSyncPass     = "sync_pass"
)

// Envelope wraps all messages sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload"`
}

// Ack is the server's acknowledgement response.
type Ack struct {
	Type string `json:"type"` // always "ack"
	For  string `json:"for"`  // the message type being acknowledged
}

// StartSessionPayload carries the session description.
type StartSessionPayload struct {
	UserID    string    `json:"userId"`
	Server    string    `json:"server"`
	StartTime time.Time `json:"startTime"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
}

// SyncPassPayload summarizes one applied sync pass.
type SyncPassPayload struct {
	Objects    int     `json:"objects"`
	Created    int     `json:"created"`
	Updated    int     `json:"updated"`
	DurationMs float64 `json:"durationMs"`
}

func startSessionPayload(s *core.Session) StartSessionPayload {
	return StartSessionPayload{
		UserID:    s.UserID,
		Server:    s.Server,
		StartTime: s.StartTime,
		Latitude:  s.Latitude,
		Longitude: s.Longitude,
	}
}

func syncPassPayload(p *core.SyncPass) SyncPassPayload {
	return SyncPassPayload{
		Objects:    p.Objects,
		Created:    p.Created,
		Updated:    p.Updated,
		DurationMs: float64(p.Duration.Microseconds()) / 1000,
	}
}
