package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/multiplayar/worldsync/pkg/core"
)

// Config holds WebSocket backend configuration.
type Config struct {
	URL    string
	Secret string
	UserID string
}

// Backend streams the session journal over WebSocket to a collector.
// It implements storage.Backend and storage.Buffered.
type Backend struct {
	conn *connection
	cfg  Config
	now  func() time.Time
}

// New creates a new WebSocket storage backend.
func New(cfg Config, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		conn: newConnection(logger),
		cfg:  cfg,
		now:  time.Now,
	}
}

// Init connects to the WebSocket server.
func (b *Backend) Init() error {
	if b.cfg.URL == "" {
		return fmt.Errorf("websocket url is not configured")
	}
	return b.conn.dial(b.cfg.URL, b.cfg.Secret, b.cfg.UserID)
}

// Close disconnects from the WebSocket server.
func (b *Backend) Close() error {
	return b.conn.close()
}

// marshalEnvelope builds a JSON-encoded Envelope from a message type and payload.
func marshalEnvelope(msgType string, at time.Time, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	env := Envelope{Type: msgType, Time: at, Payload: raw}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", msgType, err)
	}
	return data, nil
}

// sendEnvelope marshals the payload into an Envelope and pushes it
// to the write loop (fire-and-forget).
func (b *Backend) sendEnvelope(msgType string, payload any) error {
	data, err := marshalEnvelope(msgType, b.now(), payload)
	if err != nil {
		return err
	}
	b.conn.send(data)
	return nil
}

// StartSession sends the session description and waits for server ack.
func (b *Backend) StartSession(s *core.Session) error {
	data, err := marshalEnvelope(TypeStartSession, b.now(), startSessionPayload(s))
	if err != nil {
		return err
	}

	b.conn.mu.Lock()
	b.conn.replay = data
	b.conn.mu.Unlock()

	return b.conn.request(data, TypeStartSession, ackTimeout)
}

// EndSession sends end_session and waits for server ack.
func (b *Backend) EndSession() error {
	data, err := marshalEnvelope(TypeEndSession, b.now(), nil)
	if err != nil {
		return err
	}
	err = b.conn.request(data, TypeEndSession, ackTimeout)

	b.conn.mu.Lock()
	b.conn.replay = nil
	b.conn.mu.Unlock()

	return err
}

func (b *Backend) RecordAnchor(a *core.AnchorState) error {
	return b.sendEnvelope(TypeAnchor, a)
}

func (b *Backend) RecordObject(o *core.ObjectRecord) error {
	return b.sendEnvelope(TypeObject, o)
}

func (b *Backend) RecordSyncPass(p *core.SyncPass) error {
	return b.sendEnvelope(TypeSyncPass, syncPassPayload(p))
}

// Pending returns the number of messages not yet written to the socket.
func (b *Backend) Pending() int {
	return b.conn.pending()
}

// LastWriteDuration is not tracked for the stream.
func (b *Backend) LastWriteDuration() time.Duration {
	return 0
}

// Dropped returns how many messages were discarded because the send
// buffer was full.
func (b *Backend) Dropped() uint64 {
	return b.conn.dropped.Load()
}
