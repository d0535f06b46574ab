package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/multiplayar/worldsync/pkg/wire"

	ws "github.com/gorilla/websocket"
)

const (
	outboxSize        = 10_000
	ackBuffer         = 16
	reconnectAttempts = 10
	maxBackoff        = 30 * time.Second
	writeWait         = 10 * time.Second
	ackTimeout        = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
)

// connection is the journal stream. Only writeLoop writes to the socket;
// readLoop only reads acks.
type connection struct {
	mu       sync.Mutex
	conn     *ws.Conn
	outbox   chan []byte
	acks     chan Ack
	shutdown chan struct{}
	stop     chan struct{} // closed when the current conn is replaced
	closed   bool

	endpoint string
	secret   string
	userID   string
	dialer   *ws.Dialer

	// start_session message replayed after a reconnect.
	replay []byte

	dropped atomic.Uint64
	logger  *slog.Logger
}

func newConnection(logger *slog.Logger) *connection {
	return &connection{
		outbox:   make(chan []byte, outboxSize),
		acks:     make(chan Ack, ackBuffer),
		shutdown: make(chan struct{}),
		dialer: &ws.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: writeWait,
		},
		logger: logger,
	}
}

// dial opens the first connection and starts its loops.
func (c *connection) dial(rawURL, secret, userID string) error {
	c.endpoint = rawURL
	c.secret = secret
	c.userID = userID

	conn, err := c.open()
	if err != nil {
		return err
	}

	stop := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.stop = stop
	c.mu.Unlock()

	go c.writeLoop(conn, stop)
	go c.readLoop(conn)

	return nil
}

// open performs a single WebSocket dial. The secret travels as a query
// param and the session identity in the same header the world state server uses.
func (c *connection) open() (*ws.Conn, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing journal URL: %w", err)
	}
	if c.secret != "" {
		q := u.Query()
		q.Set("secret", c.secret)
		u.RawQuery = q.Encode()
	}

	header := http.Header{}
	if c.userID != "" {
		header.Set(wire.HeaderUserID, c.userID)
	}

	conn, _, err := c.dialer.Dial(u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dialing journal server: %w", err)
	}
	return conn, nil
}

// writeLoop drains outbox into conn and keeps it alive with pings. It
// returns on error, shutdown or when conn is replaced; on error a
// reconnect is started.
func (c *connection) writeLoop(conn *ws.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-c.shutdown:
			return
		case <-stop:
			return
		case data := <-c.outbox:
			err = c.write(conn, ws.TextMessage, data)
		case <-ticker.C:
			err = c.write(conn, ws.PingMessage, nil)
		}
		if err != nil {
			c.logger.Warn("journal stream write failed", "error", err)
			go c.reconnect(conn)
			return
		}
	}
}

func (c *connection) write(conn *ws.Conn, messageType int, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(messageType, data)
}

// readLoop forwards server acks to acks until the socket fails.
func (c *connection) readLoop(conn *ws.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.shutdown:
				return
			default:
			}
			c.logger.Warn("journal stream read failed", "error", err)
			go c.reconnect(conn)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var ack Ack
		if err := json.Unmarshal(message, &ack); err != nil {
			c.logger.Debug("ignoring unexpected frame", "raw", string(message))
			continue
		}

		if ack.Type == "ack" {
			select {
			case c.acks <- ack:
			default:
				c.logger.Debug("ack buffer full", "for", ack.For)
			}
		}
	}
}

// nextBackoff doubles d up to maxBackoff.
func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// reconnect replaces broken with a new connection using exponential
// backoff. Only the first caller for a given broken connection proceeds, so
// the read and write loops failing together start one reconnect. On success
// the cached start_session message is replayed before the loops restart.
func (c *connection) reconnect(broken *ws.Conn) {
	c.mu.Lock()
	if c.closed || c.conn != broken {
		c.mu.Unlock()
		return
	}
	_ = c.conn.Close()
	c.conn = nil
	close(c.stop)
	c.mu.Unlock()

	backoff := time.Second
	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		c.logger.Info("journal stream reconnecting", "attempt", attempt, "backoff", backoff)
		select {
		case <-c.shutdown:
			return
		case <-time.After(backoff):
		}

		conn, err := c.open()
		if err != nil {
			c.logger.Warn("journal stream dial failed", "attempt", attempt, "error", err)
			backoff = nextBackoff(backoff)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		stop := make(chan struct{})
		c.stop = stop
		cached := c.replay
		c.mu.Unlock()

		if cached != nil {
			if err := c.write(conn, ws.TextMessage, cached); err != nil {
				c.logger.Warn("journal stream replay failed", "error", err)
				c.mu.Lock()
				c.conn = nil
				close(stop)
				c.mu.Unlock()
				_ = conn.Close()
				backoff = nextBackoff(backoff)
				continue
			}
		}

		c.logger.Info("journal stream reconnected", "attempt", attempt)
		go c.writeLoop(conn, stop)
		go c.readLoop(conn)
		return
	}

	c.logger.Error("journal stream gave up reconnecting", "attempts", reconnectAttempts)
}

// send queues data without blocking. A full outbox drops the message.
func (c *connection) send(data []byte) {
	select {
	case c.outbox <- data:
	default:
		c.dropped.Add(1)
		c.logger.Warn("journal stream outbox full, dropping message")
	}
}

// request sends data and waits for the ack naming ackFor. Acks for other
// message types are discarded.
func (c *connection) request(data []byte, ackFor string, timeout time.Duration) error {
	c.send(data)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case ack := <-c.acks:
			if ack.For == ackFor {
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("no ack for %q", ackFor)
		case <-c.shutdown:
			return fmt.Errorf("closed while waiting for ack of %q", ackFor)
		}
	}
}

// pending returns the number of messages waiting for the write loop.
func (c *connection) pending() int {
	return len(c.outbox)
}

// close is idempotent. It sends a close frame and stops every loop.
func (c *connection) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.shutdown)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(
			ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		return conn.Close()
	}
	return nil
}
