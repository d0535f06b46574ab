// Package dispatcher routes collaborator commands to their handlers.
//
// A command is either handled inline, returning the handler's result, or
// queued to a per-command worker when registered with Buffered.
package dispatcher

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Event is one command from an input collaborator, e.g. a line on stdin.
type Event struct {
	Command   string
	Args      []string
	Timestamp time.Time
}

// HandlerFunc processes an event and returns a result.
type HandlerFunc func(Event) (any, error)

// Logger interface for pluggable logging. *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Queued is the result of a command accepted by a buffered route.
const Queued = "queued"

var (
	// ErrEmptyLine is returned by ParseLine for blank input.
	ErrEmptyLine = errors.New("empty command line")
	// ErrUnknownCommand is returned for a command with no handler.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrQueueFull is returned when a buffered route cannot take more events.
	ErrQueueFull = errors.New("queue full")
	// ErrClosed is returned by buffered routes after Close.
	ErrClosed = errors.New("dispatcher closed")
)

// Option configures handler registration.
type Option func(*route)

// Buffered makes the handler async with a queue of the given size.
func Buffered(size int) Option {
	return func(r *route) {
		r.size = size
	}
}

// Blocking makes a buffered handler block when the queue is full instead of dropping.
func Blocking() Option {
	return func(r *route) {
		r.blocking = true
	}
}

// Logged adds debug logging to the handler.
func Logged() Option {
	return func(r *route) {
		r.logged = true
	}
}

// route is one registered command.
type route struct {
	command  string
	handler  HandlerFunc
	size     int
	blocking bool
	logged   bool
	queue    chan Event
}

// Dispatcher routes events to registered handlers.
type Dispatcher struct {
	logger  Logger
	metrics *metrics

	mu      sync.RWMutex
	routes  map[string]*route
	closed  bool
	workers sync.WaitGroup
}

// ParseLine splits an input line into a command and its arguments. Fields
// are separated by whitespace; the first field is the command.
func ParseLine(line string, now time.Time) (Event, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Event{}, ErrEmptyLine
	}
	return Event{
		Command:   strings.ToUpper(fields[0]),
		Args:      fields[1:],
		Timestamp: now,
	}, nil
}

// New creates a new Dispatcher with the given logger.
// Uses the global OTel meter for metrics (no-op if not configured).
func New(logger Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		logger: logger,
		routes: make(map[string]*route),
	}

	m, err := newMetrics(d.observeQueues)
	if err != nil {
		return nil, err
	}
	d.metrics = m
	return d, nil
}

func (d *Dispatcher) observeQueues(observe func(command string, n int)) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for cmd, r := range d.routes {
		if r.queue != nil {
			observe(cmd, len(r.queue))
		}
	}
}

// Register adds a handler for the given command with optional configuration.
// Registering a command again replaces its handler. A replaced buffered
// route stops taking events and its worker exits once its queue drains.
func (d *Dispatcher) Register(command string, h HandlerFunc, opts ...Option) {
	r := &route{command: command, handler: h}
	for _, opt := range opts {
		opt(r)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if old, ok := d.routes[command]; ok && old.queue != nil && !d.closed {
		close(old.queue)
	}
	if r.size > 0 {
		r.queue = make(chan Event, r.size)
		d.workers.Add(1)
		go d.work(r)
		if d.closed {
			close(r.queue)
		}
	}
	d.routes[command] = r
}

// Dispatch routes an event to its registered handler.
func (d *Dispatcher) Dispatch(e Event) (any, error) {
	d.mu.RLock()
	r, ok := d.routes[e.Command]
	if !ok {
		d.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, e.Command)
	}
	if r.queue == nil {
		d.mu.RUnlock()
		return d.call(r, e)
	}
	defer d.mu.RUnlock()
	return d.enqueueLocked(r, e)
}

// enqueueLocked must be called with d.mu read-locked so the queue cannot be
// closed during the send.
func (d *Dispatcher) enqueueLocked(r *route, e Event) (any, error) {
	if d.closed {
		return nil, fmt.Errorf("%w: %s", ErrClosed, r.command)
	}

	if r.blocking {
		r.queue <- e
		return Queued, nil
	}
	select {
	case r.queue <- e:
		return Queued, nil
	default:
		d.metrics.drop(r.command)
		return nil, fmt.Errorf("%w: %s", ErrQueueFull, r.command)
	}
}

func (d *Dispatcher) work(r *route) {
	defer d.workers.Done()
	for e := range r.queue {
		if _, err := d.call(r, e); err != nil && !r.logged {
			d.logger.Error("buffered event failed", "command", r.command, "error", err)
		}
	}
}

// call runs the handler and records how long it took.
func (d *Dispatcher) call(r *route, e Event) (any, error) {
	start := time.Now()
	if r.logged {
		d.logger.Debug("handling event", "command", r.command, "args", len(e.Args))
	}

	result, err := r.handler(e)
	took := time.Since(start)
	d.metrics.handled(r.command, took)

	if r.logged {
		if err != nil {
			d.logger.Error("event failed", "command", r.command, "duration", took, "error", err)
		} else {
			d.logger.Debug("event complete", "command", r.command, "duration", took)
		}
	}
	return result, err
}

// Commands returns the registered commands in sorted order.
func (d *Dispatcher) Commands() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.routes))
	for cmd := range d.routes {
		out = append(out, cmd)
	}
	sort.Strings(out)
	return out
}

// HasHandler returns true if a handler is registered for the command.
func (d *Dispatcher) HasHandler(command string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.routes[command]
	return ok
}

// Close stops accepting buffered events and waits until every queued
// event has been handled.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, r := range d.routes {
		if r.queue != nil {
			close(r.queue)
		}
	}
	d.mu.Unlock()
	d.workers.Wait()
}
