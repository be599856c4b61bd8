package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/studiolens/visionchat/events"
	"github.com/studiolens/visionchat/logger"
)

// Reconnection defaults. Backoff is linear (base × attempt number) rather
// than exponential: outages here are typically short, and quick recovery
// matters more than easing load on the server.
const (
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxAttempts = 5
)

// Sentinel errors surfaced by the Manager.
var (
	// ErrNotConnected is returned by Send when no connection is open.
	ErrNotConnected = errors.New("not connected")

	// ErrReconnectExhausted is surfaced after the maximum number of
	// consecutive reconnect attempts fail. The Manager stops retrying;
	// the caller decides whether to reconnect manually later.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// State is the lifecycle state of the logical connection.
type State int

// Connection lifecycle states.
const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Config configures the connection Manager.
type Config struct {
	// URL is the websocket endpoint.
	URL string

	// BaseDelay is the linear backoff base. Defaults to DefaultBaseDelay.
	BaseDelay time.Duration

	// MaxAttempts caps consecutive reconnect attempts.
	// Defaults to DefaultMaxAttempts.
	MaxAttempts int

	// DialTimeout is the handshake timeout. Defaults to DefaultDialTimeout.
	DialTimeout time.Duration

	// WriteWait is the write deadline per message. Defaults to DefaultWriteWait.
	WriteWait time.Duration

	// MaxMessageSize is the read limit. Defaults to DefaultMaxMessageSize.
	MaxMessageSize int64

	// Bus, when set, receives connection lifecycle events.
	Bus *events.Bus
}

func (c *Config) defaults() {
	if c.BaseDelay == 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteWait == 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
}

// Handlers receive connection callbacks. All callbacks are invoked from the
// Manager's read goroutine, in event order: OnOpen after every successful
// open (including reconnects), OnMessage per decoded envelope, OnClose on
// every unplanned close, OnExhausted once per exhaustion.
type Handlers struct {
	OnOpen      func()
	OnMessage   func(*Envelope)
	OnClose     func()
	OnExhausted func()
}

// Manager owns one logical duplex connection. The underlying websocket is
// destroyed and recreated on every reconnect, never mutated in place.
type Manager struct {
	cfg      Config
	handlers Handlers

	mu       sync.Mutex
	state    State
	conn     *conn
	attempts int
	closed   bool // Disconnect called; suppresses reconnection
	gen      int  // connection generation; guards stale read loops
}

// NewManager creates a connection manager. Call Connect to establish the
// connection.
func NewManager(cfg Config, handlers Handlers) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:      cfg,
		handlers: handlers,
		state:    StateIdle,
	}
}

// Connect establishes the connection to the configured endpoint. The given
// context bounds the connection's lifetime: cancellation stops the read
// loop and any pending reconnect. Calling Connect after Disconnect or after
// exhaustion starts over with a fresh attempt counter.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateOpen || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.closed = false
	m.attempts = 0
	m.state = StateConnecting
	m.mu.Unlock()

	if err := m.dial(ctx); err != nil {
		m.mu.Lock()
		m.state = StateIdle
		m.mu.Unlock()
		return err
	}
	return nil
}

// Send JSON-encodes the envelope and transmits it. Fails with
// ErrNotConnected when no connection is open.
func (m *Manager) Send(env *Envelope) error {
	m.mu.Lock()
	c := m.conn
	open := m.state == StateOpen
	m.mu.Unlock()

	if !open || c == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return c.send(data)
}

// Disconnect closes the connection deterministically and suppresses any
// further reconnection. Closing is idempotent.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.state = StateClosed
	c := m.conn
	m.conn = nil
	m.gen++
	m.mu.Unlock()

	if c != nil {
		return c.close()
	}
	return nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the current consecutive reconnect failure count.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// dial establishes a fresh underlying connection and starts its read loop.
// On success the attempt counter resets to zero.
func (m *Manager) dial(ctx context.Context) error {
	logger.Debug("connecting", "url", m.cfg.URL)

	c, err := dialConn(ctx, m.cfg.URL, m.cfg.DialTimeout, m.cfg.WriteWait, m.cfg.MaxMessageSize)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = c.close()
		return ErrNotConnected
	}
	m.conn = c
	m.state = StateOpen
	m.attempts = 0
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	logger.Info("connected", "url", m.cfg.URL)
	m.publish(events.EventConnectionOpened, nil)
	if m.handlers.OnOpen != nil {
		m.handlers.OnOpen()
	}

	go m.readLoop(ctx, c, gen)
	return nil
}

// readLoop delivers decoded envelopes until the connection drops. Malformed
// payloads are logged and dropped; unknown types are ignored. Neither closes
// the connection.
func (m *Manager) readLoop(ctx context.Context, c *conn, gen int) {
	for {
		data, err := c.receive()
		if err != nil {
			if !m.isCurrent(gen) {
				return
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("connection read failed", "error", err)
			}
			break
		}

		env, err := DecodeEnvelope(data)
		if err != nil {
			logger.Warn("dropping malformed payload", "error", err)
			continue
		}
		if !env.Type.Known() {
			logger.Debug("ignoring unknown envelope type", "type", env.Type)
			continue
		}
		if m.handlers.OnMessage != nil {
			m.handlers.OnMessage(env)
		}
	}

	m.mu.Lock()
	if m.gen != gen || m.closed {
		// Planned close or superseded by a newer connection.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = StateIdle
	m.mu.Unlock()

	logger.Warn("connection lost", "url", m.cfg.URL)
	m.publish(events.EventConnectionClosed, nil)
	if m.handlers.OnClose != nil {
		m.handlers.OnClose()
	}

	m.reconnectLoop(ctx)
}

// reconnectLoop retries with linear backoff until a dial succeeds, the
// manager is disconnected, or MaxAttempts consecutive failures exhaust it.
func (m *Manager) reconnectLoop(ctx context.Context) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		if m.attempts >= m.cfg.MaxAttempts {
			m.state = StateClosed
			m.mu.Unlock()
			logger.Error("reconnect attempts exhausted", "attempts", m.cfg.MaxAttempts)
			m.publish(events.EventConnectionExhausted, nil)
			if m.handlers.OnExhausted != nil {
				m.handlers.OnExhausted()
			}
			return
		}
		m.attempts++
		attempt := m.attempts
		m.state = StateConnecting
		m.mu.Unlock()

		delay := time.Duration(attempt) * m.cfg.BaseDelay
		logger.Info("scheduling reconnect",
			"attempt", attempt,
			"max_attempts", m.cfg.MaxAttempts,
			"delay", delay,
		)
		m.publish(events.EventConnectionRetrying, &events.ConnectionRetryingData{
			Attempt:     attempt,
			MaxAttempts: m.cfg.MaxAttempts,
			Delay:       delay,
		})

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if err := m.dial(ctx); err != nil {
			logger.Warn("reconnect attempt failed",
				"attempt", attempt,
				"max_attempts", m.cfg.MaxAttempts,
				"error", err,
			)
			continue
		}
		return
	}
}

func (m *Manager) isCurrent(gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen && !m.closed
}

func (m *Manager) publish(eventType events.EventType, data any) {
	if m.cfg.Bus != nil {
		m.cfg.Bus.Publish(events.NewEvent(eventType, data))
	}
}
