// Package connection owns the live event channel of one analysis session: connect,
// reconnect with backoff after unexpected loss, and teardown.
//
// State machine:
//
//	disconnected -> connecting -> connected
//	connected -> reconnecting -> connected | failed
//	connecting -> failed (retry budget exhausted)
//	any -> disconnected (Close)
//
// failed is terminal; the caller opens a new handle to try again.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"media-forensics-telemetry/internal/pkg/logger"

	"github.com/cenkalti/backoff/v4"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// Conn is one established transport connection.
// ReadFrame blocks until a frame arrives or the connection ends. Close must unblock a
// pending ReadFrame and tolerate being called more than once.
type Conn interface {
	ReadFrame() ([]byte, error)
	Close() error
}

// Transport opens connections for a session. Errors wrapped with backoff.Permanent are
// not retried.
type Transport interface {
	Dial(ctx context.Context, sessionID string) (Conn, error)
}

// TransportError reports a failed connect or reconnect.
type TransportError struct {
	SessionID string
	Attempt   int
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error for session %s (attempt %d): %v", e.SessionID, e.Attempt, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StateChange is delivered to the Sink on every transition and on every failed attempt
// while connecting or reconnecting.
type StateChange struct {
	State      State
	Attempt    int
	MaxRetries uint64
	Err        error
}

// Sink receives everything a handle produces. Calls come from the handle's own
// goroutine, one at a time, and stop once Close returns.
type Sink interface {
	OnStateChange(change StateChange)
	OnFrame(raw []byte)
}

var ErrEmptySessionID = errors.New("session id is required")

type handleKey struct{}

// HandleID identifies the handle a Dial is made for. Every dial of one handle carries
// the same id, and the context ends when that handle is closed, so transports can keep
// per-handle state (such as a resume position) and drop it with context.AfterFunc.
func HandleID(ctx context.Context) (uint64, bool) {
	id, ok := ctx.Value(handleKey{}).(uint64)
	return id, ok
}

type Manager struct {
	transport Transport
	policy    Policy
	logger    logger.ILogger
	nextID    atomic.Uint64
}

func NewManager(transport Transport, policy Policy, log logger.ILogger) *Manager {
	return &Manager{
		transport: transport,
		policy:    policy.withDefaults(),
		logger:    log,
	}
}

func (m *Manager) Policy() Policy { return m.policy }

// Open starts the channel for sessionID in the background and returns its handle.
func (m *Manager) Open(sessionID string, sink Sink) (*Handle, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}
	ctx, cancel := context.WithCancel(context.Background())
	ctx = context.WithValue(ctx, handleKey{}, m.nextID.Add(1))
	h := &Handle{
		sessionID: sessionID,
		manager:   m,
		sink:      sink,
		state:     StateConnecting,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go h.run(ctx)
	return h, nil
}

// Close tears down h. It is the same as h.Close.
func (m *Manager) Close(h *Handle) {
	if h != nil {
		h.Close()
	}
}

type Handle struct {
	sessionID string
	manager   *Manager
	sink      Sink

	stateMu sync.RWMutex
	state   State

	// emitMu is held while the sink is called so Close can wait out an in-flight delivery.
	emitMu sync.Mutex
	closed bool

	connMu sync.Mutex
	conn   Conn

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func (h *Handle) SessionID() string { return h.sessionID }

func (h *Handle) State() State {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	return h.state
}

func (h *Handle) setState(s State) {
	h.stateMu.Lock()
	h.state = s
	h.stateMu.Unlock()
}

// Close is idempotent and valid in every state. When it returns the transport is
// released and the sink will not be called again.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		h.emitMu.Lock()
		h.closed = true
		h.emitMu.Unlock()

		h.cancel()
		h.connMu.Lock()
		if h.conn != nil {
			h.conn.Close()
		}
		h.connMu.Unlock()

		<-h.done
		h.setState(StateDisconnected)
		h.manager.logger.Info("Connection", "Channel closed", map[string]interface{}{"session_id": h.sessionID})
	})
}

// Done is closed when the background goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) emitState(change StateChange) {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()
	if h.closed {
		return
	}
	h.setState(change.State)
	change.MaxRetries = h.manager.policy.MaxRetries
	h.sink.OnStateChange(change)
}

func (h *Handle) emitFrame(raw []byte) {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()
	if h.closed {
		return
	}
	h.sink.OnFrame(raw)
}

func (h *Handle) run(ctx context.Context) {
	defer close(h.done)
	log := h.manager.logger
	phase := StateConnecting

	for {
		h.emitState(StateChange{State: phase})

		conn, err := h.connect(ctx, phase)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("Connection", "Retry budget exhausted", map[string]interface{}{
				"session_id": h.sessionID,
				"error":      err.Error(),
			})
			h.emitState(StateChange{State: StateFailed, Err: err})
			return
		}

		if !h.attach(conn) {
			conn.Close()
			return
		}
		log.Info("Connection", "Channel connected", map[string]interface{}{"session_id": h.sessionID})
		h.emitState(StateChange{State: StateConnected})

		readErr := h.pump(ctx, conn)
		h.detach(conn)
		if ctx.Err() != nil {
			return
		}
		log.Warn("Connection", "Transport lost, reconnecting", map[string]interface{}{
			"session_id": h.sessionID,
			"error":      fmt.Sprint(readErr),
		})
		phase = StateReconnecting
	}
}

func (h *Handle) connect(ctx context.Context, phase State) (Conn, error) {
	attempt := 0
	var conn Conn

	op := func() error {
		attempt++
		c, err := h.manager.transport.Dial(ctx, h.sessionID)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		h.manager.logger.Warn("Connection", "Dial failed, retrying", map[string]interface{}{
			"session_id": h.sessionID,
			"attempt":    attempt,
			"wait":       wait.String(),
			"error":      err.Error(),
		})
		h.emitState(StateChange{
			State:   phase,
			Attempt: attempt,
			Err:     &TransportError{SessionID: h.sessionID, Attempt: attempt, Err: err},
		})
	}

	err := backoff.RetryNotify(op, h.manager.policy.newBackOff(ctx), notify)
	if err != nil {
		return nil, &TransportError{SessionID: h.sessionID, Attempt: attempt, Err: err}
	}
	return conn, nil
}

func (h *Handle) attach(conn Conn) bool {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	h.emitMu.Lock()
	closed := h.closed
	h.emitMu.Unlock()
	if closed {
		return false
	}
	h.conn = conn
	return true
}

func (h *Handle) detach(conn Conn) {
	h.connMu.Lock()
	if h.conn == conn {
		h.conn = nil
	}
	h.connMu.Unlock()
	conn.Close()
}

func (h *Handle) pump(ctx context.Context, conn Conn) error {
	for {
		raw, err := conn.ReadFrame()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		h.emitFrame(raw)
	}
}
