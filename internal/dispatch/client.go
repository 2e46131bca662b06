package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"captain-core/internal/common/log"
	"captain-core/internal/contracts"
	"captain-core/internal/eventbus"

	"github.com/gorilla/websocket"
)

const (
	// CloseAuthFailure is the close code the server uses to reject a
	// credential; it must not trigger the reconnect path.
	CloseAuthFailure = 4401

	writeTimeout = 5 * time.Second
	ctrlTimeout  = 2 * time.Second
)

var (
	ErrNotAuthenticated = errors.New("connection is not authenticated")
	ErrNoCredential     = errors.New("credential is required")
)

// Credential is the opaque bearer token plus captain identifier presented to
// a connection attempt. It is immutable once presented; expiry is signaled by
// the server with an auth failure.
type Credential struct {
	CaptainID string
	Token     string
}

// Config carries the connection tuning knobs.
type Config struct {
	URL            string
	ConnectTimeout time.Duration
	Heartbeat      time.Duration
	LivenessWindow time.Duration
	Backoff        Policy
}

// Handler consumes the payload of one inbound frame type.
type Handler func(data json.RawMessage)

// HandlerID identifies a registered handler for removal.
type HandlerID uint64

type handlerEntry struct {
	id HandlerID
	fn Handler
}

// Client owns the duplex dispatch transport: connect, authenticate,
// heartbeat, drop detection, and reconnect with bounded exponential backoff.
// State transitions are announced on the bus as EventConnectionState.
type Client struct {
	cfg    Config
	dialer Dialer
	logger *log.Logger
	bus    *eventbus.Bus

	mu          sync.Mutex
	state       State
	conn        Conn
	gen         int // bumped whenever the installed conn changes
	cred        Credential
	attempts    int
	timer       *time.Timer
	lastTraffic time.Time
	handlers    map[string][]handlerEntry
	nextHandler HandlerID
	pending     []eventbus.Event

	writeMu sync.Mutex
}

// New creates an unconnected Client. A nil dialer selects the gorilla
// websocket dialer.
func New(cfg Config, dialer Dialer, bus *eventbus.Bus, logger *log.Logger) *Client {
	if dialer == nil {
		dialer = wsDialer{timeout: cfg.ConnectTimeout}
	}
	return &Client{
		cfg:      cfg,
		dialer:   dialer,
		logger:   logger,
		bus:      bus,
		state:    StateIdle,
		handlers: make(map[string][]handlerEntry),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Authenticated reports whether business traffic is currently permitted.
func (c *Client) Authenticated() bool {
	return c.State() == StateAuthenticated
}

// Attempts returns the current reconnect attempt counter.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect opens the transport and starts the authenticate handshake. It is
// idempotent: calls made while a connection is underway or established are
// ignored.
func (c *Client) Connect(ctx context.Context, cred Credential) error {
	if cred.CaptainID == "" || cred.Token == "" {
		return ErrNoCredential
	}

	c.mu.Lock()
	if c.state.Live() {
		c.mu.Unlock()
		c.logger.Debug(ctx, "connect_ignored", "Connect called while already connecting or connected", nil)
		return nil
	}
	c.stopTimerLocked()
	c.cred = cred
	c.attempts = 0
	c.transitionLocked(StateConnecting)
	evs := c.drainLocked()
	c.mu.Unlock()
	c.emit(evs)

	return c.dial(ctx)
}

// Disconnect tears the connection down deliberately: a best-effort offline
// notice when authenticated, a normal-closure frame, cancellation of any
// pending reconnect, and a transition to Idle. Safe to call repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopTimerLocked()
	conn := c.conn
	wasAuth := c.state == StateAuthenticated
	c.conn = nil
	c.gen++
	if c.state != StateIdle {
		c.transitionLocked(StateIdle)
	}
	evs := c.drainLocked()
	c.mu.Unlock()

	if conn != nil {
		if wasAuth {
			if frame, err := contracts.Encode(contracts.TypeCaptainOffline, contracts.NewEnvelope()); err == nil {
				_ = c.write(conn, frame)
			}
		}
		c.writeMu.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "going offline"),
			time.Now().Add(ctrlTimeout),
		)
		c.writeMu.Unlock()
		_ = conn.Close()
	}

	c.emit(evs)
}

// Send transmits one outbound frame. It fails with ErrNotAuthenticated in
// every state except Authenticated; the caller decides whether to drop or
// retry.
func (c *Client) Send(msgType string, payload any) error {
	frame, err := contracts.Encode(msgType, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != StateAuthenticated {
		c.mu.Unlock()
		return ErrNotAuthenticated
	}
	conn := c.conn
	gen := c.gen
	c.mu.Unlock()

	if err := c.write(conn, frame); err != nil {
		c.transportFailure(gen, err)
		return err
	}
	return nil
}

// OnMessage registers a handler for an inbound frame type. Handlers for the
// same type run in registration order; a panicking handler is recovered and
// logged, never propagated to the read loop.
func (c *Client) OnMessage(msgType string, fn Handler) HandlerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHandler++
	id := c.nextHandler
	c.handlers[msgType] = append(c.handlers[msgType], handlerEntry{id: id, fn: fn})
	return id
}

// Off removes a previously registered handler.
func (c *Client) Off(msgType string, id HandlerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.handlers[msgType]
	for i, h := range list {
		if h.id == id {
			c.handlers[msgType] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// --- connection establishment ---

func (c *Client) dial(ctx context.Context) error {
	conn, err := c.dialer.Dial(ctx, c.cfg.URL)
	if err != nil {
		c.logger.Error(ctx, "dispatch_dial_failed", "Failed to dial dispatch server", err, map[string]any{
			"url": c.cfg.URL,
		})
		c.transportFailure(0, err)
		return err
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		// Disconnect raced the dial; drop the fresh socket.
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.gen++
	gen := c.gen
	c.lastTraffic = time.Now()
	c.transitionLocked(StateConnectedUnauth)
	cred := c.cred
	evs := c.drainLocked()
	c.mu.Unlock()
	c.emit(evs)

	frame, err := contracts.Encode(contracts.TypeAuthenticate, contracts.Authenticate{
		CaptainID: cred.CaptainID,
		Token:     cred.Token,
		Envelope:  contracts.NewEnvelope(),
	})
	if err != nil {
		c.transportFailure(gen, err)
		return err
	}
	if err := c.write(conn, frame); err != nil {
		c.transportFailure(gen, err)
		return err
	}

	c.mu.Lock()
	if c.gen == gen && c.state == StateConnectedUnauth {
		c.transitionLocked(StateAuthenticating)
	}
	evs = c.drainLocked()
	c.mu.Unlock()
	c.emit(evs)

	go c.readLoop(conn, gen)
	go c.heartbeatLoop(conn, gen)
	return nil
}

// readLoop consumes frames until the transport errors out. Messages on a
// single connection are processed in transport order.
func (c *Client) readLoop(conn Conn, gen int) {
	ctx := context.Background()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.LivenessWindow))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if isAuthFailureClose(err) {
				c.authFailed("credential rejected by server")
				return
			}
			c.transportFailure(gen, err)
			return
		}
		c.touch(gen)

		frame, err := contracts.DecodeFrame(payload)
		if err != nil {
			c.logger.Warn(ctx, "dispatch_bad_frame", "Discarding malformed inbound frame", map[string]any{
				"size": len(payload),
			})
			continue
		}

		switch frame.Type {
		case contracts.TypeAuthenticated:
			c.onAuthenticated(gen)
		case contracts.TypeAuthFailed:
			var res contracts.AuthResult
			_ = json.Unmarshal(frame.Data, &res)
			reason := res.Reason
			if reason == "" {
				reason = "authentication failed"
			}
			c.authFailed(reason)
			return
		default:
			c.dispatch(frame)
		}
	}
}

// heartbeatLoop sends periodic pings while authenticated and enforces the
// liveness window: a silent connection is treated as dead.
func (c *Client) heartbeatLoop(conn Conn, gen int) {
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		authed := c.state == StateAuthenticated
		stale := time.Since(c.lastTraffic) > c.cfg.LivenessWindow
		c.mu.Unlock()

		if stale {
			c.logger.Warn(context.Background(), "dispatch_liveness_expired", "No traffic within liveness window, closing connection", nil)
			_ = conn.Close() // read loop surfaces the failure
			return
		}
		if !authed {
			continue
		}

		frame, err := contracts.Encode(contracts.TypePing, contracts.NewEnvelope())
		if err != nil {
			continue
		}
		if err := c.write(conn, frame); err != nil {
			_ = conn.Close()
			return
		}
	}
}

// --- inbound transitions ---

func (c *Client) onAuthenticated(gen int) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateAuthenticating {
		c.mu.Unlock()
		return
	}
	c.attempts = 0
	c.transitionLocked(StateAuthenticated)
	captainID := c.cred.CaptainID
	evs := c.drainLocked()
	c.mu.Unlock()

	c.logger.Info(context.Background(), "dispatch_authenticated", "Dispatch connection authenticated", map[string]any{
		"captain_id": captainID,
	})
	c.emit(evs)
}

// authFailed is terminal for the presented credential: the transport closes
// with a distinct code and no reconnect is scheduled.
func (c *Client) authFailed(reason string) {
	c.mu.Lock()
	c.stopTimerLocked()
	conn := c.conn
	c.conn = nil
	c.gen++
	c.transitionLocked(StateDisconnected)
	c.pending = append(c.pending, eventbus.Event{Type: eventbus.EventAuthFailed, Payload: reason})
	evs := c.drainLocked()
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseAuthFailure, "auth failed"),
			time.Now().Add(ctrlTimeout),
		)
		c.writeMu.Unlock()
		_ = conn.Close()
	}

	c.logger.Error(context.Background(), "dispatch_auth_failed", "Dispatch rejected the credential", errors.New(reason), nil)
	c.emit(evs)
}

// transportFailure routes every recoverable transport error into the backoff
// path. gen 0 marks a failure before any conn was installed.
func (c *Client) transportFailure(gen int, cause error) {
	c.mu.Lock()
	if gen != 0 && gen != c.gen {
		c.mu.Unlock()
		return // stale goroutine from a superseded connection
	}
	if c.state == StateIdle || c.state == StateDisconnected {
		c.mu.Unlock()
		return // deliberate teardown or terminal state
	}

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.gen++
	}

	c.attempts++
	if c.cfg.Backoff.Exhausted(c.attempts) {
		c.transitionLocked(StateDisconnected)
		c.pending = append(c.pending, eventbus.Event{Type: eventbus.EventConnectionLost, Payload: cause})
		evs := c.drainLocked()
		attempts := c.attempts
		c.mu.Unlock()

		c.logger.Error(context.Background(), "dispatch_reconnect_exhausted", "Giving up on reconnecting", cause, map[string]any{
			"attempts": attempts,
		})
		c.emit(evs)
		return
	}

	delay := c.cfg.Backoff.Delay(c.attempts)
	c.transitionLocked(StateReconnectScheduled)
	c.timer = time.AfterFunc(delay, c.retry)
	evs := c.drainLocked()
	attempt := c.attempts
	c.mu.Unlock()

	c.logger.Warn(context.Background(), "dispatch_reconnect_scheduled", "Transport failed, reconnect scheduled", map[string]any{
		"attempt":  attempt,
		"delay_ms": delay.Milliseconds(),
		"cause":    cause.Error(),
	})
	c.emit(evs)
}

func (c *Client) retry() {
	c.mu.Lock()
	if c.state != StateReconnectScheduled {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.transitionLocked(StateConnecting)
	evs := c.drainLocked()
	c.mu.Unlock()
	c.emit(evs)

	// dial schedules the next attempt itself on failure
	_ = c.dial(context.Background())
}

// --- plumbing ---

func (c *Client) dispatch(frame contracts.Frame) {
	c.mu.Lock()
	list := make([]handlerEntry, len(c.handlers[frame.Type]))
	copy(list, c.handlers[frame.Type])
	c.mu.Unlock()

	if len(list) == 0 {
		c.logger.Debug(context.Background(), "dispatch_unhandled_frame", "No handler for inbound frame type", map[string]any{
			"type": frame.Type,
		})
		return
	}
	for _, h := range list {
		c.invoke(frame, h)
	}
}

func (c *Client) invoke(frame contracts.Frame, h handlerEntry) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error(context.Background(), "dispatch_handler_panic", "Inbound handler panicked", errors.New("handler panic"), map[string]any{
				"type":      frame.Type,
				"recovered": r,
			})
		}
	}()
	h.fn(frame.Data)
}

func (c *Client) write(conn Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) touch(gen int) {
	c.mu.Lock()
	if c.gen == gen {
		c.lastTraffic = time.Now()
	}
	c.mu.Unlock()
}

func (c *Client) transitionLocked(next State) {
	if c.state == next {
		return
	}
	c.state = next
	c.pending = append(c.pending, eventbus.Event{Type: eventbus.EventConnectionState, Payload: next})
}

func (c *Client) drainLocked() []eventbus.Event {
	evs := c.pending
	c.pending = nil
	return evs
}

func (c *Client) emit(evs []eventbus.Event) {
	for _, e := range evs {
		c.bus.Emit(e)
	}
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func isAuthFailureClose(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) && ce.Code == CloseAuthFailure
}
