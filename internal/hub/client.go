// Package hub maintains the authenticated WebSocket session to the local
// home-automation hub and multiplexes RPCs over it.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// State is the hub session lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingAuth
	StateAuthenticated
	StateSubscribed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateAuthenticated:
		return "authenticated"
	case StateSubscribed:
		return "subscribed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Handler is called on hub session events.
type Handler interface {
	OnHubAuthenticated()
	OnHubDisconnected()
	OnHubAuthFailed(err error)
}

// Connection parameters.
const (
	handshakeTimeout     = 10 * time.Second
	writeWait            = 10 * time.Second
	rpcTimeout           = 30 * time.Second
	initialBackoff       = 1 * time.Second
	maxBackoff           = 30 * time.Second
	maxReconnectAttempts = 10
	eventBuffer          = 256
)

// ErrNotConnected is returned for RPCs issued without an authenticated
// session.
var ErrNotConnected = errors.New("hub session not connected")

// ErrSessionClosed fails outstanding waiters when the session drops.
var ErrSessionClosed = errors.New("hub session closed")

type rpcOutcome struct {
	result json.RawMessage
	err    error
}

// Client is the hub session manager. It owns the socket, the request-id
// counter, and the pending-request table.
type Client struct {
	baseURL string
	token   string
	log     zerolog.Logger
	handler Handler

	mu              sync.Mutex
	conn            *websocket.Conn
	state           State
	nextID          int64
	pending         map[int64]chan rpcOutcome
	shouldReconnect bool
	haVersion       string

	writeMu sync.Mutex

	events chan StateChange
}

// NewClient creates a hub client for the given base URL and access token.
func NewClient(baseURL, token string, log zerolog.Logger, handler Handler) *Client {
	return &Client{
		baseURL:         baseURL,
		token:           token,
		log:             log.With().Str("component", "hub").Logger(),
		handler:         handler,
		state:           StateDisconnected,
		nextID:          1,
		pending:         make(map[int64]chan rpcOutcome),
		shouldReconnect: true,
		events:          make(chan StateChange, eventBuffer),
	}
}

// Events returns the state_changed event channel. Events are dropped when
// the consumer falls more than the buffer behind; ingestion never blocks.
func (c *Client) Events() <-chan StateChange {
	return c.events
}

// HAVersion returns the hub version reported during authentication.
func (c *Client) HAVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.haVersion
}

// State returns the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the session is authenticated.
func (c *Client) IsConnected() bool {
	s := c.State()
	return s == StateAuthenticated || s == StateSubscribed
}

// Run connects to the hub and maintains the session until the context is
// cancelled, the token is rejected, or the reconnect budget is exhausted.
func (c *Client) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialBackoff
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = maxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset() // the constructor armed the library default interval

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		reconnect := c.shouldReconnect
		c.mu.Unlock()
		if !reconnect {
			return
		}

		err := c.connectAndAuth(ctx)
		if err == nil {
			attempts = 0
			bo.Reset()

			// Subscription and the authenticated callback both issue RPCs
			// that wait on the read loop, so they run on their own goroutines.
			go c.subscribe(ctx)
			if c.handler != nil {
				go c.handler.OnHubAuthenticated()
			}

			c.readLoop(ctx)
			// fell out of the session: fail waiters, notify, maybe retry
			c.teardown(ErrSessionClosed)
			if c.handler != nil {
				c.handler.OnHubDisconnected()
			}
		} else {
			var authErr *AuthError
			if errors.As(err, &authErr) {
				c.log.Error().Err(err).Msg("hub rejected access token, not retrying")
				c.setState(StateFailed)
				c.mu.Lock()
				c.shouldReconnect = false
				c.mu.Unlock()
				if c.handler != nil {
					c.handler.OnHubAuthFailed(err)
				}
				return
			}
			c.log.Error().Err(err).Msg("hub connection failed")
		}

		c.mu.Lock()
		reconnect = c.shouldReconnect
		c.mu.Unlock()
		if !reconnect {
			return
		}

		attempts++
		if attempts > maxReconnectAttempts {
			c.log.Error().Int("attempts", attempts-1).Msg("hub reconnect budget exhausted, giving up")
			c.setState(StateFailed)
			return
		}

		delay := bo.NextBackOff()
		c.log.Info().Dur("delay", delay).Int("attempt", attempts).Msg("reconnecting to hub")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// AuthError marks a hub authentication rejection. It is terminal for the
// current token.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return "hub authentication failed: " + e.Message
}

// connectAndAuth dials the hub and completes the auth handshake.
func (c *Client) connectAndAuth(ctx context.Context) error {
	wsURL, err := DeriveWSURL(c.baseURL)
	if err != nil {
		return err
	}

	c.setState(StateConnecting)
	c.log.Debug().Str("url", wsURL).Msg("connecting to hub")

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("dial hub: %w", err)
	}

	c.setState(StateAwaitingAuth)

	// The hub speaks first with auth_required.
	var frame hubFrame
	if err := conn.ReadJSON(&frame); err != nil {
		conn.Close()
		c.setState(StateDisconnected)
		return fmt.Errorf("read auth_required: %w", err)
	}
	if frame.Type != "auth_required" {
		conn.Close()
		c.setState(StateDisconnected)
		return fmt.Errorf("unexpected first frame %q", frame.Type)
	}

	auth := map[string]string{"type": "auth", "access_token": c.token}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(auth); err != nil {
		conn.Close()
		c.setState(StateDisconnected)
		return fmt.Errorf("send auth: %w", err)
	}
	conn.SetWriteDeadline(time.Time{})

	if err := conn.ReadJSON(&frame); err != nil {
		conn.Close()
		c.setState(StateDisconnected)
		return fmt.Errorf("read auth result: %w", err)
	}

	switch frame.Type {
	case "auth_ok":
		c.mu.Lock()
		c.conn = conn
		c.state = StateAuthenticated
		c.haVersion = frame.HAVersion
		c.nextID = 1
		c.mu.Unlock()
		c.log.Info().Str("ha_version", frame.HAVersion).Msg("authenticated with hub")
		return nil
	case "auth_invalid":
		conn.Close()
		c.setState(StateDisconnected)
		return &AuthError{Message: frame.Message}
	default:
		conn.Close()
		c.setState(StateDisconnected)
		return fmt.Errorf("unexpected auth reply %q", frame.Type)
	}
}

// subscribe requests state_changed events once the session is up.
func (c *Client) subscribe(ctx context.Context) {
	_, err := c.SendCommand(ctx, "subscribe_events", map[string]any{"event_type": "state_changed"})
	if err != nil {
		c.log.Error().Err(err).Msg("failed to subscribe to state changes")
		return
	}
	c.setState(StateSubscribed)
	c.log.Info().Msg("subscribed to state changes")
}

// readLoop dispatches inbound frames until the socket drops.
func (c *Client) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Error().Err(err).Msg("hub read error")
			}
			return
		}

		var frame hubFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.Error().Err(err).Str("data", string(data)).Msg("failed to parse hub frame")
			continue
		}

		switch frame.Type {
		case "result":
			c.resolve(frame)
		case "event":
			c.dispatchEvent(frame)
		case "pong":
			// keepalive reply, nothing to do
		default:
			c.log.Debug().Str("type", frame.Type).Msg("ignoring hub frame")
		}
	}
}

// resolve completes the pending request matching a result frame. A result
// with no waiter arrived after its timeout and is dropped.
func (c *Client) resolve(frame hubFrame) {
	c.mu.Lock()
	ch, ok := c.pending[frame.ID]
	if ok {
		delete(c.pending, frame.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Debug().Int64("id", frame.ID).Msg("dropping late hub result")
		return
	}

	if frame.Success != nil && *frame.Success {
		ch <- rpcOutcome{result: frame.Result}
		return
	}
	msg := "unknown error"
	if frame.Error != nil {
		msg = frame.Error.Message
	}
	ch <- rpcOutcome{err: errors.New(msg)}
}

// dispatchEvent forwards state_changed events to the subscriber channel.
func (c *Client) dispatchEvent(frame hubFrame) {
	var ev hubEvent
	if err := json.Unmarshal(frame.Event, &ev); err != nil {
		c.log.Error().Err(err).Msg("failed to parse hub event")
		return
	}
	if ev.EventType != "state_changed" {
		return
	}

	change := StateChange{
		EntityID:  ev.Data.EntityID,
		OldState:  ev.Data.OldState,
		NewState:  ev.Data.NewState,
		Timestamp: time.Now().UTC(),
	}
	if ev.TimeFired != "" {
		if t, err := time.Parse(time.RFC3339Nano, ev.TimeFired); err == nil {
			change.Timestamp = t
		}
	}

	select {
	case c.events <- change:
	default:
		c.log.Warn().Str("entity_id", change.EntityID).Msg("event buffer full, dropping state change")
	}
}

// SendCommand issues a hub RPC and waits for the matching result frame.
// Exactly one of fulfil, timeout, or disconnect resolves the call.
func (c *Client) SendCommand(ctx context.Context, msgType string, data map[string]any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.conn == nil || (c.state != StateAuthenticated && c.state != StateSubscribed) {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	id := c.nextID
	c.nextID++
	ch := make(chan rpcOutcome, 1)
	c.pending[id] = ch
	conn := c.conn
	c.mu.Unlock()

	frame := map[string]any{"id": id, "type": msgType}
	for k, v := range data {
		frame[k] = v
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteJSON(frame)
	conn.SetWriteDeadline(time.Time{})
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("write %s: %w", msgType, err)
	}

	timer := time.NewTimer(rpcTimeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, fmt.Errorf("%s: %w", msgType, out.err)
		}
		return out.result, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: command timeout", msgType)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// teardown closes the socket and fails all outstanding waiters.
func (c *Client) teardown(cause error) {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.state != StateFailed {
		c.state = StateDisconnected
	}
	waiters := c.pending
	c.pending = make(map[int64]chan rpcOutcome)
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- rpcOutcome{err: cause}
	}
}

// Disconnect shuts the session down and disables reconnection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.shouldReconnect = false
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			deadline,
		)
	}
	c.teardown(ErrSessionClosed)
	c.log.Info().Msg("hub session closed")
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
