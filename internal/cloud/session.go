// Package cloud maintains the authenticated WebSocket session to the Helm
// cloud: heartbeats out, commands in.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/helm-home/helm-bridge/internal/config"
	"github.com/helm-home/helm-bridge/internal/credential"
	"github.com/helm-home/helm-bridge/internal/protocol"
)

// Handler is called on cloud session events. Command and sync callbacks
// run on their own goroutines so the read loop is never blocked.
type Handler interface {
	OnCloudAuthenticated(tenantID string)
	OnCloudDisconnected()
	OnCommand(cmd protocol.Command)
	OnFullSyncRequest()
	OnLogsRequest(lines int)
}

// Stats supplies the connection-health numbers carried in heartbeats.
type Stats interface {
	HAConnected() bool
	HAVersion() string
	EntityCount() int
	LastEventAt() time.Time
}

// Connection parameters.
const (
	handshakeTimeout     = 10 * time.Second
	writeWait            = 10 * time.Second
	authTimeout          = 15 * time.Second
	initialBackoff       = 1 * time.Second
	maxBackoff           = 60 * time.Second
	maxReconnectAttempts = 10
)

// ErrNotConnected is returned by outbound helpers when the socket is down.
var ErrNotConnected = errors.New("cloud session not connected")

// Session is the cloud session manager.
type Session struct {
	cfg     *config.Config
	store   *credential.Store
	log     zerolog.Logger
	handler Handler
	stats   Stats
	version string

	mu              sync.Mutex
	conn            *websocket.Conn
	authenticated   bool
	tenantID        string
	shouldReconnect bool
	reconnects      int
	startedAt       time.Time

	writeMu sync.Mutex
}

// NewSession creates a cloud session manager. version is the bridge build
// version reported in heartbeats.
func NewSession(cfg *config.Config, store *credential.Store, stats Stats, handler Handler, version string, log zerolog.Logger) *Session {
	return &Session{
		cfg:             cfg,
		store:           store,
		log:             log.With().Str("component", "cloud").Logger(),
		handler:         handler,
		stats:           stats,
		version:         version,
		shouldReconnect: true,
		startedAt:       time.Now().UTC(),
	}
}

// DeriveWSURL converts the cloud base URL into the bridge WebSocket
// endpoint.
func DeriveWSURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse cloud URL %q: %w", base, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported cloud URL scheme %q", u.Scheme)
	}
	u.Path += "/ws/bridge"
	return u.String(), nil
}

// IsAuthenticated reports whether the session completed cloud auth.
func (s *Session) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// TenantID returns the tenant recorded on the last successful auth.
func (s *Session) TenantID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tenantID
}

// Reconnects returns the total reconnect count for the process.
func (s *Session) Reconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnects
}

// Run connects to the cloud and maintains the session until the context is
// cancelled, the credential is revoked, or the reconnect budget runs out.
// It is a no-op when no credential is resident.
func (s *Session) Run(ctx context.Context) {
	if !s.store.IsPaired() {
		s.log.Info().Msg("no credential resident, cloud session idle")
		return
	}

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

		s.mu.Lock()
		reconnect := s.shouldReconnect
		s.mu.Unlock()
		if !reconnect {
			return
		}

		err := s.connectAndAuth(ctx)
		if err == nil {
			attempts = 0
			bo.Reset()

			hbCtx, hbCancel := context.WithCancel(ctx)
			go s.heartbeatLoop(hbCtx)

			s.readLoop(ctx)
			hbCancel()

			s.teardown()
			if s.handler != nil {
				s.handler.OnCloudDisconnected()
			}
		} else if errors.Is(err, errCredentialRejected) {
			// Credential cleared inside connectAndAuth; reconnecting with it
			// would loop forever against the same rejection.
			return
		} else {
			s.log.Error().Err(err).Msg("cloud connection failed")
		}

		s.mu.Lock()
		reconnect = s.shouldReconnect
		s.mu.Unlock()
		if !reconnect {
			return
		}

		attempts++
		if attempts > maxReconnectAttempts {
			s.log.Error().Int("attempts", attempts-1).Msg("cloud reconnect budget exhausted, giving up")
			return
		}

		s.mu.Lock()
		s.reconnects++
		s.mu.Unlock()

		delay := bo.NextBackOff()
		s.log.Info().Dur("delay", delay).Int("attempt", attempts).Msg("reconnecting to cloud")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

var errCredentialRejected = errors.New("cloud rejected credential")

// connectAndAuth dials the cloud and completes the authenticate handshake.
func (s *Session) connectAndAuth(ctx context.Context) error {
	cred := s.store.Current()
	if cred == nil {
		s.mu.Lock()
		s.shouldReconnect = false
		s.mu.Unlock()
		return errors.New("credential disappeared")
	}

	wsURL, err := DeriveWSURL(s.cfg.CloudURL)
	if err != nil {
		return err
	}

	s.log.Debug().Str("url", wsURL).Msg("connecting to cloud")
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial cloud: %w", err)
	}

	auth := protocol.NewAuthenticate(cred.BridgeID, cred.BridgeCredential)
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(auth); err != nil {
		conn.Close()
		return fmt.Errorf("send authenticate: %w", err)
	}
	conn.SetWriteDeadline(time.Time{})

	conn.SetReadDeadline(time.Now().Add(authTimeout))
	_, data, err := conn.ReadMessage()
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return fmt.Errorf("read auth_result: %w", err)
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		conn.Close()
		return fmt.Errorf("decode auth reply: %w", err)
	}
	result, ok := msg.(protocol.AuthResult)
	if !ok {
		conn.Close()
		return fmt.Errorf("expected auth_result, got %T", msg)
	}

	if !result.Success {
		conn.Close()
		if isCredentialRejection(result.Error) {
			s.log.Error().Str("error", result.Error).
				Msg("credential rejected by cloud; clearing stored credential. Re-pair the bridge from the Helm app to reconnect.")
			if err := s.store.Clear(); err != nil {
				s.log.Warn().Err(err).Msg("failed to clear rejected credential")
			}
			s.mu.Lock()
			s.shouldReconnect = false
			s.mu.Unlock()
			return errCredentialRejected
		}
		return fmt.Errorf("cloud auth failed: %s", result.Error)
	}

	s.mu.Lock()
	s.conn = conn
	s.authenticated = true
	s.tenantID = result.TenantID
	s.mu.Unlock()

	s.log.Info().Str("tenant_id", result.TenantID).Msg("authenticated with cloud")
	if s.handler != nil {
		s.handler.OnCloudAuthenticated(result.TenantID)
	}
	return nil
}

// isCredentialRejection matches auth errors that mean the credential is
// permanently dead rather than the session transiently unlucky.
func isCredentialRejection(errText string) bool {
	lower := strings.ToLower(errText)
	return strings.Contains(lower, "revoked") || strings.Contains(lower, "invalid")
}

// readLoop dispatches inbound frames until the socket drops or the cloud
// orders a disconnect.
func (s *Session) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Error().Err(err).Msg("cloud read error")
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			// Protocol errors are logged and dropped, never fatal.
			s.log.Warn().Err(err).Msg("dropping cloud frame")
			continue
		}

		switch m := msg.(type) {
		case protocol.Command:
			s.handleCommand(m)
		case protocol.RequestFullSync:
			s.log.Debug().Msg("cloud requested full sync")
			if s.handler != nil {
				go s.handler.OnFullSyncRequest()
			}
		case protocol.RequestHeartbeat:
			s.sendHeartbeat()
		case protocol.Disconnect:
			s.handleDisconnect(m)
			return
		case protocol.RequestLogs:
			if s.handler != nil {
				go s.handler.OnLogsRequest(m.Lines)
			}
		case protocol.AuthResult:
			s.log.Debug().Msg("ignoring stray auth_result")
		default:
			s.log.Debug().Msgf("ignoring cloud frame %T", m)
		}
	}
}

// handleCommand acks (when requested) before handing off to the executor.
func (s *Session) handleCommand(cmd protocol.Command) {
	s.log.Info().
		Str("cmd_id", cmd.CmdID).
		Str("command_type", cmd.CommandType).
		Bool("requires_ack", cmd.RequiresAck).
		Msg("command received")

	if cmd.RequiresAck {
		if err := s.SendCommandAck(cmd.CmdID); err != nil {
			s.log.Warn().Err(err).Str("cmd_id", cmd.CmdID).Msg("failed to ack command")
		}
	}
	if s.handler != nil {
		go s.handler.OnCommand(cmd)
	}
}

func (s *Session) handleDisconnect(d protocol.Disconnect) {
	s.log.Info().Str("reason", d.Reason).Msg("cloud ordered disconnect")

	s.mu.Lock()
	s.shouldReconnect = false
	conn := s.conn
	s.mu.Unlock()

	if d.Reason == protocol.ReasonUserDisconnected || d.Reason == protocol.ReasonUserReset {
		if err := s.store.Clear(); err != nil {
			s.log.Warn().Err(err).Msg("failed to clear credential on user disconnect")
		}
	}
	if conn != nil {
		conn.Close()
	}
}

// send serializes one outbound frame. All cloud writes funnel through here
// so frames never interleave.
func (s *Session) send(frame any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := protocol.Encode(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, data)
	conn.SetWriteDeadline(time.Time{})
	return err
}

// SendFullSync emits a full_sync frame. No-op when disconnected.
func (s *Session) SendFullSync(frame protocol.FullSync) error {
	err := s.send(frame)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// SendStateBatch emits a state_batch frame. No-op when disconnected.
func (s *Session) SendStateBatch(batch protocol.StateBatch) error {
	err := s.send(batch)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// SendCommandAck emits a command_ack frame.
func (s *Session) SendCommandAck(cmdID string) error {
	return s.send(protocol.NewCommandAck(cmdID, time.Now()))
}

// SendCommandResult emits a command_result frame. No-op when disconnected.
func (s *Session) SendCommandResult(res protocol.CommandResult) error {
	err := s.send(res)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// SendBridgeLogs emits a bridge_logs frame carrying the recent log tail.
func (s *Session) SendBridgeLogs(lines []string) error {
	err := s.send(protocol.BridgeLogs{Type: protocol.TypeBridgeLogs, Lines: lines})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// teardown closes the socket and clears session state.
func (s *Session) teardown() {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.authenticated = false
	s.mu.Unlock()
}

// Disconnect shuts the session down and disables reconnection.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.shouldReconnect = false
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			deadline,
		)
	}
	s.teardown()
	s.log.Info().Msg("cloud session closed")
}
