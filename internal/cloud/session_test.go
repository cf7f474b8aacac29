package cloud

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/helm-home/helm-bridge/internal/config"
	"github.com/helm-home/helm-bridge/internal/credential"
	"github.com/helm-home/helm-bridge/internal/protocol"
)

var testUpgrader = websocket.Upgrader{}

// startCloudServer runs script against each bridge connection.
func startCloudServer(t *testing.T, script func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/bridge" {
			http.NotFound(w, r)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readFrame reads one frame. Read errors return nil: server scripts re-run
// on client reconnects and must stay silent after the test body finishes.
func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		return nil
	}
	return frame
}

func pairedStore(t *testing.T) *credential.Store {
	t.Helper()
	store := credential.NewStore(filepath.Join(t.TempDir(), "credentials.json"), zerolog.Nop())
	err := store.Save(credential.Credential{
		BridgeID:         "helm-bridge-abcd1234",
		BridgeCredential: "bc_deadbeef",
		TenantID:         "42",
	})
	if err != nil {
		t.Fatalf("seeding store: %v", err)
	}
	return store
}

func testConfig(cloudURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.CloudURL = cloudURL
	cfg.HAToken = "tok"
	cfg.BridgeID = "helm-bridge-abcd1234"
	cfg.HeartbeatInterval = time.Hour // tests trigger heartbeats explicitly
	return cfg
}

// cloudHandler records callbacks.
type cloudHandler struct {
	mu       sync.Mutex
	tenant   string
	commands []protocol.Command
	syncReqs int
	logReqs  []int

	authCh chan struct{}
	cmdCh  chan struct{}
	syncCh chan struct{}
}

func newCloudHandler() *cloudHandler {
	return &cloudHandler{
		authCh: make(chan struct{}, 8),
		cmdCh:  make(chan struct{}, 8),
		syncCh: make(chan struct{}, 8),
	}
}

func (h *cloudHandler) OnCloudAuthenticated(tenantID string) {
	h.mu.Lock()
	h.tenant = tenantID
	h.mu.Unlock()
	h.authCh <- struct{}{}
}

func (h *cloudHandler) OnCloudDisconnected() {}

func (h *cloudHandler) OnCommand(cmd protocol.Command) {
	h.mu.Lock()
	h.commands = append(h.commands, cmd)
	h.mu.Unlock()
	h.cmdCh <- struct{}{}
}

func (h *cloudHandler) OnFullSyncRequest() {
	h.mu.Lock()
	h.syncReqs++
	h.mu.Unlock()
	h.syncCh <- struct{}{}
}

func (h *cloudHandler) OnLogsRequest(lines int) {
	h.mu.Lock()
	h.logReqs = append(h.logReqs, lines)
	h.mu.Unlock()
}

func waitCh(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func authOK(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	if frame := readFrame(t, conn); frame == nil || frame["type"] != "authenticate" {
		return
	}
	conn.WriteJSON(map[string]any{"type": "auth_result", "success": true, "tenantId": "42"})
}

func TestSession_AuthenticateAndHeartbeat(t *testing.T) {
	frames := make(chan map[string]any, 16)
	srv := startCloudServer(t, func(conn *websocket.Conn) {
		frame := readFrame(t, conn)
		frames <- frame
		conn.WriteJSON(map[string]any{"type": "auth_result", "success": true, "tenantId": "42"})
		// first heartbeat follows authentication
		frames <- readFrame(t, conn)
		conn.ReadMessage() // hold the connection open
	})

	store := pairedStore(t)
	handler := newCloudHandler()
	s := NewSession(testConfig(srv.URL), store, nil, handler, "0.4.1", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	defer s.Disconnect()

	waitCh(t, handler.authCh, "cloud auth")

	auth := <-frames
	if auth["bridgeId"] != "helm-bridge-abcd1234" {
		t.Errorf("authenticate bridgeId = %v", auth["bridgeId"])
	}
	if auth["bridgeCredential"] != "bc_deadbeef" {
		t.Errorf("authenticate bridgeCredential = %v", auth["bridgeCredential"])
	}
	if auth["protocolVersion"] != protocol.Version {
		t.Errorf("authenticate protocolVersion = %v", auth["protocolVersion"])
	}

	if !s.IsAuthenticated() {
		t.Error("IsAuthenticated() = false after auth_result")
	}
	if s.TenantID() != "42" {
		t.Errorf("TenantID() = %q", s.TenantID())
	}

	hb := <-frames
	if hb["type"] != "heartbeat" {
		t.Fatalf("frame after auth = %v, want heartbeat", hb["type"])
	}
	if hb["bridgeId"] != "helm-bridge-abcd1234" || hb["cloudConnected"] != true {
		t.Errorf("heartbeat = %v", hb)
	}
}

func TestSession_CommandAckPrecedesDispatch(t *testing.T) {
	frames := make(chan map[string]any, 16)
	srv := startCloudServer(t, func(conn *websocket.Conn) {
		authOK(t, conn)
		readFrame(t, conn) // initial heartbeat
		conn.WriteJSON(map[string]any{
			"type":        "command",
			"cmdId":       "11111111-1111-1111-1111-111111111111",
			"commandType": "ha_call_service",
			"payload":     map[string]any{"domain": "light", "service": "turn_on"},
			"requiresAck": true,
		})
		frames <- readFrame(t, conn) // command_ack
		conn.ReadMessage()
	})

	handler := newCloudHandler()
	s := NewSession(testConfig(srv.URL), pairedStore(t), nil, handler, "0.4.1", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	defer s.Disconnect()

	waitCh(t, handler.authCh, "cloud auth")
	waitCh(t, handler.cmdCh, "command dispatch")

	ack := <-frames
	if ack["type"] != "command_ack" {
		t.Fatalf("frame = %v, want command_ack", ack["type"])
	}
	if ack["cmdId"] != "11111111-1111-1111-1111-111111111111" {
		t.Errorf("ack cmdId = %v", ack["cmdId"])
	}
	if ack["status"] != "acknowledged" {
		t.Errorf("ack status = %v", ack["status"])
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.commands) != 1 || handler.commands[0].CommandType != protocol.CmdCallService {
		t.Errorf("commands = %+v", handler.commands)
	}
}

func TestSession_NoAckWhenNotRequired(t *testing.T) {
	gotAck := make(chan bool, 8)
	srv := startCloudServer(t, func(conn *websocket.Conn) {
		authOK(t, conn)
		readFrame(t, conn) // initial heartbeat
		conn.WriteJSON(map[string]any{
			"type":        "command",
			"cmdId":       "cmd-noack",
			"commandType": "ha_call_service",
			"requiresAck": false,
		})
		// Whatever arrives next must not be an ack for cmd-noack.
		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err == nil && frame["type"] == "command_ack" {
			gotAck <- true
			return
		}
		gotAck <- false
	})

	handler := newCloudHandler()
	s := NewSession(testConfig(srv.URL), pairedStore(t), nil, handler, "0.4.1", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	defer s.Disconnect()

	waitCh(t, handler.authCh, "cloud auth")
	waitCh(t, handler.cmdCh, "command dispatch")
	if <-gotAck {
		t.Error("command_ack emitted for requiresAck=false")
	}
}

func TestSession_RevokedCredential(t *testing.T) {
	srv := startCloudServer(t, func(conn *websocket.Conn) {
		readFrame(t, conn)
		conn.WriteJSON(map[string]any{"type": "auth_result", "success": false, "error": "Credential revoked"})
	})

	store := pairedStore(t)
	s := NewSession(testConfig(srv.URL), store, nil, newCloudHandler(), "0.4.1", zerolog.Nop())

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() kept retrying after revocation")
	}

	if store.IsPaired() {
		t.Error("credential still resident after revocation")
	}
	if s.IsAuthenticated() {
		t.Error("IsAuthenticated() = true after revocation")
	}
}

func TestSession_TransientAuthFailureRetries(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := startCloudServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		readFrame(t, conn)
		if n == 1 {
			conn.WriteJSON(map[string]any{"type": "auth_result", "success": false, "error": "backend overloaded"})
			return
		}
		conn.WriteJSON(map[string]any{"type": "auth_result", "success": true, "tenantId": "42"})
		readFrame(t, conn)
		conn.ReadMessage()
	})

	store := pairedStore(t)
	handler := newCloudHandler()
	s := NewSession(testConfig(srv.URL), store, nil, handler, "0.4.1", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	defer s.Disconnect()

	// A non-revocation failure keeps the credential and retries (1 s later).
	waitCh(t, handler.authCh, "second auth attempt")
	if !store.IsPaired() {
		t.Error("credential cleared on transient failure")
	}
	if s.Reconnects() == 0 {
		t.Error("Reconnects() = 0 after a retry")
	}
}

func TestSession_UserDisconnectClearsCredential(t *testing.T) {
	srv := startCloudServer(t, func(conn *websocket.Conn) {
		authOK(t, conn)
		readFrame(t, conn) // initial heartbeat
		conn.WriteJSON(map[string]any{"type": "disconnect", "reason": "user_disconnected"})
	})

	store := pairedStore(t)
	handler := newCloudHandler()
	s := NewSession(testConfig(srv.URL), store, nil, handler, "0.4.1", zerolog.Nop())

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	waitCh(t, handler.authCh, "cloud auth")
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not stop after user disconnect")
	}

	if store.IsPaired() {
		t.Error("credential still resident after user_disconnected")
	}
}

func TestSession_RequestHeartbeat(t *testing.T) {
	frames := make(chan map[string]any, 16)
	srv := startCloudServer(t, func(conn *websocket.Conn) {
		authOK(t, conn)
		frames <- readFrame(t, conn) // initial heartbeat
		conn.WriteJSON(map[string]any{"type": "request_heartbeat"})
		frames <- readFrame(t, conn) // on-demand heartbeat
		conn.ReadMessage()
	})

	handler := newCloudHandler()
	s := NewSession(testConfig(srv.URL), pairedStore(t), nil, handler, "0.4.1", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	defer s.Disconnect()

	waitCh(t, handler.authCh, "cloud auth")
	first := <-frames
	second := <-frames
	if first["type"] != "heartbeat" || second["type"] != "heartbeat" {
		t.Errorf("frames = %v, %v, want two heartbeats", first["type"], second["type"])
	}
}

func TestSession_RequestFullSyncRouted(t *testing.T) {
	srv := startCloudServer(t, func(conn *websocket.Conn) {
		authOK(t, conn)
		readFrame(t, conn) // initial heartbeat
		conn.WriteJSON(map[string]any{"type": "request_full_sync"})
		conn.ReadMessage()
	})

	handler := newCloudHandler()
	s := NewSession(testConfig(srv.URL), pairedStore(t), nil, handler, "0.4.1", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	defer s.Disconnect()

	waitCh(t, handler.authCh, "cloud auth")
	waitCh(t, handler.syncCh, "full sync request")
}

func TestSession_UnpairedIsNoOp(t *testing.T) {
	store := credential.NewStore(filepath.Join(t.TempDir(), "credentials.json"), zerolog.Nop())
	s := NewSession(testConfig("http://127.0.0.1:1"), store, nil, newCloudHandler(), "0.4.1", zerolog.Nop())

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() tried to connect while unpaired")
	}
}

func TestSession_OutboundHelpersNoOpWhenClosed(t *testing.T) {
	s := NewSession(testConfig("http://cloud"), pairedStore(t), nil, nil, "0.4.1", zerolog.Nop())

	if err := s.SendStateBatch(protocol.NewStateBatch("b1", nil)); err != nil {
		t.Errorf("SendStateBatch() = %v, want nil no-op", err)
	}
	if err := s.SendCommandResult(protocol.NewCommandResult("c1", protocol.StatusCompleted, nil, nil)); err != nil {
		t.Errorf("SendCommandResult() = %v, want nil no-op", err)
	}
	if err := s.SendFullSync(protocol.FullSync{Type: protocol.TypeFullSync}); err != nil {
		t.Errorf("SendFullSync() = %v, want nil no-op", err)
	}
}

func TestDeriveWSURL(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{"https://helm.replit.app", "wss://helm.replit.app/ws/bridge", false},
		{"http://localhost:5000", "ws://localhost:5000/ws/bridge", false},
		{"https://helm.replit.app/", "wss://helm.replit.app/ws/bridge", false},
		{"ftp://nope", "", true},
	}

	for _, tt := range tests {
		got, err := DeriveWSURL(tt.base)
		if (err != nil) != tt.wantErr {
			t.Errorf("DeriveWSURL(%q) error = %v", tt.base, err)
			continue
		}
		if got != tt.want {
			t.Errorf("DeriveWSURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestIsCredentialRejection(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"Credential revoked", true},
		{"invalid bridge credential", true},
		{"REVOKED", true},
		{"backend overloaded", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := isCredentialRejection(tt.text); got != tt.want {
			t.Errorf("isCredentialRejection(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestSession_UnknownFrameIgnored(t *testing.T) {
	srv := startCloudServer(t, func(conn *websocket.Conn) {
		authOK(t, conn)
		readFrame(t, conn) // initial heartbeat
		conn.WriteJSON(map[string]any{"type": "telemetry_v2", "data": map[string]any{}})
		conn.WriteJSON(map[string]any{"type": "request_full_sync"})
		conn.ReadMessage()
	})

	handler := newCloudHandler()
	s := NewSession(testConfig(srv.URL), pairedStore(t), nil, handler, "0.4.1", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	defer s.Disconnect()

	waitCh(t, handler.authCh, "cloud auth")
	// The unknown frame is dropped; the session keeps processing.
	waitCh(t, handler.syncCh, "full sync after unknown frame")
}
