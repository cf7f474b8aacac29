package cloud

import (
	"context"
	"time"

	"github.com/helm-home/helm-bridge/internal/protocol"
)

// heartbeatLoop sends periodic heartbeats while the session is up. The
// first heartbeat goes out immediately after authentication.
func (s *Session) heartbeatLoop(ctx context.Context) {
	s.sendHeartbeat()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sendHeartbeat()
		}
	}
}

// sendHeartbeat emits one heartbeat frame with current session statistics.
func (s *Session) sendHeartbeat() {
	hb := s.buildHeartbeat()
	if err := s.send(hb); err != nil {
		s.log.Debug().Err(err).Msg("failed to send heartbeat")
		return
	}
	s.log.Debug().
		Bool("ha_connected", hb.HAConnected).
		Int("entity_count", hb.EntityCount).
		Msg("heartbeat sent")
}

func (s *Session) buildHeartbeat() protocol.Heartbeat {
	now := time.Now().UTC()

	hb := protocol.Heartbeat{
		Type:            protocol.TypeHeartbeat,
		BridgeID:        s.cfg.BridgeID,
		Timestamp:       now.Format(time.RFC3339),
		BridgeVersion:   s.version,
		ProtocolVersion: protocol.Version,
		CloudConnected:  true,
		Reconnects:      s.Reconnects(),
		UptimeSeconds:   int64(now.Sub(s.startedAt).Seconds()),
	}

	if s.stats != nil {
		hb.HAConnected = s.stats.HAConnected()
		hb.HAVersion = s.stats.HAVersion()
		hb.EntityCount = s.stats.EntityCount()
		if last := s.stats.LastEventAt(); !last.IsZero() {
			hb.LastEventAt = last.UTC().Format(time.RFC3339)
		}
	}
	return hb
}
