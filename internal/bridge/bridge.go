// Package bridge wires the hub session, the cloud session, the pairing
// flow, and the state pipeline into one daemon.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/helm-home/helm-bridge/internal/cloud"
	"github.com/helm-home/helm-bridge/internal/config"
	"github.com/helm-home/helm-bridge/internal/credential"
	"github.com/helm-home/helm-bridge/internal/hub"
	"github.com/helm-home/helm-bridge/internal/journal"
	"github.com/helm-home/helm-bridge/internal/logbuf"
	"github.com/helm-home/helm-bridge/internal/pairing"
	"github.com/helm-home/helm-bridge/internal/protocol"
)

// Version is the bridge build version.
const Version = "0.4.1"

const defaultLogTail = 200

// Journal retention: pruned hourly, rows kept for a week.
const (
	journalRetention     = 7 * 24 * time.Hour
	journalPruneInterval = time.Hour
)

// Bridge is the daemon orchestrator. It owns every component and routes
// events between them.
type Bridge struct {
	cfg     *config.Config
	log     zerolog.Logger
	logTail *logbuf.Buffer

	store     *credential.Store
	hub       *hub.Client
	cloud     *cloud.Session
	batcher   *Batcher
	collector *Collector
	executor  *Executor

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	journal     *journal.Journal
	haVersion   string
	entityCount int
}

// New creates a bridge with the given configuration. logTail may be nil;
// request_logs then answers with an empty tail.
func New(cfg *config.Config, log zerolog.Logger, logTail *logbuf.Buffer) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:     cfg,
		log:     log.With().Str("component", "bridge").Logger(),
		logTail: logTail,
		store:   credential.NewStore(cfg.CredentialPath, log),
		ctx:     ctx,
		cancel:  cancel,
	}

	b.hub = hub.NewClient(cfg.HAURL, cfg.HAToken, log, b)
	b.cloud = cloud.NewSession(cfg, b.store, b, b, Version, log)
	b.batcher = NewBatcher(b.cloud, log)
	b.collector = NewCollector(b.hub, log)
	b.executor = NewExecutor(b.hub, b.cloud, b.collector, b.HAVersion, log)
	return b
}

// Store exposes the credential store (for the health endpoint).
func (b *Bridge) Store() *credential.Store {
	return b.store
}

// Run starts the bridge and blocks until shutdown.
func (b *Bridge) Run() error {
	b.log.Info().
		Str("bridge_id", b.cfg.BridgeID).
		Str("hub_url", b.cfg.HAURL).
		Str("cloud_url", b.cfg.CloudURL).
		Msg("starting bridge")

	// Cheap REST probe before committing to the socket: an unreachable or
	// unauthorized hub is a fatal configuration error.
	version, err := b.probeHub()
	if err != nil {
		return fmt.Errorf("hub unreachable: %w", err)
	}
	b.mu.Lock()
	b.haVersion = version
	b.mu.Unlock()
	b.log.Info().Str("ha_version", version).Msg("hub reachable")

	if b.cfg.JournalPath != "" {
		j, err := journal.Open(b.cfg.JournalPath, b.log)
		if err != nil {
			b.log.Warn().Err(err).Str("path", b.cfg.JournalPath).Msg("diagnostics journal unavailable")
		} else {
			b.mu.Lock()
			b.journal = j
			b.mu.Unlock()
		}
	}

	b.store.Load()

	var wg sync.WaitGroup

	if b.jrnl() != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.pruneLoop()
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		b.eventLoop()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		b.hub.Run(b.ctx)
	}()

	if b.store.IsPaired() {
		b.log.Info().Msg("credential resident, connecting to cloud")
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.cloud.Run(b.ctx)
		}()
	} else {
		b.log.Info().Msg("bridge is unpaired, starting pairing flow")
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.runPairing()
		}()
	}

	<-b.ctx.Done()
	wg.Wait()
	b.log.Info().Msg("bridge stopped")
	return nil
}

// Shutdown performs the graceful stop sequence: flush the batcher, close
// the cloud session, close the hub session.
func (b *Bridge) Shutdown() {
	b.log.Info().Msg("shutting down")
	b.batcher.Close()
	b.cloud.Disconnect()
	b.hub.Disconnect()
	b.jrnl().Close()
	b.cancel()
}

// jrnl returns the journal handle, nil until Run opens it. All journal
// methods are safe on a nil receiver.
func (b *Bridge) jrnl() *journal.Journal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.journal
}

// RecentEvents returns the diagnostics journal tail, newest first. It
// backs the health server's /events route.
func (b *Bridge) RecentEvents(n int) ([]journal.Event, error) {
	return b.jrnl().Recent(n)
}

// pruneLoop keeps the journal bounded: one prune at startup, then hourly.
func (b *Bridge) pruneLoop() {
	b.jrnl().Prune(journalRetention)

	ticker := time.NewTicker(journalPruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.jrnl().Prune(journalRetention)
		}
	}
}

// probeHub performs the startup liveness check against the hub's REST API
// and returns the hub version.
func (b *Bridge) probeHub() (string, error) {
	url := hub.DeriveRESTURL(b.cfg.HAURL) + "/config"
	req, err := http.NewRequestWithContext(b.ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+b.cfg.HAToken)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("hub config endpoint returned HTTP %d", resp.StatusCode)
	}

	var cfg struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return "", fmt.Errorf("parse hub config: %w", err)
	}
	return cfg.Version, nil
}

// runPairing drives the pairing coordinator and starts the cloud session
// once a credential lands.
func (b *Bridge) runPairing() {
	coordinator := pairing.NewCoordinator(
		b.cfg.CloudURL, b.cfg.BridgeID, Version, b.HAVersion(), b.store, b.log)

	b.jrnl().Record(journal.KindPairing, "pairing flow started")
	if err := coordinator.Run(b.ctx); err != nil {
		b.jrnl().Record(journal.KindPairing, "pairing failed: "+err.Error())
		b.log.Error().Err(err).Msg("pairing did not complete; bridge stays unpaired until restart")
		return
	}

	b.jrnl().Record(journal.KindPairing, "pairing complete")
	b.cloud.Run(b.ctx)
}

// eventLoop pumps hub state changes into the batcher.
func (b *Bridge) eventLoop() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case ev := <-b.hub.Events():
			b.batcher.Add(ev)
		}
	}
}

// HAVersion returns the hub version, preferring the WebSocket handshake's
// value over the startup probe's.
func (b *Bridge) HAVersion() string {
	if v := b.hub.HAVersion(); v != "" {
		return v
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.haVersion
}

// HAConnected implements cloud.Stats.
func (b *Bridge) HAConnected() bool {
	return b.hub.IsConnected()
}

// CloudConnected reports whether the cloud session is authenticated.
func (b *Bridge) CloudConnected() bool {
	return b.cloud.IsAuthenticated()
}

// EntityCount implements cloud.Stats.
func (b *Bridge) EntityCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.entityCount
}

// LastEventAt implements cloud.Stats.
func (b *Bridge) LastEventAt() time.Time {
	return b.batcher.LastEventAt()
}

// OnHubAuthenticated loads the entity registry and initial states. Both
// are non-fatal: the bridge runs with a zero entity count on failure.
func (b *Bridge) OnHubAuthenticated() {
	b.jrnl().Record(journal.KindConnection, "hub authenticated")

	states, err := b.hub.GetStates(b.ctx)
	if err != nil {
		b.log.Warn().Err(err).Msg("initial state load failed, continuing with zero entities")
		return
	}
	if _, err := b.hub.GetEntities(b.ctx); err != nil {
		b.log.Warn().Err(err).Msg("entity registry load failed, continuing")
	}

	b.mu.Lock()
	b.entityCount = len(states)
	b.mu.Unlock()
	b.log.Info().Int("entities", len(states)).Msg("initial states loaded")
}

// OnHubDisconnected implements hub.Handler.
func (b *Bridge) OnHubDisconnected() {
	b.jrnl().Record(journal.KindConnection, "hub disconnected")
}

// OnHubAuthFailed implements hub.Handler. Hub auth failure is terminal
// until the token is reconfigured.
func (b *Bridge) OnHubAuthFailed(err error) {
	b.jrnl().Record(journal.KindConnection, "hub auth failed: "+err.Error())
	b.log.Error().Err(err).Msg("hub rejected the access token; update HA_TOKEN and restart")
}

// OnCloudAuthenticated implements cloud.Handler.
func (b *Bridge) OnCloudAuthenticated(tenantID string) {
	b.jrnl().Record(journal.KindConnection, "cloud authenticated, tenant "+tenantID)
}

// OnCloudDisconnected implements cloud.Handler.
func (b *Bridge) OnCloudDisconnected() {
	b.jrnl().Record(journal.KindConnection, "cloud disconnected")
}

// OnCommand implements cloud.Handler. The ack already went out; this runs
// on its own goroutine.
func (b *Bridge) OnCommand(cmd protocol.Command) {
	b.jrnl().Record(journal.KindCommand, cmd.CommandType+" "+cmd.CmdID)
	b.executor.Execute(b.ctx, cmd)
}

// OnFullSyncRequest implements cloud.Handler.
func (b *Bridge) OnFullSyncRequest() {
	data := b.collector.Collect(b.ctx)

	b.mu.Lock()
	b.entityCount = len(data.Entities)
	b.mu.Unlock()

	frame := protocol.NewFullSync(data, b.HAVersion(), time.Now())
	if err := b.cloud.SendFullSync(frame); err != nil {
		b.log.Warn().Err(err).Msg("failed to send full sync")
		return
	}
	b.jrnl().Record(journal.KindSync, fmt.Sprintf("full sync sent, %d entities", len(data.Entities)))
}

// OnLogsRequest implements cloud.Handler.
func (b *Bridge) OnLogsRequest(lines int) {
	if lines <= 0 {
		lines = defaultLogTail
	}
	var tail []string
	if b.logTail != nil {
		tail = b.logTail.Lines(lines)
	}
	if err := b.cloud.SendBridgeLogs(tail); err != nil {
		b.log.Warn().Err(err).Msg("failed to send bridge logs")
	}
}
