package bridge

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/helm-home/helm-bridge/internal/hub"
	"github.com/helm-home/helm-bridge/internal/protocol"
)

// SnapshotSource is the hub RPC surface the collector fans out over.
type SnapshotSource interface {
	GetAreas(ctx context.Context) (json.RawMessage, error)
	GetDevices(ctx context.Context) (json.RawMessage, error)
	GetEntities(ctx context.Context) ([]hub.RegistryEntry, error)
	GetStates(ctx context.Context) ([]hub.EntityState, error)
	GetServices(ctx context.Context) (map[string]json.RawMessage, error)
}

// Collector assembles full_sync snapshots from five concurrent hub RPCs.
// Each sub-collection tolerates failure independently: an error yields an
// empty collection, never an aborted snapshot.
type Collector struct {
	hub SnapshotSource
	log zerolog.Logger
}

// NewCollector creates a collector reading from the given hub.
func NewCollector(src SnapshotSource, log zerolog.Logger) *Collector {
	return &Collector{
		hub: src,
		log: log.With().Str("component", "fullsync").Logger(),
	}
}

// Collect produces a snapshot of hub topology and state.
func (c *Collector) Collect(ctx context.Context) protocol.FullSyncData {
	var (
		wg       sync.WaitGroup
		areas    json.RawMessage
		devices  json.RawMessage
		registry []hub.RegistryEntry
		states   []hub.EntityState
		services map[string]json.RawMessage
	)

	wg.Add(5)
	go func() {
		defer wg.Done()
		var err error
		if areas, err = c.hub.GetAreas(ctx); err != nil {
			c.log.Warn().Err(err).Msg("areas fetch failed, substituting empty")
			areas = nil
		}
	}()
	go func() {
		defer wg.Done()
		var err error
		if devices, err = c.hub.GetDevices(ctx); err != nil {
			c.log.Warn().Err(err).Msg("devices fetch failed, substituting empty")
			devices = nil
		}
	}()
	go func() {
		defer wg.Done()
		var err error
		if registry, err = c.hub.GetEntities(ctx); err != nil {
			c.log.Warn().Err(err).Msg("entity registry fetch failed, substituting empty")
			registry = nil
		}
	}()
	go func() {
		defer wg.Done()
		var err error
		if states, err = c.hub.GetStates(ctx); err != nil {
			c.log.Warn().Err(err).Msg("states fetch failed, substituting empty")
			states = nil
		}
	}()
	go func() {
		defer wg.Done()
		var err error
		if services, err = c.hub.GetServices(ctx); err != nil {
			c.log.Warn().Err(err).Msg("services fetch failed, substituting empty")
			services = nil
		}
	}()
	wg.Wait()

	if len(areas) == 0 {
		areas = json.RawMessage(`[]`)
	}
	if len(devices) == 0 {
		devices = json.RawMessage(`[]`)
	}

	byEntity := make(map[string]hub.RegistryEntry, len(registry))
	for _, entry := range registry {
		byEntity[entry.EntityID] = entry
	}

	entities := make([]protocol.SyncEntity, 0, len(states))
	for _, st := range states {
		entry := byEntity[st.EntityID]
		entities = append(entities, protocol.SyncEntity{
			EntityID:    st.EntityID,
			State:       st.State,
			Attributes:  st.Attributes,
			DeviceID:    entry.DeviceID,
			AreaID:      entry.AreaID,
			LastChanged: st.LastChanged,
			LastUpdated: st.LastUpdated,
		})
	}

	domains := make([]string, 0, len(services))
	for domain := range services {
		domains = append(domains, domain)
	}
	sort.Strings(domains)
	serviceList := make([]protocol.ServiceDomain, 0, len(domains))
	for _, domain := range domains {
		serviceList = append(serviceList, protocol.ServiceDomain{
			Domain:   domain,
			Services: services[domain],
		})
	}

	c.log.Info().
		Int("entities", len(entities)).
		Int("service_domains", len(serviceList)).
		Msg("snapshot collected")

	return protocol.FullSyncData{
		Areas:    areas,
		Devices:  devices,
		Entities: entities,
		Services: serviceList,
	}
}
