package hub

import (
	"context"
	"encoding/json"
	"fmt"
)

// Typed wrappers over the RPC multiplexer. Each corresponds to one hub
// command name.

// GetConfig returns the hub's configuration object.
func (c *Client) GetConfig(ctx context.Context) (json.RawMessage, error) {
	return c.SendCommand(ctx, "get_config", nil)
}

// GetAreas returns the area registry.
func (c *Client) GetAreas(ctx context.Context) (json.RawMessage, error) {
	return c.SendCommand(ctx, "config/area_registry/list", nil)
}

// GetDevices returns the device registry.
func (c *Client) GetDevices(ctx context.Context) (json.RawMessage, error) {
	return c.SendCommand(ctx, "config/device_registry/list", nil)
}

// GetEntities returns the entity registry.
func (c *Client) GetEntities(ctx context.Context) ([]RegistryEntry, error) {
	raw, err := c.SendCommand(ctx, "config/entity_registry/list", nil)
	if err != nil {
		return nil, err
	}
	var entries []RegistryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse entity registry: %w", err)
	}
	return entries, nil
}

// GetStates returns the current state of every entity.
func (c *Client) GetStates(ctx context.Context) ([]EntityState, error) {
	raw, err := c.SendCommand(ctx, "get_states", nil)
	if err != nil {
		return nil, err
	}
	var states []EntityState
	if err := json.Unmarshal(raw, &states); err != nil {
		return nil, fmt.Errorf("parse states: %w", err)
	}
	return states, nil
}

// GetServices returns the service map keyed by domain.
func (c *Client) GetServices(ctx context.Context) (map[string]json.RawMessage, error) {
	raw, err := c.SendCommand(ctx, "get_services", nil)
	if err != nil {
		return nil, err
	}
	var services map[string]json.RawMessage
	if err := json.Unmarshal(raw, &services); err != nil {
		return nil, fmt.Errorf("parse services: %w", err)
	}
	return services, nil
}

// CallService invokes a hub service and returns the raw response.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) (json.RawMessage, error) {
	payload := map[string]any{
		"domain":  domain,
		"service": service,
	}
	if len(data) > 0 {
		payload["service_data"] = data
	}
	return c.SendCommand(ctx, "call_service", payload)
}
