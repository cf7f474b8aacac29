package protocol

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schemas for inbound cloud frames. Validation happens before decoding so
// malformed frames are rejected with a useful error instead of silently
// producing zero values.
var inboundSchemas = map[string]string{
	TypeAuthResult: `{
		"type": "object",
		"properties": {
			"type": {"const": "auth_result"},
			"success": {"type": "boolean"},
			"tenantId": {"type": "string"},
			"error": {"type": "string"}
		},
		"required": ["type", "success"]
	}`,
	TypeCommand: `{
		"type": "object",
		"properties": {
			"type": {"const": "command"},
			"cmdId": {"type": "string", "minLength": 1},
			"tenantId": {"type": "string"},
			"issuedAt": {"type": "string"},
			"commandType": {"type": "string", "minLength": 1},
			"payload": {"type": "object"},
			"requiresAck": {"type": "boolean"},
			"ttlMs": {"type": "integer", "minimum": 0}
		},
		"required": ["type", "cmdId", "commandType"]
	}`,
	TypeRequestFullSync: `{
		"type": "object",
		"properties": {"type": {"const": "request_full_sync"}},
		"required": ["type"]
	}`,
	TypeRequestHeartbeat: `{
		"type": "object",
		"properties": {"type": {"const": "request_heartbeat"}},
		"required": ["type"]
	}`,
	TypeDisconnect: `{
		"type": "object",
		"properties": {
			"type": {"const": "disconnect"},
			"reason": {"type": "string"}
		},
		"required": ["type"]
	}`,
	TypeRequestLogs: `{
		"type": "object",
		"properties": {
			"type": {"const": "request_logs"},
			"lines": {"type": "integer", "minimum": 1}
		},
		"required": ["type"]
	}`,
}

var (
	schemaMu    sync.RWMutex
	schemaCache = make(map[string]*jsonschema.Schema)
)

// validateInbound checks data against the schema for the given frame type.
// Types without a schema pass through; Decode rejects them separately.
func validateInbound(frameType string, data []byte) error {
	doc, ok := inboundSchemas[frameType]
	if !ok {
		return nil
	}

	sch, err := compiledSchema(frameType, doc)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", frameType, err)
	}

	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("malformed frame: %w", err)
	}
	if err := sch.Validate(payload); err != nil {
		return fmt.Errorf("schema violation in %s frame: %w", frameType, err)
	}
	return nil
}

func compiledSchema(frameType, doc string) (*jsonschema.Schema, error) {
	schemaMu.RLock()
	if s, ok := schemaCache[frameType]; ok {
		schemaMu.RUnlock()
		return s, nil
	}
	schemaMu.RUnlock()

	schemaMu.Lock()
	defer schemaMu.Unlock()

	if s, ok := schemaCache[frameType]; ok {
		return s, nil
	}

	var schemaDoc any
	if err := json.Unmarshal([]byte(doc), &schemaDoc); err != nil {
		return nil, err
	}

	c := jsonschema.NewCompiler()
	name := frameType + ".json"
	if err := c.AddResource(name, schemaDoc); err != nil {
		return nil, err
	}
	compiled, err := c.Compile(name)
	if err != nil {
		return nil, err
	}

	schemaCache[frameType] = compiled
	return compiled, nil
}
