package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helm-home/helm-bridge/internal/hub"
	"github.com/helm-home/helm-bridge/internal/protocol"
)

// Command error codes reported to the cloud.
const (
	codeExecutionFailed = "EXECUTION_FAILED"
	codeUnknownCommand  = "UNKNOWN_COMMAND"
	codeInvalidPayload  = "INVALID_PAYLOAD"
)

// ServiceCaller is the hub surface commands execute against.
type ServiceCaller interface {
	CallService(ctx context.Context, domain, service string, data map[string]any) (json.RawMessage, error)
	GetStates(ctx context.Context) ([]hub.EntityState, error)
}

// ResultSink receives command outcomes and snapshot frames.
type ResultSink interface {
	SendCommandResult(res protocol.CommandResult) error
	SendFullSync(frame protocol.FullSync) error
	SendStateBatch(batch protocol.StateBatch) error
}

// Executor dispatches cloud commands against the hub and reports results.
type Executor struct {
	hub       ServiceCaller
	sink      ResultSink
	collector *Collector
	haVersion func() string
	log       zerolog.Logger

	now func() time.Time
}

// NewExecutor creates an executor. haVersion supplies the hub version for
// full_sync frames triggered by commands.
func NewExecutor(caller ServiceCaller, sink ResultSink, collector *Collector, haVersion func() string, log zerolog.Logger) *Executor {
	return &Executor{
		hub:       caller,
		sink:      sink,
		collector: collector,
		haVersion: haVersion,
		log:       log.With().Str("component", "executor").Logger(),
		now:       time.Now,
	}
}

// Execute runs one command to completion and emits its command_result.
func (e *Executor) Execute(ctx context.Context, cmd protocol.Command) {
	if expired, age := e.expired(cmd); expired {
		e.log.Warn().
			Str("cmd_id", cmd.CmdID).
			Dur("age", age).
			Int64("ttl_ms", cmd.TTLMs).
			Msg("command expired before dispatch")
		e.report(protocol.NewCommandResult(cmd.CmdID, protocol.StatusExpired, nil, nil))
		return
	}

	switch cmd.CommandType {
	case protocol.CmdCallService:
		e.executeCallService(ctx, cmd)
	case protocol.CmdFullResync:
		e.executeFullResync(ctx, cmd)
	case protocol.CmdRefreshEntity:
		e.executeRefreshEntity(ctx, cmd)
	default:
		e.log.Warn().Str("cmd_id", cmd.CmdID).Str("command_type", cmd.CommandType).Msg("unknown command type")
		e.report(protocol.NewCommandResult(cmd.CmdID, protocol.StatusFailed, nil, &protocol.CommandError{
			Code:    codeUnknownCommand,
			Message: fmt.Sprintf("unknown command type %q", cmd.CommandType),
		}))
	}
}

// expired reports whether the command's ttl elapsed before dispatch.
func (e *Executor) expired(cmd protocol.Command) (bool, time.Duration) {
	if cmd.TTLMs <= 0 || cmd.IssuedAt == "" {
		return false, 0
	}
	issued, err := time.Parse(time.RFC3339, cmd.IssuedAt)
	if err != nil {
		return false, 0
	}
	age := e.now().Sub(issued)
	return age > time.Duration(cmd.TTLMs)*time.Millisecond, age
}

type callServicePayload struct {
	Domain      string         `json:"domain"`
	Service     string         `json:"service"`
	ServiceData map[string]any `json:"serviceData"`
}

func (e *Executor) executeCallService(ctx context.Context, cmd protocol.Command) {
	var payload callServicePayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil || payload.Domain == "" || payload.Service == "" {
		e.report(protocol.NewCommandResult(cmd.CmdID, protocol.StatusFailed, nil, &protocol.CommandError{
			Code:    codeInvalidPayload,
			Message: "ha_call_service payload requires domain and service",
		}))
		return
	}

	e.log.Info().
		Str("cmd_id", cmd.CmdID).
		Str("domain", payload.Domain).
		Str("service", payload.Service).
		Msg("calling hub service")

	resp, err := e.hub.CallService(ctx, payload.Domain, payload.Service, payload.ServiceData)
	if err != nil {
		e.report(protocol.NewCommandResult(cmd.CmdID, protocol.StatusFailed, nil, &protocol.CommandError{
			Code:    codeExecutionFailed,
			Message: err.Error(),
		}))
		return
	}

	var haResponse any
	if len(resp) > 0 {
		if err := json.Unmarshal(resp, &haResponse); err != nil {
			haResponse = string(resp)
		}
	}
	e.report(protocol.NewCommandResult(cmd.CmdID, protocol.StatusCompleted, map[string]any{
		"haResponse": haResponse,
	}, nil))
}

func (e *Executor) executeFullResync(ctx context.Context, cmd protocol.Command) {
	data := e.collector.Collect(ctx)
	frame := protocol.NewFullSync(data, e.haVersion(), e.now())
	if err := e.sink.SendFullSync(frame); err != nil {
		e.report(protocol.NewCommandResult(cmd.CmdID, protocol.StatusFailed, nil, &protocol.CommandError{
			Code:    codeExecutionFailed,
			Message: err.Error(),
		}))
		return
	}
	e.report(protocol.NewCommandResult(cmd.CmdID, protocol.StatusCompleted, map[string]any{
		"entities": len(data.Entities),
	}, nil))
}

type refreshEntityPayload struct {
	EntityID string `json:"entityId"`
}

func (e *Executor) executeRefreshEntity(ctx context.Context, cmd protocol.Command) {
	var payload refreshEntityPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil || payload.EntityID == "" {
		e.report(protocol.NewCommandResult(cmd.CmdID, protocol.StatusFailed, nil, &protocol.CommandError{
			Code:    codeInvalidPayload,
			Message: "ha_refresh_entity payload requires entityId",
		}))
		return
	}

	states, err := e.hub.GetStates(ctx)
	if err != nil {
		e.report(protocol.NewCommandResult(cmd.CmdID, protocol.StatusFailed, nil, &protocol.CommandError{
			Code:    codeExecutionFailed,
			Message: err.Error(),
		}))
		return
	}

	for _, st := range states {
		if st.EntityID != payload.EntityID {
			continue
		}
		batch := protocol.NewStateBatch(uuid.NewString(), []protocol.BatchEvent{{
			EntityID:  st.EntityID,
			NewState:  toProtoState(&st),
			Timestamp: e.now().UTC().Format(time.RFC3339Nano),
		}})
		if err := e.sink.SendStateBatch(batch); err != nil {
			e.report(protocol.NewCommandResult(cmd.CmdID, protocol.StatusFailed, nil, &protocol.CommandError{
				Code:    codeExecutionFailed,
				Message: err.Error(),
			}))
			return
		}
		e.report(protocol.NewCommandResult(cmd.CmdID, protocol.StatusCompleted, map[string]any{
			"entityId": st.EntityID,
			"state":    st.State,
		}, nil))
		return
	}

	e.report(protocol.NewCommandResult(cmd.CmdID, protocol.StatusFailed, nil, &protocol.CommandError{
		Code:    codeExecutionFailed,
		Message: fmt.Sprintf("entity %q not found", payload.EntityID),
	}))
}

func (e *Executor) report(res protocol.CommandResult) {
	if err := e.sink.SendCommandResult(res); err != nil {
		e.log.Warn().Err(err).Str("cmd_id", res.CmdID).Msg("failed to send command result")
	}
}
