package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/helm-home/helm-bridge/internal/hub"
	"github.com/helm-home/helm-bridge/internal/protocol"
)

// fakeCaller scripts the hub RPC surface.
type fakeCaller struct {
	mu       sync.Mutex
	calls    []string
	response json.RawMessage
	err      error
	states   []hub.EntityState
}

func (f *fakeCaller) CallService(ctx context.Context, domain, service string, data map[string]any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, domain+"."+service)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func (f *fakeCaller) GetStates(ctx context.Context) ([]hub.EntityState, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.states, nil
}

// fakeResultSink records everything the executor emits.
type fakeResultSink struct {
	mu      sync.Mutex
	results []protocol.CommandResult
	syncs   []protocol.FullSync
	batches []protocol.StateBatch
}

func (f *fakeResultSink) SendCommandResult(res protocol.CommandResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, res)
	return nil
}

func (f *fakeResultSink) SendFullSync(frame protocol.FullSync) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs = append(f.syncs, frame)
	return nil
}

func (f *fakeResultSink) SendStateBatch(batch protocol.StateBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeResultSink) lastResult(t *testing.T) protocol.CommandResult {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.results) == 0 {
		t.Fatal("no command result emitted")
	}
	return f.results[len(f.results)-1]
}

func newTestExecutor(caller *fakeCaller, sink *fakeResultSink) *Executor {
	collector := NewCollector(&fakeSnapshotSource{}, zerolog.Nop())
	return NewExecutor(caller, sink, collector, func() string { return "2026.2.1" }, zerolog.Nop())
}

func callServiceCommand(cmdID string) protocol.Command {
	return protocol.Command{
		Type:        protocol.TypeCommand,
		CmdID:       cmdID,
		CommandType: protocol.CmdCallService,
		Payload:     json.RawMessage(`{"domain":"light","service":"turn_on","serviceData":{"entity_id":"light.kitchen"}}`),
	}
}

func TestExecutor_CallServiceCompleted(t *testing.T) {
	caller := &fakeCaller{response: json.RawMessage(`{"context":{"id":"ctx1"}}`)}
	sink := &fakeResultSink{}
	e := newTestExecutor(caller, sink)

	e.Execute(context.Background(), callServiceCommand("cmd-1"))

	if len(caller.calls) != 1 || caller.calls[0] != "light.turn_on" {
		t.Errorf("hub calls = %v", caller.calls)
	}

	res := sink.lastResult(t)
	if res.CmdID != "cmd-1" || res.Status != protocol.StatusCompleted {
		t.Errorf("result = %+v", res)
	}
	if _, ok := res.Result["haResponse"]; !ok {
		t.Errorf("result missing haResponse: %+v", res.Result)
	}
}

func TestExecutor_CallServiceFailed(t *testing.T) {
	caller := &fakeCaller{err: errors.New("service light.turn_on not found")}
	sink := &fakeResultSink{}
	e := newTestExecutor(caller, sink)

	e.Execute(context.Background(), callServiceCommand("cmd-2"))

	res := sink.lastResult(t)
	if res.Status != protocol.StatusFailed {
		t.Fatalf("Status = %q, want failed", res.Status)
	}
	if res.Error == nil || res.Error.Code != codeExecutionFailed {
		t.Errorf("Error = %+v", res.Error)
	}
	if res.Error.Message != "service light.turn_on not found" {
		t.Errorf("Error.Message = %q", res.Error.Message)
	}
}

func TestExecutor_InvalidPayload(t *testing.T) {
	sink := &fakeResultSink{}
	e := newTestExecutor(&fakeCaller{}, sink)

	cmd := callServiceCommand("cmd-3")
	cmd.Payload = json.RawMessage(`{"service":"turn_on"}`) // no domain
	e.Execute(context.Background(), cmd)

	res := sink.lastResult(t)
	if res.Status != protocol.StatusFailed || res.Error == nil || res.Error.Code != codeInvalidPayload {
		t.Errorf("result = %+v", res)
	}
}

func TestExecutor_UnknownCommandType(t *testing.T) {
	caller := &fakeCaller{}
	sink := &fakeResultSink{}
	e := newTestExecutor(caller, sink)

	e.Execute(context.Background(), protocol.Command{
		CmdID:       "cmd-4",
		CommandType: "ha_reboot_everything",
	})

	res := sink.lastResult(t)
	if res.Status != protocol.StatusFailed || res.Error == nil || res.Error.Code != codeUnknownCommand {
		t.Errorf("result = %+v", res)
	}
	if len(caller.calls) != 0 {
		t.Errorf("hub called for unknown command: %v", caller.calls)
	}
}

func TestExecutor_TTLExpired(t *testing.T) {
	caller := &fakeCaller{}
	sink := &fakeResultSink{}
	e := newTestExecutor(caller, sink)

	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return issued.Add(10 * time.Second) }

	cmd := callServiceCommand("cmd-5")
	cmd.IssuedAt = issued.Format(time.RFC3339)
	cmd.TTLMs = 5000
	e.Execute(context.Background(), cmd)

	res := sink.lastResult(t)
	if res.Status != protocol.StatusExpired {
		t.Errorf("Status = %q, want expired", res.Status)
	}
	if len(caller.calls) != 0 {
		t.Errorf("hub called for expired command: %v", caller.calls)
	}
}

func TestExecutor_TTLNotElapsed(t *testing.T) {
	caller := &fakeCaller{response: json.RawMessage(`{}`)}
	sink := &fakeResultSink{}
	e := newTestExecutor(caller, sink)

	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return issued.Add(2 * time.Second) }

	cmd := callServiceCommand("cmd-6")
	cmd.IssuedAt = issued.Format(time.RFC3339)
	cmd.TTLMs = 5000
	e.Execute(context.Background(), cmd)

	if res := sink.lastResult(t); res.Status != protocol.StatusCompleted {
		t.Errorf("Status = %q, want completed", res.Status)
	}
}

func TestExecutor_FullResync(t *testing.T) {
	sink := &fakeResultSink{}
	e := newTestExecutor(&fakeCaller{}, sink)

	e.Execute(context.Background(), protocol.Command{
		CmdID:       "cmd-7",
		CommandType: protocol.CmdFullResync,
	})

	if len(sink.syncs) != 1 {
		t.Fatalf("got %d full_sync frames, want 1", len(sink.syncs))
	}
	if sink.syncs[0].HAVersion != "2026.2.1" {
		t.Errorf("HAVersion = %q", sink.syncs[0].HAVersion)
	}
	if res := sink.lastResult(t); res.Status != protocol.StatusCompleted {
		t.Errorf("result = %+v", res)
	}
}

func TestExecutor_RefreshEntity(t *testing.T) {
	caller := &fakeCaller{states: []hub.EntityState{
		{EntityID: "light.kitchen", State: "on"},
		{EntityID: "sensor.temp", State: "20.1"},
	}}
	sink := &fakeResultSink{}
	e := newTestExecutor(caller, sink)

	e.Execute(context.Background(), protocol.Command{
		CmdID:       "cmd-8",
		CommandType: protocol.CmdRefreshEntity,
		Payload:     json.RawMessage(`{"entityId":"sensor.temp"}`),
	})

	if len(sink.batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(sink.batches))
	}
	batch := sink.batches[0]
	if len(batch.Events) != 1 || batch.Events[0].EntityID != "sensor.temp" {
		t.Errorf("batch events = %+v", batch.Events)
	}
	if res := sink.lastResult(t); res.Status != protocol.StatusCompleted {
		t.Errorf("result = %+v", res)
	}
}

func TestExecutor_RefreshEntityNotFound(t *testing.T) {
	caller := &fakeCaller{states: []hub.EntityState{{EntityID: "light.kitchen", State: "on"}}}
	sink := &fakeResultSink{}
	e := newTestExecutor(caller, sink)

	e.Execute(context.Background(), protocol.Command{
		CmdID:       "cmd-9",
		CommandType: protocol.CmdRefreshEntity,
		Payload:     json.RawMessage(`{"entityId":"light.gone"}`),
	})

	res := sink.lastResult(t)
	if res.Status != protocol.StatusFailed || res.Error == nil || res.Error.Code != codeExecutionFailed {
		t.Errorf("result = %+v", res)
	}
}
