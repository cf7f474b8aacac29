package bridge

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helm-home/helm-bridge/internal/hub"
	"github.com/helm-home/helm-bridge/internal/protocol"
)

// flushDelay is the debounce window measured from the first event.
const flushDelay = 500 * time.Millisecond

// BatchSink receives flushed batches. Delivery is best-effort: batches are
// dropped when the sink is not authenticated.
type BatchSink interface {
	IsAuthenticated() bool
	SendStateBatch(batch protocol.StateBatch) error
}

// Batcher coalesces bursty state-change events into state_batch frames.
// Adding an event never blocks the hub ingestion path.
type Batcher struct {
	sink  BatchSink
	log   zerolog.Logger
	delay time.Duration

	mu        sync.Mutex
	buf       []hub.StateChange
	timer     *time.Timer
	lastEvent time.Time
	closed    bool
}

// NewBatcher creates a batcher flushing into sink.
func NewBatcher(sink BatchSink, log zerolog.Logger) *Batcher {
	return &Batcher{
		sink:  sink,
		log:   log.With().Str("component", "batcher").Logger(),
		delay: flushDelay,
	}
}

// Add appends an event to the current window, arming the flush timer if
// this is the window's first event.
func (b *Batcher) Add(ev hub.StateChange) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.buf = append(b.buf, ev)
	b.lastEvent = time.Now().UTC()
	if b.timer == nil {
		b.timer = time.AfterFunc(b.delay, b.flush)
	}
}

// LastEventAt returns the time of the most recent ingested event.
func (b *Batcher) LastEventAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastEvent
}

// flush swaps the buffer and emits one batch frame. Events collected while
// the cloud is unauthenticated are discarded.
func (b *Batcher) flush() {
	b.mu.Lock()
	events := b.buf
	b.buf = nil
	b.timer = nil
	b.mu.Unlock()

	if len(events) == 0 {
		return
	}

	if !b.sink.IsAuthenticated() {
		b.log.Debug().Int("events", len(events)).Msg("cloud not authenticated, discarding batch")
		return
	}

	batch := protocol.NewStateBatch(uuid.NewString(), toBatchEvents(events))
	if err := b.sink.SendStateBatch(batch); err != nil {
		b.log.Warn().Err(err).Str("batch_id", batch.BatchID).Msg("failed to send state batch")
		return
	}
	b.log.Debug().Str("batch_id", batch.BatchID).Int("events", len(batch.Events)).Msg("state batch sent")
}

// Close performs one final synchronous flush and stops the batcher.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	b.flush()
}

func toBatchEvents(events []hub.StateChange) []protocol.BatchEvent {
	out := make([]protocol.BatchEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, protocol.BatchEvent{
			EntityID:  ev.EntityID,
			OldState:  toProtoState(ev.OldState),
			NewState:  toProtoState(ev.NewState),
			Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	}
	return out
}

func toProtoState(s *hub.EntityState) *protocol.EntityState {
	if s == nil {
		return nil
	}
	return &protocol.EntityState{
		EntityID:    s.EntityID,
		State:       s.State,
		Attributes:  s.Attributes,
		LastChanged: s.LastChanged,
		LastUpdated: s.LastUpdated,
	}
}
