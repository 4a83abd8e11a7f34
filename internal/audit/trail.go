// Package audit is the append-only audit trail every component records to.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/phys-sims/pm-bot-sub001/internal/clock"
	"github.com/phys-sims/pm-bot-sub001/internal/domain"
	store "github.com/phys-sims/pm-bot-sub001/internal/repository"
)

const subscriberBuffer = 256

// Recorder is what components need to write to the trail.
type Recorder interface {
	Record(ctx context.Context, runID string, eventType domain.EventType, payload interface{}, reasonCode string) (*domain.AuditEvent, error)
}

// Trail appends events to the store and fans them out to live subscribers.
type Trail struct {
	store store.EventStore
	clock clock.Clock

	mu          sync.Mutex
	subscribers map[string]map[string]chan domain.AuditEvent
}

// NewTrail creates a Trail.
func NewTrail(s store.EventStore, clk clock.Clock) *Trail {
	if clk == nil {
		clk = clock.Real()
	}
	return &Trail{
		store:       s,
		clock:       clk,
		subscribers: make(map[string]map[string]chan domain.AuditEvent),
	}
}

// Record appends one event. runID may be empty for events not tied to a run.
func (t *Trail) Record(ctx context.Context, runID string, eventType domain.EventType, payload interface{}, reasonCode string) (*domain.AuditEvent, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		payloadBytes = b
	}

	event := &domain.AuditEvent{
		EventID:    "evt_" + uuid.New().String()[:8],
		RunID:      runID,
		Type:       eventType,
		Payload:    payloadBytes,
		ReasonCode: reasonCode,
		Ts:         t.clock.Now().UnixMilli(),
	}
	if err := t.store.AppendEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to append %s event: %w", eventType, err)
	}

	if runID != "" {
		t.publish(*event)
	}
	return event, nil
}

// EventsByRunID returns the run's events in the order they were recorded.
func (t *Trail) EventsByRunID(ctx context.Context, runID string) ([]domain.AuditEvent, error) {
	return t.store.EventsByRunID(ctx, runID, 0, nil, 0)
}

// Query returns a run's events after afterSeq, optionally filtered by type.
func (t *Trail) Query(ctx context.Context, runID string, afterSeq int64, types []string, limit int) ([]domain.AuditEvent, error) {
	return t.store.EventsByRunID(ctx, runID, afterSeq, types, limit)
}

// Subscribe streams events recorded for runID from now on. The returned
// cancel func must be called once the caller stops reading. A subscriber that
// falls too far behind is dropped and its channel closed.
func (t *Trail) Subscribe(runID string) (<-chan domain.AuditEvent, func()) {
	id := uuid.New().String()
	ch := make(chan domain.AuditEvent, subscriberBuffer)

	t.mu.Lock()
	if t.subscribers[runID] == nil {
		t.subscribers[runID] = make(map[string]chan domain.AuditEvent)
	}
	t.subscribers[runID][id] = ch
	t.mu.Unlock()

	return ch, func() { t.unsubscribe(runID, id) }
}

func (t *Trail) unsubscribe(runID, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs := t.subscribers[runID]
	ch, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(t.subscribers, runID)
	}
	close(ch)
}

func (t *Trail) publish(event domain.AuditEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.subscribers[event.RunID] {
		select {
		case ch <- event:
		default:
			log.Printf("WARN: audit subscriber %s for run %s is full, dropping it", id, event.RunID)
			delete(t.subscribers[event.RunID], id)
			close(ch)
		}
	}
	if len(t.subscribers[event.RunID]) == 0 {
		delete(t.subscribers, event.RunID)
	}
}
