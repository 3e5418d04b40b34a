package main

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"gigvault/core/events"
	"gigvault/core/types"
)

// EventRecorder receives engine events, assigns monotonic sequence numbers,
// persists them and fans them out to the webhook queue and websocket hub.
type EventRecorder struct {
	store  *SQLiteStore
	queue  *WebhookQueue
	hub    *EventHub
	logger *slog.Logger
	nowFn  func() time.Time

	sequence atomic.Int64
}

// NewEventRecorder resumes sequence numbering from the last persisted event.
func NewEventRecorder(store *SQLiteStore, queue *WebhookQueue, hub *EventHub, logger *slog.Logger) (*EventRecorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &EventRecorder{
		store:  store,
		queue:  queue,
		hub:    hub,
		logger: logger,
		nowFn:  time.Now,
	}
	if store != nil {
		last, err := store.LastEventSequence(context.Background())
		if err != nil {
			return nil, err
		}
		r.sequence.Store(last)
	}
	return r, nil
}

// Emit implements events.Emitter.
func (r *EventRecorder) Emit(evt events.Event) {
	carrier, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		return
	}
	payload := carrier.Event()
	if payload == nil {
		return
	}
	seq := r.sequence.Add(1)
	now := r.nowFn().UTC()
	jobID, _ := strconv.ParseUint(payload.Attribute("jobId"), 10, 64)

	stored := StoredEvent{
		Sequence:  seq,
		Type:      payload.Type,
		JobID:     jobID,
		Payload:   cloneAttributes(payload.Attributes),
		CreatedAt: now,
	}
	if r.store != nil {
		if err := r.store.InsertEvent(context.Background(), stored); err != nil {
			r.logger.Warn("persist event", "type", payload.Type, "error", err)
		}
	}
	if r.queue != nil {
		r.queue.Enqueue(WebhookEvent{
			Sequence:   seq,
			Type:       payload.Type,
			JobID:      jobID,
			Attributes: stored.Payload,
			CreatedAt:  now,
		})
	}
	if r.hub != nil {
		r.hub.Broadcast(stored)
	}
}

func cloneAttributes(attrs map[string]string) map[string]string {
	cloned := make(map[string]string, len(attrs))
	for k, v := range attrs {
		cloned[k] = v
	}
	return cloned
}
