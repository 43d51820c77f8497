// Package audit publishes structured events about credential operations.
// Emission is best-effort: events are written from the background executor
// and a failing sink is logged, never reported to the caller.
package audit

import (
	"context"
	"time"

	"github.com/jkaninda/keyvault/internal/background"
)

// Event types.
const (
	EventCreate   = "api_key.create"
	EventDelete   = "api_key.delete"
	EventValidate = "api_key.validate"
	EventRotate   = "api_key.rotate"
	EventAccess   = "api_key.access"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Event is a single audit record. Metadata must never carry key material.
type Event struct {
	Timestamp  time.Time      `json:"timestamp"`
	EventType  string         `json:"event_type"`
	Outcome    string         `json:"outcome"`
	ActorID    string         `json:"actor_id"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Sink persists audit events.
type Sink interface {
	Write(ctx context.Context, event Event) error
	Close() error
}

// Store is an append-only event table used by StoreSink.
type Store interface {
	Append(ctx context.Context, event Event) error
}

// Submitter runs detached jobs. *background.Executor implements it.
type Submitter interface {
	Submit(ctx context.Context, name string, fn background.Job) bool
}

// Emitter hands events to a sink without blocking the caller.
type Emitter struct {
	sink Sink
	jobs Submitter
	now  func() time.Time
}

// NewEmitter creates an Emitter. A nil sink discards events. With a nil
// jobs, events are written inline on a context detached from the caller.
// Sink failures surface only in the executor's job log.
func NewEmitter(sink Sink, jobs Submitter) *Emitter {
	return &Emitter{sink: sink, jobs: jobs, now: time.Now}
}

// Emit schedules the event for writing and returns immediately.
func (e *Emitter) Emit(ctx context.Context, eventType, outcome, actorID, resourceID string, metadata map[string]any) {
	if e == nil || e.sink == nil {
		return
	}
	event := Event{
		Timestamp:  e.now().UTC(),
		EventType:  eventType,
		Outcome:    outcome,
		ActorID:    actorID,
		ResourceID: resourceID,
		Metadata:   metadata,
	}
	write := func(ctx context.Context) error {
		return e.sink.Write(ctx, event)
	}
	if e.jobs == nil {
		_ = write(context.WithoutCancel(ctx))
		return
	}
	e.jobs.Submit(ctx, "audit."+eventType, write)
}
