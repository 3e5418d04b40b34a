package events

// Event is a structured record of a settlement-engine state change. The
// surrounding CRUD/API layer treats the emitted stream as the source of truth
// for job financial status instead of deriving its own.
type Event interface {
	EventType() string
}

// Emitter forwards events to downstream subscribers (webhook dispatchers,
// indexers, websocket streams).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies Emitter while discarding everything. Components that
// emit optionally default to it so emission never needs a nil check.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}
