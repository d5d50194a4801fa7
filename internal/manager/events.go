package manager

import (
	"time"

	"github.com/google/uuid"
)

// Event represents a supervisor lifecycle event. Name is the phase the model
// entered; Fields carries from/port/pid/error where relevant.
type Event struct {
	ID      string
	Time    time.Time
	Name    string
	ModelID string
	Fields  map[string]any
}

// EventPublisher receives events from the supervisor. Implementations should
// be lightweight and non-blocking; Publish is called under the registry lock
// so subscribers observe transitions in order. Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

func newEvent(name, modelID string, fields map[string]any) Event {
	return Event{ID: uuid.NewString(), Time: time.Now().UTC(), Name: name, ModelID: modelID, Fields: fields}
}
