package webhook

import (
	"context"
	"sort"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// EventBuilder provides a fluent API for constructing webhook events.
//
// Usage:
//
//	event := webhook.NewEventBuilder(ctx).
//		ForEnvironment(project, env).
//		WithFlags(names).
//		WithActor("@alice", commitMessage).
//		Build()
//
//	dispatcher.Dispatch(event)
type EventBuilder struct {
	event Event
}

// NewEventBuilder creates a builder carrying the request ID found in ctx.
func NewEventBuilder(ctx context.Context) *EventBuilder {
	return &EventBuilder{
		event: Event{
			Timestamp: time.Now().UTC(),
			Metadata:  Metadata{RequestID: middleware.GetReqID(ctx)},
		},
	}
}

// ForEnvironment targets an environment document; the event type is
// flags.updated.
func (b *EventBuilder) ForEnvironment(project, env string) *EventBuilder {
	b.event.Type = EventFlagsUpdated
	b.event.Project = project
	b.event.Environment = env
	return b
}

// ForProject targets the project-root flags; the event type is flags.added.
func (b *EventBuilder) ForProject(project string) *EventBuilder {
	b.event.Type = EventFlagsAdded
	b.event.Project = project
	b.event.Environment = ""
	return b
}

// WithBackend records which store took the write.
func (b *EventBuilder) WithBackend(backend string) *EventBuilder {
	b.event.Backend = backend
	return b
}

// WithFlags sets the changed flag names, sorted.
func (b *EventBuilder) WithFlags(names []string) *EventBuilder {
	flags := append([]string(nil), names...)
	sort.Strings(flags)
	b.event.Flags = flags
	return b
}

// WithActor sets who made the change and the resulting commit message.
func (b *EventBuilder) WithActor(actor, commitMessage string) *EventBuilder {
	b.event.Actor = actor
	b.event.CommitMessage = commitMessage
	return b
}

// Build returns the constructed Event.
func (b *EventBuilder) Build() Event {
	return b.event
}
