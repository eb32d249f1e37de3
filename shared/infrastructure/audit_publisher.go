package infrastructure

import (
	"context"

	"github.com/pkg/errors"

	"github.com/sagaline/tx-orchestrator/shared/events"
)

// EventStorePublisher adapts an EventStore to the Publisher interface so
// lifecycle events land in the audit trail through the same fan-out as the
// broker.
type EventStorePublisher struct {
	store events.EventStore
}

var _ events.Publisher = (*EventStorePublisher)(nil)

// NewEventStorePublisher creates a publisher writing into the given store.
func NewEventStorePublisher(store events.EventStore) *EventStorePublisher {
	return &EventStorePublisher{store: store}
}

// Publish appends the events to their aggregates' streams, preserving the
// submitted order within each aggregate.
func (p *EventStorePublisher) Publish(ctx context.Context, evts ...*events.Event) error {
	for _, event := range evts {
		if err := p.store.SaveEvents(ctx, event.AggregateID, []*events.Event{event}); err != nil {
			return errors.Wrapf(err, "failed to audit event %s", event.EventType)
		}
	}
	return nil
}

// CompositePublisher fans events out to several publishers. Every publisher
// sees every event; the first error is returned after the fan-out finishes.
type CompositePublisher struct {
	publishers []events.Publisher
}

var _ events.Publisher = (*CompositePublisher)(nil)

// NewCompositePublisher creates a fan-out over the given publishers.
func NewCompositePublisher(publishers ...events.Publisher) *CompositePublisher {
	return &CompositePublisher{publishers: publishers}
}

// Publish delivers the events to every configured publisher.
func (p *CompositePublisher) Publish(ctx context.Context, evts ...*events.Event) error {
	var firstErr error
	for _, publisher := range p.publishers {
		if err := publisher.Publish(ctx, evts...); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
