// Package events delivers committed ledger events to downstream consumers.
//
// Sinks are notified only after a changeset has been persisted, so a
// consumer never observes an event whose effects were rolled back. Delivery
// is best effort: the store's event log is the source of truth.
package events

import (
	"context"

	"github.com/tidmarket/market-engine/internal/model"
)

// Sink receives committed events. Publish must not block the caller for
// long; slow transports should buffer.
type Sink interface {
	Publish(ctx context.Context, evs ...model.Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, evs ...model.Event)

// Publish implements Sink.
func (f SinkFunc) Publish(ctx context.Context, evs ...model.Event) { f(ctx, evs...) }

// Multi fans events out to every non-nil sink in order.
type Multi []Sink

// Publish implements Sink.
func (m Multi) Publish(ctx context.Context, evs ...model.Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(ctx, evs...)
		}
	}
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, ...model.Event) {})
