// Package spool defines durable local persistence for event batches whose
// delivery attempts were exhausted. The buffer re-drives spooled batches
// once the collector is healthy again.
package spool

import (
	"context"

	"github.com/costlens/meter-sdk-go/event"
)

type Spool interface {
	// Save persists a batch. Saving an event id that is already spooled
	// is a no-op so re-spooling after a failed re-drive cannot duplicate.
	Save(ctx context.Context, events []event.Event) error
	// Drain removes and returns up to max spooled events, oldest first.
	Drain(ctx context.Context, max int) ([]event.Event, error)
	Close() error
}
