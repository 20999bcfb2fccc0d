// Package pubsub is the fan-out layer under the monitor feed: a generic
// broker with bounded per-subscriber queues, optional replay of recent
// history, and configurable overflow handling.
package pubsub

import (
	"context"
	"time"
)

// EventType tags what happened to the payload.
type EventType string

const (
	CreatedEvent EventType = "created"
	UpdatedEvent EventType = "updated"
	DeletedEvent EventType = "deleted"
)

// Event pairs a typed payload with its type tag and publish time.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

// Subscriber hands out subscription channels scoped to a context.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher accepts typed payloads for delivery to all subscribers.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T)
}
