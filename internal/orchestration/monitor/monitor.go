// Package monitor fans orchestration events out to UI subscribers.
// Events pass through a replay ring so late subscribers get recent context;
// slow subscribers are dropped rather than allowed to stall the feed.
package monitor

import (
	"context"
	"time"

	"github.com/zjrosen/hivemux/internal/log"
	"github.com/zjrosen/hivemux/internal/orchestration/registry"
	"github.com/zjrosen/hivemux/internal/pubsub"
)

// Feed sizing. The ring holds recent history for late subscribers; each
// subscriber's queue is bounded and overflow drops the subscriber.
const (
	RingDepth       = 1000
	SubscriberQueue = 100
)

// EventType classifies a feed event.
type EventType string

const (
	InstanceStateChanged EventType = "instance_state_changed"
	MessageExchange      EventType = "message_exchange"
	ProgressUpdate       EventType = "progress_update"
	HealthCheck          EventType = "health_check"
)

// Event is one feed entry.
type Event struct {
	Type       EventType      `json:"type"`
	InstanceID registry.ID    `json:"instance_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	At         time.Time      `json:"at"`
}

// Feed is the push-based monitor stream. Safe for concurrent use.
type Feed struct {
	broker *pubsub.Broker[Event]
	now    func() time.Time
}

// New creates a feed with the standard ring and queue sizes.
func New() *Feed {
	return NewWithClock(time.Now)
}

// NewWithClock creates a feed with an injectable clock.
func NewWithClock(now func() time.Time) *Feed {
	return &Feed{
		broker: pubsub.NewBroker(
			pubsub.WithBuffer[Event](SubscriberQueue),
			pubsub.WithReplay[Event](RingDepth),
			pubsub.WithOverflowPolicy[Event](pubsub.DropSubscriber, func(pending int) {
				log.Warn(log.CatMonitor, "dropping slow monitor subscriber", "pending", pending)
			}),
		),
		now: now,
	}
}

// Emit publishes one event to the feed.
func (f *Feed) Emit(t EventType, instanceID registry.ID, data map[string]any) {
	f.broker.Publish(pubsub.CreatedEvent, Event{
		Type:       t,
		InstanceID: instanceID,
		Data:       data,
		At:         f.now(),
	})
}

// StateChanged reports a lifecycle transition.
func (f *Feed) StateChanged(id registry.ID, from, to registry.State) {
	f.Emit(InstanceStateChanged, id, map[string]any{"from": string(from), "to": string(to)})
}

// Exchange reports one completed or attempted message exchange.
func (f *Feed) Exchange(from, to registry.ID, messageID string, tokens int) {
	f.Emit(MessageExchange, to, map[string]any{
		"from":       string(from),
		"message_id": messageID,
		"tokens":     tokens,
	})
}

// Progress reports a supervisor classification for an instance.
func (f *Feed) Progress(id registry.ID, classification string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["classification"] = classification
	f.Emit(ProgressUpdate, id, data)
}

// Health reports a supervisor sweep summary.
func (f *Feed) Health(data map[string]any) {
	f.Emit(HealthCheck, "", data)
}

// Subscribe returns a channel of feed events. With no types given the
// subscription is wildcard; otherwise only matching events are delivered.
// The channel closes when ctx is cancelled or the subscriber falls behind.
func (f *Feed) Subscribe(ctx context.Context, types ...EventType) <-chan Event {
	raw := f.broker.Subscribe(ctx)
	if len(types) == 0 {
		return unwrap(ctx, raw)
	}

	want := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		want[t] = struct{}{}
	}

	out := make(chan Event, SubscriberQueue)
	log.SafeGo("monitor-filter", func() {
		defer close(out)
		for ev := range raw {
			if _, ok := want[ev.Payload.Type]; !ok {
				continue
			}
			select {
			case out <- ev.Payload:
			case <-ctx.Done():
				return
			}
		}
	})
	return out
}

// SubscriberCount returns the number of live subscriptions.
func (f *Feed) SubscriberCount() int {
	return f.broker.SubscriberCount()
}

// Close shuts the feed down, closing all subscriber channels.
func (f *Feed) Close() {
	f.broker.Close()
}

func unwrap(ctx context.Context, raw <-chan pubsub.Event[Event]) <-chan Event {
	out := make(chan Event, SubscriberQueue)
	log.SafeGo("monitor-unwrap", func() {
		defer close(out)
		for ev := range raw {
			select {
			case out <- ev.Payload:
			case <-ctx.Done():
				return
			}
		}
	})
	return out
}
