package pubsub

import (
	"context"
	"sync"
	"time"
)

const defaultBufferSize = 64

// OverflowPolicy controls what happens when a subscriber's channel is full.
type OverflowPolicy int

const (
	// DropEvent silently discards the event for the slow subscriber.
	DropEvent OverflowPolicy = iota
	// DropSubscriber removes and closes the slow subscriber's channel.
	DropSubscriber
)

// subState tracks per-subscriber delivery so replayed history never
// counts against the live-event backlog limit.
type subState struct {
	replayed int
	sent     int
}

// Broker is a generic pub/sub event broker.
// It allows multiple subscribers to receive events published by publishers.
type Broker[T any] struct {
	subs       map[chan Event[T]]*subState
	mu         sync.RWMutex
	done       chan struct{}
	bufferSize int

	policy     OverflowPolicy
	onOverflow func(dropped int)

	// replay holds the most recent events so late subscribers get context.
	// Nil when replay is disabled.
	replay      []Event[T]
	replayDepth int
	replayNext  int
	replayFull  bool
}

// Option configures a Broker.
type Option[T any] func(*Broker[T])

// WithBuffer sets the per-subscriber channel buffer size.
func WithBuffer[T any](size int) Option[T] {
	return func(b *Broker[T]) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

// WithReplay keeps the last depth events and delivers them to new subscribers
// before any live events.
func WithReplay[T any](depth int) Option[T] {
	return func(b *Broker[T]) {
		if depth > 0 {
			b.replayDepth = depth
			b.replay = make([]Event[T], depth)
		}
	}
}

// WithOverflowPolicy selects the behavior for slow subscribers.
// The callback, if non-nil, is invoked once per dropped subscriber with the
// number of events it had pending.
func WithOverflowPolicy[T any](policy OverflowPolicy, onOverflow func(pending int)) Option[T] {
	return func(b *Broker[T]) {
		b.policy = policy
		b.onOverflow = onOverflow
	}
}

// NewBroker creates a new broker with the default buffer size (64).
func NewBroker[T any](opts ...Option[T]) *Broker[T] {
	b := &Broker[T]{
		subs:       make(map[chan Event[T]]*subState),
		done:       make(chan struct{}),
		bufferSize: defaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewBrokerWithBuffer creates a new broker with a custom buffer size.
func NewBrokerWithBuffer[T any](size int) *Broker[T] {
	return NewBroker(WithBuffer[T](size))
}

// Subscribe creates a new subscription channel.
// The channel is automatically closed when ctx is cancelled.
// When replay is enabled, buffered history is delivered first.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Check if broker is closed
	select {
	case <-b.done:
		ch := make(chan Event[T])
		close(ch)
		return ch
	default:
	}

	// Replayed history must fit alongside live traffic: the channel holds
	// both, but only the live backlog counts toward the overflow limit.
	sub := make(chan Event[T], b.replayDepth+b.bufferSize)

	history := b.replaySnapshotLocked()
	for _, ev := range history {
		sub <- ev
	}

	b.subs[sub] = &subState{replayed: len(history)}

	// Cleanup goroutine
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()

		select {
		case <-b.done:
			return // Already closed
		default:
		}

		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub)
		}
	}()

	return sub
}

// Publish sends an event to all subscribers.
// Behavior for a full subscriber channel depends on the overflow policy:
// DropEvent discards the event, DropSubscriber closes and removes the
// subscriber.
func (b *Broker[T]) Publish(eventType EventType, payload T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}

	event := Event[T]{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	b.recordLocked(event)

	for sub, st := range b.subs {
		if b.liveBacklog(sub, st) >= b.bufferSize {
			if b.policy == DropSubscriber {
				pending := len(sub)
				delete(b.subs, sub)
				close(sub)
				if b.onOverflow != nil {
					b.onOverflow(pending)
				}
			}
			// DropEvent: skip to prevent blocking
			continue
		}
		select {
		case sub <- event:
			st.sent++
		default:
			// Channel full despite the backlog allowance; treat as overflow.
			if b.policy == DropSubscriber {
				pending := len(sub)
				delete(b.subs, sub)
				close(sub)
				if b.onOverflow != nil {
					b.onOverflow(pending)
				}
			}
		}
	}
}

// liveBacklog counts undelivered live events for one subscriber. The
// channel is FIFO, so any remaining replayed history drains first and is
// excluded. Caller holds b.mu.
func (b *Broker[T]) liveBacklog(sub chan Event[T], st *subState) int {
	consumed := st.replayed + st.sent - len(sub)
	replayLeft := st.replayed - consumed
	if replayLeft < 0 {
		replayLeft = 0
	}
	return len(sub) - replayLeft
}

// recordLocked appends the event to the replay ring. Caller holds b.mu.
func (b *Broker[T]) recordLocked(ev Event[T]) {
	if b.replay == nil {
		return
	}
	b.replay[b.replayNext] = ev
	b.replayNext++
	if b.replayNext == b.replayDepth {
		b.replayNext = 0
		b.replayFull = true
	}
}

// replaySnapshotLocked returns buffered events oldest-first. Caller holds b.mu.
func (b *Broker[T]) replaySnapshotLocked() []Event[T] {
	if b.replay == nil {
		return nil
	}
	if !b.replayFull {
		out := make([]Event[T], b.replayNext)
		copy(out, b.replay[:b.replayNext])
		return out
	}
	out := make([]Event[T], 0, b.replayDepth)
	out = append(out, b.replay[b.replayNext:]...)
	out = append(out, b.replay[:b.replayNext]...)
	return out
}

// Close shuts down the broker and all subscriber channels.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return // Already closed
	default:
	}

	close(b.done)
	for sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
