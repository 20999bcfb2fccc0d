package monitor

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/hivemux/internal/orchestration/registry"
)

func fixedClock() time.Time { return time.Unix(1700000000, 0) }

func collect(ch <-chan Event, n int, timeout time.Duration) []Event {
	var out []Event
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestFeed_WildcardSubscription(t *testing.T) {
	f := NewWithClock(fixedClock)
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := f.Subscribe(ctx)

	f.StateChanged("i1", registry.StateCreating, registry.StateInitializing)
	f.Exchange("external", "i1", "m1", 12)
	f.Progress("i1", "healthy", nil)
	f.Health(map[string]any{"instances": 1})

	events := collect(ch, 4, time.Second)
	require.Len(t, events, 4)
	assert.Equal(t, InstanceStateChanged, events[0].Type)
	assert.Equal(t, MessageExchange, events[1].Type)
	assert.Equal(t, ProgressUpdate, events[2].Type)
	assert.Equal(t, HealthCheck, events[3].Type)
	assert.Equal(t, fixedClock(), events[0].At)
}

func TestFeed_FilteredSubscription(t *testing.T) {
	f := NewWithClock(fixedClock)
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := f.Subscribe(ctx, ProgressUpdate)

	f.StateChanged("i1", registry.StateRunning, registry.StateBusy)
	f.Progress("i1", "active", nil)
	f.StateChanged("i1", registry.StateBusy, registry.StateIdle)

	events := collect(ch, 1, time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, ProgressUpdate, events[0].Type)
	assert.Equal(t, "active", events[0].Data["classification"])
}

func TestFeed_LateSubscriberGetsReplay(t *testing.T) {
	f := NewWithClock(fixedClock)
	defer f.Close()

	f.StateChanged("i1", registry.StateCreating, registry.StateInitializing)
	f.StateChanged("i1", registry.StateInitializing, registry.StateRunning)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := collect(f.Subscribe(ctx), 2, time.Second)
	require.Len(t, events, 2)
	assert.Equal(t, map[string]any{"from": "creating", "to": "initializing"}, events[0].Data)
}

func TestFeed_SubscriptionClosesOnCancel(t *testing.T) {
	f := NewWithClock(fixedClock)
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := f.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("subscription did not close")
	}
}

func TestFeed_SlowSubscriberDropped(t *testing.T) {
	f := NewWithClock(fixedClock)
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Never drained: the forwarding queue fills, then the broker-side
	// backlog hits the queue limit and the subscriber is dropped. The
	// replay ring must not absorb that backlog.
	f.Subscribe(ctx)
	require.Equal(t, 1, f.SubscriberCount())

	for i := 0; i < 4*SubscriberQueue; i++ {
		f.Emit(HealthCheck, "", nil)
	}

	require.Eventually(t, func() bool {
		return f.SubscriberCount() == 0
	}, 2*time.Second, 10*time.Millisecond, "slow subscriber should be dropped long before the ring depth")
}

func TestFeed_CancelledUndrainedSubscriberReleasesForwarder(t *testing.T) {
	f := NewWithClock(fixedClock)
	defer f.Close()

	before := runtime.NumGoroutine()

	ctx, cancel := context.WithCancel(context.Background())
	ch := f.Subscribe(ctx)

	// Block the forwarder on a full, undrained channel.
	for i := 0; i < 2*SubscriberQueue; i++ {
		f.Emit(HealthCheck, "", nil)
	}
	cancel()

	// The forwarder must exit without anyone draining ch.
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before
	}, 2*time.Second, 10*time.Millisecond, "forwarding goroutine leaked after cancel")
	_ = ch
}
