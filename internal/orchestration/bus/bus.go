// Package bus routes messages between instances. Each instance has one
// bounded FIFO inbound queue; replies are correlated to their request by
// message ID through an outstanding-request table.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/hivemux/internal/log"
	"github.com/zjrosen/hivemux/internal/orchestration/oerr"
	"github.com/zjrosen/hivemux/internal/orchestration/registry"
)

// DefaultQueueCap bounds each inbound queue. A full queue rejects new
// messages rather than blocking the sender.
const DefaultQueueCap = 100

// Envelope is one message in flight between instances.
type Envelope struct {
	ID           string      `json:"id"`
	From         registry.ID `json:"from"`
	To           registry.ID `json:"to"`
	Content      string      `json:"content"`
	ExpectsReply bool        `json:"expects_reply"`
	SentAt       time.Time   `json:"sent_at"`
}

// Reply is the correlated response to an envelope.
type Reply struct {
	MessageID string      `json:"message_id"`
	From      registry.ID `json:"from"`
	Content   string      `json:"content"`
	At        time.Time   `json:"at"`
}

// NewMessageID generates a message ID for an envelope.
func NewMessageID() string { return uuid.New().String() }

type pending struct {
	env Envelope
	ch  chan Reply
	err chan error
}

// Bus is the in-process message router. Safe for concurrent use.
type Bus struct {
	mu          sync.Mutex
	queues      map[registry.ID][]Envelope
	outstanding map[string]*pending
	cap         int
	now         func() time.Time
}

// New creates a bus with the default queue capacity.
func New() *Bus {
	return NewWithCap(DefaultQueueCap, time.Now)
}

// NewWithCap creates a bus with an explicit queue capacity and clock.
func NewWithCap(queueCap int, now func() time.Time) *Bus {
	if queueCap <= 0 {
		queueCap = DefaultQueueCap
	}
	return &Bus{
		queues:      make(map[registry.ID][]Envelope),
		outstanding: make(map[string]*pending),
		cap:         queueCap,
		now:         now,
	}
}

// Deliver enqueues the envelope for its target. When the envelope expects
// a reply it is also registered in the outstanding table so AwaitReply can
// correlate the eventual response.
func (b *Bus) Deliver(env Envelope) error {
	if env.ID == "" {
		return oerr.New(oerr.InvalidArgument, "envelope without message id")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queues[env.To]
	if len(q) >= b.cap {
		log.Warn(log.CatBus, "inbound queue full", "to", env.To, "depth", len(q))
		return oerr.New(oerr.QueueFull, "inbound queue for %s is full (%d messages)", env.To, len(q)).
			WithHint("wait for the instance to drain its queue or terminate it")
	}
	if env.SentAt.IsZero() {
		env.SentAt = b.now()
	}
	b.queues[env.To] = append(q, env)

	if env.ExpectsReply {
		b.outstanding[env.ID] = &pending{
			env: env,
			ch:  make(chan Reply, 1),
			err: make(chan error, 1),
		}
	}
	log.Debug(log.CatBus, "message enqueued", "id", env.ID, "from", env.From, "to", env.To, "depth", len(q)+1)
	return nil
}

// Next pops the oldest queued envelope for the target.
func (b *Bus) Next(to registry.ID) (Envelope, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queues[to]
	if len(q) == 0 {
		return Envelope{}, false
	}
	env := q[0]
	b.queues[to] = q[1:]
	return env, true
}

// Drain removes and returns all queued envelopes for the target in order.
func (b *Bus) Drain(to registry.ID) []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queues[to]
	delete(b.queues, to)
	return q
}

// Depth returns the current queue depth for the target.
func (b *Bus) Depth(to registry.ID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[to])
}

// AwaitReply blocks until the message is answered, cancelled, or the
// context expires. The outstanding entry is removed on return.
func (b *Bus) AwaitReply(ctx context.Context, messageID string) (Reply, error) {
	b.mu.Lock()
	p, ok := b.outstanding[messageID]
	b.mu.Unlock()
	if !ok {
		return Reply{}, oerr.New(oerr.NotFound, "no outstanding message %s", messageID)
	}

	defer b.remove(messageID)
	select {
	case r := <-p.ch:
		return r, nil
	case err := <-p.err:
		return Reply{}, err
	case <-ctx.Done():
		return Reply{}, oerr.Wrap(oerr.Timeout, ctx.Err(), "no reply to message %s", messageID).
			WithHint("the target may still answer; poll its output for the message tag")
	}
}

// Reply resolves the outstanding message. Returns NotFound when nothing
// is waiting, which callers treat as an unsolicited (or late) reply.
func (b *Bus) Reply(messageID string, from registry.ID, content string) error {
	b.mu.Lock()
	p, ok := b.outstanding[messageID]
	b.mu.Unlock()
	if !ok {
		return oerr.New(oerr.NotFound, "no outstanding message %s", messageID)
	}

	select {
	case p.ch <- Reply{MessageID: messageID, From: from, Content: content, At: b.now()}:
	default:
		// Already resolved; late duplicates are dropped.
	}
	return nil
}

// Cancel fails the outstanding message with the given error.
func (b *Bus) Cancel(messageID string, cause error) {
	b.mu.Lock()
	p, ok := b.outstanding[messageID]
	b.mu.Unlock()
	if !ok {
		return
	}
	select {
	case p.err <- cause:
	default:
	}
}

// Evict drops the target's queue and fails every outstanding message
// addressed to it. Used when an instance terminates.
func (b *Bus) Evict(to registry.ID) {
	b.mu.Lock()
	delete(b.queues, to)
	var cancelled []*pending
	for _, p := range b.outstanding {
		if p.env.To == to {
			cancelled = append(cancelled, p)
		}
	}
	b.mu.Unlock()

	for _, p := range cancelled {
		select {
		case p.err <- oerr.New(oerr.NotFound, "instance %s terminated before replying", to):
		default:
		}
	}
}

// Outstanding returns a copy of every unanswered envelope. The supervisor
// builds its wait-for graph from this.
func (b *Bus) Outstanding() []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Envelope, 0, len(b.outstanding))
	for _, p := range b.outstanding {
		out = append(out, p.env)
	}
	return out
}

func (b *Bus) remove(messageID string) {
	b.mu.Lock()
	delete(b.outstanding, messageID)
	b.mu.Unlock()
}
