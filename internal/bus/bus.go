// Package bus implements the scan orchestration core's dual broadcast event
// bus (§4.7): an internal job-event stream and a public domain-event
// stream, each with a bounded history ring supporting since-sequence
// replay. The publish/subscribe mechanics are adapted from the teacher's
// internal/pipeline/bus.MemoryBus (buffered per-subscriber channels,
// context-aware publish, drop accounting); the history ring and replay API
// are new, since the teacher's bus was fire-and-forget only.
package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/scanwright/scanorch/internal/log"
	"github.com/scanwright/scanorch/internal/metrics"
	"github.com/scanwright/scanorch/internal/model"
)

const subscriberBuffer = 256

// Lagged is delivered to a subscriber's channel (wrapped) when its buffer
// overflowed and events were dropped; the subscriber should call Replay.
type Lagged struct {
	// FromSequence is the last sequence number the subscriber is known to
	// have received before the gap.
	FromSequence uint64
}

// Subscription is a live handle to one subscriber's event channel.
type Subscription struct {
	events chan model.Event
	lagged chan Lagged
	bus    *Bus
	name   string
}

// Events returns the channel of in-order events for this subscription.
func (s *Subscription) Events() <-chan model.Event { return s.events }

// Lagged returns the channel signalled when this subscriber fell behind.
func (s *Subscription) Lagged() <-chan Lagged { return s.lagged }

// Close unregisters the subscription.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.name, s)
}

const historyRingSize = 4096

// Bus is a single broadcast stream (job-event or domain-event) with a
// bounded replay ring.
type Bus struct {
	name string

	mu   sync.RWMutex
	subs map[*Subscription]struct{}

	histMu  sync.Mutex
	history []model.Event // ring, oldest first
	histHead int          // index of the oldest entry's logical position

	seq atomic.Uint64
}

// New constructs a Bus labelled name (used for metrics/logging only).
func New(name string) *Bus {
	return &Bus{name: name, subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new subscriber and returns its handle. The returned
// subscription must be closed by the caller when done.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{
		events: make(chan model.Event, subscriberBuffer),
		lagged: make(chan Lagged, 1),
		bus:    b,
		name:   b.name,
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(_ string, sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	close(sub.events)
}

// Publish assigns the next sequence number, appends to history, and
// fans the event out to every live subscriber without blocking: a
// subscriber whose buffer is full is sent a Lagged signal instead and the
// event is dropped for it (it is expected to Replay from history).
func (b *Bus) Publish(ctx context.Context, ev model.Event) model.Event {
	ev.Meta.Sequence = b.seq.Add(1)

	b.appendHistory(ev)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.events <- ev:
		case <-ctx.Done():
			return ev
		default:
			metrics.IncBusDrop(b.name, "full")
			select {
			case sub.lagged <- Lagged{FromSequence: ev.Meta.Sequence - 1}:
			default:
			}
			log.WithComponent("bus").Warn().
				Str("stream", b.name).
				Uint64("sequence", ev.Meta.Sequence).
				Msg("subscriber buffer full, dropped event")
		}
	}
	return ev
}

func (b *Bus) appendHistory(ev model.Event) {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	if len(b.history) < historyRingSize {
		b.history = append(b.history, ev)
		return
	}
	b.history[b.histHead] = ev
	b.histHead = (b.histHead + 1) % historyRingSize
}

// Replay returns every retained event with sequence strictly greater than
// since, in publication order. If the requested sequence has already
// fallen out of the ring, it returns whatever remains (the oldest
// available event onward) along with ok=false to signal a gap.
func (b *Bus) Replay(since uint64) (events []model.Event, ok bool) {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	n := len(b.history)
	if n == 0 {
		return nil, true
	}

	ordered := make([]model.Event, n)
	for i := 0; i < n; i++ {
		ordered[i] = b.history[(b.histHead+i)%n]
	}

	oldest := ordered[0].Meta.Sequence
	gap := since+1 < oldest && since != 0
	for _, e := range ordered {
		if e.Meta.Sequence > since {
			events = append(events, e)
		}
	}
	return events, !gap
}
