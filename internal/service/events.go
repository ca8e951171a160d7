package service

import (
	"sync"

	"github.com/timmy/genflow/internal/domain"
)

const subscriberBuffer = 64

// EventBus fans job events out to per-job subscribers.
// Slow subscribers lose intermediate events; the terminal event closes every
// subscription of the job.
type EventBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan domain.JobEvent
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string]map[int]chan domain.JobEvent)}
}

// Subscribe returns a channel of events for jobID and a function that ends the subscription.
func (b *EventBus) Subscribe(jobID string) (<-chan domain.JobEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan domain.JobEvent, subscriberBuffer)
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[int]chan domain.JobEvent)
	}
	b.subs[jobID][id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[jobID][id]; ok {
			delete(b.subs[jobID], id)
			close(c)
			if len(b.subs[jobID]) == 0 {
				delete(b.subs, jobID)
			}
		}
	}
}

// Publish delivers ev without blocking.
func (b *EventBus) Publish(ev domain.JobEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[ev.JobID]
	for _, ch := range subs {
		if ev.State.IsTerminal() {
			// the terminal event must not be dropped
			select {
			case ch <- ev:
			default:
				select {
				case <-ch:
				default:
				}
				ch <- ev
			}
			continue
		}
		select {
		case ch <- ev:
		default:
		}
	}
	if ev.State.IsTerminal() {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subs, ev.JobID)
	}
}
