package logging

import (
	"sync"
)

const (
	// MaxSubscribers bounds the number of concurrent SSE tails.
	MaxSubscribers = 32
	// subscriberBuffer is each tail's channel depth. A subscriber that
	// falls this far behind loses entries rather than blocking the logger.
	subscriberBuffer = 64
)

// Broker fans new log entries out to SSE subscribers.
type Broker struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

// Subscriber is one live tail. Entries arrives already filtered.
type Subscriber struct {
	Entries chan Entry
	filter  EntryFilter
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[*Subscriber]struct{})}
}

// Subscribe registers a tail with a filter. It returns false when the
// subscriber cap is reached.
func (b *Broker) Subscribe(f EntryFilter) (*Subscriber, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subs) >= MaxSubscribers {
		return nil, false
	}
	sub := &Subscriber{
		Entries: make(chan Entry, subscriberBuffer),
		filter:  f,
	}
	b.subs[sub] = struct{}{}
	return sub, true
}

// Unsubscribe removes a tail and closes its channel.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.Entries)
	}
}

// Publish delivers an entry to every matching subscriber. Full channels
// drop the entry for that subscriber.
func (b *Broker) Publish(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if !sub.filter.Matches(e) {
			continue
		}
		select {
		case sub.Entries <- e:
		default:
		}
	}
}

// Count reports the number of live subscribers.
func (b *Broker) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
