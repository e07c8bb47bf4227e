// Package broadcast fans committed events out to subscribers (the
// recovery-time replay stream and any live watcher) over per-subscriber
// buffered channels.
//
// The teacher's broadcaster (spec/core/actor.go's EventBroadcaster) drops
// an event outright when a subscriber's buffer is full. SPEC_FULL.md 4.I
// requires subscribers be told when that happens instead of silently
// falling behind, so every event dropped on a full buffer is counted, and
// the subscriber receives a Lagged notification carrying that count before
// any later event is delivered to it.
package broadcast

import (
	"sync"

	"github.com/fieldnote/specd/internal/events"
)

// DefaultBufferSize is the per-subscriber channel depth New falls back to
// when configuration supplies no override.
const DefaultBufferSize = 4096

// Notification is either a committed Event or a Lagged signal reporting
// that some number of events were dropped because the subscriber fell
// behind.
type Notification interface {
	notificationSeal()
}

// EventNotification wraps one committed event.
type EventNotification struct {
	Event events.Event
}

func (EventNotification) notificationSeal() {}

// LaggedNotification reports that Missed events were dropped for this
// subscriber since the last notification it received. The subscriber
// should treat its view as stale and re-sync (e.g. re-read current state
// via the actor's snapshot API) rather than assume it saw every event.
type LaggedNotification struct {
	Missed uint64
}

func (LaggedNotification) notificationSeal() {}

type subscriber struct {
	ch     chan Notification
	mu     sync.Mutex
	missed uint64
}

// Broadcaster is a fan-out point for one spec's event stream. Safe for
// concurrent use; Broadcast is expected to be called only by the owning
// actor goroutine, while Subscribe/Unsubscribe may be called from any
// goroutine.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers []*subscriber
	bufferSize  int
}

// New creates a broadcaster with no initial subscribers. bufferSize <= 0
// falls back to DefaultBufferSize.
func New(bufferSize int) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Broadcaster{bufferSize: bufferSize}
}

// Subscribe registers a new listener and returns its channel. The
// returned channel must be passed to Unsubscribe when the caller is done,
// or it will keep receiving broadcasts (and leak) for the broadcaster's
// lifetime.
func (b *Broadcaster) Subscribe() chan Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &subscriber{ch: make(chan Notification, b.bufferSize)}
	b.subscribers = append(b.subscribers, sub)
	return sub.ch
}

// Unsubscribe removes and closes ch. A no-op if ch is not registered.
func (b *Broadcaster) Unsubscribe(ch chan Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subscribers {
		if sub.ch == ch {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// Broadcast delivers event to every current subscriber. Non-blocking per
// subscriber: a full buffer increments that subscriber's missed count and
// attempts (also non-blocking) to deliver a LaggedNotification instead.
// While a missed count is outstanding, a later Broadcast first delivers the
// LaggedNotification and only then the new event; if the LaggedNotification
// still does not fit, the new event is counted as missed as well.
func (b *Broadcaster) Broadcast(event events.Event) {
	b.mu.RLock()
	subs := make([]*subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if sub.missed > 0 {
			select {
			case sub.ch <- LaggedNotification{Missed: sub.missed}:
				sub.missed = 0
			default:
				sub.missed++
				sub.mu.Unlock()
				continue
			}
		}
		sub.mu.Unlock()

		select {
		case sub.ch <- EventNotification{Event: event}:
		default:
			sub.mu.Lock()
			sub.missed++
			missed := sub.missed
			select {
			case sub.ch <- LaggedNotification{Missed: missed}:
				sub.missed = 0
			default:
				// Buffer still full even for the lagged marker; the
				// count carries forward to the next Broadcast attempt.
			}
			sub.mu.Unlock()
		}
	}
}

// SubscriberCount reports the current number of live subscribers, mostly
// useful for tests and metrics.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
