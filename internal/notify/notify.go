// Package notify implements an asynchronous, per-subscriber-filtered
// notification bus: at-most-once delivery per subscriber, per-subscriber
// in-order, slow subscribers drop-oldest rather than blocking the
// publisher, and a configurable global publish rate ceiling.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// EventKind enumerates the notification bus's event catalogue.
type EventKind string

const (
	ScanStarted   EventKind = "ScanStarted"
	ScanProgress  EventKind = "ScanProgress"
	ScanDataReady EventKind = "ScanDataReady"
	DataReady     EventKind = "DataReady"
	ScanCompleted EventKind = "ScanCompleted"
	ScanError     EventKind = "ScanError"
	ScanWarning   EventKind = "ScanWarning"
	QueueUpdate   EventKind = "QueueUpdate"
	SystemEvent   EventKind = "SystemEvent"
)

// Event is a single notification bus event. Fields are a superset across
// all kinds; unused fields for a given Kind are left zero.
type Event struct {
	Kind EventKind

	ScanID    string
	Processed int
	Duration  time.Duration
	DataType  string
	Count     int
	PluginID  string
	Warnings  int
	Message   string
	Fatal     bool
	Recoverable bool
	Depth     int
	Bytes     int64
	Pressure  string
	SystemKind string
}

// Preferences filters events before they reach a subscriber's channel, so
// an uninterested subscriber never pays for delivery it will discard.
type Preferences struct {
	// Kinds, if non-nil, restricts delivery to the listed kinds. A nil or
	// empty set means "all kinds".
	Kinds map[EventKind]bool
}

// Allows reports whether e should be delivered under p.
func (p Preferences) Allows(e Event) bool {
	if len(p.Kinds) == 0 {
		return true
	}

	return p.Kinds[e.Kind]
}

const subscriberBufferSize = 64

// subscriber holds one subscriber's bounded, drop-oldest delivery channel.
type subscriber struct {
	id      string
	prefs   Preferences
	ch      chan Event
	mu      sync.Mutex
	dropped atomic.Int64
}

// deliver enqueues e, dropping the oldest buffered event on overflow so the
// publisher never blocks on a slow subscriber.
func (s *subscriber) deliver(e Event) {
	if !s.prefs.Allows(e) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case s.ch <- e:
	default:
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}

		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Bus is the asynchronous single-process notification broadcaster.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	limiter     *rate.Limiter
}

// New creates a Bus. ratePerSecond caps the number of events the publisher
// will emit per second across all subscribers; 0 means unlimited.
func New(ratePerSecond float64) *Bus {
	b := &Bus{subscribers: make(map[string]*subscriber)}

	if ratePerSecond > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), 1)
	}

	return b
}

// Subscribe registers a new subscriber under id with the given preferences
// and returns its receive channel. Callers should range over the
// channel until it is closed by Unsubscribe, or poll DroppedEvents.
func (b *Bus) Subscribe(id string, prefs Preferences) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{id: id, prefs: prefs, ch: make(chan Event, subscriberBufferSize)}
	b.subscribers[id] = sub

	return sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

// DroppedEvents returns the count of events dropped for subscriber id due
// to its channel being full.
func (b *Bus) DroppedEvents(id string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if sub, ok := b.subscribers[id]; ok {
		return sub.dropped.Load()
	}

	return 0
}

// Publish fans e out to every subscriber whose preferences allow it. It
// never blocks on a slow subscriber (drop-oldest applies per subscriber)
// but may itself be rate-limited by the bus's global ceiling.
func (b *Bus) Publish(e Event) {
	if b.limiter != nil {
		_ = b.limiter.Wait(context.Background())
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		sub.deliver(e)
	}
}
