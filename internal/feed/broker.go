// Package feed fans session-store row changes out to live observers.
//
// Events carry identifiers only. Subscribers re-read the rows they care
// about. A subscriber whose queue overflows is signalled on Resync and
// must reload its whole view, since the dropped events are gone.
package feed

import (
	"sync"
	"sync/atomic"
)

// Tables and operations carried on events.
const (
	TableSessions = "sos_sessions"
	TableMessages = "sos_messages"

	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
)

// subscriberBuffer is the per-subscriber queue depth before events drop.
const subscriberBuffer = 32

// Event reports that a row changed.
type Event struct {
	Table     string `json:"table"`
	Op        string `json:"op"`
	SessionID string `json:"session_id"`
	MessageID uint   `json:"message_id,omitempty"`
}

// Publisher accepts row-change events.
type Publisher interface {
	Publish(ev Event)
}

// Broker is an in-process fan-out keyed by session ID.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscription receives events for one session. An empty session ID
// subscribes to every session.
type Subscription struct {
	C <-chan Event
	// Resync fires after one or more events were dropped.
	Resync <-chan struct{}

	ch        chan Event
	resync    chan struct{}
	dropped   atomic.Uint64
	sessionID string
	broker    *Broker
	once      sync.Once
}

// Subscribe registers a new subscriber. Call Close when done.
func (b *Broker) Subscribe(sessionID string) *Subscription {
	ch := make(chan Event, subscriberBuffer)
	resync := make(chan struct{}, 1)
	sub := &Subscription{C: ch, Resync: resync, ch: ch, resync: resync, sessionID: sessionID, broker: b}

	b.mu.Lock()
	set, ok := b.subs[sessionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		b := s.broker
		b.mu.Lock()
		if set, ok := b.subs[s.sessionID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(b.subs, s.sessionID)
			}
		}
		b.mu.Unlock()
		close(s.ch)
	})
}

// Publish delivers ev to every matching subscriber without blocking.
// Subscribers that are full miss the event and are told to resync.
func (b *Broker) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[ev.SessionID] {
		sub.offer(ev)
	}
	if ev.SessionID != "" {
		for sub := range b.subs[""] {
			sub.offer(ev)
		}
	}
}

// Subscribers returns the number of live subscriptions for a session.
func (b *Broker) Subscribers(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}

func (s *Subscription) offer(ev Event) {
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
		select {
		case s.resync <- struct{}{}:
		default:
		}
	}
}

// Dropped returns how many events this subscription has missed.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}
