// Package events distributes post-run facts to loosely coupled
// consumers such as the auto-post layer.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type tags the kind of fact an Event carries.
type Type string

const (
	TypeRunCompleted Type = "run.completed"
	TypeRouteReady   Type = "run.route_ready"
)

// RunCompleted is emitted once a run session reaches its final state
// with both participants' stats resolved.
type RunCompleted struct {
	RunID        string
	ParticipantA string
	ParticipantB string
	WinnerID     *string
	ADistanceM   *float64
	BDistanceM   *float64
}

// RouteReady is emitted when post-run track processing has produced a
// shareable route for one participant.
type RouteReady struct {
	RunID         string
	ParticipantID string
	RouteURL      string
}

// Event carries exactly one fact; the pointer matching Type is set.
type Event struct {
	ID        string
	Type      Type
	Timestamp time.Time

	RunCompleted *RunCompleted
	RouteReady   *RouteReady
}

// NewRunCompleted wraps a completion fact in a publishable event.
func NewRunCompleted(rc RunCompleted) *Event {
	return &Event{ID: uuid.NewString(), Type: TypeRunCompleted, Timestamp: time.Now(), RunCompleted: &rc}
}

// NewRouteReady wraps a route fact in a publishable event.
func NewRouteReady(rr RouteReady) *Event {
	return &Event{ID: uuid.NewString(), Type: TypeRouteReady, Timestamp: time.Now(), RouteReady: &rr}
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker fans events out to subscribers from a single distribution
// loop. Slow subscribers miss events rather than stall the loop.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates an idle broker; call Start before publishing.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop ends the distribution loop. Publishes after Stop are dropped.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe registers a new subscriber channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish hands an event to the distribution loop.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
