package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventDocumentQueued    EventType = "document.queued"
	EventDocumentStage     EventType = "document.stage"
	EventDocumentCompleted EventType = "document.completed"
	EventDocumentFailed    EventType = "document.failed"
	EventDocumentDeleted   EventType = "document.deleted"
	EventBatchCompleted    EventType = "batch.completed"
	EventImportCycle       EventType = "import.cycle"
)

// Event represents an engine event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish sends an event to all subscribers. Publishing never blocks:
// a full event queue drops the event.
func (b *Broker) Publish(eventType EventType, message string, metadata map[string]string) {
	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		Message:   message,
		Metadata:  metadata,
	}

	select {
	case b.eventCh <- event:
	default:
	}
}

// run distributes events to subscribers
func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.mu.RLock()
			for sub := range b.subscribers {
				// Slow subscribers miss events rather than block the broker
				select {
				case sub <- event:
				default:
				}
			}
			b.mu.RUnlock()
		case <-b.stopCh:
			return
		}
	}
}
