package events

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

// Sync engine events
const (
	EventSyncStart    EventType = "sync:start"
	EventSyncComplete EventType = "sync:complete"
	EventSyncError    EventType = "sync:error"
	EventSyncConflict EventType = "sync:conflict"
	EventSyncOffline  EventType = "sync:offline"
	EventSyncOnline   EventType = "sync:online"
	EventPushComplete EventType = "push:complete"
	EventPullComplete EventType = "pull:complete"
)

// Offline queue events
const (
	EventQueueOffline   EventType = "offline"
	EventQueueOnline    EventType = "online"
	EventQueueProcessed EventType = "queueProcessed"
	EventChangeSynced   EventType = "changeSynced"
	EventChangeFailed   EventType = "changeFailed"
)

// Runtime governor events
const (
	EventCycleComplete EventType = "cycle_complete"
	EventTaskComplete  EventType = "task_complete"
	EventTaskFailed    EventType = "task_failed"
	EventIdleDetected  EventType = "idle_detected"
	EventLimitWarning  EventType = "limit_warning"
	EventEndState      EventType = "end_state"
)

// Coordination plane events
const (
	EventTaskCreated  EventType = "task.created"
	EventTaskClaimed  EventType = "task.claimed"
	EventTaskReleased EventType = "task.released"
	EventAgentStale   EventType = "agent.stale"
	EventLeaseExpired EventType = "lease.expired"
	EventQualityAlert EventType = "quality.regression"
)

// Event represents a coordination plane event
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
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
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

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	// Set timestamp if not set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// Emit is shorthand for publishing a typed event with metadata pairs
func (b *Broker) Emit(t EventType, msg string, kv ...string) {
	var meta map[string]string
	if len(kv) > 0 {
		meta = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			meta[kv[i]] = kv[i+1]
		}
	}
	b.Publish(&Event{Type: t, Message: msg, Metadata: meta})
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
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
