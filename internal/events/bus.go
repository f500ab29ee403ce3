package events

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cryo-specimen-server/internal/domain"
)

// DefaultBuffer is the queue length of each subscriber
const DefaultBuffer = 64

// Subscription receives ledger events until it is closed
type Subscription struct {
	ID     string
	Events <-chan domain.LedgerEvent

	events chan domain.LedgerEvent
	bus    *Bus
	once   sync.Once
}

// Close unsubscribes and closes the Events channel
func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.unsubscribe(s) })
}

// Bus fans appended ledger records out to live subscribers. A subscriber
// whose queue is full misses the event; publishing never blocks.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscription
	buffer      int
	closed      bool
	logger      *logrus.Logger
}

var _ domain.LedgerPublisher = (*Bus)(nil)

// NewBus creates an event bus; buffer <= 0 uses DefaultBuffer
func NewBus(buffer int, logger *logrus.Logger) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		subscribers: make(map[string]*Subscription),
		buffer:      buffer,
		logger:      logger,
	}
}

// Subscribe registers a new subscriber
func (b *Bus) Subscribe() *Subscription {
	ch := make(chan domain.LedgerEvent, b.buffer)
	sub := &Subscription{ID: uuid.New().String(), Events: ch, events: ch, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subscribers[sub.ID] = sub
	b.logger.WithField("subscriber_id", sub.ID).Debug("Ledger subscriber added")
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub.ID]; !ok {
		return
	}
	delete(b.subscribers, sub.ID)
	close(sub.events)
	b.logger.WithField("subscriber_id", sub.ID).Debug("Ledger subscriber removed")
}

// Publish delivers the event to every subscriber with room in its queue
func (b *Bus) Publish(event domain.LedgerEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subscribers {
		select {
		case sub.events <- event:
		default:
			b.logger.WithFields(logrus.Fields{
				"subscriber_id": id,
				"record_id":     recordID(event),
			}).Warn("Subscriber queue full, dropping ledger event")
		}
	}
}

// Subscribers returns the number of live subscribers
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close disconnects every subscriber; later subscriptions are closed immediately
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.events)
	}
}

func recordID(event domain.LedgerEvent) string {
	if event.Record == nil {
		return ""
	}
	return event.Record.ID
}
