package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/efreitasn/venuecore/internal/domain"
)

// Bus fans engine events out to subscribers. Publish never blocks: each
// subscriber has a bounded queue, and a subscriber whose queue is full is
// disconnected with ErrSlowConsumer so it cannot stall matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	logger *slog.Logger
	onDrop func(name string)
}

// NewBus creates an empty Bus. onDrop, if non-nil, is called with the name
// of every subscriber disconnected for falling behind.
func NewBus(logger *slog.Logger, onDrop func(name string)) *Bus {
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		logger: logger,
		onDrop: onDrop,
	}
}

// Subscription is one consumer's view of the event stream. Events of a
// symbol arrive in the order the symbol emitted them.
type Subscription struct {
	name string
	id   uint64
	bus  *Bus

	mu     sync.Mutex
	ch     chan domain.Event
	closed bool
	err    error
}

// Subscribe registers a consumer with a queue of the given capacity.
func (b *Bus) Subscribe(name string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &Subscription{
		name: name,
		id:   b.nextID,
		bus:  b,
		ch:   make(chan domain.Event, buffer),
	}
	b.subs[s.id] = s
	return s
}

// Publish delivers events to every subscriber without blocking.
func (b *Bus) Publish(events ...domain.Event) {
	if len(events) == 0 {
		return
	}
	var dropped []*Subscription

	b.mu.RLock()
	for _, s := range b.subs {
		if !s.deliver(events) {
			dropped = append(dropped, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range dropped {
		b.remove(s.id)
		b.logger.Warn("subscriber dropped",
			slog.String("subscriber", s.name),
			slog.String("error", domain.ErrSlowConsumer.Error()),
		)
		if b.onDrop != nil {
			b.onDrop(s.name)
		}
	}
}

// Close disconnects every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.shutdown(nil)
	}
}

// Len returns the number of connected subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// deliver enqueues events and reports false if the subscriber overflowed.
func (s *Subscription) deliver(events []domain.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	for _, e := range events {
		select {
		case s.ch <- e:
		default:
			s.closed = true
			s.err = domain.ErrSlowConsumer
			close(s.ch)
			return false
		}
	}
	return true
}

func (s *Subscription) shutdown(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}

// Name returns the subscriber name given to Subscribe.
func (s *Subscription) Name() string {
	return s.name
}

// Events returns the channel events are delivered on. It is closed when
// the subscription ends; Err then tells why.
func (s *Subscription) Events() <-chan domain.Event {
	return s.ch
}

// Err returns ErrSlowConsumer if the subscriber was dropped for falling
// behind, nil otherwise.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close unsubscribes. Events already queued can still be drained.
func (s *Subscription) Close() {
	s.bus.remove(s.id)
	s.shutdown(nil)
}

// Run hands the event channel to consume and, once consume returns,
// reports whether the bus dropped this subscriber. A view fed by a dropped
// subscription has missed events, so callers treat the error as fatal.
func (s *Subscription) Run(ctx context.Context, consume func(context.Context, <-chan domain.Event)) error {
	consume(ctx, s.ch)
	if err := s.Err(); err != nil {
		return fmt.Errorf("subscriber %s: %w", s.name, err)
	}
	return nil
}
