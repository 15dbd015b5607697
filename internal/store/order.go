package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/efreitasn/venuecore/internal/domain"
)

// OrderStore is a thread-safe in-memory view of every order the engine
// has reported, with a primary index by order_id and a secondary index by
// symbol. It is rebuilt from engine events, so it also knows orders that
// have left the book.
type OrderStore struct {
	mu           sync.RWMutex
	orders       map[string]*domain.Order
	symbolOrders map[string][]*domain.Order // symbol → orders (append-only)
}

// NewOrderStore creates an empty OrderStore.
func NewOrderStore() *OrderStore {
	return &OrderStore{
		orders:       make(map[string]*domain.Order),
		symbolOrders: make(map[string][]*domain.Order),
	}
}

// Apply folds one engine event into the store.
func (s *OrderStore) Apply(ev domain.Event) {
	if ev.OrderID == "" || ev.Kind == domain.EventTrade {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[ev.OrderID]
	if !ok {
		o = &domain.Order{OrderID: ev.OrderID}
		s.orders[ev.OrderID] = o
		s.symbolOrders[ev.Symbol] = append(s.symbolOrders[ev.Symbol], o)
	}

	o.ClientOrderID = ev.ClientOrderID
	o.Symbol = ev.Symbol
	o.Side = ev.Side
	switch ev.Type {
	case domain.OrderTypeLimit:
		o.Terms = domain.Limit{Price: ev.Price}
	case domain.OrderTypeMarket:
		o.Terms = domain.Market{}
	}
	o.Quantity = ev.Quantity
	o.Filled = ev.Filled
	o.Remaining = ev.Remaining
	o.Status = ev.Status
}

// Get retrieves a copy of an order by ID. It returns
// domain.ErrUnknownOrder if the order was never reported.
func (s *OrderStore) Get(id string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, fmt.Errorf("order %s: %w", id, domain.ErrUnknownOrder)
	}
	return o.Clone(), nil
}

// ListBySymbol returns orders for a symbol in reverse arrival order
// (newest first). If status is non-nil, only orders matching that status
// are included. Pagination is 1-based. Returns the matching orders for the
// requested page and the total count of matching orders (before pagination).
func (s *OrderStore) ListBySymbol(symbol string, status *domain.OrderStatus, page, limit int) ([]domain.Order, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.symbolOrders[symbol]

	// Filter by status if provided, collecting in reverse order.
	filtered := make([]domain.Order, 0)
	for i := len(all) - 1; i >= 0; i-- {
		if status != nil && all[i].Status != *status {
			continue
		}
		filtered = append(filtered, all[i].Clone())
	}

	total := len(filtered)

	start := (page - 1) * limit
	if start >= total {
		return []domain.Order{}, total
	}
	end := min(start+limit, total)
	return filtered[start:end], total
}

// Consume applies events until the channel closes or ctx is done.
func (s *OrderStore) Consume(ctx context.Context, events <-chan domain.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.Apply(ev)
		case <-ctx.Done():
			return
		}
	}
}
