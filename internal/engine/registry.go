package engine

import (
	"sync"

	"github.com/efreitasn/venuecore/internal/domain"
)

// orderRegistry records every order ID the venue has accepted and the
// symbol it belongs to. IDs are never released, so an ID stays unique
// after its order leaves the book.
type orderRegistry struct {
	mu      sync.RWMutex
	symbols map[string]string // order_id → symbol
}

func newOrderRegistry() *orderRegistry {
	return &orderRegistry{
		symbols: make(map[string]string),
	}
}

// reserve claims id for symbol. It returns false if id was already used.
func (r *orderRegistry) reserve(id, symbol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.symbols[id]; ok {
		return false
	}
	r.symbols[id] = symbol
	return true
}

// lookup returns the symbol an order ID was accepted on.
func (r *orderRegistry) lookup(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.symbols[id]
	return s, ok
}

// rejectedEvent builds the Rejected event for a submission. When the
// submitted ID already belongs to an accepted order the event carries no
// OrderID, so subscribers never attribute it to that order.
func rejectedEvent(o *domain.Order, verr *domain.ValidationError, ids *orderRegistry) domain.Event {
	ev := domain.OrderEvent(domain.EventRejected, o)
	ev.Reason = string(verr.Reason)
	if _, taken := ids.lookup(o.OrderID); taken {
		ev.OrderID = ""
	}
	return ev
}
