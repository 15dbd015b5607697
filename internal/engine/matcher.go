package engine

import (
	"errors"
	"fmt"

	"github.com/efreitasn/venuecore/internal/domain"
)

// errInvariant marks a corrupted book. The executor halts the symbol when
// a command returns it.
var errInvariant = errors.New("book invariant violated")

// Result is what a producer gets back for one command: a copy of the
// order after the command and every event the command emitted, in order.
type Result struct {
	Order  domain.Order
	Events []domain.Event
}

// Trades returns the trades contained in the result's events.
func (r Result) Trades() []domain.Trade {
	var out []domain.Trade
	for _, e := range r.Events {
		if e.Trade != nil {
			out = append(out, *e.Trade)
		}
	}
	return out
}

// QuoteLevel is one price level consumed by a simulated market order.
type QuoteLevel struct {
	Price    domain.Price
	Quantity int64
}

// QuoteResult holds the result of a market order simulation.
type QuoteResult struct {
	QuantityAvailable int64
	FullyFillable     bool
	Notional          int64 // sum of price × quantity in ticks
	Levels            []QuoteLevel
}

// AveragePrice returns the volume-weighted average price of the
// simulated fill, or false when no liquidity exists.
func (q QuoteResult) AveragePrice() (domain.Price, bool) {
	if q.QuantityAvailable == 0 {
		return 0, false
	}
	return domain.Price(q.Notional / q.QuantityAvailable), true
}

// Matcher implements price-time priority matching for one symbol. It is
// not safe for concurrent use: its executor is the only caller.
type Matcher struct {
	book    *OrderBook
	ids     *orderRegistry
	arrival *Sequencer
	events  *Sequencer
	limits  Limits
	out     []domain.Event
}

// NewMatcher creates a Matcher over book. ids is shared by every symbol so
// that order IDs are unique across the venue.
func NewMatcher(book *OrderBook, ids *orderRegistry) *Matcher {
	return &Matcher{
		book:    book,
		ids:     ids,
		arrival: NewSequencer(0),
		events:  NewSequencer(0),
		limits:  DefaultLimits(),
	}
}

// Book returns the matcher's order book.
func (m *Matcher) Book() *OrderBook {
	return m.book
}

func (m *Matcher) emit(e domain.Event) {
	e.Symbol = m.book.symbol
	e.Sequence = m.events.Next()
	if e.Trade != nil {
		e.Trade.Sequence = e.Sequence
	}
	m.out = append(m.out, e)
}

func (m *Matcher) flush(o *domain.Order) Result {
	r := Result{Events: m.out}
	if o != nil {
		r.Order = o.Clone()
	}
	m.out = nil
	return r
}

// Submit validates cmd and, if valid, matches the new order against the
// opposite side until it no longer crosses. A limit remainder rests; a
// market remainder is canceled with reason no_liquidity.
func (m *Matcher) Submit(cmd domain.SubmitCommand) (Result, error) {
	o := &domain.Order{
		OrderID:       cmd.OrderID,
		ClientOrderID: cmd.ClientOrderID,
		Symbol:        cmd.Symbol,
		Side:          cmd.Side,
		Terms:         cmd.Terms,
		Quantity:      cmd.Quantity,
		Remaining:     cmd.Quantity,
		Status:        domain.OrderStatusNew,
	}

	if verr := m.validateSubmit(cmd); verr != nil {
		o.Status = domain.OrderStatusRejected
		o.Remaining = 0
		m.emit(rejectedEvent(o, verr, m.ids))
		return m.flush(o), verr
	}

	o.Seq = m.arrival.Next()
	m.emit(domain.OrderEvent(domain.EventAccepted, o))

	m.match(o)

	if o.Remaining == 0 {
		return m.flush(o), nil
	}

	if o.Type() == domain.OrderTypeMarket {
		o.Status = domain.OrderStatusCanceled
		e := domain.OrderEvent(domain.EventCanceled, o)
		e.Reason = domain.CancelReasonNoLiquidity
		m.emit(e)
		return m.flush(o), nil
	}

	if err := m.book.Insert(o); err != nil {
		return m.flush(o), fmt.Errorf("%w: %v", errInvariant, err)
	}
	if o.Filled == 0 {
		o.Status = domain.OrderStatusResting
		m.emit(domain.OrderEvent(domain.EventResting, o))
	}
	return m.flush(o), nil
}

func (m *Matcher) validateSubmit(cmd domain.SubmitCommand) *domain.ValidationError {
	if cmd.OrderID == "" {
		return domain.Rejectf(domain.ReasonMissingField, "order_id is required")
	}
	if cmd.Symbol != m.book.symbol {
		return domain.Rejectf(domain.ReasonUnknownSymbol, "unknown symbol %q", cmd.Symbol)
	}
	if !cmd.Side.Valid() {
		return domain.Rejectf(domain.ReasonInvalidSide, "side must be 'buy' or 'sell'")
	}
	if cmd.Terms == nil {
		return domain.Rejectf(domain.ReasonInvalidOrderType, "order type must be limit or market")
	}
	if cmd.Quantity <= 0 || cmd.Quantity > m.limits.MaxQuantity {
		return domain.Rejectf(domain.ReasonInvalidQuantity,
			"quantity must be between 1 and %d, got %d", m.limits.MaxQuantity, cmd.Quantity)
	}
	if l, ok := cmd.Terms.(domain.Limit); ok && (l.Price <= 0 || l.Price > m.limits.MaxPrice) {
		return domain.Rejectf(domain.ReasonInvalidPrice,
			"limit price must be between 1 and %d, got %d", m.limits.MaxPrice, l.Price)
	}
	if !m.ids.reserve(cmd.OrderID, m.book.symbol) {
		return domain.Rejectf(domain.ReasonDuplicateOrderID, "order_id %q already used", cmd.OrderID)
	}
	return nil
}

// crosses reports whether o can trade against a resting order priced at p.
func crosses(o *domain.Order, p domain.Price) bool {
	limit, ok := o.LimitPrice()
	if !ok {
		return true
	}
	if o.Side == domain.SideBuy {
		return limit >= p
	}
	return limit <= p
}

// match runs the matching loop for an aggressor until it is filled or no
// longer crosses the best opposite level.
func (m *Matcher) match(o *domain.Order) {
	opposite := o.Side.Opposite()
	for o.Remaining > 0 {
		resting, ok := m.book.PeekBest(opposite)
		if !ok {
			break
		}
		price, _ := resting.LimitPrice()
		if !crosses(o, price) {
			break
		}

		qty := min(o.Remaining, resting.Remaining)

		m.book.fill(resting, qty)
		o.Remaining -= qty
		o.Filled += qty

		trade := &domain.Trade{
			Symbol:   m.book.symbol,
			Price:    price,
			Quantity: qty,
		}
		if o.Side == domain.SideBuy {
			trade.BuyOrderID, trade.SellOrderID = o.OrderID, resting.OrderID
		} else {
			trade.BuyOrderID, trade.SellOrderID = resting.OrderID, o.OrderID
		}
		m.emit(domain.Event{Kind: domain.EventTrade, Trade: trade, LastPrice: price, LastQuantity: qty})

		m.emitExecution(resting, price, qty)
		m.emitExecution(o, price, qty)
	}
}

func (m *Matcher) emitExecution(o *domain.Order, price domain.Price, qty int64) {
	kind := domain.EventPartiallyFilled
	o.Status = domain.OrderStatusPartiallyFilled
	if o.Remaining == 0 {
		kind = domain.EventFilled
		o.Status = domain.OrderStatusFilled
	}
	e := domain.OrderEvent(kind, o)
	e.LastPrice = price
	e.LastQuantity = qty
	m.emit(e)
}

// Modify changes a resting order. A price change or a quantity increase
// gives up time priority: the order is re-sequenced and re-enters matching
// as if freshly submitted. A quantity decrease at the same price keeps the
// order's place in its queue. NewQuantity is the new total quantity,
// including anything already filled.
func (m *Matcher) Modify(cmd domain.ModifyCommand) (Result, error) {
	o, ok := m.book.Get(cmd.OrderID)
	if !ok {
		return m.flush(nil), fmt.Errorf("modify %s: %w", cmd.OrderID, domain.ErrUnknownOrder)
	}
	if cmd.NewPrice == nil && cmd.NewQuantity == nil {
		return m.flush(o), domain.Rejectf(domain.ReasonNoChange, "modify requires a new price or quantity")
	}
	if cmd.NewPrice != nil && (*cmd.NewPrice <= 0 || *cmd.NewPrice > m.limits.MaxPrice) {
		return m.flush(o), domain.Rejectf(domain.ReasonInvalidPrice,
			"limit price must be between 1 and %d, got %d", m.limits.MaxPrice, *cmd.NewPrice)
	}
	if cmd.NewQuantity != nil && *cmd.NewQuantity > m.limits.MaxQuantity {
		return m.flush(o), domain.Rejectf(domain.ReasonInvalidQuantity,
			"quantity must be at most %d, got %d", m.limits.MaxQuantity, *cmd.NewQuantity)
	}
	if cmd.NewQuantity != nil && *cmd.NewQuantity <= o.Filled {
		return m.flush(o), domain.Rejectf(domain.ReasonQuantityBelowFilled,
			"quantity %d must exceed filled quantity %d", *cmd.NewQuantity, o.Filled)
	}

	price, _ := o.LimitPrice()
	newPrice, newQty := price, o.Quantity
	if cmd.NewPrice != nil {
		newPrice = *cmd.NewPrice
	}
	if cmd.NewQuantity != nil {
		newQty = *cmd.NewQuantity
	}

	if newPrice == price && newQty <= o.Quantity {
		if newQty < o.Quantity {
			m.book.shrink(o, newQty-o.Filled)
			o.Quantity = newQty
		}
		m.emit(domain.OrderEvent(domain.EventModified, o))
		return m.flush(o), nil
	}

	if _, err := m.book.Remove(o.OrderID); err != nil {
		return m.flush(o), fmt.Errorf("%w: %v", errInvariant, err)
	}
	o.Terms = domain.Limit{Price: newPrice}
	o.Quantity = newQty
	o.Remaining = newQty - o.Filled
	o.Seq = m.arrival.Next()
	m.emit(domain.OrderEvent(domain.EventModified, o))

	m.match(o)

	if o.Remaining > 0 {
		if err := m.book.Insert(o); err != nil {
			return m.flush(o), fmt.Errorf("%w: %v", errInvariant, err)
		}
	}
	return m.flush(o), nil
}

// Cancel removes a resting order. Canceling an order that is no longer
// resting fails with ErrUnknownOrder.
func (m *Matcher) Cancel(cmd domain.CancelCommand) (Result, error) {
	o, err := m.book.Remove(cmd.OrderID)
	if err != nil {
		return m.flush(nil), fmt.Errorf("cancel %s: %w", cmd.OrderID, domain.ErrUnknownOrder)
	}
	o.Status = domain.OrderStatusCanceled
	e := domain.OrderEvent(domain.EventCanceled, o)
	e.Reason = domain.CancelReasonRequested
	m.emit(e)
	return m.flush(o), nil
}

// Quote performs a read-only walk of the opposite side of the book to
// estimate the result of a market order without placing it. For buy
// quotes it walks asks (lowest first); for sell quotes it walks bids
// (highest first).
func (m *Matcher) Quote(side domain.Side, quantity int64) QuoteResult {
	result := QuoteResult{Levels: make([]QuoteLevel, 0)}
	remaining := quantity

	m.book.Walk(side.Opposite(), func(o *domain.Order) bool {
		if remaining <= 0 {
			return false
		}
		price, _ := o.LimitPrice()
		qty := min(o.Remaining, remaining)
		result.Notional += int64(price) * qty
		result.QuantityAvailable += qty
		remaining -= qty

		if n := len(result.Levels); n > 0 && result.Levels[n-1].Price == price {
			result.Levels[n-1].Quantity += qty
		} else {
			result.Levels = append(result.Levels, QuoteLevel{Price: price, Quantity: qty})
		}
		return true
	})

	result.FullyFillable = result.QuantityAvailable >= quantity
	return result
}
