package engine

import (
	"fmt"
	"math"

	"github.com/efreitasn/venuecore/internal/domain"
	"github.com/google/btree"
)

// bookEntry is a single order resting on the book. Entries are keyed by
// (price, seq) so the tree order is price-time priority.
type bookEntry struct {
	price domain.Price
	seq   uint64
	order *domain.Order
}

// Level is an aggregated price level: the price, the sum of remaining
// quantity resting there, and the number of orders queued.
type Level struct {
	Price      domain.Price
	Quantity   int64
	OrderCount int
}

// Snapshot is a copy of a book's levels, best first on each side.
type Snapshot struct {
	Symbol string
	Bids   []Level
	Asks   []Level
}

// Spread returns best ask minus best bid, or false if either side is empty.
func (s Snapshot) Spread() (domain.Price, bool) {
	if len(s.Bids) == 0 || len(s.Asks) == 0 {
		return 0, false
	}
	return s.Asks[0].Price - s.Bids[0].Price, true
}

// bidLess defines ordering for the bid side: price descending, then
// sequence ascending. Min() returns the best bid (highest price, earliest
// arrival).
func bidLess(a, b bookEntry) bool {
	if a.price != b.price {
		return a.price > b.price
	}
	return a.seq < b.seq
}

// askLess defines ordering for the ask side: price ascending, then
// sequence ascending. Min() returns the best ask (lowest price, earliest
// arrival).
func askLess(a, b bookEntry) bool {
	if a.price != b.price {
		return a.price < b.price
	}
	return a.seq < b.seq
}

// bookSide holds one side's entries and the per-price aggregates. A price
// is present in levels exactly when at least one entry rests there.
type bookSide struct {
	entries *btree.BTreeG[bookEntry]
	levels  map[domain.Price]*Level
}

func newBookSide(less btree.LessFunc[bookEntry]) *bookSide {
	const degree = 32
	return &bookSide{
		entries: btree.NewG[bookEntry](degree, less),
		levels:  make(map[domain.Price]*Level),
	}
}

func (s *bookSide) insert(e bookEntry) {
	s.entries.ReplaceOrInsert(e)
	lvl, ok := s.levels[e.price]
	if !ok {
		lvl = &Level{Price: e.price}
		s.levels[e.price] = lvl
	}
	lvl.Quantity += e.order.Remaining
	lvl.OrderCount++
}

func (s *bookSide) delete(e bookEntry) {
	s.entries.Delete(e)
	lvl := s.levels[e.price]
	lvl.Quantity -= e.order.Remaining
	lvl.OrderCount--
	if lvl.OrderCount == 0 {
		delete(s.levels, e.price)
	}
}

func (s *bookSide) best() (Level, bool) {
	e, ok := s.entries.Min()
	if !ok {
		return Level{}, false
	}
	return *s.levels[e.price], true
}

// walkLevels iterates the side best first, aggregating entries into at
// most n levels (all levels when n <= 0).
func (s *bookSide) walkLevels(n int) []Level {
	levels := make([]Level, 0)
	s.entries.Ascend(func(e bookEntry) bool {
		if len(levels) > 0 && levels[len(levels)-1].Price == e.price {
			return true
		}
		if n > 0 && len(levels) >= n {
			return false
		}
		levels = append(levels, *s.levels[e.price])
		return true
	})
	return levels
}

// OrderBook maintains the bid and ask sides for a single symbol using
// B-trees with a secondary index for O(log n) removal by order ID. It has
// no locking: the owning executor serializes every access.
type OrderBook struct {
	symbol  string
	bids    *bookSide
	asks    *bookSide
	index   map[string]bookEntry // order_id → entry
	touched []levelKey           // levels changed since the last checkTouched
}

type levelKey struct {
	side  domain.Side
	price domain.Price
}

// NewOrderBook creates an order book for the given symbol.
func NewOrderBook(symbol string) *OrderBook {
	return &OrderBook{
		symbol: symbol,
		bids:   newBookSide(bidLess),
		asks:   newBookSide(askLess),
		index:  make(map[string]bookEntry),
	}
}

// Symbol returns the symbol this book holds orders for.
func (ob *OrderBook) Symbol() string {
	return ob.symbol
}

func (ob *OrderBook) side(s domain.Side) *bookSide {
	if s == domain.SideBuy {
		return ob.bids
	}
	return ob.asks
}

// BestBid returns the highest bid level, or false if no bids rest.
func (ob *OrderBook) BestBid() (Level, bool) {
	return ob.bids.best()
}

// BestAsk returns the lowest ask level, or false if no asks rest.
func (ob *OrderBook) BestAsk() (Level, bool) {
	return ob.asks.best()
}

// PeekBest returns the order at the front of the best level on a side
// without removing it.
func (ob *OrderBook) PeekBest(side domain.Side) (*domain.Order, bool) {
	e, ok := ob.side(side).entries.Min()
	if !ok {
		return nil, false
	}
	return e.order, true
}

// Insert appends a limit order to the back of its price level. It fails
// with ErrInvalidPrice if the order has no price or would cross the book;
// the caller must have run matching to exhaustion first.
func (ob *OrderBook) Insert(o *domain.Order) error {
	price, ok := o.LimitPrice()
	if !ok {
		return fmt.Errorf("insert %s: market orders cannot rest: %w", o.OrderID, domain.ErrInvalidPrice)
	}
	if o.Remaining <= 0 {
		return fmt.Errorf("insert %s: remaining quantity %d", o.OrderID, o.Remaining)
	}
	if _, exists := ob.index[o.OrderID]; exists {
		return fmt.Errorf("insert %s: order already resting", o.OrderID)
	}
	if o.Side == domain.SideBuy {
		if best, ok := ob.asks.best(); ok && price >= best.Price {
			return fmt.Errorf("insert bid %s at %d crosses ask %d: %w", o.OrderID, price, best.Price, domain.ErrInvalidPrice)
		}
	} else {
		if best, ok := ob.bids.best(); ok && price <= best.Price {
			return fmt.Errorf("insert ask %s at %d crosses bid %d: %w", o.OrderID, price, best.Price, domain.ErrInvalidPrice)
		}
	}

	e := bookEntry{price: price, seq: o.Seq, order: o}
	ob.side(o.Side).insert(e)
	ob.index[o.OrderID] = e
	ob.touch(o.Side, price)
	return nil
}

// Remove detaches an order from its level, deleting the level if it
// becomes empty.
func (ob *OrderBook) Remove(orderID string) (*domain.Order, error) {
	e, ok := ob.index[orderID]
	if !ok {
		return nil, fmt.Errorf("remove %s: %w", orderID, domain.ErrUnknownOrder)
	}
	delete(ob.index, orderID)
	ob.side(e.order.Side).delete(e)
	ob.touch(e.order.Side, e.price)
	return e.order, nil
}

// Get returns the resting order with the given ID.
func (ob *OrderBook) Get(orderID string) (*domain.Order, bool) {
	e, ok := ob.index[orderID]
	if !ok {
		return nil, false
	}
	return e.order, true
}

// fill executes qty against a resting order in place, keeping its queue
// position. The order is removed once nothing remains.
func (ob *OrderBook) fill(o *domain.Order, qty int64) {
	e := ob.index[o.OrderID]
	lvl := ob.side(o.Side).levels[e.price]
	lvl.Quantity -= qty
	o.Remaining -= qty
	o.Filled += qty
	ob.touch(o.Side, e.price)
	if o.Remaining == 0 {
		// Remaining is already zero, so delete subtracts nothing more.
		delete(ob.index, o.OrderID)
		ob.side(o.Side).delete(e)
	}
}

// shrink lowers a resting order's remaining quantity without touching
// its queue position. newRemaining must be in (0, Remaining].
func (ob *OrderBook) shrink(o *domain.Order, newRemaining int64) {
	e := ob.index[o.OrderID]
	lvl := ob.side(o.Side).levels[e.price]
	lvl.Quantity -= o.Remaining - newRemaining
	o.Remaining = newRemaining
	ob.touch(o.Side, e.price)
}

func (ob *OrderBook) touch(side domain.Side, price domain.Price) {
	ob.touched = append(ob.touched, levelKey{side: side, price: price})
}

// checkTouched recomputes the aggregate of every level changed since the
// previous call and compares it with the maintained total. A populated
// level must hold a positive quantity.
func (ob *OrderBook) checkTouched() error {
	defer func() { ob.touched = ob.touched[:0] }()
	for _, k := range ob.touched {
		s := ob.side(k.side)
		want := Level{Price: k.price}
		s.entries.AscendRange(
			bookEntry{price: k.price},
			bookEntry{price: k.price, seq: math.MaxUint64},
			func(e bookEntry) bool {
				want.Quantity += e.order.Remaining
				want.OrderCount++
				return true
			},
		)
		got, ok := s.levels[k.price]
		switch {
		case want.OrderCount == 0 && ok:
			return fmt.Errorf("%s level %d tracked but empty", k.side, k.price)
		case want.OrderCount == 0:
			continue
		case !ok:
			return fmt.Errorf("%s level %d populated but untracked", k.side, k.price)
		case *got != want:
			return fmt.Errorf("%s level %d aggregate %+v, want %+v", k.side, k.price, *got, want)
		case got.Quantity <= 0:
			return fmt.Errorf("%s level %d aggregate quantity %d", k.side, k.price, got.Quantity)
		}
	}
	return nil
}

// Crossed reports whether the best bid is at or above the best ask.
func (ob *OrderBook) Crossed() bool {
	bid, hasBid := ob.bids.best()
	ask, hasAsk := ob.asks.best()
	return hasBid && hasAsk && bid.Price >= ask.Price
}

// BidCount returns the number of individual bid orders on the book.
func (ob *OrderBook) BidCount() int {
	return ob.bids.entries.Len()
}

// AskCount returns the number of individual ask orders on the book.
func (ob *OrderBook) AskCount() int {
	return ob.asks.entries.Len()
}

// Display returns a copy of up to depth levels per side (all levels when
// depth <= 0). It must not drive matching decisions.
func (ob *OrderBook) Display(depth int) Snapshot {
	return Snapshot{
		Symbol: ob.symbol,
		Bids:   ob.bids.walkLevels(depth),
		Asks:   ob.asks.walkLevels(depth),
	}
}

// Walk iterates resting orders on one side in priority order. The
// callback returns true to continue, false to stop.
func (ob *OrderBook) Walk(side domain.Side, fn func(*domain.Order) bool) {
	ob.side(side).entries.Ascend(func(e bookEntry) bool {
		return fn(e.order)
	})
}

// verify recomputes every level aggregate from the entries and compares
// it with the maintained totals.
func (ob *OrderBook) verify() error {
	for _, s := range []*bookSide{ob.bids, ob.asks} {
		seen := make(map[domain.Price]Level)
		var err error
		s.entries.Ascend(func(e bookEntry) bool {
			p, _ := e.order.LimitPrice()
			if p != e.price {
				err = fmt.Errorf("order %s keyed at %d but priced %d", e.order.OrderID, e.price, p)
				return false
			}
			if e.order.Remaining <= 0 {
				err = fmt.Errorf("order %s rests with remaining %d", e.order.OrderID, e.order.Remaining)
				return false
			}
			l := seen[e.price]
			l.Price = e.price
			l.Quantity += e.order.Remaining
			l.OrderCount++
			seen[e.price] = l
			return true
		})
		if err != nil {
			return err
		}
		if len(seen) != len(s.levels) {
			return fmt.Errorf("%d levels tracked, %d populated", len(s.levels), len(seen))
		}
		for p, l := range seen {
			if got := s.levels[p]; got == nil || *got != l {
				return fmt.Errorf("level %d aggregate %+v, want %+v", p, got, l)
			}
		}
	}
	if ob.Crossed() {
		return fmt.Errorf("book %s crossed", ob.symbol)
	}
	return nil
}
