package domain

// Side indicates whether an order buys or sells.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the side an order of this side matches against.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderType names the variant of an order's Terms.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// Terms is the closed set of order variants. Only Limit and Market
// implement it, so a market order cannot carry a price.
type Terms interface {
	Type() OrderType
	terms()
}

// Limit terms rest at Price when not fully matched.
type Limit struct {
	Price Price
}

// Market terms take whatever liquidity exists and never rest.
type Market struct{}

func (Limit) Type() OrderType  { return OrderTypeLimit }
func (Market) Type() OrderType { return OrderTypeMarket }
func (Limit) terms()           {}
func (Market) terms()          {}

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusResting         OrderStatus = "resting"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether no further transition can leave this status.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected:
		return true
	}
	return false
}

// Order is an instruction owned by the matching engine. Seq is the
// engine-assigned arrival sequence used as the time-priority tiebreak.
//
// Filled + Remaining == Quantity for every live order. A canceled order
// keeps the Remaining it had when it left the book.
type Order struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          Side
	Terms         Terms
	Quantity      int64
	Filled        int64
	Remaining     int64
	Seq           uint64
	Status        OrderStatus
}

// LimitPrice returns the order's price and true for limit orders.
func (o *Order) LimitPrice() (Price, bool) {
	if l, ok := o.Terms.(Limit); ok {
		return l.Price, true
	}
	return 0, false
}

// Type returns the variant of the order's terms.
func (o *Order) Type() OrderType {
	if o.Terms == nil {
		return ""
	}
	return o.Terms.Type()
}

// Clone returns a copy safe to hand outside the engine.
func (o *Order) Clone() Order {
	return *o
}
