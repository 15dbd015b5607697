package domain

// EventKind identifies what an Event reports.
type EventKind string

const (
	EventAccepted        EventKind = "accepted"
	EventRejected        EventKind = "rejected"
	EventTrade           EventKind = "trade"
	EventResting         EventKind = "resting"
	EventPartiallyFilled EventKind = "partially_filled"
	EventFilled          EventKind = "filled"
	EventCanceled        EventKind = "canceled"
	EventModified        EventKind = "modified"
)

// Cancel reasons carried by Canceled events.
const (
	CancelReasonRequested   = "requested"
	CancelReasonNoLiquidity = "no_liquidity"
)

// Event is one entry of a symbol's ordered output stream. Sequence is
// assigned per symbol and increases by one for every event the symbol
// emits; Rejected events for unknown symbols carry Sequence 0.
//
// Order fields describe the order after the event was applied. Trade is
// set only on EventTrade, which has no single OrderID.
type Event struct {
	Kind          EventKind
	Symbol        string
	Sequence      uint64
	OrderID       string
	ClientOrderID string
	Side          Side
	Type          OrderType
	Status        OrderStatus
	Price         Price
	Quantity      int64
	Filled        int64
	Remaining     int64
	LastPrice     Price
	LastQuantity  int64
	Reason        string
	Trade         *Trade
}

// IsExecution reports whether the event reports a fill of OrderID.
func (e Event) IsExecution() bool {
	return e.LastQuantity > 0 && (e.Kind == EventPartiallyFilled || e.Kind == EventFilled)
}

// OrderEvent builds an event describing o's current state.
func OrderEvent(kind EventKind, o *Order) Event {
	price, _ := o.LimitPrice()
	return Event{
		Kind:          kind,
		Symbol:        o.Symbol,
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Side:          o.Side,
		Type:          o.Type(),
		Status:        o.Status,
		Price:         price,
		Quantity:      o.Quantity,
		Filled:        o.Filled,
		Remaining:     o.Remaining,
	}
}
