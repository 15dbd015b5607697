package domain

// Trade is an immutable record of one match. Price is always the resting
// (maker) order's price.
type Trade struct {
	BuyOrderID  string
	SellOrderID string
	Symbol      string
	Price       Price
	Quantity    int64
	Sequence    uint64
}
