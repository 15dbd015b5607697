package domain

// SubmitCommand asks the engine to accept a new order. OrderID is chosen by
// the submitter and must be unique across the venue.
type SubmitCommand struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          Side
	Terms         Terms
	Quantity      int64
}

// ModifyCommand changes a resting order's price and/or total quantity.
// A nil field keeps the current value.
type ModifyCommand struct {
	OrderID     string
	NewPrice    *Price
	NewQuantity *int64
}

// CancelCommand removes a resting order from the book.
type CancelCommand struct {
	OrderID string
}
