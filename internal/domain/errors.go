package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for engine and gateway error handling.
// The handler layer maps these to HTTP status codes.
var (
	ErrUnknownOrder  = errors.New("unknown_order")
	ErrInvalidPrice  = errors.New("invalid_price")
	ErrUnknownSymbol = errors.New("unknown_symbol")
	ErrSymbolHalted  = errors.New("symbol_halted")
	ErrEngineClosed  = errors.New("engine_closed")
	ErrSlowConsumer  = errors.New("slow_consumer")
)

// RejectReason is the machine-readable cause carried by Rejected events
// and validation errors.
type RejectReason string

const (
	ReasonUnknownSymbol       RejectReason = "unknown_symbol"
	ReasonInvalidQuantity     RejectReason = "invalid_quantity"
	ReasonInvalidPrice        RejectReason = "invalid_price"
	ReasonDuplicateOrderID    RejectReason = "duplicate_order_id"
	ReasonInvalidSide         RejectReason = "invalid_side"
	ReasonInvalidOrderType    RejectReason = "invalid_order_type"
	ReasonQuantityBelowFilled RejectReason = "quantity_below_filled"
	ReasonMissingField        RejectReason = "missing_field"
	ReasonNoChange            RejectReason = "no_change"
	ReasonInvalidQuery        RejectReason = "invalid_query"
)

// ValidationError represents a command rejected before any book mutation.
type ValidationError struct {
	Reason  RejectReason
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Rejectf builds a ValidationError with a formatted message.
func Rejectf(reason RejectReason, format string, args ...any) *ValidationError {
	return &ValidationError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}
