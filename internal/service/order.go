package service

import (
	"context"
	"errors"

	"github.com/efreitasn/venuecore/internal/domain"
	"github.com/efreitasn/venuecore/internal/engine"
	"github.com/efreitasn/venuecore/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ValidOrderStatuses lists all valid order status values for validation.
var ValidOrderStatuses = map[domain.OrderStatus]bool{
	domain.OrderStatusNew:             true,
	domain.OrderStatusResting:         true,
	domain.OrderStatusPartiallyFilled: true,
	domain.OrderStatusFilled:          true,
	domain.OrderStatusCanceled:        true,
	domain.OrderStatusRejected:        true,
}

// OrderEngine is the command side of the engine used by OrderService.
type OrderEngine interface {
	Submit(ctx context.Context, cmd domain.SubmitCommand) (engine.Result, error)
	Modify(ctx context.Context, cmd domain.ModifyCommand) (engine.Result, error)
	Cancel(ctx context.Context, cmd domain.CancelCommand) (engine.Result, error)
	Order(ctx context.Context, orderID string) (domain.Order, error)
}

// SubmitOrderRequest represents the input for order submission.
type SubmitOrderRequest struct {
	OrderID       string // assigned when empty
	ClientOrderID string
	Type          domain.OrderType
	Side          domain.Side
	Symbol        string
	Price         *decimal.Decimal // required for limit, must be nil for market
	Quantity      int64
}

// ModifyOrderRequest represents the input for changing a resting order.
// Quantity is the new total quantity, including anything already filled.
type ModifyOrderRequest struct {
	Price    *decimal.Decimal
	Quantity *int64
}

// OrderService turns JSON-level requests into engine commands and answers
// order lookups from the engine and the order store.
type OrderService struct {
	engine OrderEngine
	orders *store.OrderStore
	scale  int32
	newID  func() string
}

// NewOrderService creates a new OrderService with the given dependencies.
func NewOrderService(eng OrderEngine, orders *store.OrderStore, priceScale int32) *OrderService {
	return &OrderService{
		engine: eng,
		orders: orders,
		scale:  priceScale,
		newID:  uuid.NewString,
	}
}

// SubmitOrder validates the request shape and submits it. Validation that
// depends on engine state (symbol, quantity, duplicate IDs) happens in the
// engine, which also publishes the Rejected event.
func (s *OrderService) SubmitOrder(ctx context.Context, req SubmitOrderRequest) (engine.Result, error) {
	var terms domain.Terms
	switch req.Type {
	case domain.OrderTypeLimit:
		if req.Price == nil {
			return engine.Result{}, domain.Rejectf(domain.ReasonMissingField, "price is required for limit orders")
		}
		p, err := domain.PriceFromDecimal(*req.Price, s.scale)
		if err != nil {
			return engine.Result{}, domain.Rejectf(domain.ReasonInvalidPrice, "%s", err.Error())
		}
		terms = domain.Limit{Price: p}
	case domain.OrderTypeMarket:
		if req.Price != nil {
			return engine.Result{}, domain.Rejectf(domain.ReasonInvalidPrice, "market orders must not include price")
		}
		terms = domain.Market{}
	default:
		return engine.Result{}, domain.Rejectf(domain.ReasonInvalidOrderType,
			"unknown order type: %q. Must be one of: limit, market", req.Type)
	}

	id := req.OrderID
	if id == "" {
		id = s.newID()
	}
	return s.engine.Submit(ctx, domain.SubmitCommand{
		OrderID:       id,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Terms:         terms,
		Quantity:      req.Quantity,
	})
}

// ModifyOrder changes the price and/or total quantity of a resting order.
func (s *OrderService) ModifyOrder(ctx context.Context, orderID string, req ModifyOrderRequest) (engine.Result, error) {
	cmd := domain.ModifyCommand{OrderID: orderID, NewQuantity: req.Quantity}
	if req.Price != nil {
		p, err := domain.PriceFromDecimal(*req.Price, s.scale)
		if err != nil {
			return engine.Result{}, domain.Rejectf(domain.ReasonInvalidPrice, "%s", err.Error())
		}
		cmd.NewPrice = &p
	}
	return s.engine.Modify(ctx, cmd)
}

// CancelOrder cancels a resting order.
func (s *OrderService) CancelOrder(ctx context.Context, orderID string) (engine.Result, error) {
	return s.engine.Cancel(ctx, domain.CancelCommand{OrderID: orderID})
}

// GetOrder returns the live state of a resting order, or the last
// reported state of one that has left the book.
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	o, err := s.engine.Order(ctx, orderID)
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, domain.ErrUnknownOrder) {
		return domain.Order{}, err
	}
	return s.orders.Get(orderID)
}

// ListOrders returns a paginated list of orders for a symbol with optional
// status filtering.
func (s *OrderService) ListOrders(symbol string, status *domain.OrderStatus, page, limit int) ([]domain.Order, int, error) {
	if status != nil && !ValidOrderStatuses[*status] {
		return nil, 0, domain.Rejectf(domain.ReasonInvalidQuery,
			"invalid status filter: %q. Must be one of: new, resting, partially_filled, filled, canceled, rejected", *status)
	}

	// Validate pagination.
	if page < 1 {
		return nil, 0, &domain.ValidationError{Reason: domain.ReasonInvalidQuery, Message: "page must be >= 1"}
	}
	if limit < 1 || limit > 100 {
		return nil, 0, &domain.ValidationError{Reason: domain.ReasonInvalidQuery, Message: "limit must be between 1 and 100"}
	}

	orders, total := s.orders.ListBySymbol(symbol, status, page, limit)
	return orders, total, nil
}

// PriceScale returns the number of decimal places in a price tick.
func (s *OrderService) PriceScale() int32 {
	return s.scale
}
