package handler

import (
	"net/http"

	"github.com/efreitasn/venuecore/internal/domain"
	"github.com/efreitasn/venuecore/internal/engine"
	"github.com/efreitasn/venuecore/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// OrderHandler handles HTTP requests for order endpoints.
type OrderHandler struct {
	orderSvc *service.OrderService
	fmt      priceFormatter
}

// NewOrderHandler creates a new OrderHandler.
func NewOrderHandler(orderSvc *service.OrderService) *OrderHandler {
	return &OrderHandler{orderSvc: orderSvc, fmt: priceFormatter(orderSvc.PriceScale())}
}

// submitOrderRequest is the JSON request body for POST /orders.
type submitOrderRequest struct {
	OrderID       string           `json:"order_id"`
	ClientOrderID string           `json:"client_order_id"`
	Type          string           `json:"type"`
	Side          string           `json:"side"`
	Symbol        string           `json:"symbol"`
	Price         *decimal.Decimal `json:"price"`
	Quantity      int64            `json:"quantity"`
}

// modifyOrderRequest is the JSON request body for PATCH /orders/{order_id}.
type modifyOrderRequest struct {
	Price    *decimal.Decimal `json:"price"`
	Quantity *int64           `json:"quantity"`
}

// orderResponse is the JSON view of an order. Market orders omit price.
type orderResponse struct {
	OrderID           string           `json:"order_id"`
	ClientOrderID     string           `json:"client_order_id,omitempty"`
	Type              string           `json:"type"`
	Side              string           `json:"side"`
	Symbol            string           `json:"symbol"`
	Price             *decimal.Decimal `json:"price,omitempty"`
	Quantity          int64            `json:"quantity"`
	FilledQuantity    int64            `json:"filled_quantity"`
	RemainingQuantity int64            `json:"remaining_quantity"`
	Status            string           `json:"status"`
}

// commandResponse is the JSON response for order commands: the order as
// the command left it plus the trades it produced.
type commandResponse struct {
	orderResponse
	Reason string          `json:"reason,omitempty"`
	Trades []tradeResponse `json:"trades"`
}

// tradeResponse is a single trade.
type tradeResponse struct {
	Sequence    uint64          `json:"sequence"`
	BuyOrderID  string          `json:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int64           `json:"quantity"`
	ExecutedAt  string          `json:"executed_at,omitempty"`
}

// listOrdersResponse is the paginated response for GET /orders.
type listOrdersResponse struct {
	Orders []orderResponse `json:"orders"`
	Page   int             `json:"page"`
	Limit  int             `json:"limit"`
	Total  int             `json:"total"`
}

// SubmitOrder handles POST /orders.
func (h *OrderHandler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitOrderRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := h.orderSvc.SubmitOrder(r.Context(), service.SubmitOrderRequest{
		OrderID:       req.OrderID,
		ClientOrderID: req.ClientOrderID,
		Type:          domain.OrderType(req.Type),
		Side:          domain.Side(req.Side),
		Symbol:        req.Symbol,
		Price:         req.Price,
		Quantity:      req.Quantity,
	})
	if err != nil {
		mapError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, h.commandResponse(res))
}

// ModifyOrder handles PATCH /orders/{order_id}.
func (h *OrderHandler) ModifyOrder(w http.ResponseWriter, r *http.Request) {
	var req modifyOrderRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := h.orderSvc.ModifyOrder(r.Context(), chi.URLParam(r, "order_id"), service.ModifyOrderRequest{
		Price:    req.Price,
		Quantity: req.Quantity,
	})
	if err != nil {
		mapError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, h.commandResponse(res))
}

// CancelOrder handles DELETE /orders/{order_id}.
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	res, err := h.orderSvc.CancelOrder(r.Context(), chi.URLParam(r, "order_id"))
	if err != nil {
		mapError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, h.commandResponse(res))
}

// GetOrder handles GET /orders/{order_id}.
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orderSvc.GetOrder(r.Context(), chi.URLParam(r, "order_id"))
	if err != nil {
		mapError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, h.orderResponse(order))
}

// ListOrders handles GET /orders?symbol=&status=&page=&limit=.
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := q.Get("symbol")
	if symbol == "" {
		WriteError(w, http.StatusBadRequest, string(domain.ReasonMissingField), "symbol is required")
		return
	}

	var status *domain.OrderStatus
	if s := q.Get("status"); s != "" {
		st := domain.OrderStatus(s)
		status = &st
	}

	page, ok := intParam(w, r, "page", 1)
	if !ok {
		return
	}
	limit, ok := intParam(w, r, "limit", 20)
	if !ok {
		return
	}

	orders, total, err := h.orderSvc.ListOrders(symbol, status, page, limit)
	if err != nil {
		mapError(w, err)
		return
	}

	resp := listOrdersResponse{
		Orders: make([]orderResponse, len(orders)),
		Page:   page,
		Limit:  limit,
		Total:  total,
	}
	for i, o := range orders {
		resp.Orders[i] = h.orderResponse(o)
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (h *OrderHandler) orderResponse(o domain.Order) orderResponse {
	resp := orderResponse{
		OrderID:           o.OrderID,
		ClientOrderID:     o.ClientOrderID,
		Type:              string(o.Type()),
		Side:              string(o.Side),
		Symbol:            o.Symbol,
		Quantity:          o.Quantity,
		FilledQuantity:    o.Filled,
		RemainingQuantity: o.Remaining,
		Status:            string(o.Status),
	}
	if p, ok := o.LimitPrice(); ok {
		d := h.fmt.price(p)
		resp.Price = &d
	}
	return resp
}

func (h *OrderHandler) commandResponse(res engine.Result) commandResponse {
	resp := commandResponse{
		orderResponse: h.orderResponse(res.Order),
		Trades:        make([]tradeResponse, 0),
	}
	for _, ev := range res.Events {
		if ev.OrderID == res.Order.OrderID && ev.Reason != "" {
			resp.Reason = ev.Reason
		}
	}
	for _, t := range res.Trades() {
		resp.Trades = append(resp.Trades, tradeResponse{
			Sequence:    t.Sequence,
			BuyOrderID:  t.BuyOrderID,
			SellOrderID: t.SellOrderID,
			Price:       h.fmt.price(t.Price),
			Quantity:    t.Quantity,
		})
	}
	return resp
}
