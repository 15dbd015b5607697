package handler

import (
	"net/http"
	"strconv"

	"github.com/efreitasn/venuecore/internal/domain"
	"github.com/efreitasn/venuecore/internal/engine"
	"github.com/efreitasn/venuecore/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

const (
	defaultDepth      = 10
	defaultTradeLimit = 50
)

// BookHandler handles HTTP requests for book and market data endpoints.
type BookHandler struct {
	marketSvc *service.MarketService
	fmt       priceFormatter
}

// NewBookHandler creates a new BookHandler.
func NewBookHandler(marketSvc *service.MarketService, priceScale int32) *BookHandler {
	return &BookHandler{marketSvc: marketSvc, fmt: priceFormatter(priceScale)}
}

// priceResponse is the JSON response for GET /books/{symbol}/price.
type priceResponse struct {
	Symbol       string           `json:"symbol"`
	CurrentPrice *decimal.Decimal `json:"current_price"`
	Window       string           `json:"window"`
	TradesInWin  int              `json:"trades_in_window"`
	LastTradeAt  *string          `json:"last_trade_at"`
}

// bookLevelResponse is a single price level in the book response.
type bookLevelResponse struct {
	Price         decimal.Decimal `json:"price"`
	TotalQuantity int64           `json:"total_quantity"`
	OrderCount    int             `json:"order_count"`
}

// bookResponse is the JSON response for GET /books/{symbol}.
type bookResponse struct {
	Symbol     string              `json:"symbol"`
	Bids       []bookLevelResponse `json:"bids"`
	Asks       []bookLevelResponse `json:"asks"`
	Spread     *decimal.Decimal    `json:"spread"`
	SnapshotAt string              `json:"snapshot_at"`
}

// quoteLevelResponse is a single price level in the quote response.
type quoteLevelResponse struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
}

// quoteResponse is the JSON response for GET /books/{symbol}/quote.
type quoteResponse struct {
	Symbol            string               `json:"symbol"`
	Side              string               `json:"side"`
	QuantityRequested int64                `json:"quantity_requested"`
	QuantityAvailable int64                `json:"quantity_available"`
	FullyFillable     bool                 `json:"fully_fillable"`
	EstimatedAvgPrice *decimal.Decimal     `json:"estimated_average_price"`
	EstimatedTotal    *decimal.Decimal     `json:"estimated_total"`
	PriceLevels       []quoteLevelResponse `json:"price_levels"`
	QuotedAt          string               `json:"quoted_at"`
}

// tradesResponse is the JSON response for GET /books/{symbol}/trades.
type tradesResponse struct {
	Symbol string          `json:"symbol"`
	Trades []tradeResponse `json:"trades"`
}

// ListBooks handles GET /books.
func (h *BookHandler) ListBooks(w http.ResponseWriter, r *http.Request) {
	depth, ok := intParam(w, r, "depth", defaultDepth)
	if !ok {
		return
	}

	books, err := h.marketSvc.GetBooks(r.Context(), depth)
	if err != nil {
		mapError(w, err)
		return
	}

	resp := make([]bookResponse, len(books))
	for i, b := range books {
		resp[i] = h.bookResponse(b)
	}
	WriteJSON(w, http.StatusOK, resp)
}

// GetBook handles GET /books/{symbol}.
func (h *BookHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	depth, ok := intParam(w, r, "depth", defaultDepth)
	if !ok {
		return
	}

	book, err := h.marketSvc.GetBook(r.Context(), chi.URLParam(r, "symbol"), depth)
	if err != nil {
		mapError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, h.bookResponse(book))
}

// GetQuote handles GET /books/{symbol}/quote?side=&quantity=.
func (h *BookHandler) GetQuote(w http.ResponseWriter, r *http.Request) {
	quantity, err := strconv.ParseInt(r.URL.Query().Get("quantity"), 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, string(domain.ReasonInvalidQuantity), "quantity must be a positive integer")
		return
	}

	side := domain.Side(r.URL.Query().Get("side"))
	quote, err := h.marketSvc.GetQuote(r.Context(), chi.URLParam(r, "symbol"), side, quantity)
	if err != nil {
		mapError(w, err)
		return
	}

	resp := quoteResponse{
		Symbol:            quote.Symbol,
		Side:              string(quote.Side),
		QuantityRequested: quote.QuantityRequested,
		QuantityAvailable: quote.QuantityAvailable,
		FullyFillable:     quote.FullyFillable,
		PriceLevels:       make([]quoteLevelResponse, len(quote.Levels)),
		QuotedAt:          formatTime(quote.QuotedAt),
	}
	for i, l := range quote.Levels {
		resp.PriceLevels[i] = quoteLevelResponse{Price: h.fmt.price(l.Price), Quantity: l.Quantity}
	}
	if avg, ok := quote.AveragePrice(); ok {
		resp.EstimatedAvgPrice = h.fmt.pricePtr(&avg)
		total := decimal.New(quote.Notional, -int32(h.fmt))
		resp.EstimatedTotal = &total
	}

	WriteJSON(w, http.StatusOK, resp)
}

// GetPrice handles GET /books/{symbol}/price.
func (h *BookHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	price, err := h.marketSvc.GetPrice(chi.URLParam(r, "symbol"))
	if err != nil {
		mapError(w, err)
		return
	}

	resp := priceResponse{
		Symbol:       price.Symbol,
		CurrentPrice: h.fmt.pricePtr(price.CurrentPrice),
		Window:       price.Window,
		TradesInWin:  price.TradesInWindow,
	}
	if price.LastTradeAt != nil {
		s := formatTime(*price.LastTradeAt)
		resp.LastTradeAt = &s
	}

	WriteJSON(w, http.StatusOK, resp)
}

// GetTrades handles GET /books/{symbol}/trades?limit=.
func (h *BookHandler) GetTrades(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit", defaultTradeLimit)
	if !ok {
		return
	}

	symbol := chi.URLParam(r, "symbol")
	trades, err := h.marketSvc.GetTrades(symbol, limit)
	if err != nil {
		mapError(w, err)
		return
	}

	resp := tradesResponse{Symbol: symbol, Trades: make([]tradeResponse, len(trades))}
	for i, t := range trades {
		resp.Trades[i] = tradeResponse{
			Sequence:    t.Sequence,
			BuyOrderID:  t.BuyOrderID,
			SellOrderID: t.SellOrderID,
			Price:       h.fmt.price(t.Price),
			Quantity:    t.Quantity,
			ExecutedAt:  formatTime(t.ExecutedAt),
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (h *BookHandler) bookResponse(b *service.BookResponse) bookResponse {
	return bookResponse{
		Symbol:     b.Symbol,
		Bids:       h.levels(b.Bids),
		Asks:       h.levels(b.Asks),
		Spread:     h.fmt.pricePtr(b.Spread),
		SnapshotAt: formatTime(b.SnapshotAt),
	}
}

func (h *BookHandler) levels(levels []engine.Level) []bookLevelResponse {
	out := make([]bookLevelResponse, len(levels))
	for i, l := range levels {
		out[i] = bookLevelResponse{
			Price:         h.fmt.price(l.Price),
			TotalQuantity: l.Quantity,
			OrderCount:    l.OrderCount,
		}
	}
	return out
}

// intParam reads an optional integer query parameter, writing a 400 and
// returning false when it is not an integer.
func intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		WriteError(w, http.StatusBadRequest, string(domain.ReasonInvalidQuery), name+" must be a valid integer")
		return 0, false
	}
	return n, true
}
