package service

import (
	"context"
	"fmt"
	"time"

	"github.com/efreitasn/venuecore/internal/domain"
	"github.com/efreitasn/venuecore/internal/engine"
	"github.com/efreitasn/venuecore/internal/store"
	"github.com/shopspring/decimal"
)

const (
	// MaxBookDepth is the largest depth a book query may ask for.
	MaxBookDepth = 50
	// MaxTradeLimit is the largest number of trades a trade query returns.
	MaxTradeLimit = 500
)

// MarketEngine is the read side of the engine used by MarketService.
type MarketEngine interface {
	Snapshot(ctx context.Context, symbol string, depth int) (engine.Snapshot, error)
	Snapshots(ctx context.Context, depth int) ([]engine.Snapshot, error)
	Quote(ctx context.Context, symbol string, side domain.Side, quantity int64) (engine.QuoteResult, error)
	Symbols() []string
}

// PriceResponse is the reference price of a symbol.
type PriceResponse struct {
	Symbol         string
	CurrentPrice   *domain.Price // nil when no trades ever
	Window         string        // e.g. "5m"
	TradesInWindow int
	LastTradeAt    *time.Time // nil when no trades ever
}

// BookResponse is a depth-limited view of one book.
type BookResponse struct {
	engine.Snapshot
	Spread     *domain.Price // nil if either side empty
	SnapshotAt time.Time
}

// QuoteResponse is the estimated outcome of a market order.
type QuoteResponse struct {
	engine.QuoteResult
	Symbol            string
	Side              domain.Side
	QuantityRequested int64
	QuotedAt          time.Time
}

// MarketService answers book, quote, price and trade queries.
type MarketService struct {
	engine     MarketEngine
	trades     *store.TradeStore
	symbols    *domain.SymbolRegistry
	vwapWindow time.Duration
	now        func() time.Time
}

// NewMarketService creates a new MarketService with the given dependencies.
func NewMarketService(eng MarketEngine, trades *store.TradeStore, vwapWindow time.Duration) *MarketService {
	return &MarketService{
		engine:     eng,
		trades:     trades,
		symbols:    domain.NewSymbolRegistry(eng.Symbols()...),
		vwapWindow: vwapWindow,
		now:        time.Now,
	}
}

// Symbols returns every traded symbol in ascending order.
func (s *MarketService) Symbols() []string {
	return s.symbols.List()
}

// GetPrice returns the reference price for a symbol, computed as VWAP over
// the configured window. Falls back to the last trade's price when the
// window is empty and to nil when the symbol never traded.
func (s *MarketService) GetPrice(symbol string) (*PriceResponse, error) {
	if !s.symbols.Exists(symbol) {
		return nil, fmt.Errorf("%q: %w", symbol, domain.ErrUnknownSymbol)
	}

	trades := s.trades.GetBySymbol(symbol)
	windowStart := s.now().Add(-s.vwapWindow)

	resp := &PriceResponse{
		Symbol: symbol,
		Window: formatDuration(s.vwapWindow),
	}
	if len(trades) == 0 {
		return resp, nil
	}

	last := trades[len(trades)-1]
	resp.LastTradeAt = &last.ExecutedAt

	// Walk back from the tail until a trade falls outside the window.
	sumPriceQty := decimal.Zero
	var sumQty int64
	for i := len(trades) - 1; i >= 0; i-- {
		t := trades[i]
		if t.ExecutedAt.Before(windowStart) {
			break
		}
		sumPriceQty = sumPriceQty.Add(decimal.NewFromInt(int64(t.Price)).Mul(decimal.NewFromInt(t.Quantity)))
		sumQty += t.Quantity
		resp.TradesInWindow++
	}

	price := last.Price
	if sumQty > 0 {
		price = domain.Price(sumPriceQty.Div(decimal.NewFromInt(sumQty)).IntPart())
	}
	resp.CurrentPrice = &price
	return resp, nil
}

// GetBook returns the top depth price levels of a symbol's book.
func (s *MarketService) GetBook(ctx context.Context, symbol string, depth int) (*BookResponse, error) {
	if !s.symbols.Exists(symbol) {
		return nil, fmt.Errorf("%q: %w", symbol, domain.ErrUnknownSymbol)
	}
	if err := validateDepth(depth); err != nil {
		return nil, err
	}

	snap, err := s.engine.Snapshot(ctx, symbol, depth)
	if err != nil {
		return nil, err
	}
	return s.bookResponse(snap), nil
}

// GetBooks returns the top depth price levels of every book.
func (s *MarketService) GetBooks(ctx context.Context, depth int) ([]*BookResponse, error) {
	if err := validateDepth(depth); err != nil {
		return nil, err
	}

	snaps, err := s.engine.Snapshots(ctx, depth)
	if err != nil {
		return nil, err
	}
	out := make([]*BookResponse, len(snaps))
	for i, snap := range snaps {
		out[i] = s.bookResponse(snap)
	}
	return out, nil
}

func (s *MarketService) bookResponse(snap engine.Snapshot) *BookResponse {
	resp := &BookResponse{Snapshot: snap, SnapshotAt: s.now()}
	if spread, ok := snap.Spread(); ok {
		resp.Spread = &spread
	}
	return resp
}

// GetQuote simulates a market order against the current book without
// placing it.
func (s *MarketService) GetQuote(ctx context.Context, symbol string, side domain.Side, quantity int64) (*QuoteResponse, error) {
	if !s.symbols.Exists(symbol) {
		return nil, fmt.Errorf("%q: %w", symbol, domain.ErrUnknownSymbol)
	}
	if !side.Valid() {
		return nil, domain.Rejectf(domain.ReasonInvalidSide, "side must be 'buy' or 'sell'")
	}
	if quantity <= 0 {
		return nil, domain.Rejectf(domain.ReasonInvalidQuantity, "quantity must be a positive integer")
	}

	q, err := s.engine.Quote(ctx, symbol, side, quantity)
	if err != nil {
		return nil, err
	}
	return &QuoteResponse{
		QuoteResult:       q,
		Symbol:            symbol,
		Side:              side,
		QuantityRequested: quantity,
		QuotedAt:          s.now(),
	}, nil
}

// GetTrades returns up to limit of a symbol's most recent trades, oldest
// first.
func (s *MarketService) GetTrades(symbol string, limit int) ([]store.TradeRecord, error) {
	if !s.symbols.Exists(symbol) {
		return nil, fmt.Errorf("%q: %w", symbol, domain.ErrUnknownSymbol)
	}
	if limit < 1 || limit > MaxTradeLimit {
		return nil, domain.Rejectf(domain.ReasonInvalidQuery, "limit must be between 1 and %d", MaxTradeLimit)
	}
	return s.trades.Recent(symbol, limit), nil
}

func validateDepth(depth int) error {
	if depth < 1 || depth > MaxBookDepth {
		return domain.Rejectf(domain.ReasonInvalidQuery, "depth must be between 1 and %d", MaxBookDepth)
	}
	return nil
}

// formatDuration converts a time.Duration to a human-readable string
// like "5m" for the window field.
func formatDuration(d time.Duration) string {
	if d == 0 {
		return "0s"
	}
	minutes := int(d.Minutes())
	if d == time.Duration(minutes)*time.Minute && minutes > 0 {
		return fmt.Sprintf("%dm", minutes)
	}
	return d.String()
}
