package store

import (
	"context"
	"sync"
	"time"

	"github.com/efreitasn/venuecore/internal/domain"
)

// DefaultRetention is the number of trades kept per symbol.
const DefaultRetention = 10000

// TradeRecord is a trade as seen by the journal, stamped with the time it
// was recorded.
type TradeRecord struct {
	domain.Trade
	ExecutedAt time.Time
}

// TradeStore is a thread-safe in-memory journal of trades, keyed by
// symbol. Trades are append-only and kept in event sequence order; only
// the most recent retention trades per symbol are kept.
type TradeStore struct {
	mu        sync.RWMutex
	trades    map[string][]TradeRecord // symbol → trades (chronological)
	retention int
	now       func() time.Time
}

// NewTradeStore creates an empty TradeStore. A retention <= 0 uses
// DefaultRetention.
func NewTradeStore(retention int) *TradeStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &TradeStore{
		trades:    make(map[string][]TradeRecord),
		retention: retention,
		now:       time.Now,
	}
}

// Append adds a trade to its symbol's chronological list.
func (s *TradeStore) Append(t domain.Trade) {
	s.AppendAt(t, s.now())
}

// AppendAt adds a trade with an explicit execution time.
func (s *TradeStore) AppendAt(t domain.Trade, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := append(s.trades[t.Symbol], TradeRecord{Trade: t, ExecutedAt: at})
	if over := len(list) - s.retention; over > 0 {
		list = append(list[:0:0], list[over:]...)
	}
	s.trades[t.Symbol] = list
}

// GetBySymbol returns all retained trades for a symbol in chronological
// order. Returns an empty slice if no trades exist for the symbol.
func (s *TradeStore) GetBySymbol(symbol string) []TradeRecord {
	return s.Recent(symbol, 0)
}

// Recent returns up to limit of the newest trades for a symbol, oldest
// first. A limit <= 0 returns every retained trade.
func (s *TradeStore) Recent(symbol string, limit int) []TradeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trades := s.trades[symbol]
	if limit > 0 && len(trades) > limit {
		trades = trades[len(trades)-limit:]
	}

	// Return a copy to avoid callers mutating the internal slice.
	result := make([]TradeRecord, len(trades))
	copy(result, trades)
	return result
}

// Last returns the most recent trade for a symbol.
func (s *TradeStore) Last(symbol string) (TradeRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trades := s.trades[symbol]
	if len(trades) == 0 {
		return TradeRecord{}, false
	}
	return trades[len(trades)-1], true
}

// Consume records every trade event from events until the channel closes
// or ctx is done.
func (s *TradeStore) Consume(ctx context.Context, events <-chan domain.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind == domain.EventTrade && ev.Trade != nil {
				s.Append(*ev.Trade)
			}
		case <-ctx.Done():
			return
		}
	}
}
