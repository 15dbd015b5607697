package service

import (
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/efreitasn/venuecore/internal/domain"
	"github.com/efreitasn/venuecore/internal/engine"
	"github.com/efreitasn/venuecore/internal/store"
	"pgregory.net/rapid"
)

// TestProperty_VWAPComputation verifies that for any set of trades within the
// configured window, the price equals floor(sum(price * quantity) / sum(quantity)),
// and that trades outside the window are ignored.
func TestProperty_VWAPComputation(t *testing.T) {
	eng := engine.New([]string{"TEST"}, engine.Options{QueueSize: 4})
	defer eng.Close()

	rapid.Check(t, func(t *rapid.T) {
		window := 5 * time.Minute
		now := time.Now()

		trades := store.NewTradeStore(0)
		svc := NewMarketService(eng, trades, window)
		svc.now = func() time.Time { return now }

		var seq uint64
		numOutside := rapid.IntRange(0, 5).Draw(t, "numOutside")
		for i := 0; i < numOutside; i++ {
			seq++
			offsetSec := rapid.IntRange(301, 600).Draw(t, fmt.Sprintf("outsideOffset-%d", i))
			trades.AppendAt(domain.Trade{
				Symbol:   "TEST",
				Price:    domain.Price(rapid.Int64Range(1, 100000).Draw(t, fmt.Sprintf("outsidePrice-%d", i))),
				Quantity: rapid.Int64Range(1, 10000).Draw(t, fmt.Sprintf("outsideQty-%d", i)),
				Sequence: seq,
			}, now.Add(-time.Duration(offsetSec)*time.Second))
		}

		sumPQ := new(big.Int)
		var sumQ int64
		numTrades := rapid.IntRange(1, 20).Draw(t, "numTrades")
		// Offsets shrink so trades stay in arrival order.
		offset := 299
		for i := 0; i < numTrades; i++ {
			seq++
			price := rapid.Int64Range(1, 100000).Draw(t, fmt.Sprintf("price-%d", i))
			qty := rapid.Int64Range(1, 10000).Draw(t, fmt.Sprintf("qty-%d", i))
			offset = rapid.IntRange(1, offset).Draw(t, fmt.Sprintf("offset-%d", i))
			trades.AppendAt(domain.Trade{
				Symbol:   "TEST",
				Price:    domain.Price(price),
				Quantity: qty,
				Sequence: seq,
			}, now.Add(-time.Duration(offset)*time.Second))
			sumPQ.Add(sumPQ, new(big.Int).Mul(big.NewInt(price), big.NewInt(qty)))
			sumQ += qty
		}

		resp, err := svc.GetPrice("TEST")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := new(big.Int).Quo(sumPQ, big.NewInt(sumQ)).Int64()
		if resp.CurrentPrice == nil || int64(*resp.CurrentPrice) != want {
			t.Fatalf("VWAP = %v, want %d", resp.CurrentPrice, want)
		}
		if resp.TradesInWindow != numTrades {
			t.Fatalf("trades_in_window = %d, want %d", resp.TradesInWindow, numTrades)
		}
	})
}
