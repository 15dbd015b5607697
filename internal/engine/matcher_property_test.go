package engine

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/efreitasn/venuecore/internal/domain"
	"pgregory.net/rapid"
)

// op is one randomly generated command against a matcher.
type op struct {
	kind   CommandKind
	submit domain.SubmitCommand
	modify domain.ModifyCommand
	cancel domain.CancelCommand
}

func opGen(n int) *rapid.Generator[op] {
	return rapid.Custom(func(t *rapid.T) op {
		id := fmt.Sprintf("o%d", rapid.IntRange(0, n).Draw(t, "id"))
		switch rapid.IntRange(0, 9).Draw(t, "kind") {
		case 0, 1, 2, 3, 4, 5:
			side := rapid.SampledFrom([]domain.Side{domain.SideBuy, domain.SideSell}).Draw(t, "side")
			qty := rapid.Int64Range(1, 50).Draw(t, "qty")
			var terms domain.Terms = domain.Limit{Price: domain.Price(rapid.Int64Range(90, 110).Draw(t, "price"))}
			if rapid.IntRange(0, 4).Draw(t, "market") == 0 {
				terms = domain.Market{}
			}
			return op{kind: CommandSubmit, submit: domain.SubmitCommand{
				OrderID: id, Symbol: "AAPL", Side: side, Terms: terms, Quantity: qty,
			}}
		case 6, 7:
			cmd := domain.ModifyCommand{OrderID: id}
			if rapid.Bool().Draw(t, "newPrice") {
				p := domain.Price(rapid.Int64Range(90, 110).Draw(t, "price"))
				cmd.NewPrice = &p
			}
			if rapid.Bool().Draw(t, "newQty") {
				q := rapid.Int64Range(1, 80).Draw(t, "qty")
				cmd.NewQuantity = &q
			}
			return op{kind: CommandModify, modify: cmd}
		default:
			return op{kind: CommandCancel, cancel: domain.CancelCommand{OrderID: id}}
		}
	})
}

func applyOp(m *Matcher, o op) (Result, error) {
	switch o.kind {
	case CommandSubmit:
		return m.Submit(o.submit)
	case CommandModify:
		return m.Modify(o.modify)
	default:
		return m.Cancel(o.cancel)
	}
}

type restingSnapshot struct {
	id    string
	price domain.Price
	qty   int64
}

func oppositeQueue(m *Matcher, side domain.Side) []restingSnapshot {
	var out []restingSnapshot
	m.book.Walk(side.Opposite(), func(o *domain.Order) bool {
		p, _ := o.LimitPrice()
		out = append(out, restingSnapshot{id: o.OrderID, price: p, qty: o.Remaining})
		return true
	})
	return out
}

func TestProperty_BookNeverCrossedAndAggregatesHold(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := newTestMatcher()
		ops := rapid.SliceOfN(opGen(40), 1, 150).Draw(t, "ops")

		for i, o := range ops {
			res, err := applyOp(m, o)
			if errors.Is(err, errInvariant) {
				t.Fatalf("op %d: %v", i, err)
			}
			if verr := m.book.verify(); verr != nil {
				t.Fatalf("op %d (%s): %v", i, o.kind, verr)
			}
			for _, e := range res.Events {
				if e.Kind == domain.EventTrade {
					continue
				}
				if e.Remaining < 0 || e.Filled < 0 || e.Filled+e.Remaining > e.Quantity {
					t.Fatalf("op %d: event %s has filled=%d remaining=%d quantity=%d",
						i, e.Kind, e.Filled, e.Remaining, e.Quantity)
				}
			}
		}
	})
}

func TestProperty_PriceTimePriorityAndMakerPrice(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := newTestMatcher()
		ops := rapid.SliceOfN(opGen(40), 1, 100).Draw(t, "ops")

		for i, o := range ops {
			if o.kind != CommandSubmit {
				_, _ = applyOp(m, o)
				continue
			}
			queue := oppositeQueue(m, o.submit.Side)
			res, err := m.Submit(o.submit)
			if err != nil {
				continue
			}

			// Trades must consume the opposite side strictly in queue order,
			// each at the resting order's price.
			pos := 0
			for _, tr := range res.Trades() {
				maker := tr.SellOrderID
				if o.submit.Side == domain.SideSell {
					maker = tr.BuyOrderID
				}
				for pos < len(queue) && queue[pos].qty == 0 {
					pos++
				}
				if pos >= len(queue) {
					t.Fatalf("op %d: trade against %s with empty queue", i, maker)
				}
				want := queue[pos]
				if maker != want.id {
					t.Fatalf("op %d: traded against %s, want front %s", i, maker, want.id)
				}
				if tr.Price != want.price {
					t.Fatalf("op %d: trade price %d, want maker price %d", i, tr.Price, want.price)
				}
				if tr.Quantity > want.qty {
					t.Fatalf("op %d: trade qty %d exceeds resting %d", i, tr.Quantity, want.qty)
				}
				queue[pos].qty -= tr.Quantity
			}
		}
	})
}

func TestProperty_MarketOrdersNeverRest(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := newTestMatcher()
		ops := rapid.SliceOfN(opGen(40), 1, 100).Draw(t, "ops")

		for i, o := range ops {
			res, err := applyOp(m, o)
			if err != nil || o.kind != CommandSubmit || o.submit.Terms.Type() != domain.OrderTypeMarket {
				continue
			}
			if _, ok := m.book.Get(o.submit.OrderID); ok {
				t.Fatalf("op %d: market order %s rests", i, o.submit.OrderID)
			}
			st := res.Order.Status
			if st != domain.OrderStatusFilled && st != domain.OrderStatusCanceled {
				t.Fatalf("op %d: market order ended %s", i, st)
			}
		}
	})
}

func TestProperty_CancelTwice(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := newTestMatcher()
		ops := rapid.SliceOfN(opGen(20), 1, 60).Draw(t, "ops")
		for _, o := range ops {
			_, _ = applyOp(m, o)
		}

		id := fmt.Sprintf("o%d", rapid.IntRange(0, 20).Draw(t, "cancel"))
		_, resting := m.book.Get(id)
		_, err := m.Cancel(domain.CancelCommand{OrderID: id})
		if resting && err != nil {
			t.Fatalf("first cancel of resting %s: %v", id, err)
		}
		if !resting && !errors.Is(err, domain.ErrUnknownOrder) {
			t.Fatalf("cancel of non-resting %s: err = %v", id, err)
		}
		if _, err := m.Cancel(domain.CancelCommand{OrderID: id}); !errors.Is(err, domain.ErrUnknownOrder) {
			t.Fatalf("second cancel of %s: err = %v", id, err)
		}
	})
}

func TestProperty_Deterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ops := rapid.SliceOfN(opGen(30), 1, 100).Draw(t, "ops")

		run := func() ([]domain.Event, Snapshot) {
			m := newTestMatcher()
			var all []domain.Event
			for _, o := range ops {
				res, _ := applyOp(m, o)
				all = append(all, res.Events...)
			}
			return all, m.book.Display(0)
		}

		ev1, snap1 := run()
		ev2, snap2 := run()
		if !reflect.DeepEqual(ev1, ev2) {
			t.Fatal("same commands produced different events")
		}
		if !reflect.DeepEqual(snap1, snap2) {
			t.Fatal("same commands produced different books")
		}
	})
}

func TestProperty_TradeVolumeConserved(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := newTestMatcher()
		ops := rapid.SliceOfN(opGen(40), 1, 100).Draw(t, "ops")

		var bought, sold, traded int64
		for _, o := range ops {
			res, _ := applyOp(m, o)
			for _, e := range res.Events {
				switch {
				case e.Kind == domain.EventTrade:
					traded += e.Trade.Quantity
				case e.IsExecution() && e.Side == domain.SideBuy:
					bought += e.LastQuantity
				case e.IsExecution() && e.Side == domain.SideSell:
					sold += e.LastQuantity
				}
			}
		}
		if bought != traded || sold != traded {
			t.Fatalf("bought=%d sold=%d traded=%d", bought, sold, traded)
		}
	})
}
