package service

import (
	"context"
	"errors"
	"testing"

	"github.com/efreitasn/venuecore/internal/domain"
	"github.com/efreitasn/venuecore/internal/engine"
	"github.com/efreitasn/venuecore/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testOrderEnv bundles the dependencies needed for OrderService tests.
// The order store is fed synchronously from the engine's bus.
type testOrderEnv struct {
	eng    *engine.Engine
	orders *store.OrderStore
	sub    *engine.Subscription
	svc    *OrderService
}

func newTestOrderEnv(t *testing.T) *testOrderEnv {
	t.Helper()
	eng := engine.New([]string{"AAPL"}, engine.Options{QueueSize: 16})
	t.Cleanup(eng.Close)
	env := &testOrderEnv{
		eng:    eng,
		orders: store.NewOrderStore(),
		sub:    eng.Subscribe("orders", 256),
	}
	env.svc = NewOrderService(eng, env.orders, 2)
	n := 0
	env.svc.newID = func() string {
		n++
		return "gen-" + string(rune('0'+n))
	}
	return env
}

// drain applies every event published so far to the order store.
func (env *testOrderEnv) drain() {
	for {
		select {
		case ev := <-env.sub.Events():
			env.orders.Apply(ev)
		default:
			return
		}
	}
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func limitReq(id string, side domain.Side, price string, qty int64) SubmitOrderRequest {
	return SubmitOrderRequest{
		OrderID:  id,
		Type:     domain.OrderTypeLimit,
		Side:     side,
		Symbol:   "AAPL",
		Price:    dec(price),
		Quantity: qty,
	}
}

func TestSubmitOrder_LimitRests(t *testing.T) {
	env := newTestOrderEnv(t)

	res, err := env.svc.SubmitOrder(context.Background(), limitReq("o1", domain.SideBuy, "100.25", 10))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusResting, res.Order.Status)
	p, ok := res.Order.LimitPrice()
	require.True(t, ok)
	assert.Equal(t, domain.Price(10025), p)
}

func TestSubmitOrder_GeneratesID(t *testing.T) {
	env := newTestOrderEnv(t)

	req := limitReq("", domain.SideSell, "10", 5)
	req.ClientOrderID = "client-7"
	res, err := env.svc.SubmitOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "gen-1", res.Order.OrderID)
	assert.Equal(t, "client-7", res.Order.ClientOrderID)
}

func TestSubmitOrder_ShapeValidation(t *testing.T) {
	env := newTestOrderEnv(t)

	tests := []struct {
		name   string
		req    SubmitOrderRequest
		reason domain.RejectReason
	}{
		{"limit without price", SubmitOrderRequest{Type: domain.OrderTypeLimit, Side: domain.SideBuy, Symbol: "AAPL", Quantity: 1}, domain.ReasonMissingField},
		{"market with price", SubmitOrderRequest{Type: domain.OrderTypeMarket, Side: domain.SideBuy, Symbol: "AAPL", Price: dec("1"), Quantity: 1}, domain.ReasonInvalidPrice},
		{"sub-tick price", limitReq("x", domain.SideBuy, "1.001", 1), domain.ReasonInvalidPrice},
		{"unknown type", SubmitOrderRequest{Type: "stop", Side: domain.SideBuy, Symbol: "AAPL", Quantity: 1}, domain.ReasonInvalidOrderType},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.SubmitOrder(context.Background(), tc.req)
			var ve *domain.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.reason, ve.Reason)
		})
	}
}

func TestSubmitOrder_EngineValidation(t *testing.T) {
	env := newTestOrderEnv(t)

	_, err := env.svc.SubmitOrder(context.Background(), limitReq("o1", domain.SideBuy, "10", 0))
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, domain.ReasonInvalidQuantity, ve.Reason)

	req := limitReq("o2", domain.SideBuy, "10", 1)
	req.Symbol = "GOOG"
	_, err = env.svc.SubmitOrder(context.Background(), req)
	assert.Error(t, err)
}

func TestModifyOrder_PriceAndQuantity(t *testing.T) {
	env := newTestOrderEnv(t)
	ctx := context.Background()
	_, err := env.svc.SubmitOrder(ctx, limitReq("o1", domain.SideBuy, "10", 10))
	require.NoError(t, err)

	qty := int64(4)
	res, err := env.svc.ModifyOrder(ctx, "o1", ModifyOrderRequest{Price: dec("10.50"), Quantity: &qty})
	require.NoError(t, err)
	p, _ := res.Order.LimitPrice()
	assert.Equal(t, domain.Price(1050), p)
	assert.Equal(t, int64(4), res.Order.Remaining)

	_, err = env.svc.ModifyOrder(ctx, "o1", ModifyOrderRequest{Price: dec("-1")})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, domain.ReasonInvalidPrice, ve.Reason)

	_, err = env.svc.ModifyOrder(ctx, "missing", ModifyOrderRequest{Quantity: &qty})
	assert.ErrorIs(t, err, domain.ErrUnknownOrder)
}

func TestGetOrder_LiveThenFromStore(t *testing.T) {
	env := newTestOrderEnv(t)
	ctx := context.Background()

	_, err := env.svc.SubmitOrder(ctx, limitReq("o1", domain.SideSell, "10", 10))
	require.NoError(t, err)

	o, err := env.svc.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusResting, o.Status)

	_, err = env.svc.CancelOrder(ctx, "o1")
	require.NoError(t, err)
	env.drain()

	o, err = env.svc.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCanceled, o.Status)

	_, err = env.svc.GetOrder(ctx, "never")
	assert.True(t, errors.Is(err, domain.ErrUnknownOrder))
}

func TestGetOrder_FilledOrderFromStore(t *testing.T) {
	env := newTestOrderEnv(t)
	ctx := context.Background()

	_, err := env.svc.SubmitOrder(ctx, limitReq("s1", domain.SideSell, "10", 5))
	require.NoError(t, err)
	_, err = env.svc.SubmitOrder(ctx, SubmitOrderRequest{
		OrderID: "b1", Type: domain.OrderTypeMarket, Side: domain.SideBuy, Symbol: "AAPL", Quantity: 5,
	})
	require.NoError(t, err)
	env.drain()

	for _, id := range []string{"s1", "b1"} {
		o, err := env.svc.GetOrder(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusFilled, o.Status, id)
		assert.Equal(t, int64(5), o.Filled, id)
	}
}

func TestListOrders(t *testing.T) {
	env := newTestOrderEnv(t)
	ctx := context.Background()
	for _, id := range []string{"o1", "o2", "o3"} {
		_, err := env.svc.SubmitOrder(ctx, limitReq(id, domain.SideBuy, "10", 1))
		require.NoError(t, err)
	}
	_, err := env.svc.CancelOrder(ctx, "o2")
	require.NoError(t, err)
	env.drain()

	orders, total, err := env.svc.ListOrders("AAPL", nil, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, orders, 2)
	assert.Equal(t, "o3", orders[0].OrderID)

	canceled := domain.OrderStatusCanceled
	orders, total, err = env.svc.ListOrders("AAPL", &canceled, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "o2", orders[0].OrderID)

	bogus := domain.OrderStatus("pending")
	_, _, err = env.svc.ListOrders("AAPL", &bogus, 1, 10)
	assert.Error(t, err)
	_, _, err = env.svc.ListOrders("AAPL", nil, 0, 10)
	assert.Error(t, err)
	_, _, err = env.svc.ListOrders("AAPL", nil, 1, 101)
	assert.Error(t, err)
}
