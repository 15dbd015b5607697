package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/efreitasn/venuecore/internal/domain"
	"github.com/efreitasn/venuecore/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	eng *engine.Engine
	sub *engine.Subscription
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	eng := engine.New([]string{"AAPL", "MSFT"}, engine.DefaultOptions())
	t.Cleanup(eng.Close)
	return &testEnv{eng: eng, sub: eng.Subscribe("test", 1024)}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (env *testEnv) session(t *testing.T, prefix string) *Session {
	t.Helper()
	n := 0
	s := NewSession(env.eng, SessionConfig{
		PriceScale: 2,
		NewOrderID: func() string {
			n++
			return fmt.Sprintf("%s-%d", prefix, n)
		},
	}, discardLogger())
	replies, closeConn := s.HandleMessage(context.Background(), newMsg(MsgLogon, f(TagSenderCompID, prefix)))
	require.False(t, closeConn)
	require.Len(t, replies, 1)
	return s
}

// reports drains the events currently queued on the test subscription and
// returns the ones s translates.
func (env *testEnv) reports(s *Session) []Message {
	var out []Message
	for {
		select {
		case ev := <-env.sub.Events():
			if m, ok := s.OnEvent(ev); ok {
				out = append(out, m)
			}
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

func get(t *testing.T, m Message, tag Tag) string {
	t.Helper()
	v, ok := m.Get(tag)
	require.True(t, ok, "tag %d missing from %s", tag, m)
	return v
}

func newOrder(clOrdID, symbol, side, ordType, price, qty string) Message {
	m := newMsg(MsgNewOrderSingle,
		f(TagClOrdID, clOrdID),
		f(TagSymbol, symbol),
		f(TagSide, side),
		f(TagOrdType, ordType),
		f(TagOrderQty, qty),
	)
	if price != "" {
		m.Add(TagPrice, price)
	}
	return m
}

func TestSession_LogonRequired(t *testing.T) {
	env := newTestEnv(t)
	s := NewSession(env.eng, SessionConfig{}, discardLogger())

	replies, closeConn := s.HandleMessage(context.Background(), newOrder("c1", "AAPL", "1", "2", "10", "1"))
	assert.True(t, closeConn)
	require.Len(t, replies, 1)
	assert.Equal(t, MsgReject, replies[0].Type())
}

func TestSession_LogonHeartbeatLogout(t *testing.T) {
	env := newTestEnv(t)
	s := NewSession(env.eng, SessionConfig{HeartbeatInterval: 15 * time.Second}, discardLogger())
	ctx := context.Background()

	replies, _ := s.HandleMessage(ctx, newMsg(MsgLogon, f(TagSenderCompID, "CLIENT"), f(TagMsgSeqNum, "1")))
	require.Len(t, replies, 1)
	assert.Equal(t, MsgLogon, replies[0].Type())
	assert.Equal(t, "15", get(t, replies[0], TagHeartBtInt))
	assert.Equal(t, "CLIENT", s.Peer())

	replies, _ = s.HandleMessage(ctx, newMsg(MsgLogon))
	require.Len(t, replies, 1)
	assert.Equal(t, MsgReject, replies[0].Type())

	replies, _ = s.HandleMessage(ctx, newMsg(MsgHeartbeat))
	assert.Empty(t, replies)

	replies, _ = s.HandleMessage(ctx, newMsg(MsgTestRequest, f(TagTestReqID, "t-9")))
	require.Len(t, replies, 1)
	assert.Equal(t, MsgHeartbeat, replies[0].Type())
	assert.Equal(t, "t-9", get(t, replies[0], TagTestReqID))

	replies, _ = s.HandleMessage(ctx, newMsg("Z", f(TagMsgSeqNum, "4")))
	require.Len(t, replies, 1)
	assert.Equal(t, MsgReject, replies[0].Type())
	assert.Equal(t, "4", get(t, replies[0], TagRefSeqNum))
	assert.Equal(t, rejectInvalidMsgType, get(t, replies[0], TagSessionRejectReason))

	replies, closeConn := s.HandleMessage(ctx, newMsg(MsgLogout))
	assert.True(t, closeConn)
	require.Len(t, replies, 1)
	assert.Equal(t, MsgLogout, replies[0].Type())
}

func TestSession_Seal(t *testing.T) {
	env := newTestEnv(t)
	s := env.session(t, "CLIENT")

	for want := 1; want <= 3; want++ {
		m, err := Decode(s.Seal(newMsg(MsgHeartbeat)))
		require.NoError(t, err)
		assert.Equal(t, "VENUE", get(t, m, TagSenderCompID))
		assert.Equal(t, "CLIENT", get(t, m, TagTargetCompID))
		assert.Equal(t, fmt.Sprint(want), get(t, m, TagMsgSeqNum))
	}
}

func TestSession_NewOrderReports(t *testing.T) {
	env := newTestEnv(t)
	s := env.session(t, "A")

	replies, _ := s.HandleMessage(context.Background(), newOrder("c1", "AAPL", "1", "2", "10.50", "100"))
	assert.Empty(t, replies)

	reports := env.reports(s)
	require.Len(t, reports, 2)
	accepted, resting := reports[0], reports[1]

	assert.Equal(t, MsgExecutionReport, accepted.Type())
	assert.Equal(t, "A-1", get(t, accepted, TagOrderID))
	assert.Equal(t, "c1", get(t, accepted, TagClOrdID))
	assert.Equal(t, "0", get(t, accepted, TagExecType))
	assert.Equal(t, "0", get(t, accepted, TagOrdStatus))
	assert.Equal(t, "10.50", get(t, accepted, TagPrice))
	assert.Equal(t, "0", get(t, accepted, TagCumQty))
	assert.Equal(t, "100", get(t, accepted, TagLeavesQty))

	assert.Equal(t, "I", get(t, resting, TagExecType))
	assert.Equal(t, "0", get(t, resting, TagOrdStatus))
}

func TestSession_FillsReportedToBothSessions(t *testing.T) {
	env := newTestEnv(t)
	buyer := env.session(t, "B")
	seller := env.session(t, "S")
	ctx := context.Background()

	buyer.HandleMessage(ctx, newOrder("buy-1", "AAPL", "1", "2", "10.00", "100"))
	seller.HandleMessage(ctx, newOrder("sell-1", "AAPL", "2", "2", "9.00", "40"))

	var events []domain.Event
	for {
		select {
		case ev := <-env.sub.Events():
			events = append(events, ev)
			continue
		case <-time.After(50 * time.Millisecond):
		}
		break
	}

	var buyerReports, sellerReports []Message
	for _, ev := range events {
		if m, ok := buyer.OnEvent(ev); ok {
			buyerReports = append(buyerReports, m)
		}
		if m, ok := seller.OnEvent(ev); ok {
			sellerReports = append(sellerReports, m)
		}
	}

	// buyer: accepted, resting, fill; seller: accepted, fill
	require.Len(t, buyerReports, 3)
	require.Len(t, sellerReports, 2)

	fill := buyerReports[2]
	assert.Equal(t, "buy-1", get(t, fill, TagClOrdID))
	assert.Equal(t, "F", get(t, fill, TagExecType))
	assert.Equal(t, "1", get(t, fill, TagOrdStatus))
	assert.Equal(t, "10.00", get(t, fill, TagLastPx), "maker price")
	assert.Equal(t, "40", get(t, fill, TagLastQty))
	assert.Equal(t, "40", get(t, fill, TagCumQty))
	assert.Equal(t, "60", get(t, fill, TagLeavesQty))

	sfill := sellerReports[1]
	assert.Equal(t, "sell-1", get(t, sfill, TagClOrdID))
	assert.Equal(t, "2", get(t, sfill, TagOrdStatus))
	assert.Equal(t, "10.00", get(t, sfill, TagLastPx))
	assert.Equal(t, "0", get(t, sfill, TagLeavesQty))
}

func TestSession_LocalRejects(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		msgType string
		code    string
	}{
		{"missing symbol", newMsg(MsgNewOrderSingle, f(TagClOrdID, "c"), f(TagSide, "1"), f(TagOrdType, "1"), f(TagOrderQty, "1")), MsgExecutionReport, ordRejOther},
		{"bad side", newOrder("c", "AAPL", "7", "2", "10", "1"), MsgExecutionReport, ordRejUnsupported},
		{"zero qty", newOrder("c", "AAPL", "1", "2", "10", "0"), MsgExecutionReport, ordRejOther},
		{"fractional qty", newOrder("c", "AAPL", "1", "2", "10", "1.5"), MsgExecutionReport, ordRejOther},
		{"limit without price", newOrder("c", "AAPL", "1", "2", "", "1"), MsgExecutionReport, ordRejOther},
		{"market with price", newOrder("c", "AAPL", "1", "1", "10", "1"), MsgExecutionReport, ordRejUnsupported},
		{"excess precision", newOrder("c", "AAPL", "1", "2", "10.001", "1"), MsgExecutionReport, ordRejOther},
		{"negative price", newOrder("c", "AAPL", "1", "2", "-1", "1"), MsgExecutionReport, ordRejOther},
		{"bad ord type", newOrder("c", "AAPL", "1", "P", "10", "1"), MsgExecutionReport, ordRejUnsupported},
		{"missing clordid", newMsg(MsgNewOrderSingle, f(TagSymbol, "AAPL")), MsgReject, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			s := env.session(t, "A")

			replies, closeConn := s.HandleMessage(context.Background(), tt.msg)
			assert.False(t, closeConn)
			require.Len(t, replies, 1)
			r := replies[0]
			assert.Equal(t, tt.msgType, r.Type())
			if tt.code != "" {
				assert.Equal(t, "8", get(t, r, TagOrdStatus))
				assert.Equal(t, tt.code, get(t, r, TagOrdRejReason))
			}

			// nothing reached the engine
			assert.Empty(t, env.reports(s))
			snap, err := env.eng.Snapshot(context.Background(), "AAPL", 0)
			require.NoError(t, err)
			assert.Empty(t, snap.Bids)
		})
	}
}

func TestSession_EngineRejectReported(t *testing.T) {
	env := newTestEnv(t)
	s := env.session(t, "A")

	replies, _ := s.HandleMessage(context.Background(), newOrder("c1", "TSLA", "1", "2", "10", "5"))
	assert.Empty(t, replies)

	reports := env.reports(s)
	require.Len(t, reports, 1)
	assert.Equal(t, "8", get(t, reports[0], TagExecType))
	assert.Equal(t, "8", get(t, reports[0], TagOrdStatus))
	assert.Equal(t, ordRejUnknownSymbol, get(t, reports[0], TagOrdRejReason))
	assert.Equal(t, "c1", get(t, reports[0], TagClOrdID))
}

func TestSession_DuplicateClOrdID(t *testing.T) {
	env := newTestEnv(t)
	s := env.session(t, "A")
	ctx := context.Background()

	s.HandleMessage(ctx, newOrder("c1", "AAPL", "1", "2", "10", "5"))
	replies, _ := s.HandleMessage(ctx, newOrder("c1", "AAPL", "1", "2", "11", "5"))
	require.Len(t, replies, 1)
	assert.Equal(t, ordRejDuplicateOrder, get(t, replies[0], TagOrdRejReason))
}

func TestSession_CancelFlow(t *testing.T) {
	env := newTestEnv(t)
	s := env.session(t, "A")
	ctx := context.Background()

	replies, _ := s.HandleMessage(ctx, newMsg(MsgOrderCancelRequest, f(TagOrigClOrdID, "nope"), f(TagClOrdID, "x1")))
	require.Len(t, replies, 1)
	assert.Equal(t, MsgOrderCancelReject, replies[0].Type())
	assert.Equal(t, cxlRejUnknownOrder, get(t, replies[0], TagCxlRejReason))
	assert.Equal(t, cxlResponseCancel, get(t, replies[0], TagCxlRejResponseTo))

	s.HandleMessage(ctx, newOrder("c1", "AAPL", "2", "2", "20", "100"))
	env.reports(s)

	replies, _ = s.HandleMessage(ctx, newMsg(MsgOrderCancelRequest, f(TagOrigClOrdID, "c1"), f(TagClOrdID, "c2")))
	assert.Empty(t, replies)
	reports := env.reports(s)
	require.Len(t, reports, 1)
	assert.Equal(t, "4", get(t, reports[0], TagExecType))
	assert.Equal(t, "4", get(t, reports[0], TagOrdStatus))
	assert.Equal(t, "c2", get(t, reports[0], TagClOrdID))
	assert.Equal(t, "c1", get(t, reports[0], TagOrigClOrdID))
	assert.Equal(t, domain.CancelReasonRequested, get(t, reports[0], TagText))

	// The order is gone; the engine answers too late.
	replies, _ = s.HandleMessage(ctx, newMsg(MsgOrderCancelRequest, f(TagOrigClOrdID, "c2"), f(TagClOrdID, "c3")))
	require.Len(t, replies, 1)
	assert.Equal(t, MsgOrderCancelReject, replies[0].Type())
	assert.Equal(t, cxlRejTooLate, get(t, replies[0], TagCxlRejReason))

	// A failed cancel does not consume the new ClOrdID.
	replies, _ = s.HandleMessage(ctx, newOrder("c3", "AAPL", "2", "2", "20", "1"))
	assert.Empty(t, replies)
}

func TestSession_ReplaceFlow(t *testing.T) {
	env := newTestEnv(t)
	s := env.session(t, "A")
	ctx := context.Background()

	s.HandleMessage(ctx, newOrder("c1", "AAPL", "2", "2", "20.00", "100"))
	env.reports(s)

	replies, _ := s.HandleMessage(ctx, newMsg(MsgOrderReplace,
		f(TagOrigClOrdID, "c1"), f(TagClOrdID, "c2"), f(TagPrice, "21.00"), f(TagOrderQty, "150")))
	assert.Empty(t, replies)

	reports := env.reports(s)
	require.Len(t, reports, 1)
	assert.Equal(t, "5", get(t, reports[0], TagExecType))
	assert.Equal(t, "21.00", get(t, reports[0], TagPrice))
	assert.Equal(t, "150", get(t, reports[0], TagOrderQty))
	assert.Equal(t, "c2", get(t, reports[0], TagClOrdID))

	replies, _ = s.HandleMessage(ctx, newMsg(MsgOrderReplace, f(TagOrigClOrdID, "c2"), f(TagClOrdID, "c3")))
	require.Len(t, replies, 1)
	assert.Equal(t, MsgOrderCancelReject, replies[0].Type())
	assert.Equal(t, cxlResponseReplace, get(t, replies[0], TagCxlRejResponseTo))

	replies, _ = s.HandleMessage(ctx, newMsg(MsgOrderReplace,
		f(TagOrigClOrdID, "c2"), f(TagClOrdID, "c4"), f(TagPrice, "abc")))
	require.Len(t, replies, 1)
	assert.Equal(t, MsgReject, replies[0].Type())
}

func TestSession_IgnoresForeignEvents(t *testing.T) {
	env := newTestEnv(t)
	s := env.session(t, "A")

	_, ok := s.OnEvent(domain.Event{Kind: domain.EventAccepted, OrderID: "someone-else"})
	assert.False(t, ok)
	_, ok = s.OnEvent(domain.Event{Kind: domain.EventTrade, Trade: &domain.Trade{}})
	assert.False(t, ok)
}

func TestSession_ReusedIDRejectNotReportedToOwner(t *testing.T) {
	env := newTestEnv(t)
	s := env.session(t, "A")
	ctx := context.Background()

	s.HandleMessage(ctx, newOrder("c1", "AAPL", "1", "2", "10.00", "100"))
	require.Len(t, env.reports(s), 2)

	_, err := env.eng.Submit(ctx, domain.SubmitCommand{
		OrderID:  "A-1",
		Symbol:   "AAPL",
		Side:     domain.SideSell,
		Terms:    domain.Limit{Price: 2000},
		Quantity: 5,
	})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, domain.ReasonDuplicateOrderID, ve.Reason)

	assert.Empty(t, env.reports(s))
	o, err := env.eng.Order(ctx, "A-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusResting, o.Status)
	assert.Equal(t, int64(100), o.Remaining)
}

func TestSession_GeneratedIDAlreadyTaken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.eng.Submit(ctx, domain.SubmitCommand{
		OrderID:  "B-1",
		Symbol:   "AAPL",
		Side:     domain.SideBuy,
		Terms:    domain.Limit{Price: 1000},
		Quantity: 1,
	})
	require.NoError(t, err)
	s := env.session(t, "B")

	replies, _ := s.HandleMessage(ctx, newOrder("c1", "AAPL", "2", "2", "12.00", "5"))
	require.Len(t, replies, 1)
	assert.Equal(t, "8", get(t, replies[0], TagOrdStatus))
	assert.Equal(t, ordRejDuplicateOrder, get(t, replies[0], TagOrdRejReason))
	assert.Empty(t, env.reports(s))

	// the ClOrdID is free again
	replies, _ = s.HandleMessage(ctx, newOrder("c1", "AAPL", "2", "2", "12.00", "5"))
	assert.Empty(t, replies)
}
