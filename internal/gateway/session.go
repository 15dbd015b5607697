package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/efreitasn/venuecore/internal/domain"
	"github.com/efreitasn/venuecore/internal/engine"
	"github.com/google/uuid"
)

// Engine is the part of the matching engine a session drives.
type Engine interface {
	Submit(ctx context.Context, cmd domain.SubmitCommand) (engine.Result, error)
	Modify(ctx context.Context, cmd domain.ModifyCommand) (engine.Result, error)
	Cancel(ctx context.Context, cmd domain.CancelCommand) (engine.Result, error)
}

// Observer receives gateway activity for metrics.
type Observer interface {
	SessionOpened()
	SessionClosed()
	MessageRejected(msgType string)
}

type nopObserver struct{}

func (nopObserver) SessionOpened()         {}
func (nopObserver) SessionClosed()         {}
func (nopObserver) MessageRejected(string) {}

// SessionConfig configures a Session.
type SessionConfig struct {
	// CompID is sent as SenderCompID on every outbound message.
	CompID     string
	PriceScale int32
	// HeartbeatInterval is advertised in the Logon reply.
	HeartbeatInterval time.Duration
	// NewOrderID assigns internal order IDs. Defaults to uuid.NewString.
	NewOrderID func() string
	Observer   Observer
}

// Values of SessionRejectReason (373).
const (
	rejectRequiredTagMissing = "1"
	rejectIncorrectValue     = "5"
	rejectInvalidMsgType     = "11"
	rejectOther              = "99"
)

// Values of OrdRejReason (103).
const (
	ordRejUnknownSymbol  = "1"
	ordRejDuplicateOrder = "6"
	ordRejUnsupported    = "11"
	ordRejOther          = "99"
)

// Values of CxlRejReason (102) and CxlRejResponseTo (434).
const (
	cxlRejTooLate      = "0"
	cxlRejUnknownOrder = "1"
	cxlRejOther        = "99"

	cxlResponseCancel  = "1"
	cxlResponseReplace = "2"
)

// Session is the state of one counterparty connection: the mapping
// between the counterparty's ClOrdIDs and internal order IDs, and the
// outbound sequence number. It holds no book state.
type Session struct {
	cfg    SessionConfig
	engine Engine
	logger *slog.Logger

	mu       sync.Mutex
	loggedOn bool
	peer     string
	outSeq   uint64
	inSeq    uint64
	byClOrd  map[string]string // ClOrdID → order ID
	byOrder  map[string]string // order ID → current ClOrdID
	origOf   map[string]string // order ID → ClOrdID it was replaced from
}

// NewSession creates a session that sends commands to eng.
func NewSession(eng Engine, cfg SessionConfig, logger *slog.Logger) *Session {
	if cfg.CompID == "" {
		cfg.CompID = "VENUE"
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.NewOrderID == nil {
		cfg.NewOrderID = uuid.NewString
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	return &Session{
		cfg:     cfg,
		engine:  eng,
		logger:  logger,
		byClOrd: make(map[string]string),
		byOrder: make(map[string]string),
		origOf:  make(map[string]string),
	}
}

// Peer returns the counterparty CompID given at logon.
func (s *Session) Peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// Seal stamps the session header onto m, assigning the next outbound
// sequence number, and encodes it. Callers must seal messages in the order
// they are written.
func (s *Session) Seal(m Message) []byte {
	s.mu.Lock()
	s.outSeq++
	seq := s.outSeq
	peer := s.peer
	s.mu.Unlock()

	out := NewMessage(m.Type())
	out.Add(TagSenderCompID, s.cfg.CompID)
	if peer != "" {
		out.Add(TagTargetCompID, peer)
	}
	out.Add(TagMsgSeqNum, strconv.FormatUint(seq, 10))
	for _, f := range m.Fields {
		switch f.Tag {
		case TagMsgType, TagSenderCompID, TagTargetCompID, TagMsgSeqNum:
			continue
		}
		out.Fields = append(out.Fields, f)
	}
	return Encode(out)
}

// HandleMessage applies one decoded inbound message. It returns the
// immediate replies and whether the connection should be closed.
// Execution reports for accepted commands arrive later through OnEvent.
func (s *Session) HandleMessage(ctx context.Context, m Message) ([]Message, bool) {
	if v, ok := m.Get(TagMsgSeqNum); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			s.mu.Lock()
			s.inSeq = n
			s.mu.Unlock()
		}
	}

	s.mu.Lock()
	loggedOn := s.loggedOn
	s.mu.Unlock()

	if m.Type() == MsgLogon {
		return s.handleLogon(m)
	}
	if !loggedOn {
		return []Message{s.sessionReject(m, 0, rejectOther, "logon required")}, true
	}

	switch m.Type() {
	case MsgHeartbeat:
		return nil, false
	case MsgTestRequest:
		hb := NewMessage(MsgHeartbeat)
		if id, ok := m.Get(TagTestReqID); ok {
			hb.Add(TagTestReqID, id)
		}
		return []Message{hb}, false
	case MsgLogout:
		return []Message{NewMessage(MsgLogout)}, true
	case MsgNewOrderSingle:
		return s.handleNewOrder(ctx, m), false
	case MsgOrderCancelRequest:
		return s.handleCancel(ctx, m), false
	case MsgOrderReplace:
		return s.handleReplace(ctx, m), false
	default:
		return []Message{s.sessionReject(m, TagMsgType, rejectInvalidMsgType,
			fmt.Sprintf("unsupported message type %q", m.Type()))}, false
	}
}

// DecodeFailed builds the session-level reject for bytes that could not
// be decoded.
func (s *Session) DecodeFailed(err error) Message {
	s.cfg.Observer.MessageRejected("")
	r := NewMessage(MsgReject)
	s.mu.Lock()
	r.Add(TagRefSeqNum, strconv.FormatUint(s.inSeq, 10))
	s.mu.Unlock()
	r.Add(TagSessionRejectReason, rejectOther)
	r.Add(TagText, err.Error())
	return r
}

func (s *Session) handleLogon(m Message) ([]Message, bool) {
	s.mu.Lock()
	if s.loggedOn {
		s.mu.Unlock()
		return []Message{s.sessionReject(m, TagMsgType, rejectOther, "already logged on")}, false
	}
	s.loggedOn = true
	s.peer, _ = m.Get(TagSenderCompID)
	peer := s.peer
	s.mu.Unlock()

	s.logger.Info("session logged on", slog.String("peer", peer))
	reply := NewMessage(MsgLogon)
	reply.Add(TagHeartBtInt, strconv.Itoa(int(s.cfg.HeartbeatInterval/time.Second)))
	return []Message{reply}, false
}

func (s *Session) sessionReject(ref Message, tag Tag, reason, text string) Message {
	s.cfg.Observer.MessageRejected(ref.Type())
	r := NewMessage(MsgReject)
	if seq, ok := ref.Get(TagMsgSeqNum); ok {
		r.Add(TagRefSeqNum, seq)
	}
	if tag != 0 {
		r.Add(TagRefTagID, strconv.Itoa(int(tag)))
	}
	r.Add(TagSessionRejectReason, reason)
	r.Add(TagText, text)
	return r
}

// parseNewOrder validates a NewOrderSingle without consulting the engine.
// A non-nil Message is the local reject to send instead.
func (s *Session) parseNewOrder(m Message) (domain.SubmitCommand, *Message) {
	var cmd domain.SubmitCommand

	clOrdID, ok := m.Get(TagClOrdID)
	if !ok || clOrdID == "" {
		r := s.sessionReject(m, TagClOrdID, rejectRequiredTagMissing, "ClOrdID is required")
		return cmd, &r
	}
	cmd.ClientOrderID = clOrdID

	reject := func(code, format string, args ...any) (domain.SubmitCommand, *Message) {
		r := s.localReject(m, code, fmt.Sprintf(format, args...))
		return cmd, &r
	}

	for _, tag := range []Tag{TagSymbol, TagSide, TagOrdType, TagOrderQty} {
		if v, ok := m.Get(tag); !ok || v == "" {
			return reject(ordRejOther, "required tag %d missing", tag)
		}
	}
	cmd.Symbol, _ = m.Get(TagSymbol)

	side, _ := m.Get(TagSide)
	switch side {
	case "1":
		cmd.Side = domain.SideBuy
	case "2":
		cmd.Side = domain.SideSell
	default:
		return reject(ordRejUnsupported, "unsupported side %q", side)
	}

	qtyStr, _ := m.Get(TagOrderQty)
	qty, err := strconv.ParseInt(qtyStr, 10, 64)
	if err != nil || qty <= 0 {
		return reject(ordRejOther, "invalid OrderQty %q", qtyStr)
	}
	cmd.Quantity = qty

	ordType, _ := m.Get(TagOrdType)
	priceStr, hasPrice := m.Get(TagPrice)
	switch ordType {
	case "1":
		if hasPrice {
			return reject(ordRejUnsupported, "market order must not carry a price")
		}
		cmd.Terms = domain.Market{}
	case "2":
		if !hasPrice {
			return reject(ordRejOther, "limit order requires a price")
		}
		p, err := domain.ParsePrice(priceStr, s.cfg.PriceScale)
		if err != nil || p <= 0 {
			return reject(ordRejOther, "invalid Price %q", priceStr)
		}
		cmd.Terms = domain.Limit{Price: p}
	default:
		return reject(ordRejUnsupported, "unsupported OrdType %q", ordType)
	}
	return cmd, nil
}

// localReject answers a NewOrderSingle with a rejected execution report
// that never reached the engine.
func (s *Session) localReject(m Message, code, text string) Message {
	s.cfg.Observer.MessageRejected(m.Type())
	r := NewMessage(MsgExecutionReport)
	clOrdID, _ := m.Get(TagClOrdID)
	r.Add(TagOrderID, "NONE")
	r.Add(TagClOrdID, clOrdID)
	r.Add(TagExecID, "NONE")
	r.Add(TagExecType, "8")
	r.Add(TagOrdStatus, "8")
	for _, tag := range []Tag{TagSymbol, TagSide, TagOrderQty} {
		if v, ok := m.Get(tag); ok {
			r.Add(tag, v)
		}
	}
	r.Add(TagCumQty, "0")
	r.Add(TagLeavesQty, "0")
	r.Add(TagOrdRejReason, code)
	r.Add(TagText, text)
	return r
}

func (s *Session) handleNewOrder(ctx context.Context, m Message) []Message {
	cmd, rej := s.parseNewOrder(m)
	if rej != nil {
		return []Message{*rej}
	}

	s.mu.Lock()
	if _, dup := s.byClOrd[cmd.ClientOrderID]; dup {
		s.mu.Unlock()
		return []Message{s.localReject(m, ordRejDuplicateOrder, "duplicate ClOrdID "+cmd.ClientOrderID)}
	}
	cmd.OrderID = s.cfg.NewOrderID()
	s.byClOrd[cmd.ClientOrderID] = cmd.OrderID
	s.byOrder[cmd.OrderID] = cmd.ClientOrderID
	s.mu.Unlock()

	_, err := s.engine.Submit(ctx, cmd)
	if err == nil {
		return nil
	}
	var verr *domain.ValidationError
	if errors.As(err, &verr) && verr.Reason == domain.ReasonDuplicateOrderID {
		// The ID belongs to someone else's order, so the Rejected event is
		// anonymous and OnEvent never sees it.
		s.unbind(cmd.OrderID, cmd.ClientOrderID)
		return []Message{s.localReject(m, ordRejDuplicateOrder, verr.Message)}
	}
	if verr != nil {
		// The engine published a Rejected event; OnEvent reports it.
		return nil
	}
	s.logger.Warn("submit failed",
		slog.String("cl_ord_id", cmd.ClientOrderID),
		slog.String("error", err.Error()),
	)
	return []Message{s.localReject(m, ordRejOther, err.Error())}
}

// unbind drops the mapping made for a submission the engine refused.
func (s *Session) unbind(orderID, clOrdID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byClOrd[clOrdID] == orderID {
		delete(s.byClOrd, clOrdID)
	}
	if s.byOrder[orderID] == clOrdID {
		delete(s.byOrder, orderID)
	}
}

// rebind points order at a new ClOrdID ahead of a cancel or replace, so
// reports raised while the command runs carry it. The returned func undoes
// the change.
func (s *Session) rebind(orderID, orig, clOrdID string) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	prevOrig, hadOrig := s.origOf[orderID]
	s.byClOrd[clOrdID] = orderID
	s.byOrder[orderID] = clOrdID
	s.origOf[orderID] = orig
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.byClOrd, clOrdID)
		s.byOrder[orderID] = orig
		if hadOrig {
			s.origOf[orderID] = prevOrig
		} else {
			delete(s.origOf, orderID)
		}
	}
}

// resolveAmend looks up the order an OrderCancelRequest or
// OrderCancelReplaceRequest refers to.
func (s *Session) resolveAmend(m Message, responseTo string) (orderID, orig, clOrdID string, rej *Message) {
	orig, _ = m.Get(TagOrigClOrdID)
	clOrdID, _ = m.Get(TagClOrdID)
	if orig == "" || clOrdID == "" {
		r := s.sessionReject(m, TagOrigClOrdID, rejectRequiredTagMissing, "OrigClOrdID and ClOrdID are required")
		return "", orig, clOrdID, &r
	}

	s.mu.Lock()
	orderID, known := s.byClOrd[orig]
	_, dup := s.byClOrd[clOrdID]
	s.mu.Unlock()

	if !known {
		r := s.cancelReject("NONE", orig, clOrdID, responseTo, cxlRejUnknownOrder, "unknown OrigClOrdID "+orig)
		return "", orig, clOrdID, &r
	}
	if dup {
		r := s.cancelReject(orderID, orig, clOrdID, responseTo, cxlRejOther, "duplicate ClOrdID "+clOrdID)
		return "", orig, clOrdID, &r
	}
	return orderID, orig, clOrdID, nil
}

func (s *Session) handleCancel(ctx context.Context, m Message) []Message {
	orderID, orig, clOrdID, rej := s.resolveAmend(m, cxlResponseCancel)
	if rej != nil {
		return []Message{*rej}
	}

	undo := s.rebind(orderID, orig, clOrdID)
	if _, err := s.engine.Cancel(ctx, domain.CancelCommand{OrderID: orderID}); err != nil {
		undo()
		return []Message{s.cancelReject(orderID, orig, clOrdID, cxlResponseCancel, cxlRejectCode(err), err.Error())}
	}
	return nil
}

func (s *Session) handleReplace(ctx context.Context, m Message) []Message {
	orderID, orig, clOrdID, rej := s.resolveAmend(m, cxlResponseReplace)
	if rej != nil {
		return []Message{*rej}
	}

	cmd := domain.ModifyCommand{OrderID: orderID}
	if v, ok := m.Get(TagPrice); ok {
		p, err := domain.ParsePrice(v, s.cfg.PriceScale)
		if err != nil {
			return []Message{s.sessionReject(m, TagPrice, rejectIncorrectValue, fmt.Sprintf("invalid Price %q", v))}
		}
		cmd.NewPrice = &p
	}
	if v, ok := m.Get(TagOrderQty); ok {
		q, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return []Message{s.sessionReject(m, TagOrderQty, rejectIncorrectValue, fmt.Sprintf("invalid OrderQty %q", v))}
		}
		cmd.NewQuantity = &q
	}

	undo := s.rebind(orderID, orig, clOrdID)
	if _, err := s.engine.Modify(ctx, cmd); err != nil {
		undo()
		return []Message{s.cancelReject(orderID, orig, clOrdID, cxlResponseReplace, cxlRejectCode(err), err.Error())}
	}
	return nil
}

func cxlRejectCode(err error) string {
	if errors.Is(err, domain.ErrUnknownOrder) {
		return cxlRejTooLate
	}
	return cxlRejOther
}

func (s *Session) cancelReject(orderID, orig, clOrdID, responseTo, reason, text string) Message {
	s.cfg.Observer.MessageRejected(MsgOrderCancelReject)
	r := NewMessage(MsgOrderCancelReject)
	r.Add(TagOrderID, orderID)
	r.Add(TagClOrdID, clOrdID)
	r.Add(TagOrigClOrdID, orig)
	r.Add(TagOrdStatus, "8")
	r.Add(TagCxlRejResponseTo, responseTo)
	r.Add(TagCxlRejReason, reason)
	r.Add(TagText, text)
	return r
}

// OnEvent translates an engine event into an execution report if the
// event concerns an order this session submitted.
func (s *Session) OnEvent(ev domain.Event) (Message, bool) {
	if ev.Kind == domain.EventTrade || ev.OrderID == "" {
		return Message{}, false
	}
	s.mu.Lock()
	clOrdID, ok := s.byOrder[ev.OrderID]
	orig, replaced := s.origOf[ev.OrderID]
	s.mu.Unlock()
	if !ok {
		return Message{}, false
	}

	r := NewMessage(MsgExecutionReport)
	r.Add(TagOrderID, ev.OrderID)
	r.Add(TagClOrdID, clOrdID)
	if replaced {
		r.Add(TagOrigClOrdID, orig)
	}
	r.Add(TagExecID, fmt.Sprintf("%s-%d", ev.Symbol, ev.Sequence))
	r.Add(TagExecType, execType(ev.Kind))
	r.Add(TagOrdStatus, ordStatus(ev.Status))
	r.Add(TagSymbol, ev.Symbol)
	if side := wireSide(ev.Side); side != "" {
		r.Add(TagSide, side)
	}
	switch ev.Type {
	case domain.OrderTypeLimit:
		r.Add(TagOrdType, "2")
		r.Add(TagPrice, ev.Price.Format(s.cfg.PriceScale))
	case domain.OrderTypeMarket:
		r.Add(TagOrdType, "1")
	}
	r.Add(TagOrderQty, strconv.FormatInt(ev.Quantity, 10))
	r.Add(TagCumQty, strconv.FormatInt(ev.Filled, 10))
	r.Add(TagLeavesQty, strconv.FormatInt(ev.Remaining, 10))
	if ev.IsExecution() {
		r.Add(TagLastPx, ev.LastPrice.Format(s.cfg.PriceScale))
		r.Add(TagLastQty, strconv.FormatInt(ev.LastQuantity, 10))
	}
	if ev.Kind == domain.EventRejected {
		r.Add(TagOrdRejReason, ordRejReason(domain.RejectReason(ev.Reason)))
	}
	if ev.Reason != "" {
		r.Add(TagText, ev.Reason)
	}
	return r, true
}

func execType(k domain.EventKind) string {
	switch k {
	case domain.EventAccepted:
		return "0"
	case domain.EventCanceled:
		return "4"
	case domain.EventModified:
		return "5"
	case domain.EventRejected:
		return "8"
	case domain.EventPartiallyFilled, domain.EventFilled:
		return "F"
	default:
		return "I"
	}
}

func ordStatus(st domain.OrderStatus) string {
	switch st {
	case domain.OrderStatusPartiallyFilled:
		return "1"
	case domain.OrderStatusFilled:
		return "2"
	case domain.OrderStatusCanceled:
		return "4"
	case domain.OrderStatusRejected:
		return "8"
	default:
		return "0"
	}
}

func wireSide(s domain.Side) string {
	switch s {
	case domain.SideBuy:
		return "1"
	case domain.SideSell:
		return "2"
	}
	return ""
}

func ordRejReason(r domain.RejectReason) string {
	switch r {
	case domain.ReasonUnknownSymbol:
		return ordRejUnknownSymbol
	case domain.ReasonDuplicateOrderID:
		return ordRejDuplicateOrder
	case domain.ReasonInvalidSide, domain.ReasonInvalidOrderType:
		return ordRejUnsupported
	default:
		return ordRejOther
	}
}
