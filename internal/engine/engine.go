package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/efreitasn/venuecore/internal/domain"
)

// Observer is notified after every applied command. Implementations must
// not block: they run on the symbol's executor.
type Observer interface {
	CommandApplied(symbol string, kind CommandKind, d time.Duration, events []domain.Event, err error)
	SymbolHalted(symbol string)
}

type nopObserver struct{}

func (nopObserver) CommandApplied(string, CommandKind, time.Duration, []domain.Event, error) {}
func (nopObserver) SymbolHalted(string)                                                       {}

// Default per-order bounds. Their product fits in an int64, so neither a
// level aggregate nor a quote notional can overflow.
const (
	DefaultMaxQuantity int64        = 1_000_000_000
	DefaultMaxPrice    domain.Price = 1_000_000_000
)

// Limits bounds the quantity and price a single order may carry.
type Limits struct {
	MaxQuantity int64
	MaxPrice    domain.Price
}

// DefaultLimits returns the venue's default order bounds.
func DefaultLimits() Limits {
	return Limits{MaxQuantity: DefaultMaxQuantity, MaxPrice: DefaultMaxPrice}
}

// Options represents configuration options for the Engine.
type Options struct {
	// QueueSize is the capacity of each symbol's command queue.
	QueueSize int
	// Limits bounds every order. Zero fields take the defaults.
	Limits    Limits
	Logger    *slog.Logger
	Observer  Observer
	// OnSubscriberDropped is called with the name of a subscriber the bus
	// disconnected for falling behind.
	OnSubscriberDropped func(name string)
}

// DefaultOptions returns the default engine options.
func DefaultOptions() Options {
	return Options{
		QueueSize: 1024,
		Limits:    DefaultLimits(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Observer:  nopObserver{},
	}
}

// Engine owns one executor per symbol and routes commands to them.
// Symbols are independent: they share only the order-ID registry and the
// event bus, neither of which is held across a matching pass.
type Engine struct {
	symbols   *domain.SymbolRegistry
	executors map[string]*executor
	ids       *orderRegistry
	bus       *Bus
	limits    Limits
	logger    *slog.Logger

	mu     sync.RWMutex // guards closed against sends on closed queues
	closed bool
}

// New creates an Engine for the given symbols and starts their executors.
func New(symbols []string, opts Options) *Engine {
	def := DefaultOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.Limits.MaxQuantity <= 0 {
		opts.Limits.MaxQuantity = def.Limits.MaxQuantity
	}
	if opts.Limits.MaxPrice <= 0 {
		opts.Limits.MaxPrice = def.Limits.MaxPrice
	}
	if opts.Logger == nil {
		opts.Logger = def.Logger
	}
	if opts.Observer == nil {
		opts.Observer = def.Observer
	}

	e := &Engine{
		symbols:   domain.NewSymbolRegistry(symbols...),
		executors: make(map[string]*executor, len(symbols)),
		ids:       newOrderRegistry(),
		bus:       NewBus(opts.Logger, opts.OnSubscriberDropped),
		limits:    opts.Limits,
		logger:    opts.Logger,
	}
	for _, s := range e.symbols.List() {
		x := newExecutor(s, e.ids, opts.QueueSize, opts.Limits, e.bus, opts.Observer, opts.Logger)
		e.executors[s] = x
		go x.run()
	}
	e.logger.Info("engine started", slog.Any("symbols", e.symbols.List()))
	return e
}

// Symbols returns the traded symbols in ascending order.
func (e *Engine) Symbols() []string {
	return e.symbols.List()
}

// Subscribe attaches a consumer to the event stream of every symbol.
func (e *Engine) Subscribe(name string, buffer int) *Subscription {
	return e.bus.Subscribe(name, buffer)
}

// Halted reports whether symbol's executor stopped after an invariant
// violation.
func (e *Engine) Halted(symbol string) bool {
	x, ok := e.executors[symbol]
	return ok && x.halted.Load()
}

// Submit enqueues a new order and waits for its outcome. A rejected
// submission returns a *domain.ValidationError and also publishes a
// Rejected event so subscribers see every outcome.
func (e *Engine) Submit(ctx context.Context, cmd domain.SubmitCommand) (Result, error) {
	if _, ok := e.executors[cmd.Symbol]; !ok {
		return e.rejectUnknownSymbol(cmd)
	}
	return e.do(ctx, cmd.Symbol, command{kind: CommandSubmit, submit: cmd})
}

func (e *Engine) rejectUnknownSymbol(cmd domain.SubmitCommand) (Result, error) {
	verr := domain.Rejectf(domain.ReasonUnknownSymbol, "unknown symbol %q", cmd.Symbol)
	o := &domain.Order{
		OrderID:       cmd.OrderID,
		ClientOrderID: cmd.ClientOrderID,
		Symbol:        cmd.Symbol,
		Side:          cmd.Side,
		Terms:         cmd.Terms,
		Quantity:      cmd.Quantity,
		Status:        domain.OrderStatusRejected,
	}
	ev := rejectedEvent(o, verr, e.ids)
	e.bus.Publish(ev)
	return Result{Order: *o, Events: []domain.Event{ev}}, verr
}

// Modify enqueues a change to a resting order on the symbol it was
// accepted on.
func (e *Engine) Modify(ctx context.Context, cmd domain.ModifyCommand) (Result, error) {
	symbol, ok := e.ids.lookup(cmd.OrderID)
	if !ok {
		return Result{}, fmt.Errorf("modify %s: %w", cmd.OrderID, domain.ErrUnknownOrder)
	}
	return e.do(ctx, symbol, command{kind: CommandModify, modify: cmd})
}

// Cancel enqueues the removal of a resting order. An order that already
// filled or was canceled yields ErrUnknownOrder.
func (e *Engine) Cancel(ctx context.Context, cmd domain.CancelCommand) (Result, error) {
	symbol, ok := e.ids.lookup(cmd.OrderID)
	if !ok {
		return Result{}, fmt.Errorf("cancel %s: %w", cmd.OrderID, domain.ErrUnknownOrder)
	}
	return e.do(ctx, symbol, command{kind: CommandCancel, cancel: cmd})
}

// Order returns a copy of a resting order.
func (e *Engine) Order(ctx context.Context, orderID string) (domain.Order, error) {
	symbol, ok := e.ids.lookup(orderID)
	if !ok {
		return domain.Order{}, fmt.Errorf("order %s: %w", orderID, domain.ErrUnknownOrder)
	}
	var (
		out   domain.Order
		found bool
	)
	err := e.query(ctx, symbol, func(m *Matcher) {
		if o, ok := m.book.Get(orderID); ok {
			out, found = o.Clone(), true
		}
	})
	if err != nil {
		return domain.Order{}, err
	}
	if !found {
		return domain.Order{}, fmt.Errorf("order %s: %w", orderID, domain.ErrUnknownOrder)
	}
	return out, nil
}

// Snapshot returns a copy of up to depth levels per side of symbol's book.
func (e *Engine) Snapshot(ctx context.Context, symbol string, depth int) (Snapshot, error) {
	var snap Snapshot
	err := e.query(ctx, symbol, func(m *Matcher) {
		snap = m.book.Display(depth)
	})
	return snap, err
}

// Snapshots returns a snapshot of every symbol, in symbol order.
func (e *Engine) Snapshots(ctx context.Context, depth int) ([]Snapshot, error) {
	symbols := e.symbols.List()
	out := make([]Snapshot, 0, len(symbols))
	for _, s := range symbols {
		snap, err := e.Snapshot(ctx, s, depth)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// Quote simulates a market order of quantity on side against symbol's
// current book.
func (e *Engine) Quote(ctx context.Context, symbol string, side domain.Side, quantity int64) (QuoteResult, error) {
	if quantity <= 0 || quantity > e.limits.MaxQuantity {
		return QuoteResult{}, domain.Rejectf(domain.ReasonInvalidQuantity,
			"quantity must be between 1 and %d, got %d", e.limits.MaxQuantity, quantity)
	}
	var q QuoteResult
	err := e.query(ctx, symbol, func(m *Matcher) {
		q = m.Quote(side, quantity)
	})
	return q, err
}

func (e *Engine) query(ctx context.Context, symbol string, fn func(*Matcher)) error {
	_, err := e.do(ctx, symbol, command{kind: CommandQuery, query: fn})
	return err
}

// do places cmd on symbol's queue and waits for the executor's reply.
// If ctx ends after the command was queued, the command still runs; only
// the wait is abandoned.
func (e *Engine) do(ctx context.Context, symbol string, cmd command) (Result, error) {
	x, ok := e.executors[symbol]
	if !ok {
		return Result{}, fmt.Errorf("%q: %w", symbol, domain.ErrUnknownSymbol)
	}
	cmd.reply = make(chan commandResult, 1)

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return Result{}, domain.ErrEngineClosed
	}
	select {
	case x.queue <- cmd:
		e.mu.RUnlock()
	case <-ctx.Done():
		e.mu.RUnlock()
		return Result{}, ctx.Err()
	}

	select {
	case r := <-cmd.reply:
		return r.result, r.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Close stops accepting commands, lets every executor drain its queue,
// and disconnects all subscribers.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, x := range e.executors {
		close(x.queue)
	}
	e.mu.Unlock()

	for _, x := range e.executors {
		<-x.done
	}
	e.bus.Close()
	e.logger.Info("engine stopped")
}
