package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/efreitasn/venuecore/internal/domain"
)

// CommandKind labels a command for metrics and logs.
type CommandKind string

const (
	CommandSubmit CommandKind = "submit"
	CommandModify CommandKind = "modify"
	CommandCancel CommandKind = "cancel"
	CommandQuery  CommandKind = "query"
)

// command is one entry of a symbol's queue. Exactly one of submit,
// modify, cancel or query is used, selected by kind.
type command struct {
	kind   CommandKind
	submit domain.SubmitCommand
	modify domain.ModifyCommand
	cancel domain.CancelCommand
	query  func(*Matcher)
	reply  chan commandResult
}

type commandResult struct {
	result Result
	err    error
}

// executor is the single owner of one symbol's book. Commands are applied
// one at a time in queue order; a matching pass always completes before
// the next command starts.
type executor struct {
	symbol   string
	matcher  *Matcher
	queue    chan command
	bus      *Bus
	observer Observer
	logger   *slog.Logger
	halted   atomic.Bool
	done     chan struct{}
}

func newExecutor(symbol string, ids *orderRegistry, queueSize int, limits Limits, bus *Bus, observer Observer, logger *slog.Logger) *executor {
	m := NewMatcher(NewOrderBook(symbol), ids)
	m.limits = limits
	return &executor{
		symbol:   symbol,
		matcher:  m,
		queue:    make(chan command, queueSize),
		bus:      bus,
		observer: observer,
		logger:   logger.With(slog.String("symbol", symbol)),
		done:     make(chan struct{}),
	}
}

// run drains the queue until it is closed.
func (x *executor) run() {
	defer close(x.done)
	x.logger.Debug("executor started")
	for cmd := range x.queue {
		cmd.reply <- x.apply(cmd)
	}
	x.logger.Debug("executor stopped")
}

func (x *executor) apply(cmd command) commandResult {
	if cmd.kind == CommandQuery {
		cmd.query(x.matcher)
		return commandResult{}
	}
	if x.halted.Load() {
		return commandResult{err: fmt.Errorf("%s: %w", x.symbol, domain.ErrSymbolHalted)}
	}

	start := time.Now()
	var res Result
	var err error
	switch cmd.kind {
	case CommandSubmit:
		res, err = x.matcher.Submit(cmd.submit)
	case CommandModify:
		res, err = x.matcher.Modify(cmd.modify)
	case CommandCancel:
		res, err = x.matcher.Cancel(cmd.cancel)
	default:
		err = fmt.Errorf("unknown command kind %q", cmd.kind)
	}

	if cerr := x.matcher.book.checkTouched(); cerr != nil && !errors.Is(err, errInvariant) {
		err = fmt.Errorf("%w: %v", errInvariant, cerr)
	}
	if errors.Is(err, errInvariant) || x.matcher.book.Crossed() {
		x.halt(err)
		err = fmt.Errorf("%s: %w", x.symbol, domain.ErrSymbolHalted)
	}

	x.bus.Publish(res.Events...)
	x.observer.CommandApplied(x.symbol, cmd.kind, time.Since(start), res.Events, err)
	return commandResult{result: res, err: err}
}

// halt stops the symbol from accepting further mutations. A corrupted book
// is a programming defect, so the executor refuses to keep matching on it.
func (x *executor) halt(cause error) {
	x.halted.Store(true)
	bid, _ := x.matcher.book.BestBid()
	ask, _ := x.matcher.book.BestAsk()
	x.logger.Error("symbol halted",
		slog.Any("cause", cause),
		slog.Int64("best_bid", int64(bid.Price)),
		slog.Int64("best_ask", int64(ask.Price)),
	)
	x.observer.SymbolHalted(x.symbol)
}
