// Package publish streams engine events to Kafka.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/efreitasn/venuecore/internal/domain"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

// DefaultBatchSize caps the number of events handed to one WriteMessages call.
const DefaultBatchSize = 256

// Writer is the part of *kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Observer receives publish outcomes for metrics.
type Observer interface {
	Published(n int)
	PublishFailed()
}

type nopObserver struct{}

func (nopObserver) Published(int)  {}
func (nopObserver) PublishFailed() {}

// Config configures a Publisher.
type Config struct {
	PriceScale int32
	BatchSize  int
	Observer   Observer
}

// NewKafkaWriter returns a writer for topic on brokers. Messages are keyed
// by symbol and the hash balancer keeps each symbol on one partition, so
// per-symbol order survives.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Snappy,
	}
}

// Publisher encodes events as JSON and writes them to a Writer. Write
// failures are logged and counted; they never reach the engine.
type Publisher struct {
	w      Writer
	cfg    Config
	logger *slog.Logger
}

// New creates a Publisher.
func New(w Writer, cfg Config, logger *slog.Logger) *Publisher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	return &Publisher{w: w, cfg: cfg, logger: logger}
}

// Message is the JSON form of an event on the stream.
type Message struct {
	Kind          domain.EventKind `json:"kind"`
	Symbol        string           `json:"symbol"`
	Sequence      uint64           `json:"sequence"`
	OrderID       string           `json:"order_id,omitempty"`
	ClientOrderID string           `json:"client_order_id,omitempty"`
	Side          domain.Side      `json:"side,omitempty"`
	Type          domain.OrderType `json:"type,omitempty"`
	Status        string           `json:"status,omitempty"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	Quantity      int64            `json:"quantity,omitempty"`
	Filled        int64            `json:"filled_quantity"`
	Remaining     int64            `json:"remaining_quantity"`
	LastPrice     *decimal.Decimal `json:"last_price,omitempty"`
	LastQuantity  int64            `json:"last_quantity,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	Trade         *TradeMessage    `json:"trade,omitempty"`
}

// TradeMessage is the JSON form of a trade.
type TradeMessage struct {
	BuyOrderID  string          `json:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int64           `json:"quantity"`
}

// Encode builds the stream message for ev.
func (p *Publisher) Encode(ev domain.Event) (kafka.Message, error) {
	scale := p.cfg.PriceScale
	m := Message{
		Kind:          ev.Kind,
		Symbol:        ev.Symbol,
		Sequence:      ev.Sequence,
		OrderID:       ev.OrderID,
		ClientOrderID: ev.ClientOrderID,
		Side:          ev.Side,
		Type:          ev.Type,
		Status:        string(ev.Status),
		Quantity:      ev.Quantity,
		Filled:        ev.Filled,
		Remaining:     ev.Remaining,
		LastQuantity:  ev.LastQuantity,
		Reason:        ev.Reason,
	}
	if ev.Type == domain.OrderTypeLimit && ev.Price != 0 {
		d := ev.Price.Decimal(scale)
		m.Price = &d
	}
	if ev.LastQuantity > 0 {
		d := ev.LastPrice.Decimal(scale)
		m.LastPrice = &d
	}
	if t := ev.Trade; t != nil {
		m.Trade = &TradeMessage{
			BuyOrderID:  t.BuyOrderID,
			SellOrderID: t.SellOrderID,
			Price:       t.Price.Decimal(scale),
			Quantity:    t.Quantity,
		}
	}

	value, err := json.Marshal(m)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode %s event %d: %w", ev.Symbol, ev.Sequence, err)
	}
	return kafka.Message{
		Key:   []byte(ev.Symbol),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	}, nil
}

// Run publishes events until the channel closes or ctx is done, then
// closes the writer. Each write carries every event already queued, up to
// the batch size.
func (p *Publisher) Run(ctx context.Context, events <-chan domain.Event) error {
	defer func() {
		if err := p.w.Close(); err != nil {
			p.logger.Warn("close event writer", slog.Any("error", err))
		}
	}()

	batch := make([]kafka.Message, 0, p.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			batch = p.append(batch, ev)
		}

	fill:
		for len(batch) < p.cfg.BatchSize {
			select {
			case ev, ok := <-events:
				if !ok {
					break fill
				}
				batch = p.append(batch, ev)
			default:
				break fill
			}
		}

		p.flush(ctx, batch)
		batch = batch[:0]
	}
}

func (p *Publisher) append(batch []kafka.Message, ev domain.Event) []kafka.Message {
	msg, err := p.Encode(ev)
	if err != nil {
		p.logger.Error("drop event", slog.Any("error", err))
		p.cfg.Observer.PublishFailed()
		return batch
	}
	return append(batch, msg)
}

func (p *Publisher) flush(ctx context.Context, batch []kafka.Message) {
	if len(batch) == 0 {
		return
	}
	if err := p.w.WriteMessages(ctx, batch...); err != nil {
		p.logger.Error("publish events",
			slog.Any("error", err),
			slog.Int("count", len(batch)),
		)
		p.cfg.Observer.PublishFailed()
		return
	}
	p.cfg.Observer.Published(len(batch))
}
