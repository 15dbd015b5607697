// Package metrics exposes the venue's Prometheus collectors. A Metrics
// value is wired into the engine as its Observer, into the gateway as its
// session Observer, and onto the event bus for trade counts.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/efreitasn/venuecore/internal/domain"
	"github.com/efreitasn/venuecore/internal/engine"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "venue"

// Command outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Metrics holds every collector, registered on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	commands          *prometheus.CounterVec
	commandLatency    *prometheus.HistogramVec
	trades            *prometheus.CounterVec
	volume            *prometheus.CounterVec
	halted            *prometheus.GaugeVec
	sessions          prometheus.Gauge
	sessionRejects    *prometheus.CounterVec
	droppedSubs       *prometheus.CounterVec
	publishFailures   prometheus.Counter
	publishedMessages prometheus.Counter
}

// New creates and registers the collectors. Go runtime and process
// collectors are registered too.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands applied by the engine, by symbol, kind and outcome.",
		}, []string{"symbol", "kind", "outcome"}),
		commandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time spent applying a command inside the symbol executor.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}, []string{"kind"}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Trades executed, by symbol.",
		}, []string{"symbol"}),
		volume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traded_quantity_total",
			Help:      "Quantity traded, by symbol.",
		}, []string{"symbol"}),
		halted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "symbol_halted",
			Help:      "1 when the symbol's executor has halted.",
		}, []string{"symbol"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_sessions",
			Help:      "Open gateway sessions.",
		}),
		sessionRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_rejects_total",
			Help:      "Inbound gateway messages answered with a reject, by message type.",
		}, []string{"msg_type"}),
		droppedSubs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribers_dropped_total",
			Help:      "Event subscribers disconnected for falling behind.",
		}, []string{"subscriber"}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Event batches the stream publisher failed to write.",
		}),
		publishedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_events_total",
			Help:      "Events written to the event stream.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.commands, m.commandLatency, m.trades, m.volume, m.halted,
		m.sessions, m.sessionRejects, m.droppedSubs,
		m.publishFailures, m.publishedMessages,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Track sets the halted gauge to 0 for each symbol so every book shows up
// before its first command.
func (m *Metrics) Track(symbols []string) {
	for _, s := range symbols {
		m.halted.WithLabelValues(s).Set(0)
	}
}

// CommandApplied implements engine.Observer.
func (m *Metrics) CommandApplied(symbol string, kind engine.CommandKind, d time.Duration, _ []domain.Event, err error) {
	m.commands.WithLabelValues(symbol, string(kind), outcome(err)).Inc()
	m.commandLatency.WithLabelValues(string(kind)).Observe(d.Seconds())
}

// SymbolHalted implements engine.Observer.
func (m *Metrics) SymbolHalted(symbol string) {
	m.halted.WithLabelValues(symbol).Set(1)
}

// SubscriberDropped counts a slow subscriber disconnected by the bus.
func (m *Metrics) SubscriberDropped(name string) {
	m.droppedSubs.WithLabelValues(name).Inc()
}

// SessionOpened implements gateway.Observer.
func (m *Metrics) SessionOpened() { m.sessions.Inc() }

// SessionClosed implements gateway.Observer.
func (m *Metrics) SessionClosed() { m.sessions.Dec() }

// MessageRejected implements gateway.Observer.
func (m *Metrics) MessageRejected(msgType string) {
	m.sessionRejects.WithLabelValues(msgType).Inc()
}

// Published counts events written by the stream publisher.
func (m *Metrics) Published(n int) {
	m.publishedMessages.Add(float64(n))
}

// PublishFailed counts a failed publisher write.
func (m *Metrics) PublishFailed() {
	m.publishFailures.Inc()
}

// Record counts a trade event.
func (m *Metrics) Record(ev domain.Event) {
	if ev.Kind != domain.EventTrade || ev.Trade == nil {
		return
	}
	m.trades.WithLabelValues(ev.Symbol).Inc()
	m.volume.WithLabelValues(ev.Symbol).Add(float64(ev.Trade.Quantity))
}

// Consume records events until the channel closes or ctx is done.
func (m *Metrics) Consume(ctx context.Context, events <-chan domain.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.Record(ev)
		case <-ctx.Done():
			return
		}
	}
}

func outcome(err error) string {
	var verr *domain.ValidationError
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &verr), errors.Is(err, domain.ErrUnknownOrder):
		return OutcomeRejected
	default:
		return OutcomeError
	}
}
