package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/efreitasn/venuecore/internal/config"
	"github.com/efreitasn/venuecore/internal/domain"
	"github.com/efreitasn/venuecore/internal/engine"
	"github.com/efreitasn/venuecore/internal/gateway"
	"github.com/efreitasn/venuecore/internal/handler"
	"github.com/efreitasn/venuecore/internal/logging"
	"github.com/efreitasn/venuecore/internal/metrics"
	"github.com/efreitasn/venuecore/internal/publish"
	"github.com/efreitasn/venuecore/internal/service"
	"github.com/efreitasn/venuecore/internal/store"
	"golang.org/x/sync/errgroup"
)

func main() {
	healthcheck := flag.Bool("healthcheck", false, "Run health check against running server")
	flag.Parse()

	// Handle -healthcheck flag: HTTP GET to localhost:HTTP_PORT/healthz, exit 0/1.
	if *healthcheck {
		port := os.Getenv("HTTP_PORT")
		if port == "" {
			port = "8080"
		}
		resp, err := http.Get(fmt.Sprintf("http://localhost:%s/healthz", port))
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger, syncLogs, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		slog.Error("failed to build logger", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("venue stopped with error", slog.String("error", err.Error()))
		_ = syncLogs()
		os.Exit(1)
	}
	logger.Info("venue stopped")
	_ = syncLogs()
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	m := metrics.New()
	m.Track(cfg.Symbols)

	eng := engine.New(cfg.Symbols, engine.Options{
		QueueSize:           cfg.CommandQueueSize,
		Limits:              engine.Limits{MaxQuantity: cfg.MaxOrderQuantity},
		Logger:              logger.With(slog.String("component", "engine")),
		Observer:            m,
		OnSubscriberDropped: m.SubscriberDropped,
	})
	defer eng.Close()

	orders := store.NewOrderStore()
	trades := store.NewTradeStore(store.DefaultRetention)
	orderSvc := service.NewOrderService(eng, orders, cfg.PriceScale)
	marketSvc := service.NewMarketService(eng, trades, cfg.VWAPWindow)

	// Subscribe before any producer starts so no event is missed.
	orderSub := eng.Subscribe("order-store", cfg.SubscriberBuffer)
	tradeSub := eng.Subscribe("trade-store", cfg.SubscriberBuffer)
	metricsSub := eng.Subscribe("metrics", cfg.SubscriberBuffer)

	g, gctx := errgroup.WithContext(ctx)
	// A dropped subscriber leaves its view stale, so it stops the venue.
	g.Go(func() error { return orderSub.Run(gctx, orders.Consume) })
	g.Go(func() error { return tradeSub.Run(gctx, trades.Consume) })
	g.Go(func() error { return metricsSub.Run(gctx, m.Consume) })

	if len(cfg.KafkaBrokers) > 0 {
		pub := publish.New(
			publish.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic),
			publish.Config{PriceScale: cfg.PriceScale, Observer: m},
			logger.With(slog.String("component", "publisher")),
		)
		pubSub := eng.Subscribe("kafka", cfg.SubscriberBuffer)
		g.Go(func() error {
			var runErr error
			err := pubSub.Run(gctx, func(ctx context.Context, events <-chan domain.Event) {
				runErr = pub.Run(ctx, events)
			})
			return errors.Join(err, runErr)
		})
		logger.Info("event stream enabled",
			slog.Any("brokers", cfg.KafkaBrokers),
			slog.String("topic", cfg.KafkaTopic),
		)
	}

	gw := gateway.NewServer(eng, gateway.ServerConfig{
		Addr: fmt.Sprintf(":%d", cfg.GatewayPort),
		Session: gateway.SessionConfig{
			CompID:            cfg.GatewayCompID,
			PriceScale:        cfg.PriceScale,
			HeartbeatInterval: cfg.HeartbeatInterval(),
			Observer:          m,
		},
		WriteBuffer:      cfg.SessionWriteBuffer,
		SubscriberBuffer: cfg.SubscriberBuffer,
		IdleTimeout:      cfg.GatewayIdleTimeout,
		WriteTimeout:     cfg.WriteTimeout,
	}, logger.With(slog.String("component", "gateway")))
	g.Go(func() error { return gw.ListenAndServe(gctx) })

	router := handler.NewRouter(orderSvc, marketSvc, m.Handler(), logger.With(slog.String("component", "http")))
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	g.Go(func() error {
		logger.Info("http server starting", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	logger.Info("venue started",
		slog.Any("symbols", cfg.Symbols),
		slog.Int("http_port", cfg.HTTPPort),
		slog.Int("gateway_port", cfg.GatewayPort),
	)
	return g.Wait()
}
