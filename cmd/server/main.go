package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/text/currency"

	"github.com/quickcart/orderflow/internal/cart"
	"github.com/quickcart/orderflow/internal/dispatch"
	"github.com/quickcart/orderflow/internal/httpx"
	"github.com/quickcart/orderflow/internal/lifecycle"
	"github.com/quickcart/orderflow/internal/payment"
	"github.com/quickcart/orderflow/internal/pkg/config"
	"github.com/quickcart/orderflow/internal/pkg/telemetry"
	"github.com/quickcart/orderflow/internal/reconciler"
	"github.com/quickcart/orderflow/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	telemetry.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.SetupTracer(ctx, "orderflow", cfg.OTLPEndpoint, cfg.Environment)
	if err != nil {
		slog.Error("failed to initialise tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			slog.Error("tracer shutdown error", "error", err)
		}
	}()

	pool, err := store.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	orders := store.NewOrderStore(pool)
	products := store.NewProductStore(pool)
	addresses := store.NewAddressStore(pool)
	guard := store.NewIdempotencyStore(pool)
	notifications := store.NewNotificationStore(pool)

	carts := cart.NewStore(cfg.RedisAddr)
	defer carts.Close()

	// Without brokers configured, side effects run on the in-process bus.
	// Fine for a single instance; Kafka is what makes them survive restarts.
	var bus dispatch.Bus
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		bus = dispatch.NewKafkaBus(brokers, cfg.KafkaTopic, cfg.KafkaGroupID)
	} else {
		slog.Warn("KAFKA_BROKERS not set, using in-process event bus")
		bus = dispatch.NewInmemBus(256)
	}
	defer func() {
		if err := bus.Close(); err != nil {
			slog.Error("bus close error", "error", err)
		}
	}()

	provider := payment.NewClient(cfg.PaymentBaseURL, cfg.PaymentAPIKey, 10*time.Second)

	svc := lifecycle.NewService(orders, products, addresses, provider, bus, currency.USD)
	rec := reconciler.New(svc, provider, cfg.PaymentWebhookSecret)

	worker := dispatch.NewWorker(bus,
		dispatch.NewInventoryConsumer(products),
		dispatch.NewCartConsumer(guard, carts),
		dispatch.NewNotifyConsumer(guard, notifications),
	)
	go func() {
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("dispatch worker stopped", "error", err)
		}
	}()

	sweeper := reconciler.NewSweeper(rec, orders, cfg.SweepInterval)
	go sweeper.Run(ctx)

	handler := httpx.NewHandler(svc, rec, carts, addresses, notifications, map[string]httpx.Pinger{
		"postgres": pingFunc(pool.Ping),
		"redis":    carts,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpx.NewRouter(handler),
	}

	go func() {
		slog.Info("orderflow listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
}

// pingFunc adapts a bare Ping method to the health probe interface.
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }
