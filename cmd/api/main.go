package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/async"
	"github.com/ariefcatur/go-order-saga/internal/breaker"
	"github.com/ariefcatur/go-order-saga/internal/config"
	"github.com/ariefcatur/go-order-saga/internal/httpx"
	kafkax "github.com/ariefcatur/go-order-saga/internal/kafka"
	"github.com/ariefcatur/go-order-saga/internal/logging"
	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/ariefcatur/go-order-saga/internal/outbox"
	"github.com/ariefcatur/go-order-saga/internal/payment"
	"github.com/ariefcatur/go-order-saga/internal/postgres"
	"github.com/ariefcatur/go-order-saga/internal/redisx"
	"github.com/ariefcatur/go-order-saga/internal/saga"
	"github.com/ariefcatur/go-order-saga/internal/tracing"
	"github.com/ariefcatur/go-order-saga/internal/zookeeper"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logging.New(cfg.ServiceName, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(cfg.ServiceName, cfg.JaegerEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("init tracing")
	}

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.PoolOptions{MaxConns: cfg.PostgresMaxConns, AppName: cfg.ServiceName})
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}
	store := &postgres.Store{DB: db}

	locker, closeLocker := newLocker(ctx, cfg, log)
	defer closeLocker()

	// Kafka
	kbus := kafkax.NewBus(cfg.KafkaBrokers, cfg.ConsumerGroup, cfg.ConsumerWorkers, log)
	defer kbus.Close()

	pub := outbox.NewPublisher(&postgres.OutboxStore{DB: db}, kbus, locker, orders.OutboxRoutes(), outbox.Config{
		Interval:  cfg.OutboxInterval,
		LeaseTTL:  cfg.OutboxLeaseTTL,
		BatchSize: cfg.OutboxBatch,
		Producer:  cfg.ServiceName,
	}, log)

	// Payment
	guards := breaker.NewRegistry(cfg.CallTimeout, func(name string) breaker.Settings {
		s := breaker.DefaultSettings(name)
		s.IsFailure = breaker.Ignoring(orders.ErrNotFound, orders.ErrValidation, orders.ErrInsufficientStock)
		s.OnStateChange = func(name string, from, to breaker.State) {
			log.Warn().Str("breaker", name).Stringer("from", from).Stringer("to", to).Msg("circuit breaker state changed")
		}
		return s
	})
	pool := async.NewPool(cfg.PaymentWorkers, cfg.PaymentQueue)
	payments := payment.NewOrchestrator(store, payment.NewHTTPClient(cfg.PaymentURL, nil), guards.Get("payment"), pool, log)

	coord := saga.NewCoordinator(store, payments, log)
	coord.Register(kbus)

	// Background loops touch the pool and the bus, so shutdown waits for them
	// before the deferred closes run.
	var loops errgroup.Group
	loops.Go(func() error {
		if err := pub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("outbox publisher exit")
			stop()
			return err
		}
		return nil
	})
	loops.Go(func() error {
		if err := kbus.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("saga consumers exit")
			stop()
			return err
		}
		return nil
	})

	// HTTP
	router := httpx.NewRouter(log)
	oh := &httpx.OrdersHandler{
		Orders:       orders.NewService(store, log),
		Payments:     payments,
		AwaitTimeout: cfg.AwaitTimeout,
	}
	oh.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("listen")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	_ = loops.Wait()
	if err := pool.Close(ctx2); err != nil {
		log.Warn().Err(err).Msg("payment pool did not drain")
	}
	if err := shutdownTracing(ctx2); err != nil {
		log.Warn().Err(err).Msg("tracing shutdown")
	}
}

// newLocker picks the outbox lease backend.
func newLocker(ctx context.Context, cfg config.Config, log zerolog.Logger) (outbox.Locker, func()) {
	switch cfg.LeaseBackend {
	case "zookeeper":
		conn, err := zookeeper.Connect(cfg.ZKServers, 10*time.Second)
		if err != nil {
			log.Fatal().Err(err).Msg("zookeeper connect")
		}
		return zookeeper.NewLease(conn), conn.Close
	case "local":
		log.Warn().Msg("using in-process outbox lease, run a single replica")
		return outbox.NewLocalLocker(), func() {}
	default:
		rdb := redisx.New(cfg.RedisAddr)
		if err := redisx.Ping(ctx, rdb); err != nil {
			log.Fatal().Err(err).Msg("redis ping")
		}
		return redisx.NewLease(rdb), func() { _ = rdb.Close() }
	}
}
