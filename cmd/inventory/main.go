package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/breaker"
	"github.com/ariefcatur/go-order-saga/internal/config"
	"github.com/ariefcatur/go-order-saga/internal/httpx"
	"github.com/ariefcatur/go-order-saga/internal/inventory"
	kafkax "github.com/ariefcatur/go-order-saga/internal/kafka"
	"github.com/ariefcatur/go-order-saga/internal/logging"
	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/ariefcatur/go-order-saga/internal/postgres"
	"github.com/ariefcatur/go-order-saga/internal/redisx"
	"github.com/ariefcatur/go-order-saga/internal/tracing"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	name := cfg.ServiceName + "-inventory"
	log := logging.New(name, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(name, cfg.JaegerEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("init tracing")
	}

	// Stock lives either in our own table or behind a remote stock API.
	var stock inventory.Stock
	if cfg.InventoryURL != "" {
		guards := breaker.NewRegistry(cfg.CallTimeout, func(name string) breaker.Settings {
			s := breaker.DefaultSettings(name)
			s.IsFailure = breaker.Ignoring(orders.ErrNotFound, orders.ErrValidation, orders.ErrInsufficientStock)
			return s
		})
		stock = inventory.NewHTTPClient(cfg.InventoryURL, guards.Get("inventory"), nil)
		log.Info().Str("url", cfg.InventoryURL).Msg("using remote stock API")
	} else {
		db, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.PoolOptions{MaxConns: cfg.PostgresMaxConns, AppName: name})
		if err != nil {
			log.Fatal().Err(err).Msg("db connect")
		}
		defer db.Close()
		if err := postgres.Migrate(ctx, db); err != nil {
			log.Fatal().Err(err).Msg("db migrate")
		}
		stock = &postgres.StockRepo{DB: db}
	}

	kbus := kafkax.NewBus(cfg.KafkaBrokers, cfg.InventoryGroup, cfg.ConsumerWorkers, log)
	defer kbus.Close()

	svc := &inventory.Service{
		Stock:       stock,
		Bus:         kbus,
		ServiceName: name,
		Log:         log,
	}
	if cfg.DedupEnabled {
		rdb := redisx.New(cfg.RedisAddr)
		defer rdb.Close()
		if err := redisx.Ping(ctx, rdb); err != nil {
			log.Fatal().Err(err).Msg("redis ping")
		}
		svc.Dedup = redisx.NewDedup(rdb, redisx.TTLDedup)
	}
	svc.Register(kbus)

	var consumers errgroup.Group
	consumers.Go(func() error {
		if err := kbus.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("consumer exit")
			stop()
			return err
		}
		return nil
	})

	router := httpx.NewRouter(log)
	if cfg.InventoryURL == "" {
		(&httpx.StockHandler{Stock: stock}).Register(router)
	}
	srv := &http.Server{Addr: cfg.InventoryHTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info().Str("addr", cfg.InventoryHTTPAddr).Msg("HTTP listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("listen")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down consumer...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	// handlers in flight still use the stock store and the bus
	_ = consumers.Wait()
	if err := shutdownTracing(ctx2); err != nil {
		log.Warn().Err(err).Msg("tracing shutdown")
	}
}
