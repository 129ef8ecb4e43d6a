package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/dmehra2102/orderflow/internal/config"
	orchapp "github.com/dmehra2102/orderflow/internal/orchestrator/application"
	orchkafka "github.com/dmehra2102/orderflow/internal/orchestrator/infrastructure/kafka"
	sagaredis "github.com/dmehra2102/orderflow/internal/orchestrator/infrastructure/redis"
	orderapp "github.com/dmehra2102/orderflow/internal/order/application"
	ordergrpc "github.com/dmehra2102/orderflow/internal/order/infrastructure/grpc"
	orderhttp "github.com/dmehra2102/orderflow/internal/order/infrastructure/http"
	orderpg "github.com/dmehra2102/orderflow/internal/order/infrastructure/postgres"
	payapp "github.com/dmehra2102/orderflow/internal/payment/application"
	paypg "github.com/dmehra2102/orderflow/internal/payment/infrastructure/postgres"
	"github.com/dmehra2102/orderflow/internal/payment/infrastructure/simulated"
	"github.com/dmehra2102/orderflow/pkg/idempotency"
	"github.com/dmehra2102/orderflow/pkg/logging"
	"github.com/dmehra2102/orderflow/pkg/outbox"
	"github.com/dmehra2102/orderflow/pkg/shutdown"
	"github.com/dmehra2102/orderflow/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info").Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel)

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	tp, err := tracing.Init(ctx, "order-service", cfg.OTLPEndpoint, log)
	if err != nil {
		log.Error("otel init failed", "err", err)
		os.Exit(1)
	}

	// Postgres Setup
	pool, err := pgxpool.New(ctx, cfg.PGURL)
	if err != nil {
		log.Error("pg connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	events := orderpg.NewEventStore(log, pool)
	payments := paypg.NewRepository(log, pool)
	if err := events.Migrate(ctx); err != nil {
		log.Error("order migration failed", "err", err)
		os.Exit(1)
	}
	if err := payments.Migrate(ctx); err != nil {
		log.Error("payment migration failed", "err", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	idem := idempotency.NewStore(rdb, 24*time.Hour)
	sagas := sagaredis.NewSagaRepository(rdb, 7*24*time.Hour)

	// Kafka producer shared by both relays
	writer := outbox.NewWriter([]string{cfg.KafkaAddr})
	defer writer.Close()
	orderRelay := outbox.NewRelay(log,
		outbox.NewPGStore(log, pool, 10, orderapp.AggregateType),
		outbox.NewDispatcher(log, writer, cfg.OrderEvents),
		"order-service-relay")
	paymentRelay := outbox.NewRelay(log,
		outbox.NewPGStore(log, pool, 10, payapp.AggregateType),
		outbox.NewDispatcher(log, writer, cfg.PaymentTopic),
		"payment-relay")

	inventory, err := ordergrpc.NewInventoryClient(log, cfg.InventoryAddr)
	if err != nil {
		log.Error("inventory client failed", "err", err)
		os.Exit(1)
	}
	defer inventory.Close()
	inventory.WithRetry(cfg.Retry)

	paySvc := payapp.NewService(log, simulated.New(cfg.PaymentLimitCents), payments,
		payapp.WithTimeout(cfg.PaymentTimeout),
		payapp.WithRetry(cfg.Retry))
	coord := orchapp.NewCoordinator(log, orderapp.NewRepository(log, events), inventory, paySvc, sagas,
		orchapp.WithRetry(cfg.Retry),
		orchapp.WithReservationTimeout(cfg.ReservationTimeout))
	recoverer := orchapp.NewRecoverer(log, coord, sagas, cfg.RecoveryInterval, 0)
	consumer := orchkafka.NewConsumer(log,
		orchkafka.NewReader([]string{cfg.KafkaAddr}, cfg.OrderRequests, "order-service"),
		coord, idem, cfg.Retry)

	// HTTP server
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      orderhttp.NewHandler(log, coord).Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	g := shutdown.NewGroup(ctx, log)
	g.Go("order relay", orderRelay.Run)
	g.Go("payment relay", paymentRelay.Run)
	g.Go("saga recoverer", recoverer.Run)
	g.Go("order request consumer", consumer.Run)
	g.Go("http", func(ctx context.Context) error {
		log.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go("http shutdown", func(ctx context.Context) error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("order-service failed", "err", err)
	}
	shutdown.Drain(log, 5*time.Second, tp.Shutdown)
	log.Info("order-service shutdown complete")
}
