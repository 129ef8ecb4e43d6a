package main

import (
	"context"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/dmehra2102/orderflow/internal/config"
	"github.com/dmehra2102/orderflow/internal/inventory/application"
	invgrpc "github.com/dmehra2102/orderflow/internal/inventory/infrastructure/grpc"
	inventoryKafka "github.com/dmehra2102/orderflow/internal/inventory/infrastructure/kafka"
	inventoryDB "github.com/dmehra2102/orderflow/internal/inventory/infrastructure/postgres"
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

	tp, err := tracing.Init(ctx, "inventory-service", cfg.OTLPEndpoint, log)
	if err != nil {
		log.Error("otel init failed", "err", err)
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, cfg.PGURL)
	if err != nil {
		log.Error("pg connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := inventoryDB.NewStore(log, pool)
	if err := store.Migrate(ctx); err != nil {
		log.Error("inventory migration failed", "err", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	idem := idempotency.NewStore(rdb, 24*time.Hour)

	manager := application.NewManager(log, store,
		application.WithRetry(cfg.Retry),
		application.WithTimeout(cfg.ReservationTimeout),
		application.WithLowStockThreshold(cfg.LowStockThreshold))
	sweeper := application.NewSweeper(log, manager, cfg.SweepInterval, cfg.SweepBatch)

	// Outbox relay
	writer := outbox.NewWriter([]string{cfg.KafkaAddr})
	defer writer.Close()
	relay := outbox.NewRelay(log,
		outbox.NewPGStore(log, pool, 10, application.AggregateReservation, application.AggregateStock),
		outbox.NewDispatcher(log, writer, cfg.InventoryTopic),
		"inventory-service-relay")

	consumer := inventoryKafka.NewConsumer(log,
		inventoryKafka.NewReader([]string{cfg.KafkaAddr}, cfg.OrderEvents, "inventory-service"),
		manager, idem, cfg.Retry)

	// gRPC server
	gs, err := invgrpc.Run(log, cfg.GRPCAddr, invgrpc.NewServer(log, manager))
	if err != nil {
		log.Error("grpc server failed", "err", err)
		os.Exit(1)
	}

	g := shutdown.NewGroup(ctx, log)
	g.Go("outbox relay", relay.Run)
	g.Go("expiry sweeper", sweeper.Run)
	g.Go("order event consumer", consumer.Run)
	g.Go("grpc shutdown", func(ctx context.Context) error {
		<-ctx.Done()
		gs.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("inventory-service failed", "err", err)
	}
	shutdown.Drain(log, 5*time.Second, tp.Shutdown)
	log.Info("inventory-service shutdown")
}
