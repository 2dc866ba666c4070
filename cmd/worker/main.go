package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-streamhub/internal/audit"
	"github.com/ariefcatur/go-streamhub/internal/config"
	"github.com/ariefcatur/go-streamhub/internal/fulfillment"
	kafkax "github.com/ariefcatur/go-streamhub/internal/kafka"
	"github.com/ariefcatur/go-streamhub/internal/logger"
	"github.com/ariefcatur/go-streamhub/internal/notify"
	"github.com/ariefcatur/go-streamhub/internal/orders"
	"github.com/ariefcatur/go-streamhub/internal/postgres"
	"github.com/ariefcatur/go-streamhub/internal/redisx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// The worker consumes order events into the audit log and expires pending
// orders whose reservation ran out.
func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logger.New(cfg.Env)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	prod := kafkax.NewProducer(cfg.KafkaBrokers, 256, log.Named("producer"))
	prod.Start()

	consumer := &audit.Consumer{
		Store: &audit.Repo{DB: db},
		Dedup: &redisx.Dedup{RDB: rdb, Service: cfg.WorkerGroup},
		Log:   log.Named("audit"),
	}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.WorkerGroup, orders.AllTopics, cfg.WorkerConcurrency, log.Named("consumer"))

	// Expiry never sends mail; the notifier is only there to satisfy the service.
	expirer := fulfillment.NewService(&orders.Repo{DB: db}, &notify.Dispatcher{Sender: &notify.LogSender{Log: log}, Store: cfg.StoreName},
		prod, nil, log.Named("expiry"), cfg.ServiceName+"-worker")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("audit consumer started",
			zap.String("group", cfg.WorkerGroup), zap.Strings("topics", orders.AllTopics), zap.Int("workers", cfg.WorkerConcurrency))
		return cons.Start(gctx, consumer.HandleEvent)
	})
	g.Go(func() error {
		return runExpiry(gctx, expirer, cfg.ReservationTTL, cfg.ExpiryInterval, log)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker exit", zap.Error(err))
	}
	log.Info("shutting down worker")
	prod.Close()
	prod.WaitClosed()
}

func runExpiry(ctx context.Context, svc *fulfillment.Service, ttl, every time.Duration, log *zap.Logger) error {
	log.Info("expiry loop started", zap.Duration("ttl", ttl), zap.Duration("interval", every))
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := svc.ExpireStale(ctx, ttl)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Error("expire stale orders", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("expired stale orders", zap.Int("count", n))
			}
		}
	}
}
