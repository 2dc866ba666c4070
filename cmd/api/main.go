package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-streamhub/internal/audit"
	"github.com/ariefcatur/go-streamhub/internal/auth"
	"github.com/ariefcatur/go-streamhub/internal/catalog"
	"github.com/ariefcatur/go-streamhub/internal/config"
	"github.com/ariefcatur/go-streamhub/internal/fulfillment"
	"github.com/ariefcatur/go-streamhub/internal/httpx"
	kafkax "github.com/ariefcatur/go-streamhub/internal/kafka"
	"github.com/ariefcatur/go-streamhub/internal/logger"
	"github.com/ariefcatur/go-streamhub/internal/notify"
	"github.com/ariefcatur/go-streamhub/internal/orders"
	"github.com/ariefcatur/go-streamhub/internal/postgres"
	"github.com/ariefcatur/go-streamhub/internal/redisx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logger.New(cfg.Env)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		log.Fatal("db migrate", zap.Error(err))
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log.Named("producer"))
	prod.Start()

	tokens, err := auth.NewTokenService(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		log.Fatal("token service", zap.Error(err))
	}

	var sender notify.EmailSender = &notify.LogSender{Log: log.Named("mail")}
	if cfg.SMTPEnabled() {
		smtp, err := notify.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.MailFrom)
		if err != nil {
			log.Fatal("smtp sender", zap.Error(err))
		}
		sender = smtp
	} else {
		log.Warn("SMTP not configured, emails are only logged")
	}
	mailer := &notify.Dispatcher{Sender: sender, Store: cfg.StoreName}

	orderRepo := &orders.Repo{DB: db}
	auditRepo := &audit.Repo{DB: db}

	orderSvc := fulfillment.NewService(orderRepo, mailer, prod, &redisx.Idempotency{RDB: rdb}, log.Named("fulfillment"), cfg.ServiceName)
	catalogSvc := &catalog.Service{Store: &catalog.Repo{DB: db}, Credentials: &orders.CredentialRepo{DB: db}}
	authSvc := &auth.Service{
		Users:  &auth.Repo{DB: db},
		Tokens: tokens,
		Mailer: mailer,
		Audit:  auditRepo,
		Log:    log.Named("auth"),
	}

	limiter := httpx.NewRateLimiter(cfg.RateLimitPerMin, log)
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				limiter.Sweep(10 * time.Minute)
			}
		}
	}()

	router := httpx.NewRouter(log)
	h := &httpx.Handler{
		Orders:   orderSvc,
		Catalog:  catalogSvc,
		Accounts: authSvc,
		Listing:  orderRepo,
		Audit:    auditRepo,
		Tokens:   tokens,
		Limiter:  limiter,
		Log:      log,
	}
	h.Register(router)

	// HTTP server
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("HTTP listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	if err := srv.Shutdown(ctx2); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	cancel()
	prod.Close()
	prod.WaitClosed()
}
