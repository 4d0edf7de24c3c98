// Package main запускает HTTP-сервер сервиса безопасных сделок.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/safedeal/internal/config"
	"github.com/mmeshcher/safedeal/internal/handler"
	"github.com/mmeshcher/safedeal/internal/middleware"
	"github.com/mmeshcher/safedeal/internal/notify"
	"github.com/mmeshcher/safedeal/internal/payment"
	"github.com/mmeshcher/safedeal/internal/repository"
	"github.com/mmeshcher/safedeal/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var repo repository.Store
	if cfg.DatabaseURI != "" {
		repo, err = repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
	} else {
		sugar.Warn("DATABASE_URI is empty, using in-memory store")
		repo = repository.NewMemoryRepository()
	}

	var payments service.PaymentProvider
	if cfg.PaymentProviderAddress != "" {
		payments = payment.NewClient(cfg.PaymentProviderAddress)
	} else {
		sugar.Warn("payment provider is not configured, deposits are disabled")
	}

	var publisher notify.Publisher = notify.Nop{}
	if cfg.RedisAddress != "" {
		client, err := notify.NewRedisClient(ctx, cfg.RedisAddress)
		if err != nil {
			sugar.Fatalw("redis initialization error", "error", err.Error())
		}
		defer client.Close()
		publisher = notify.NewRedisPublisher(client, notify.DefaultChannel)
	}

	svc, err := service.NewService(repo, payments, publisher, logger, service.Options{
		FeeRate:         cfg.FeeRate(),
		DepositTimeout:  cfg.DepositTimeout,
		OfferTimeout:    cfg.OfferTimeout,
		ReferralBaseURL: cfg.ReferralBaseURL,
	})
	if err != nil {
		sugar.Fatalw("service initialization error", "error", err.Error())
	}
	defer svc.Close()

	if cfg.ArbiterSecret == "" {
		sugar.Warn("ARBITER_SECRET is empty, arbiter endpoints will reject all requests")
	}
	if cfg.WebhookSecret == "" {
		sugar.Warn("WEBHOOK_SECRET is empty, payment notifications will be rejected")
	}

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	arbiterAuth := middleware.NewArbiterAuth(cfg.ArbiterSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, arbiterAuth, cfg.WebhookSecret)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Отмена просроченных предложений и сверка пополнений с провайдером
	g.Go(func() error {
		svc.RunSweeper(ctx, cfg.SweepInterval)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting safedeal server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
