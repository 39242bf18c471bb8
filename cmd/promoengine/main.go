// Package main запускает HTTP-сервер промо-движка.
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

	"github.com/mmeshcher/promo-system/internal/config"
	"github.com/mmeshcher/promo-system/internal/handler"
	"github.com/mmeshcher/promo-system/internal/middleware"
	"github.com/mmeshcher/promo-system/internal/notifier"
	"github.com/mmeshcher/promo-system/internal/repository"
	"github.com/mmeshcher/promo-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	var notif notifier.Notifier
	if cfg.NotifierAddress != "" {
		notif = notifier.NewHTTPNotifier(cfg.NotifierAddress)
	}

	svc := service.NewService(repo, notif, logger, service.Options{
		ReservationTTL:  cfg.ReservationTTL,
		CASAttempts:     cfg.CASAttempts,
		SweepInterval:   cfg.SweepInterval,
		RecalcInterval:  cfg.RecalcInterval,
		RecalcBatchSize: cfg.RecalcBatchSize,
	})
	defer svc.Close()

	authSecret := cfg.AuthSecret
	if authSecret == "" {
		authSecret = "promoengine-secret"
	}
	authMiddleware := middleware.NewAuthMiddleware(authSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновой очистки просроченных резервирований
	g.Go(func() error {
		svc.StartReservationSweep(ctx)
		return nil
	})

	// Запуск фонового пересчёта помеченных правил
	g.Go(func() error {
		svc.StartRecalculation(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting promo engine server", "addr", cfg.RunAddress)
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
