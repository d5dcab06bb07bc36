// Package main запускает HTTP-сервер операторской консоли.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/grocery-console/internal/config"
	"github.com/mmeshcher/grocery-console/internal/events"
	"github.com/mmeshcher/grocery-console/internal/handler"
	"github.com/mmeshcher/grocery-console/internal/metrics"
	"github.com/mmeshcher/grocery-console/internal/middleware"
	"github.com/mmeshcher/grocery-console/internal/repository"
	"github.com/mmeshcher/grocery-console/internal/service"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger initialization error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := newRepository(ctx, cfg, logger)
	if err != nil {
		sugar.Fatalw("storage initialization error", "error", err.Error())
	}

	var publisher events.Publisher = events.NopPublisher{}
	if brokers := events.ParseBrokers(cfg.KafkaBrokers); len(brokers) > 0 {
		publisher = events.NewKafkaPublisher(brokers, cfg.KafkaTopic, logger)
		sugar.Infow("publishing domain events", "brokers", brokers, "topic", cfg.KafkaTopic)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			sugar.Warnw("event publisher close error", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	svc := service.NewService(repo, publisher, m, logger, service.Options{
		LedgerSetEnabled: cfg.LedgerSetEnabled,
		CreditInterval:   cfg.CreditRetryInterval,
	})
	defer svc.Close()

	auth := middleware.NewOperatorAuth(cfg.AuthSecret)
	if cfg.AuthSecret == "" {
		sugar.Warn("AUTH_SECRET is not set, operator tokens are valid for this process only")
	}

	h := handler.NewHandler(svc, logger, auth, cfg.CurrencyUnit())

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(m, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Фоновое начисление стоимости доставки курьерам
	g.Go(func() error {
		return svc.Credits.Run(ctx)
	})

	g.Go(func() error {
		sugar.Infow("starting console server", "addr", cfg.RunAddress, "currency", cfg.Currency)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}

	cfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	cfg.Level = lvl

	return cfg.Build()
}

func newRepository(ctx context.Context, cfg *config.Config, logger *zap.Logger) (service.Repository, error) {
	if cfg.DatabaseURI == "" {
		logger.Warn("DATABASE_URI is not set, using in-memory storage (single instance only, data is lost on restart)")
		return repository.NewMemoryRepository(), nil
	}

	repo, err := repository.NewPostgresRepository(ctx, cfg.DatabaseURI)
	if err != nil {
		return nil, err
	}
	return repo, nil
}
