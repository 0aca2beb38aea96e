package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dmiller/tradeledger/internal/api"
	"github.com/dmiller/tradeledger/internal/broker"
	"github.com/dmiller/tradeledger/internal/config"
	"github.com/dmiller/tradeledger/internal/ledger"
	"github.com/dmiller/tradeledger/internal/matcher"
	"github.com/dmiller/tradeledger/internal/orders"
	"github.com/dmiller/tradeledger/internal/recalc"
	"github.com/dmiller/tradeledger/internal/retry"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Secrets may live in a .env file next to the binary; missing is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.GetLogLevel())
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.Infof("Starting reconciliation daemon in %s mode", cfg.Environment.Mode)

	store, err := ledger.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		logger.Fatalf("Failed to open ledger store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("closing ledger store")
		}
	}()

	history := buildHistoryProvider(cfg, logger)

	m := matcher.NewWithWindow(store, history, logger, cfg.MatchWindow())
	poller := orders.NewPoller(store, history, m, logger, orders.Config{
		Interval:       cfg.PollInterval(),
		ConfirmTimeout: cfg.ConfirmTimeout(),
	})
	orchestrator := recalc.New(store, logger)
	orchestrator.SetDriftThreshold(cfg.DriftThreshold())

	server := api.NewServer(api.Config{
		Port:      cfg.Server.Port,
		AuthToken: cfg.Server.AuthToken,
	}, store, m, poller, orchestrator, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return poller.Run(ctx)
	})

	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutdown signal received, stopping daemon")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if interval := cfg.RecalcInterval(); interval > 0 {
		g.Go(func() error {
			return runScheduledRecalc(ctx, orchestrator, logger, interval)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("Daemon error: %v", err)
	}
	logger.Info("Daemon stopped")
}

func buildHistoryProvider(cfg *config.Config, logger *logrus.Logger) broker.HistoryProvider {
	var provider broker.HistoryProvider = broker.NewTradierHistory(
		cfg.Broker.APIKey,
		cfg.Broker.AccountID,
		!cfg.IsLive(),
	)
	if cfg.Broker.RateLimit > 0 {
		burst := cfg.Broker.Burst
		if burst <= 0 {
			burst = 1
		}
		provider = broker.NewRateLimitedProvider(provider, cfg.Broker.RateLimit, burst)
	}
	provider = broker.NewCircuitBreakerProvider(provider, logger)
	return retry.NewClient(provider, logger)
}

func runScheduledRecalc(ctx context.Context, o *recalc.Orchestrator, logger *logrus.Logger, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			summary, err := o.Recalculate(ctx, false)
			if err != nil {
				if errors.Is(err, recalc.ErrInFlight) {
					logger.Debug("scheduled recalculation skipped, pass already in flight")
					continue
				}
				logger.WithError(err).Error("scheduled recalculation completed with errors")
				continue
			}
			logger.WithFields(logrus.Fields{
				"groups":   summary.Groups,
				"computed": summary.Computed,
				"skipped":  summary.Skipped,
			}).Info("scheduled recalculation complete")
		}
	}
}
