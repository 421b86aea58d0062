package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jensholdgaard/dkp-auction-engine/internal/auction"
	"github.com/jensholdgaard/dkp-auction-engine/internal/clock"
	"github.com/jensholdgaard/dkp-auction-engine/internal/config"
	"github.com/jensholdgaard/dkp-auction-engine/internal/health"
	"github.com/jensholdgaard/dkp-auction-engine/internal/leader"
	"github.com/jensholdgaard/dkp-auction-engine/internal/ledger"
	"github.com/jensholdgaard/dkp-auction-engine/internal/notify"
	"github.com/jensholdgaard/dkp-auction-engine/internal/outbox"
	"github.com/jensholdgaard/dkp-auction-engine/internal/server"
	"github.com/jensholdgaard/dkp-auction-engine/internal/store"
	"github.com/jensholdgaard/dkp-auction-engine/internal/telemetry"

	// Register store drivers so they are available via store.Open.
	_ "github.com/jensholdgaard/dkp-auction-engine/internal/store/entstore"
	_ "github.com/jensholdgaard/dkp-auction-engine/internal/store/postgres"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	// Open the store using the configured driver (sqlx or ent).
	repos, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Closer.Close()

	logger.InfoContext(ctx, "connected to database", slog.String("driver", cfg.Database.Driver))

	// Domain services.
	ledgerSvc := ledger.NewService(repos.Ledger, cfg.Ledger.PointCap, logger, tp.TracerProvider)
	snipe := auction.SnipePolicy{
		Window:    cfg.Auction.AntiSnipeWindow,
		Extension: cfg.Auction.AntiSnipeExtension,
	}
	registry := auction.NewRegistry(repos.Auctions, clk, snipe, logger, tp.TracerProvider)
	processor := auction.NewProcessor(registry, repos.Ledger, logger, tp.TracerProvider)
	scheduler := auction.NewScheduler(registry, repos.Auctions, repos.Ledger, clk,
		cfg.Auction.TickInterval, cfg.Auction.SettlementRetryDepth, logger, tp.TracerProvider)

	// Settlement sinks: the durable outbox path always logs, optionally
	// posts to Discord, and mirrors onto the websocket feed.
	hub := server.NewHub(logger)
	sinks := notify.Fanout{notify.NewLogNotifier(logger), hub}
	if cfg.Notifier.DiscordWebhookURL != "" {
		discord, discordErr := notify.NewDiscordNotifier(cfg.Notifier.DiscordWebhookURL)
		if discordErr != nil {
			return fmt.Errorf("configuring discord notifier: %w", discordErr)
		}
		sinks = append(sinks, discord)
	}
	dispatcher := outbox.NewDispatcher(repos.Outbox, sinks, clk,
		cfg.Notifier.DispatchInterval, logger, tp.TracerProvider)

	healthHandler := health.NewHandler(clk)
	healthHandler.AddCheck("database", repos.Ping)

	api := server.New(registry, processor, ledgerSvc, hub, logger)
	root := chi.NewRouter()
	healthHandler.Mount(root)
	root.Mount("/", api.Handler())

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, "starting http server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "http server error", slog.Any("error", listenErr))
		}
	}()

	// startEngine is the work only one replica may do: recover the live
	// auction state, drive settlement, and dispatch the outbox. Readiness
	// follows it so traffic lands on the replica holding the registry.
	startEngine := func(ctx context.Context) {
		if n, recoverErr := registry.Recover(ctx); recoverErr != nil {
			logger.ErrorContext(ctx, "auction recovery failed", slog.Any("error", recoverErr))
			return
		} else if n > 0 {
			logger.InfoContext(ctx, "recovered active auctions", slog.Int("count", n))
		}

		go scheduler.Run(ctx)
		go dispatcher.Run(ctx)

		healthHandler.SetReady(true)
		logger.InfoContext(ctx, "auctiond is running", slog.String("version", version))

		<-ctx.Done()
		healthHandler.SetReady(false)
	}

	if cfg.LeaderElection.Enabled {
		logger.InfoContext(ctx, "leader election enabled, waiting for leadership...")
		if leaderErr := leader.Run(ctx, cfg.LeaderElection, logger, startEngine, func() {
			logger.Info("lost leadership, shutting down...")
			cancel()
		}); leaderErr != nil {
			return fmt.Errorf("leader election: %w", leaderErr)
		}
	} else {
		startEngine(ctx)
	}

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}
