package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/VigilPay/server/internal/config"
	"github.com/VigilPay/server/internal/logger"
	"github.com/VigilPay/server/pkg/vigil"
)

const shutdownGracePeriod = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional, env vars override)")
	flag.Parse()

	// A missing .env is fine; env vars may come from the environment proper.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// No logger yet; config carries the logger settings.
		os.Stderr.WriteString("vigilpay: load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "vigilpay",
		Environment: cfg.Logging.Environment,
	})

	app, err := vigil.NewApp(cfg)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("failed to assemble application")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      app.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	serveErr := make(chan error, 1)
	go func() {
		appLogger.Info().
			Str("address", cfg.Server.Address).
			Str("network", cfg.Solana.Network).
			Bool("monitor", cfg.Monitor.Enabled).
			Bool("live", cfg.Live.Enabled).
			Msg("server listening")
		serveErr <- srv.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		appLogger.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error().Err(err).Msg("server failed")
		}
	}

	// Stop accepting new requests, drain in-flight ones, then tear down the
	// monitor, webhook worker, and store through the app's lifecycle manager.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error().Err(err).Msg("graceful shutdown incomplete, forcing close")
		_ = srv.Close()
	}

	if err := app.Close(); err != nil {
		appLogger.Error().Err(err).Msg("resource cleanup reported errors")
	}

	appLogger.Info().Msg("server stopped")
}
