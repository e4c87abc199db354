package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"LocalChat/internal/authserver"
	"LocalChat/internal/config"
	"LocalChat/internal/kvstore"
	"LocalChat/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	flag.StringVar(&cfg.AuthAddr, "addr", cfg.AuthAddr, "Listen address")
	flag.StringVar(&cfg.SQLitePath, "sqlite-path", "authd.db", "SQLite database file for accounts")
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug logging")
	flag.Parse()

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, logCloser, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logCloser.Close()

	store, err := kvstore.OpenSQLite(cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("failed to open sqlite store: %w", err)
	}
	defer store.Close()

	srv := &http.Server{
		Addr:              cfg.AuthAddr,
		Handler:           authserver.New(store, logger, cfg.JWTSecret, cfg.TokenTTL).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("auth service listening", "addr", cfg.AuthAddr)
		fmt.Fprintf(os.Stdout, "Auth service listening on %s\n", cfg.AuthAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("auth service failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down auth service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
