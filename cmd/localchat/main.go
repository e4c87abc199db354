package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"LocalChat/internal/auth"
	"LocalChat/internal/backend"
	"LocalChat/internal/cache"
	"LocalChat/internal/chatbot"
	"LocalChat/internal/config"
	"LocalChat/internal/httpapi"
	"LocalChat/internal/kvstore"
	"LocalChat/internal/telemetry"
)

func main() {
	// a missing .env is fine; the environment may already be set
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	backendName := flag.String("backend", cfg.Backend, "LLM backend (ollama|anthropic|openai)")
	model := flag.String("model", cfg.Model, "Model name passed to the backend")
	flag.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "Override the backend base URL")
	flag.StringVar(&cfg.AuthURL, "auth-url", cfg.AuthURL, "Authentication service base URL")
	flag.StringVar(&cfg.Store, "store", cfg.Store, "Storage medium (memory|sqlite|redis)")
	flag.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "SQLite database file")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address")
	flag.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "Serve the HTTP API on this address (disabled when empty)")
	flag.BoolVar(&cfg.RestoreSelection, "restore-selection", cfg.RestoreSelection, "Reopen the last selected conversation")
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug logging")
	flag.BoolVar(&cfg.PromptLog, "prompt-log", cfg.PromptLog, "Record sent prompts in the prompt log")
	flag.Parse()

	if *backendName != cfg.Backend {
		cfg.SetBackend(*backendName)
	}
	if isFlagSet("model") {
		cfg.Model = *model
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

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

	providers, err := telemetry.InitTelemetry(ctx, cfg.LogDir)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down telemetry", "error", err)
		}
	}()
	tracer, meter := providers.Tracer, providers.Meter

	var promptLog *slog.Logger
	if cfg.PromptLog {
		l, closer, err := telemetry.InitPromptLog(cfg.LogDir)
		if err != nil {
			return fmt.Errorf("failed to initialize prompt log: %w", err)
		}
		defer closer.Close()
		promptLog = l
	}

	store, storeCloser, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer storeCloser.Close()

	completer, err := backend.New(cfg, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize backend: %w", err)
	}

	app, err := chatbot.New(chatbot.Deps{
		Store:     store,
		Auth:      auth.NewClient(cfg.AuthURL, &http.Client{Timeout: cfg.HTTPTimeout}),
		Completer: backend.Instrument(cfg.Backend, completer, tracer, meter),
		Logger:    logger,
		Tracer:    tracer,
		Meter:     meter,
		PromptLog: promptLog,
		Cache: cache.Options{
			MaxEntries: cfg.CacheMaxEntries,
			TTL:        cfg.CacheTTL,
		},
		RestoreSelection: cfg.RestoreSelection,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize chat client: %w", err)
	}

	logger.Info("starting localchat",
		"backend", cfg.Backend,
		"model", cfg.Model,
		"store", cfg.Store,
		"http", cfg.HTTPAddr)

	if cfg.HTTPAddr != "" {
		api := httpapi.New(app, logger)
		srv := &http.Server{Addr: cfg.HTTPAddr, Handler: api.Router()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server failed", "error", err)
			}
		}()
		defer func() {
			api.Hub().Close()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("http server shutdown failed", "error", err)
			}
		}()
		fmt.Fprintf(os.Stdout, "HTTP API listening on %s\n", cfg.HTTPAddr)
	}

	return app.Run(ctx, os.Stdin, os.Stdout)
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func openStore(cfg config.Config) (kvstore.Store, io.Closer, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return kvstore.NewMemory(), io.NopCloser(nil), nil
	case config.StoreRedis:
		r, err := kvstore.DialRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return r, r, nil
	default:
		s, err := kvstore.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, s, nil
	}
}
