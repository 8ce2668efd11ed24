package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/antoniostano/chatrelay/internal/config"
	"github.com/antoniostano/chatrelay/internal/contextcache"
	"github.com/antoniostano/chatrelay/internal/httpapi"
	"github.com/antoniostano/chatrelay/internal/llm"
	"github.com/antoniostano/chatrelay/internal/memory"
	"github.com/antoniostano/chatrelay/internal/observability"
	"github.com/antoniostano/chatrelay/internal/pipeline"
	"github.com/antoniostano/chatrelay/internal/summarize"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error("chatrelay exited", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var configPath, bindAddr string
	flagSet := pflag.NewFlagSet("chatrelay", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to a YAML config file (overrides APP_CONFIG_FILE)")
	flagSet.StringVar(&bindAddr, "bind", "", "listen address (overrides APP_BIND_ADDR)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	if configPath == "" {
		configPath = os.Getenv("APP_CONFIG_FILE")
	}
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if bindAddr != "" {
		cfg.BindAddr = bindAddr
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	stages := observability.NewStageWindow(256)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	store, err := memory.NewStore(runCtx, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("context store init failed: %w", err)
	}
	defer store.Close()
	storeMode := memory.Mode(store)

	cache := contextcache.New(store, contextcache.Options{
		MaxAge:        cfg.ContextMaxAge,
		SweepInterval: cfg.ContextSweepInterval,
		Logger:        logger.With("component", "contextcache"),
	})
	cache.SetSizeHook(func(size int) {
		metrics.CachedContexts.Set(float64(size))
	})
	cache.SetSweepHook(func(removed int) {
		metrics.ContextEvents.WithLabelValues("swept").Add(float64(removed))
	})
	cache.SetPersistFailureHook(func(op string) {
		metrics.PersistenceFailures.WithLabelValues(op).Inc()
		stages.Count("persist_failed_" + op)
	})
	cache.StartJanitor(runCtx, cfg.ContextSweepInterval)

	chat, err := llm.NewClient(llm.Config{
		Mode:                cfg.LLMMode,
		BaseURL:             cfg.LLMBaseURL,
		APIKey:              cfg.LLMAPIKey,
		AnthropicAPIKey:     cfg.AnthropicAPIKey,
		AnthropicBaseURL:    cfg.AnthropicBaseURL,
		FallbackToAnthropic: cfg.LLMFallbackToAnthropic,
	})
	if err != nil {
		return fmt.Errorf("llm client init failed: %w", err)
	}

	summarizer := summarize.NewLLMSummarizer(chat, summarize.LLMSummarizerOptions{
		Models:    cfg.SummaryModels,
		MaxTokens: cfg.SummaryMaxTokens,
		RedactPII: cfg.SummaryRedactPII,
		Logger:    logger.With("component", "summarizer"),
	})
	engine := summarize.NewEngine(summarizer, summarize.Policy{
		TriggerTokens: cfg.SummaryTriggerTokens,
		MinMessages:   cfg.SummaryMinMessages,
		RetainMin:     cfg.SummaryRetainMin,
		RetainTarget:  cfg.SummaryRetainTarget,
		RetainMax:     cfg.SummaryRetainMax,
		Timeout:       cfg.SummaryTimeout,
	}, logger.With("component", "summarize"))

	conversations := pipeline.New(cache, engine, chat, pipeline.Options{
		DefaultModel:        cfg.LLMDefaultModel,
		DefaultSystemPrompt: cfg.SystemPrompt,
		ChatTimeout:         cfg.LLMChatTimeout,
		Logger:              logger.With("component", "pipeline"),
		Metrics:             metrics,
		Stages:              stages,
	})

	api := httpapi.New(cfg, conversations, metrics, httpapi.Options{
		StoreMode: storeMode,
		Stages:    stages,
		Logger:    logger.With("component", "httpapi"),
	})
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.BindAddr, "store_mode", storeMode, "llm_mode", cfg.LLMMode)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}
	logger.Info("shutdown complete")
	return nil
}
