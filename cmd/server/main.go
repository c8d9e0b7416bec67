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

	"github.com/RichardoC/llm-relay/internal/api"
	"github.com/RichardoC/llm-relay/internal/chat"
	"github.com/RichardoC/llm-relay/internal/config"
	"github.com/RichardoC/llm-relay/internal/history"
	"github.com/RichardoC/llm-relay/internal/llm"
	"github.com/RichardoC/llm-relay/internal/logging"
	"github.com/RichardoC/llm-relay/internal/telegram"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const version = "1.0.0"

func main() {
	configPath := pflag.String("config", "", "path to a YAML config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	start := time.Now()
	logger.Info("Bot started",
		zap.String("version", version),
		zap.String("model", cfg.LLM.Model),
		zap.Int("max_history_length", cfg.History.MaxLength))

	gwCfg := llm.GatewayConfig{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     cfg.LLM.Timeout,
	}
	client, err := llm.NewOpenAI(gwCfg)
	if err != nil {
		logger.Fatal("failed to initialize LLM client", zap.Error(err))
	}
	prompts := llm.NewPromptBuilder(llm.FilePrompt{Path: cfg.LLM.SystemPromptFile}, logger)
	gateway := llm.NewGateway(client, prompts, gwCfg, logger)
	if cfg.LLM.CountTokens {
		counter, err := llm.NewTokenCounter()
		if err != nil {
			logger.Warn("Prompt token counting disabled", zap.Error(err))
		} else {
			gateway.WithTokenCounter(counter)
		}
	}

	store := history.New(cfg.History.MaxLength)
	dispatcher := chat.NewDispatcher(store, gateway, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var srv *http.Server
	if cfg.HTTP.Addr != "" {
		mux := http.NewServeMux()
		api.NewHandler(dispatcher, logger).Routes(mux)
		srv = &http.Server{Addr: cfg.HTTP.Addr, Handler: mux}
		go func() {
			logger.Info("Starting HTTP server", zap.String("addr", cfg.HTTP.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server failed", zap.Error(err))
				stop()
			}
		}()
	}

	bot, err := telegram.New(cfg.Telegram.Token, dispatcher, cfg.Telegram.Workers, cfg.Telegram.PollingTimeout, logger)
	if err != nil {
		logger.Fatal("failed to initialize Telegram bot", zap.Error(err))
	}
	logger.Info("Bot is running")
	bot.Run(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down HTTP server", zap.Error(err))
		}
	}

	logger.Info("Bot stopped",
		zap.Duration("uptime", time.Since(start)),
		zap.Int64("total_requests", dispatcher.Requests()),
		zap.Int("conversations", store.Len()))
}
