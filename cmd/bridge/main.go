package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adataxi/voicebridge/internal/api"
	"github.com/adataxi/voicebridge/internal/bridge"
	"github.com/adataxi/voicebridge/internal/config"
	"github.com/adataxi/voicebridge/internal/engine"
	"github.com/adataxi/voicebridge/internal/metrics"
	sipbridge "github.com/adataxi/voicebridge/internal/sip"
)

const (
	defaultGreeting     = "Thanks for calling. How can I help you today?"
	defaultSystemPrompt = "You are a helpful phone assistant. Keep responses brief and conversational."
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting voice bridge",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"data_dir", cfg.DataDir,
		"preferred_codec", cfg.PreferredCodec,
	)

	greeting := loadPromptFile(filepath.Join(cfg.DataDir, "greeting.txt"), defaultGreeting)
	systemPrompt := loadPromptFile(filepath.Join(cfg.DataDir, "system_prompt.txt"), defaultSystemPrompt)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	engineNew := func(callID string, hooks engine.Hooks) engine.Adapter {
		return engine.NewStubAdapter(greeting, systemPrompt, hooks, logger)
	}

	listener, err := sipbridge.NewBridgeListener(cfg, engineNew, logger)
	if err != nil {
		slog.Error("failed to create sip listener", "error", err)
		os.Exit(1)
	}
	if err := listener.Start(appCtx); err != nil {
		slog.Error("failed to start sip listener", "error", err)
		os.Exit(1)
	}

	startTime := time.Now()

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(&registryStatsAdapter{registry: listener.Registry()}, startTime)
	reg.MustRegister(collector)

	handler := api.NewServer(listener.Registry(), listener, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), startTime)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	listener.Stop()

	if err := httpSrv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("voice bridge stopped")
}

// loadPromptFile reads a trimmed text file, falling back to fallback if the
// file does not exist or is empty. Lets an operator override the greeting
// and system prompt without a rebuild by dropping files into the data dir.
func loadPromptFile(path, fallback string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return fallback
	}
	text := trimTrailingNewline(string(data))
	if text == "" {
		return fallback
	}
	return text
}

func trimTrailingNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// registryStatsAdapter bridges bridge.Registry's AggregateStats with the
// metrics package's StatsProvider interface.
type registryStatsAdapter struct {
	registry *bridge.Registry
}

func (a *registryStatsAdapter) AggregateStats() metrics.Stats {
	s := a.registry.AggregateStats()
	return metrics.Stats{
		ActiveCalls:            s.ActiveCalls,
		RTPPacketsSent:         s.RTPPacketsSent,
		RTPPacketsDropped:      s.RTPPacketsDropped,
		PlayoutUnderruns:       s.PlayoutUnderruns,
		CircuitBreakerTrips:    s.CircuitBreakerTrips,
		LLMReconnects:          s.LLMReconnects,
		InstructionsSent:       s.InstructionsSent,
		InstructionsSuperseded: s.InstructionsSuperseded,
	}
}
