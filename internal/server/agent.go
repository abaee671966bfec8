package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-fleet/internal/agent"
	"github.com/JakeFAU/scrape-fleet/internal/agent/engine"
	"github.com/JakeFAU/scrape-fleet/internal/config"
	"github.com/JakeFAU/scrape-fleet/internal/logging"
	"github.com/JakeFAU/scrape-fleet/internal/telemetry"
)

// NewAgentEngine builds the scraping engine named by cfg.Engine. The chromedp
// engine is paired with a static fetcher so auto mode only renders pages that
// need it.
func NewAgentEngine(cfg config.AgentConfig) (engine.Engine, error) {
	static := engine.NewStatic(engine.StaticConfig{
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.NavTimeout,
	})
	switch cfg.Engine {
	case "colly":
		return engine.NewHybrid(static, nil, engine.NewDetector(0)), nil
	case "chromedp":
		render := engine.NewChromedp(engine.ChromedpConfig{
			UserAgent:         cfg.UserAgent,
			NavigationTimeout: cfg.NavTimeout,
			Headless:          cfg.Headless,
			ExecPath:          cfg.ChromePath,
		})
		return engine.NewHybrid(static, render, engine.NewDetector(0)), nil
	default:
		return nil, fmt.Errorf("unknown agent engine %q", cfg.Engine)
	}
}

// RunAgent serves the worker agent until ctx is canceled or a termination
// signal arrives.
func RunAgent(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	defer func() { _ = logger.Sync() }()

	tp, mp, err := telemetry.InitTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry init failed: %w", err)
	}

	eng, err := NewAgentEngine(cfg.Agent)
	if err != nil {
		return err
	}
	a := agent.New(eng, agent.Config{
		RecycleBudget: cfg.Agent.RecycleBudget,
		Version:       cfg.Telemetry.Version,
	}, logger.Named("agent"))
	defer a.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Agent.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("agent started",
			zap.Int("port", cfg.Agent.Port),
			zap.String("engine", cfg.Agent.Engine),
			zap.Int("recycle_budget", cfg.Agent.RecycleBudget),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("agent server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("agent shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("agent shutdown error", zap.Error(err))
	}
	if err := telemetry.Shutdown(shutdownCtx, tp, mp); err != nil {
		logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	return nil
}
