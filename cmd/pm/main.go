package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/arjunmenon/tradepm/config"
	"github.com/arjunmenon/tradepm/internal/adapters/broker"
	"github.com/arjunmenon/tradepm/internal/adapters/executor"
	"github.com/arjunmenon/tradepm/internal/adapters/ha"
	"github.com/arjunmenon/tradepm/internal/adapters/notify"
	"github.com/arjunmenon/tradepm/internal/adapters/storage"
	"github.com/arjunmenon/tradepm/internal/application/backtest"
	"github.com/arjunmenon/tradepm/internal/application/engine/live"
	"github.com/arjunmenon/tradepm/internal/application/recovery"
	"github.com/arjunmenon/tradepm/internal/application/server"
	"github.com/arjunmenon/tradepm/internal/application/validator"
	"github.com/arjunmenon/tradepm/internal/domain"
	"github.com/arjunmenon/tradepm/internal/ports"
	"github.com/google/uuid"
)

func main() {
	configPath := flag.String("config", "config/config.json", "path to config file")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	replayFile := flag.String("replay", "", "path to a newline-delimited signal stream; enables backtest mode")
	instanceFile := flag.String("instance-file", ".pm-instance-id", "file holding this instance's persisted uuid")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	slog.Info("portfolio manager starting", "config", *configPath, "replay", *replayFile != "")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *replayFile != "" {
		runBacktest(ctx, cfg, *replayFile)
		return
	}

	runLive(ctx, cfg, *instanceFile)
}

func runLive(ctx context.Context, cfg *config.Config, instanceFile string) {
	store, err := storage.Open(cfg.Storage.DSN, cfg.Storage.MaxOpenConns)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()

	cache := ha.NewRedisCache(cfg.HA.CacheAddr)
	brokerClient := broker.NewClient(cfg.Broker.BaseURL, cfg.Broker.APIKey, time.Duration(cfg.Broker.TimeoutSeconds)*time.Second)
	exec := executor.New(brokerClient, buildStrategy(cfg))
	v := validator.New(brokerClient, ports.SystemClock{})

	persistedUUID := readPersistedUUID(instanceFile)
	if persistedUUID == "" {
		persistedUUID = uuid.NewString()
	}
	writePersistedUUID(instanceFile, persistedUUID)
	coord := ha.New(cache, store, ports.SystemClock{}, persistedUUID, time.Duration(cfg.HA.LeaderTTLSeconds)*time.Second, cfg.HA.DetectSplitBrainEvery)

	portfolio := domain.NewPortfolioState(cfg.Risk.EquityBase)

	coord.SetRecovering(true)
	specOf := func(instrument string) domain.InstrumentRiskSpec {
		s := cfg.Instrument.Defaults[instrument]
		return domain.InstrumentRiskSpec{PointValue: s.PointValue, MarginPerLot: s.MarginPerLot, ATRSpacingMul: s.ATRSpacingMul}
	}
	code, err := recovery.LoadState(ctx, portfolio, store, specOf, nil, nil)
	if err != nil {
		slog.Error("🚨 startup recovery failed, halting", "code", code, "err", err)
		os.Exit(1)
	}
	if code == recovery.CodeDBUnavailable {
		slog.Warn("recovery: database unavailable at startup, continuing with empty portfolio state")
	}
	coord.SetRecovering(false)

	eng := live.New(cfg, portfolio, store, exec, v, coord, ports.SystemClock{}, coord.InstanceID())
	srv := server.New(cfg, eng, store, cache, coord)

	httpServer := &http.Server{Addr: cfg.Webhook.Addr, Handler: srv.Handler()}
	go func() {
		slog.Info("webhook server listening", "addr", cfg.Webhook.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("webhook server exited", "err", err)
		}
	}()

	go coord.Run(ctx, cfg.HeartbeatInterval())
	go runStopPoller(ctx, cfg, eng, brokerClient, portfolio)

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	if coord.IsLeader() {
		if err := coord.ReleaseLeadership(shutdownCtx); err != nil {
			slog.Warn("failed to release leadership cleanly", "err", err)
		}
	}
	slog.Info("portfolio manager stopped cleanly")
}

// runStopPoller periodically refreshes each open instrument's trailing
// stop off a fresh broker quote. No scheduling contract beyond "poll
// periodically" is defined for this loop, so it runs
// on the same cadence as the heartbeat.
func runStopPoller(ctx context.Context, cfg *config.Config, eng *live.Engine, brokerClient ports.Broker, portfolio *domain.PortfolioState) {
	ticker := time.NewTicker(cfg.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			instruments := make(map[string]struct{})
			for _, p := range portfolio.Positions {
				if p.Status == domain.PositionOpen {
					instruments[p.Instrument] = struct{}{}
				}
			}
			for instrument := range instruments {
				price, err := brokerClient.Quote(ctx, instrument)
				if err != nil {
					slog.Warn("stop poller: quote failed", "instrument", instrument, "err", err)
					continue
				}
				eng.UpdateTrailingStops(ctx, instrument, price)
			}
		}
	}
}

func runBacktest(ctx context.Context, cfg *config.Config, replayFile string) {
	store, err := storage.Open(":memory:", 1)
	if err != nil {
		slog.Error("failed to open in-memory storage for replay", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	f, err := os.Open(replayFile)
	if err != nil {
		slog.Error("failed to open replay file", "err", err, "path", replayFile)
		os.Exit(1)
	}
	defer f.Close()

	portfolio := domain.NewPortfolioState(cfg.Risk.EquityBase)
	replayBroker := backtest.NewReplayBroker()
	replayClock := &backtest.ReplayClock{}
	exec := executor.New(replayBroker, buildStrategy(cfg))
	v := validator.New(replayBroker, replayClock)

	eng := live.New(cfg, portfolio, store, exec, v, backtest.AlwaysLeader{}, replayClock, "backtest")

	summaries, err := backtest.Run(ctx, f, eng, replayBroker, replayClock, portfolio)
	if err != nil {
		slog.Error("backtest run failed", "err", err)
		os.Exit(1)
	}

	notifier := notify.NewConsole()
	if err := notifier.NotifyBacktest(ctx, summaries); err != nil {
		slog.Warn("backtest notifier error", "err", err)
	}
}

func buildStrategy(cfg *config.Config) executor.Strategy {
	var partial executor.PartialFillPolicy
	switch cfg.Executor.PartialFillPolicy {
	case config.PartialFillWaitForFill:
		partial = executor.WaitForFill{Timeout: time.Duration(cfg.Executor.PartialFillWaitSec) * time.Second, PollEvery: time.Second}
	case config.PartialFillReattempt:
		partial = executor.Reattempt{AggressivePct: cfg.Executor.ReattemptAggressivePct, MaxSlippagePct: cfg.Risk.MaxReattemptSlippagePct}
	default:
		partial = executor.CancelRemainder{}
	}

	switch cfg.Executor.Strategy {
	case config.ExecutionProgressive:
		return executor.Progressive{
			TighteningInterval: time.Duration(cfg.Executor.TighteningIntervalSec) * time.Second,
			TighteningStep:     cfg.Executor.TighteningStep,
			MaxAttempts:        cfg.Executor.MaxAttempts,
			Partial:            partial,
		}
	default:
		return executor.SimpleLimit{
			FillTimeout: time.Duration(cfg.Executor.FillTimeoutSeconds) * time.Second,
			PollEvery:   time.Second,
			Partial:     partial,
		}
	}
}

func readPersistedUUID(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func writePersistedUUID(path, id string) {
	if id == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil && filepath.Dir(path) != "." {
		slog.Warn("could not create instance-id directory", "err", err)
	}
	if err := os.WriteFile(path, []byte(id), 0o644); err != nil {
		slog.Warn("could not persist instance id", "err", err)
	}
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
