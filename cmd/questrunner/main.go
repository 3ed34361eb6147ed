// Command questrunner completes the Linea airdrop quest campaign for a list
// of browser profiles: on-chain actions through the account's key and
// verification on the quest site through the AdsPower browser.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/gateway-fm/questrunner/internal/account"
	"github.com/gateway-fm/questrunner/internal/config"
	"github.com/gateway-fm/questrunner/internal/metrics"
	"github.com/gateway-fm/questrunner/internal/notify"
	"github.com/gateway-fm/questrunner/internal/rpc"
	"github.com/gateway-fm/questrunner/internal/scheduler"
	"github.com/gateway-fm/questrunner/internal/storage"
	"github.com/gateway-fm/questrunner/internal/transport"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("run failed", slog.String("error", err.Error()))
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	accounts, err := account.LoadDir(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("load accounts from %s: %w", cfg.DataDir, err)
	}
	logger.Info("loaded accounts", slog.Int("count", len(accounts)), slog.String("dir", cfg.DataDir))

	store, err := storage.NewSQLiteStorage(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open storage %s: %w", cfg.DatabasePath, err)
	}
	defer store.Close()
	logger.Info("initialized storage", slog.String("path", cfg.DatabasePath))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewPrometheusMetrics(reg)

	rpcCfg := rpc.DefaultClientConfig(cfg.RPCURL)
	rpcCfg.Logger = logger
	rpcCfg.Observe = m.RecordRPC
	rpcClient := rpc.NewHTTPClient(rpcCfg)

	if cfg.ListenAddr != "" {
		srv := transport.NewServer(transport.Config{
			API:      store,
			Health:   rpcHealth{rpcClient},
			Gatherer: reg,
			Logger:   logger,
		})
		defer srv.Close()

		httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("starting status server", slog.String("addr", cfg.ListenAddr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server failed", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
	}

	w, err := newWiring(ctx, cfg, rpcClient, store, m, logger)
	if err != nil {
		return err
	}

	completed, err := store.CompletedProfiles(ctx)
	if err != nil {
		return fmt.Errorf("read completed profiles: %w", err)
	}
	pending := pendingAccounts(accounts, completed)
	if cfg.ShuffleProfiles {
		shuffleAccounts(pending, w.rnd)
	}
	logger.Info("scheduling accounts",
		slog.Int("pending", len(pending)),
		slog.Int("complete", len(accounts)-len(pending)),
		slog.Int("threads", cfg.Threads))

	sched := scheduler.New(scheduler.Config{
		Concurrency: cfg.Threads,
		Timeout:     cfg.AccountTimeout,
		Attempts:    cfg.AccountAttempts,
		Skip:        completeSkip(store),
		Logger:      logger,
		Metrics:     m,
	})

	start := time.Now()
	results := sched.Run(ctx, pending, w.orchestrator.Run)

	// Bookkeeping runs even after an interrupt.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	report := notify.Report{Elapsed: time.Since(start)}
	durations := metrics.NewDurationStats()
	for _, r := range results {
		report.Add(r.Outcome)
		if r.Attempts > 0 {
			durations.Add(r.Duration)
		}
		if err := store.RecordRun(saveCtx, runRecord(r)); err != nil {
			logger.Warn("failed to record run", slog.Int("profile", r.Profile), slog.String("error", err.Error()))
		}
	}
	report.Durations = durations.Summary()
	logger.Info("run finished",
		slog.Int("completed", report.Completed),
		slog.Int("failed", report.Failed),
		slog.Int("timeout", report.Timeout),
		slog.Int("skipped", report.Skipped),
		slog.Duration("elapsed", report.Elapsed))

	notify.NewTelegram(notify.Config{
		Token:  cfg.TelegramToken,
		ChatID: cfg.TelegramChatID,
		Logger: logger,
	}).SendReport(saveCtx, report)

	return nil
}

// rpcHealth reports the Linea endpoint as ready when it answers eth_chainId.
type rpcHealth struct {
	client rpc.Client
}

func (h rpcHealth) CheckRPC(ctx context.Context) error {
	_, err := h.client.ChainID(ctx)
	return err
}
