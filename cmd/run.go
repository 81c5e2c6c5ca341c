package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mirageops/mirage/internal/bus"
	"github.com/mirageops/mirage/internal/classify"
	"github.com/mirageops/mirage/internal/config"
	"github.com/mirageops/mirage/internal/fetcher"
	"github.com/mirageops/mirage/internal/merge"
	"github.com/mirageops/mirage/internal/metrics"
	"github.com/mirageops/mirage/internal/notify"
	"github.com/mirageops/mirage/internal/observability"
	"github.com/mirageops/mirage/internal/registry"
	"github.com/mirageops/mirage/internal/store"
	"github.com/mirageops/mirage/internal/syncer"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the reconciliation daemon",
	Long: `Run starts the sync loops: every interval each registered node is
probed, its replicated state pulled, merged into the canonical attacker
records, and classified into attack events. A slower loop keeps the node
inventory fresh.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewConfigFromViper(viper.GetViper())
		if err != nil {
			return err
		}
		return runDaemon(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(parent context.Context, cfg *config.Config) error {
	logger := observability.GetLogger()
	defer observability.Sync()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to create database pool: %w", err)
	}
	defer pool.Close()

	st, err := store.New(ctx, pool, logger)
	if err != nil {
		return err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		return err
	}

	notifyBus := bus.New(logger, cfg.Bus.BufferSize)
	defer notifyBus.Close()

	bridge, err := notify.NewBridge(cfg.NATS, notifyBus, logger)
	if err != nil {
		return err
	}
	if bridge != nil {
		defer bridge.Close()
		logger.Info("NATS notification bridge enabled", zap.String("url", cfg.NATS.URL))
	}

	var m *metrics.Metrics
	if cfg.Metrics.Addr != "" {
		promReg := prometheus.NewRegistry()
		m = metrics.New(promReg)
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("Metrics listener starting", zap.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics listener failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	reg, err := registry.New(cfg.Nodes, logger)
	if err != nil {
		return err
	}
	defer reg.Close()

	fetch := fetcher.New(fetcher.NewExecRunner(cfg.Nodes.Dir), cfg.Fetch, logger)
	merger := merge.New(st, logger)
	classifier := classify.New(st, notifyBus, logger, cfg.Sync.DedupWindow, cfg.Sync.DedupCacheSize)

	s := syncer.New(cfg.Sync, reg, fetch, merger, classifier, st, notifyBus, m, logger)

	logger.Info("Reconciliation daemon running",
		zap.String("nodes_dir", cfg.Nodes.Dir),
		zap.Duration("sync_interval", cfg.Sync.Interval))

	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}
