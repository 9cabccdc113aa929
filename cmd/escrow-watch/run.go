package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/devblac/escrow-watch/internal/config"
	"github.com/devblac/escrow-watch/internal/engine"
	"github.com/devblac/escrow-watch/internal/health"
	"github.com/devblac/escrow-watch/internal/logging"
	"github.com/devblac/escrow-watch/internal/metrics"
	"github.com/devblac/escrow-watch/internal/source/evm"
	"github.com/devblac/escrow-watch/internal/storage"
	"github.com/spf13/cobra"
)

var (
	flagOnce    bool
	flagDryRun  bool
	flagFrom    uint64
	flagTo      uint64
	flagHealth  string
	flagMetrics string
)

func init() {
	runCmd.Flags().BoolVar(&flagOnce, "once", false, "Process one block and exit")
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Do not send to sinks")
	runCmd.Flags().Uint64Var(&flagFrom, "from", 0, "Start from L1 block override")
	runCmd.Flags().Uint64Var(&flagTo, "to", 0, "Stop at L1 block (inclusive)")
	runCmd.Flags().StringVar(&flagHealth, "health", "", "Health check HTTP address (e.g., :8080)")
	runCmd.Flags().StringVar(&flagMetrics, "metrics", "", "Metrics HTTP address (e.g., :9090)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Scan L1 deposits and reconcile escrow balances",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logging.New()
		ctx := cmd.Context()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		store, err := storage.Open(cfg.Global.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		var mtr *metrics.Metrics
		if flagMetrics != "" {
			mtr = metrics.Init()
		}

		a, err := buildApp(cfg, log, mtr)
		if err != nil {
			return err
		}
		defer a.Close()

		scanner, err := evm.NewScanner(a.l1, store, evm.ScanConfig{
			SourceID:      "l1:" + a.token.L1Address.Hex(),
			StartBlock:    cfg.L1.StartBlock,
			Confirmations: cfg.Global.Confirmations,
			Contract:      a.token.L1Address,
			Topic0:        a.token.TransferTopic(),
			Recipients:    a.reconciler.Resolver().Escrows(),
		})
		if err != nil {
			return err
		}

		sinks, err := buildSinks(cfg)
		if err != nil {
			return err
		}

		if flagHealth != "" {
			rpcChecker := health.NewRPCChecker(a.headClients())
			healthSrv := health.Serve(flagHealth, health.Checker{
				DBPing:  store.Ping,
				RPCPing: rpcChecker.Ping,
			})
			log.Info("health check enabled", "addr", flagHealth)
			defer shutdown(healthSrv)
		}

		if flagMetrics != "" {
			metricsSrv := health.Serve(flagMetrics, health.Checker{Metrics: metrics.Handler()})
			log.Info("metrics enabled", "addr", flagMetrics)
			defer shutdown(metricsSrv)
		}

		runner, err := engine.NewRunner(store, scanner, a.reconciler, sinks, engine.RunnerOptions{
			DryRun:    flagDryRun,
			DedupeTTL: cfg.Global.DedupeTTL.Duration,
			From:      flagFrom,
			To:        flagTo,
			Logger:    log,
			Metrics:   mtr,
		})
		if err != nil {
			return err
		}

		log.Info("escrow-watch started",
			"contract", a.token.L1Address.Hex(),
			"networks", len(cfg.Networks),
			"dry_run", flagDryRun)

		for {
			processed, err := runner.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				mtr.Errors()
				log.Error("run error", "error", err)
				return err
			}
			if flagOnce {
				break
			}
			done, err := runner.Done(ctx)
			if err != nil {
				return err
			}
			if done {
				log.Info("reached --to bound", "to", flagTo)
				break
			}
			if processed {
				continue
			}
			if _, err := store.PruneDedupe(ctx, time.Now()); err != nil {
				log.Warn("prune dedupe", "error", err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(cfg.Global.PollInterval.Duration):
			}
		}
		return nil
	},
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = health.Shutdown(ctx, srv)
}
