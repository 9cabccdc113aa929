package main

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/devblac/escrow-watch/internal/config"
	"github.com/devblac/escrow-watch/internal/source/evm"
	"github.com/devblac/escrow-watch/internal/storage"
	"github.com/spf13/cobra"
)

var flagStateAlerts int

func init() {
	stateCmd.Flags().IntVar(&flagStateAlerts, "alerts", 10, "Number of most recent alerts to show")
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show cursors, processing lag, and recent alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
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

		cursors, err := store.ListCursors(ctx)
		if err != nil {
			return err
		}
		head, headErr := l1Head(ctx, cfg)

		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SOURCE\tHEIGHT\tLAG\tUPDATED")
		for _, c := range cursors {
			lag := "?"
			if headErr == nil && head >= c.Height {
				lag = fmt.Sprintf("%d", head-c.Height)
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", c.SourceID, c.Height, lag, c.UpdatedAt.Format(time.RFC3339))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		if len(cursors) == 0 {
			fmt.Fprintln(out, "no cursors yet")
		}
		if headErr != nil {
			fmt.Fprintf(out, "l1 head unavailable: %v\n", headErr)
		}

		counts, err := store.CountAlerts(ctx)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(counts))
		for id := range counts {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		fmt.Fprintln(out)
		for _, id := range ids {
			fmt.Fprintf(out, "%-24s %d\n", id, counts[id])
		}

		alerts, err := store.ListAlerts(ctx, storage.AlertFilter{})
		if err != nil {
			return err
		}
		if n := len(alerts); flagStateAlerts > 0 && n > flagStateAlerts {
			alerts = alerts[n-flagStateAlerts:]
		}
		if len(alerts) > 0 {
			fmt.Fprintln(out)
			tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "BLOCK\tALERT\tSEVERITY\tTX")
			for _, a := range alerts {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", a.Block, a.AlertID, a.Severity, a.TxHash)
			}
			return tw.Flush()
		}
		return nil
	},
}

func l1Head(ctx context.Context, cfg *config.Config) (uint64, error) {
	cli, err := evm.NewRPCClient(cfg.L1.RPCURL, cfg.L1.RPS, cfg.L1.Burst)
	if err != nil {
		return 0, err
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(ctx, defaultHTTPTimeout)
	defer cancel()
	return cli.BlockNumber(ctx)
}
