package main

import (
	"fmt"
	"math/big"

	"github.com/devblac/escrow-watch/internal/config"
	"github.com/devblac/escrow-watch/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagCheckNetwork string
	flagCheckBlock   uint64
)

func init() {
	checkCmd.Flags().StringVar(&flagCheckNetwork, "network", "", "Network name as configured (e.g., OPTIMISM)")
	checkCmd.Flags().Uint64Var(&flagCheckBlock, "block", 0, "L1 block; the escrow balance is read at block-1 (default: L1 head)")
	_ = checkCmd.MarkFlagRequired("network")
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Reconcile one network's escrow balance against its L2 supply",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		ctx := cmd.Context()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		a, err := buildApp(cfg, logging.New(), nil)
		if err != nil {
			return err
		}
		defer a.Close()

		block := flagCheckBlock
		if block == 0 {
			if block, err = a.l1.BlockNumber(ctx); err != nil {
				return fmt.Errorf("l1 head: %w", err)
			}
		}

		v, err := a.reconciler.Check(ctx, flagCheckNetwork, block)
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "network:          %s\n", v.Network.Name)
		fmt.Fprintf(out, "escrow:           %s\n", v.Network.Escrow.Hex())
		fmt.Fprintf(out, "l1 block:         %d\n", v.Block)
		fmt.Fprintf(out, "l1 balance:       %s\n", amountOrUnknown(v.L1Balance))
		fmt.Fprintf(out, "l2 total supply:  %s\n", amountOrUnknown(v.L2Supply))
		switch {
		case !v.Known:
			fmt.Fprintln(out, "verdict:          UNKNOWN")
		case v.Violated:
			fmt.Fprintln(out, "verdict:          VIOLATED (l2 supply exceeds escrow balance)")
			return fmt.Errorf("check: %s supply exceeds escrow balance", v.Network.Name)
		default:
			fmt.Fprintln(out, "verdict:          OK")
		}
		return nil
	},
}

func amountOrUnknown(v *big.Int) string {
	if v == nil {
		return "unknown"
	}
	return v.String()
}
