package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/devblac/escrow-watch/internal/config"
	"github.com/devblac/escrow-watch/internal/storage"
	"github.com/spf13/cobra"
)

var (
	flagExportFormat  string
	flagExportNetwork string
	flagExportFrom    uint64
	flagExportTo      uint64
	flagExportOut     string
)

func init() {
	exportCmd.Flags().StringVar(&flagExportFormat, "format", "json", "Output format: json or csv")
	exportCmd.Flags().StringVar(&flagExportNetwork, "network", "", "Only alerts for this network")
	exportCmd.Flags().Uint64Var(&flagExportFrom, "from", 0, "First L1 block (inclusive)")
	exportCmd.Flags().Uint64Var(&flagExportTo, "to", 0, "Last L1 block (inclusive)")
	exportCmd.Flags().StringVarP(&flagExportOut, "out", "o", "", "Write to file instead of stdout")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored alerts as json or csv",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		store, err := storage.Open(cfg.Global.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		alerts, err := store.ListAlerts(cmd.Context(), storage.AlertFilter{
			Network:   flagExportNetwork,
			FromBlock: flagExportFrom,
			ToBlock:   flagExportTo,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if flagExportOut != "" {
			f, err := os.Create(flagExportOut)
			if err != nil {
				return fmt.Errorf("create output: %w", err)
			}
			defer f.Close()
			out = f
		}

		switch strings.ToLower(flagExportFormat) {
		case "json":
			return writeAlertsJSON(out, alerts)
		case "csv":
			return writeAlertsCSV(out, alerts)
		default:
			return fmt.Errorf("unsupported format %q", flagExportFormat)
		}
	},
}

type exportedAlert struct {
	Fingerprint string          `json:"fingerprint"`
	AlertID     string          `json:"alert_id"`
	Network     string          `json:"network"`
	Severity    string          `json:"severity"`
	Block       uint64          `json:"block"`
	TxHash      string          `json:"tx_hash"`
	CreatedAt   time.Time       `json:"created_at"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

func writeAlertsJSON(w io.Writer, alerts []storage.Alert) error {
	rows := make([]exportedAlert, 0, len(alerts))
	for _, a := range alerts {
		row := exportedAlert{
			Fingerprint: a.Fingerprint,
			AlertID:     a.AlertID,
			Network:     a.Network,
			Severity:    a.Severity,
			Block:       a.Block,
			TxHash:      a.TxHash,
			CreatedAt:   a.CreatedAt,
		}
		if json.Valid([]byte(a.PayloadJSON)) {
			row.Payload = json.RawMessage(a.PayloadJSON)
		}
		rows = append(rows, row)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

func writeAlertsCSV(w io.Writer, alerts []storage.Alert) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"fingerprint", "alert_id", "network", "severity", "block", "tx_hash", "created_at"}); err != nil {
		return err
	}
	for _, a := range alerts {
		if err := cw.Write([]string{
			a.Fingerprint,
			a.AlertID,
			a.Network,
			a.Severity,
			strconv.FormatUint(a.Block, 10),
			a.TxHash,
			a.CreatedAt.UTC().Format(time.RFC3339),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
