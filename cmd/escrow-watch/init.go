package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var flagInitForce bool

func init() {
	initCmd.Flags().BoolVar(&flagInitForce, "force", false, "Overwrite existing files")
}

const sampleConfig = `version: 1
global:
  db_path: escrow-watch.db
  confirmations: 2
  workers: 4
  fetch_timeout: 10s
  cache_size: 10000
  retry_failed: false
  protocol: MakerDao
  dedupe_ttl: 1h
  poll_interval: 5s
l1:
  rpc_url: ${ETH_RPC}
  start_block: latest-10
  rps: 10
  burst: 5
token:
  symbol: DAI
  l1_address: "0x6B175474E89094C44Da98b954EedeAC495271d0F"
  l2_address: "0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1"
networks:
  - name: ARBITRUM
    escrow: "0xA10c7CE4b876998858b1a9E12b10092229539400"
    rpc_url: ${ARB_RPC}
  - name: OPTIMISM
    escrow: "0x467194771dAe2967Aef3ECbEDD3Bf9a310C76C65"
    rpc_url: ${OPT_RPC}
sinks:
  - id: console
    type: stdout
  - id: ops
    type: slack
    webhook_url: ${SLACK_WEBHOOK_URL}
    # informational | critical
    severities: [critical]
    template: "{{.Alert.Name}} at block {{.Block}}: {{pretty_json .Alert.Metadata}}"
`

const sampleEnv = `ETH_RPC=https://eth.example/rpc
ARB_RPC=https://arb.example/rpc
OPT_RPC=https://opt.example/rpc
SLACK_WEBHOOK_URL=https://hooks.slack.com/services/CHANGE/ME
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample config and .env",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		dir := filepath.Dir(cfgPath)
		files := []struct {
			path string
			body string
			mode os.FileMode
		}{
			{cfgPath, sampleConfig, 0o644},
			{filepath.Join(dir, ".env"), sampleEnv, 0o600},
		}

		for _, f := range files {
			if !flagInitForce {
				if _, err := os.Stat(f.path); err == nil {
					fmt.Fprintf(out, "skip %s (exists, use --force)\n", f.path)
					continue
				} else if !errors.Is(err, fs.ErrNotExist) {
					return fmt.Errorf("stat %s: %w", f.path, err)
				}
			}
			if err := os.WriteFile(f.path, []byte(f.body), f.mode); err != nil {
				return fmt.Errorf("write %s: %w", f.path, err)
			}
			fmt.Fprintf(out, "wrote %s\n", f.path)
		}
		return nil
	},
}
