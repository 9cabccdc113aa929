package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/devblac/escrow-watch/internal/config"
	"github.com/devblac/escrow-watch/internal/source/evm"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

const defaultHTTPTimeout = 8 * time.Second

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config, ping RPC endpoints, and check contracts exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		ctx := cmd.Context()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Fprintf(out, "config OK (version %d, %d networks)\n", cfg.Version, len(cfg.Networks))

		client := &http.Client{Timeout: defaultHTTPTimeout}
		failures := 0

		endpoints := []endpoint{{name: "l1", url: cfg.L1.RPCURL, contracts: map[string]string{
			cfg.Token.Symbol + " (l1)": cfg.Token.L1Address,
		}}}
		for _, n := range cfg.Networks {
			endpoints[0].contracts[n.Name+" escrow"] = n.Escrow
			endpoints = append(endpoints, endpoint{name: n.Name, url: n.RPCURL, contracts: map[string]string{
				cfg.Token.Symbol + " (l2)": cfg.Token.L2Address,
			}})
		}

		for _, ep := range endpoints {
			chainID, err := pingEVM(ctx, client, ep.url)
			if err != nil {
				failures++
				fmt.Fprintf(out, "- rpc %s: ERROR %v\n", ep.name, err)
				continue
			}
			fmt.Fprintf(out, "- rpc %s: chainId %s OK\n", ep.name, chainID)

			for label, addr := range ep.contracts {
				if err := checkCode(ctx, ep.url, common.HexToAddress(addr)); err != nil {
					failures++
					fmt.Fprintf(out, "  - %s %s: ERROR %v\n", label, addr, err)
					continue
				}
				fmt.Fprintf(out, "  - %s %s: code OK\n", label, addr)
			}
		}

		if failures > 0 {
			return fmt.Errorf("validate: %d check(s) failed", failures)
		}

		fmt.Fprintln(out, "validate: success")
		return nil
	},
}

type endpoint struct {
	name      string
	url       string
	contracts map[string]string
}

// checkCode fails when no contract is deployed at addr.
func checkCode(ctx context.Context, url string, addr common.Address) error {
	cli, err := evm.NewRPCClient(url, 0, 0)
	if err != nil {
		return err
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(ctx, defaultHTTPTimeout)
	defer cancel()
	code, err := cli.CodeAt(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("get code: %w", err)
	}
	if len(code) == 0 {
		return errors.New("no contract code")
	}
	return nil
}

func pingEVM(ctx context.Context, client *http.Client, url string) (string, error) {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_chainId",
		"params":  []any{},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call eth_chainId: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("rpc status %d", resp.StatusCode)
	}

	var rpcResp struct {
		Result string `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return "", fmt.Errorf("decode rpc response: %w", err)
	}

	if rpcResp.Error != nil {
		return "", fmt.Errorf("rpc error: %s", rpcResp.Error.Message)
	}
	if rpcResp.Result == "" {
		return "", fmt.Errorf("empty chainId result")
	}

	return rpcResp.Result, nil
}
