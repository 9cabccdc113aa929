package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/devblac/escrow-watch/internal/alert"
	"github.com/devblac/escrow-watch/internal/bridge"
	"github.com/devblac/escrow-watch/internal/cache"
	"github.com/devblac/escrow-watch/internal/config"
	"github.com/devblac/escrow-watch/internal/engine"
	"github.com/devblac/escrow-watch/internal/fetcher"
	"github.com/devblac/escrow-watch/internal/health"
	"github.com/devblac/escrow-watch/internal/metrics"
	"github.com/devblac/escrow-watch/internal/sink"
	"github.com/devblac/escrow-watch/internal/source/evm"
	"github.com/ethereum/go-ethereum/common"
)

// app holds the dialed clients and the reconciler built from a config.
type app struct {
	cfg        *config.Config
	token      *bridge.Token
	l1         *evm.RPCClient
	l2         map[string]*evm.RPCClient
	reconciler *engine.Reconciler
}

func buildApp(cfg *config.Config, log *slog.Logger, mtr *metrics.Metrics) (*app, error) {
	token, err := bridge.NewToken(cfg.Token.Symbol, cfg.Token.L1Address, cfg.Token.L2Address, cfg.Token.ABIPath)
	if err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}

	l1, err := evm.NewRPCClient(cfg.L1.RPCURL, cfg.L1.RPS, cfg.L1.Burst)
	if err != nil {
		return nil, fmt.Errorf("l1: %w", err)
	}
	a := &app{cfg: cfg, token: token, l1: l1, l2: map[string]*evm.RPCClient{}}

	opts := fetcher.Options{
		Timeout: cfg.Global.FetchTimeout.Duration,
		Cache: cache.Options{
			Capacity:    cfg.Global.CacheSize,
			RetryFailed: cfg.Global.RetryFailed,
		},
		Logger:  log,
		Metrics: mtr,
	}

	targets := make([]engine.Target, 0, len(cfg.Networks))
	for _, n := range cfg.Networks {
		network := bridge.Network{Name: n.Name, Escrow: common.HexToAddress(n.Escrow)}

		l2, err := evm.NewRPCClient(n.RPCURL, n.RPS, n.Burst)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("network %s: %w", n.Name, err)
		}
		a.l2[n.Name] = l2

		escrow, err := fetcher.NewEscrowBalanceFetcher(l1, token, network, opts)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("network %s: %w", n.Name, err)
		}
		supply, err := fetcher.NewSupplyFetcher(l2, token, n.Name, opts)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("network %s: %w", n.Name, err)
		}
		targets = append(targets, engine.Target{Network: network, Escrow: escrow, Supply: supply})
	}

	a.reconciler, err = engine.NewReconciler(token, targets, engine.ReconcilerOptions{
		Protocol: cfg.Global.Protocol,
		Workers:  cfg.Global.Workers,
		Logger:   log,
		Metrics:  mtr,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// headClients lists every endpoint for health checks, L1 first.
func (a *app) headClients() map[string]health.HeadClient {
	out := map[string]health.HeadClient{"l1": a.l1}
	for name, c := range a.l2 {
		out[name] = c
	}
	return out
}

func (a *app) Close() {
	if a.l1 != nil {
		a.l1.Close()
	}
	for _, c := range a.l2 {
		c.Close()
	}
}

func buildSinks(cfg *config.Config) (map[string]sink.Sender, error) {
	sinks := map[string]sink.Sender{}
	for _, s := range cfg.Sinks {
		var (
			sender sink.Sender
			err    error
		)
		switch strings.ToLower(s.Type) {
		case "slack":
			sender, err = sink.NewSlackSender(s.WebhookURL, s.Template)
		case "teams":
			sender, err = sink.NewTeamsSender(s.WebhookURL, s.Template)
		case "webhook":
			sender, err = sink.NewWebhookSender(s.URL, s.Method, s.Template, map[string]string{
				"Content-Type": "application/json",
			})
		case "stdout":
			sender = sink.NewStreamSender(os.Stdout)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("sink %s: %w", s.ID, err)
		}

		severities := make([]alert.Severity, 0, len(s.Severities))
		for _, raw := range s.Severities {
			sev, err := alert.ParseSeverity(raw)
			if err != nil {
				return nil, fmt.Errorf("sink %s: %w", s.ID, err)
			}
			severities = append(severities, sev)
		}
		sinks[s.ID] = sink.WithSeverities(sender, severities)
	}
	return sinks, nil
}
