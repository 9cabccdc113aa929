package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"github.com/devblac/escrow-watch/internal/alert"
	"github.com/devblac/escrow-watch/internal/bridge"
	"github.com/devblac/escrow-watch/internal/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkers bounds concurrent transfer evaluations within a batch.
const DefaultWorkers = 4

// Batch is the set of logs emitted by one L1 transaction.
type Batch struct {
	BlockNumber uint64
	BlockHash   common.Hash
	TxHash      common.Hash
	Logs        []types.Log
}

// EscrowFetcher returns an escrow balance as of the block before the given one.
type EscrowFetcher interface {
	FetchEscrowBalance(ctx context.Context, block uint64) (*big.Int, bool)
}

// SupplyFetcher returns the current L2 total supply.
type SupplyFetcher interface {
	FetchTotalSupply(ctx context.Context) (*big.Int, bool)
}

// Finding is an alert tied to the log that triggered it.
type Finding struct {
	Alert    alert.Alert
	Network  string
	Block    uint64
	TxHash   common.Hash
	LogIndex uint
}

// Target binds a monitored network to its L1 and L2 fetchers.
type Target struct {
	Network bridge.Network
	Escrow  EscrowFetcher
	Supply  SupplyFetcher
}

// Verdict is the outcome of one invariant evaluation. Known is false when
// either side could not be fetched; Violated is then always false.
type Verdict struct {
	Network   bridge.Network
	Block     uint64
	L1Balance *big.Int
	L2Supply  *big.Int
	Known     bool
	Violated  bool
}

// ReconcilerOptions tune a Reconciler.
type ReconcilerOptions struct {
	Protocol string
	Workers  int
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Reconciler turns escrow deposits into transfer and supply-violation alerts.
type Reconciler struct {
	token    *bridge.Token
	resolver *bridge.Resolver
	targets  map[string]Target
	builder  alert.Builder
	workers  int
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewReconciler validates targets and builds the escrow resolver from them.
func NewReconciler(token *bridge.Token, targets []Target, opts ReconcilerOptions) (*Reconciler, error) {
	if token == nil {
		return nil, errors.New("token is required")
	}
	if len(targets) == 0 {
		return nil, errors.New("at least one target is required")
	}

	byName := make(map[string]Target, len(targets))
	escrows := make(map[common.Address]string, len(targets))
	networks := make([]bridge.Network, 0, len(targets))
	for _, t := range targets {
		if t.Network.Name == "" {
			return nil, errors.New("target network name is required")
		}
		if t.Escrow == nil || t.Supply == nil {
			return nil, fmt.Errorf("target %s: escrow and supply fetchers are required", t.Network.Name)
		}
		if _, dup := byName[t.Network.Name]; dup {
			return nil, fmt.Errorf("duplicate target %s", t.Network.Name)
		}
		if other, dup := escrows[t.Network.Escrow]; dup {
			return nil, fmt.Errorf("target %s: escrow already used by %s", t.Network.Name, other)
		}
		byName[t.Network.Name] = t
		escrows[t.Network.Escrow] = t.Network.Name
		networks = append(networks, t.Network)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Reconciler{
		token:    token,
		resolver: bridge.NewResolver(networks...),
		targets:  byName,
		builder:  alert.Builder{Token: token, Protocol: opts.Protocol},
		workers:  workers,
		logger:   logger.With("component", "reconciler"),
		metrics:  opts.Metrics,
	}, nil
}

// Resolver exposes the escrow resolver, e.g. for log filtering upstream.
func (r *Reconciler) Resolver() *bridge.Resolver {
	return r.resolver
}

// HandleBatch evaluates every escrow-bound Transfer in the batch and returns
// the alerts in log order. Transfers are evaluated concurrently; failures of
// one transfer never affect the others.
func (r *Reconciler) HandleBatch(ctx context.Context, batch Batch) []alert.Alert {
	findings := r.Evaluate(ctx, batch)
	if len(findings) == 0 {
		return nil
	}
	out := make([]alert.Alert, 0, len(findings))
	for _, f := range findings {
		out = append(out, f.Alert)
	}
	return out
}

// Evaluate is HandleBatch with each alert's triggering log attached.
func (r *Reconciler) Evaluate(ctx context.Context, batch Batch) []Finding {
	candidates := make([]types.Log, 0, len(batch.Logs))
	for _, lg := range batch.Logs {
		if r.token.IsTransferLog(lg) {
			candidates = append(candidates, lg)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	results := make([][]Finding, len(candidates))
	var g errgroup.Group
	g.SetLimit(r.workers)
	for i, lg := range candidates {
		i, lg := i, lg
		g.Go(func() error {
			results[i] = r.handleLog(ctx, batch, lg)
			return nil
		})
	}
	_ = g.Wait()

	var out []Finding
	for _, res := range results {
		out = append(out, res...)
	}
	return out
}

func (r *Reconciler) handleLog(ctx context.Context, batch Batch, lg types.Log) []Finding {
	tr, err := r.token.DecodeTransfer(lg)
	if err != nil {
		r.logger.Warn("skipping transfer log", "tx", lg.TxHash.Hex(), "log_index", lg.Index, "error", err)
		return nil
	}

	target, ok := r.targetFor(tr.To)
	if !ok {
		r.logger.Debug("transfer to unmonitored address", "to", tr.To.Hex(), "tx", tr.TxHash.Hex())
		return nil
	}

	block := batch.BlockNumber
	if block == 0 {
		block = tr.BlockNumber
	}
	txHash := tr.TxHash
	if txHash == (common.Hash{}) {
		txHash = batch.TxHash
	}
	finding := func(a alert.Alert) Finding {
		return Finding{Alert: a, Network: target.Network.Name, Block: block, TxHash: txHash, LogIndex: tr.LogIndex}
	}

	r.metrics.TransferObserved(target.Network.Name)
	out := []Finding{finding(r.builder.Transfer(target.Network, tr))}

	v := r.evaluate(ctx, target, block)
	if !v.Known {
		r.metrics.Unchecked(target.Network.Name)
		r.logger.Warn("invariant check skipped: balance unknown",
			"network", target.Network.Name,
			"block", block,
			"l1_known", v.L1Balance != nil,
			"l2_known", v.L2Supply != nil)
		return out
	}
	if v.Violated {
		r.metrics.Violation(target.Network.Name)
		r.logger.Error("l2 supply exceeds escrow balance",
			"network", target.Network.Name,
			"block", block,
			"l1_balance", v.L1Balance.String(),
			"l2_supply", v.L2Supply.String())
		out = append(out, finding(r.builder.SupplyViolation(target.Network, v.L1Balance, v.L2Supply)))
	}
	return out
}

func (r *Reconciler) targetFor(to common.Address) (Target, bool) {
	n, ok := r.resolver.Resolve(to)
	if !ok {
		return Target{}, false
	}
	t, ok := r.targets[n.Name]
	return t, ok
}

// Check evaluates the invariant for a named network at an L1 block.
func (r *Reconciler) Check(ctx context.Context, network string, block uint64) (Verdict, error) {
	t, ok := r.targets[network]
	if !ok {
		return Verdict{}, fmt.Errorf("unknown network %s", network)
	}
	return r.evaluate(ctx, t, block), nil
}

// evaluate fetches both sides concurrently and applies l1Balance >= l2Supply.
func (r *Reconciler) evaluate(ctx context.Context, t Target, block uint64) Verdict {
	var (
		l1, l2     *big.Int
		l1OK, l2OK bool
	)
	var g errgroup.Group
	g.Go(func() error {
		l1, l1OK = t.Escrow.FetchEscrowBalance(ctx, block)
		return nil
	})
	g.Go(func() error {
		l2, l2OK = t.Supply.FetchTotalSupply(ctx)
		return nil
	})
	_ = g.Wait()

	v := Verdict{Network: t.Network, Block: block}
	if l1OK {
		v.L1Balance = l1
	}
	if l2OK {
		v.L2Supply = l2
	}
	v.Known = l1OK && l2OK && l1 != nil && l2 != nil
	v.Violated = v.Known && l1.Cmp(l2) < 0
	return v
}
