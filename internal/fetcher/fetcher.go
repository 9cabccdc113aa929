// Package fetcher answers block-pinned balance questions for the reconciler:
// the L1 escrow balance before a deposit, and the current L2 total supply.
package fetcher

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/devblac/escrow-watch/internal/cache"
	"github.com/devblac/escrow-watch/internal/metrics"
	ethereum "github.com/ethereum/go-ethereum"
)

// DefaultTimeout bounds a single RPC query when Options.Timeout is zero.
const DefaultTimeout = 10 * time.Second

const (
	kindL1Balance = "l1_balance"
	kindL2Supply  = "l2_supply"
	kindL2Block   = "l2_block"
)

// ContractCaller is the subset of ethclient used by the fetchers.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Options configure a fetcher instance.
type Options struct {
	Timeout time.Duration
	Cache   cache.Options
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o.Logger
}

// previousBlock returns the block whose post-state precedes block.
func previousBlock(block uint64) uint64 {
	if block == 0 {
		return 0
	}
	return block - 1
}

func copyAmount(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
