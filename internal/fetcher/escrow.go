package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/devblac/escrow-watch/internal/bridge"
	"github.com/devblac/escrow-watch/internal/cache"
	"github.com/devblac/escrow-watch/internal/metrics"
	ethereum "github.com/ethereum/go-ethereum"
)

// EscrowBalanceFetcher reads the L1 token balance of one escrow.
type EscrowBalanceFetcher struct {
	client  ContractCaller
	token   *bridge.Token
	network bridge.Network
	cache   *cache.Cache[*big.Int]
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewEscrowBalanceFetcher builds a fetcher owning its own block cache.
func NewEscrowBalanceFetcher(client ContractCaller, token *bridge.Token, network bridge.Network, opts Options) (*EscrowBalanceFetcher, error) {
	f := &EscrowBalanceFetcher{
		client:  client,
		token:   token,
		network: network,
		timeout: opts.timeout(),
		logger:  opts.logger().With("component", "escrow_fetcher", "network", network.Name),
		metrics: opts.Metrics,
	}
	cacheOpts := opts.Cache
	cacheOpts.OnFetchError = func(block uint64, err error) {
		f.metrics.FetchFailed(kindL1Balance, network.Name)
		f.logger.Warn("escrow balance query failed", "block", block, "escrow", network.Escrow.Hex(), "error", err)
	}
	c, err := cache.New[*big.Int](cacheOpts)
	if err != nil {
		return nil, fmt.Errorf("escrow cache %s: %w", network.Name, err)
	}
	f.cache = c
	return f, nil
}

// Network returns the network this fetcher serves.
func (f *EscrowBalanceFetcher) Network() bridge.Network {
	return f.network
}

// FetchEscrowBalance returns the escrow balance as it stood before block,
// i.e. queried at block-1 and cached under block. ok is false when the balance
// is unknown because the query failed now or on an earlier cached attempt.
func (f *EscrowBalanceFetcher) FetchEscrowBalance(ctx context.Context, block uint64) (*big.Int, bool) {
	res, hit := f.cache.Lookup(ctx, block, func(ctx context.Context) (*big.Int, error) {
		return f.query(ctx, previousBlock(block))
	})
	f.metrics.CacheLookup(kindL1Balance, f.network.Name, hit)
	if !res.OK {
		return nil, false
	}
	return copyAmount(res.Value), true
}

func (f *EscrowBalanceFetcher) query(ctx context.Context, at uint64) (*big.Int, error) {
	data, err := f.token.PackBalanceOf(f.network.Escrow)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	to := f.token.L1Address
	out, err := f.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, new(big.Int).SetUint64(at))
	if err != nil {
		return nil, fmt.Errorf("call balanceOf at %d: %w", at, err)
	}
	return f.token.UnpackAmount(bridge.MethodBalanceOf, out)
}
