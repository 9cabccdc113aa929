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

// SupplyFetcher reads the L2 token total supply on one network.
type SupplyFetcher struct {
	client  ContractCaller
	token   *bridge.Token
	network string
	cache   *cache.Cache[*big.Int]
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewSupplyFetcher builds a fetcher bound to one L2 endpoint.
func NewSupplyFetcher(client ContractCaller, token *bridge.Token, network string, opts Options) (*SupplyFetcher, error) {
	f := &SupplyFetcher{
		client:  client,
		token:   token,
		network: network,
		timeout: opts.timeout(),
		logger:  opts.logger().With("component", "supply_fetcher", "network", network),
		metrics: opts.Metrics,
	}
	cacheOpts := opts.Cache
	cacheOpts.OnFetchError = func(block uint64, err error) {
		f.metrics.FetchFailed(kindL2Supply, network)
		f.logger.Warn("total supply query failed", "l2_block", block, "error", err)
	}
	c, err := cache.New[*big.Int](cacheOpts)
	if err != nil {
		return nil, fmt.Errorf("supply cache %s: %w", network, err)
	}
	f.cache = c
	return f, nil
}

// FetchTotalSupply returns the total supply one block behind the L2 head. The
// head number is the cache key, so calls within one L2 block share a query.
func (f *SupplyFetcher) FetchTotalSupply(ctx context.Context) (*big.Int, bool) {
	latest, err := f.latestBlock(ctx)
	if err != nil {
		f.metrics.FetchFailed(kindL2Block, f.network)
		f.logger.Warn("latest block query failed", "error", err)
		return nil, false
	}

	res, hit := f.cache.Lookup(ctx, latest, func(ctx context.Context) (*big.Int, error) {
		return f.query(ctx, previousBlock(latest))
	})
	f.metrics.CacheLookup(kindL2Supply, f.network, hit)
	if !res.OK {
		return nil, false
	}
	return copyAmount(res.Value), true
}

func (f *SupplyFetcher) latestBlock(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	n, err := f.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}
	return n, nil
}

func (f *SupplyFetcher) query(ctx context.Context, at uint64) (*big.Int, error) {
	data, err := f.token.PackTotalSupply()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	to := f.token.L2Address
	out, err := f.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, new(big.Int).SetUint64(at))
	if err != nil {
		return nil, fmt.Errorf("call totalSupply at %d: %w", at, err)
	}
	return f.token.UnpackAmount(bridge.MethodTotalSupply, out)
}
