package health

import (
	"context"
	"fmt"
	"sort"
)

// HeadClient is any endpoint that can report its latest block.
type HeadClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// RPCChecker combines head checks over the L1 and every L2 endpoint.
type RPCChecker struct {
	clients map[string]HeadClient
}

// NewRPCChecker creates a checker for the named endpoints.
func NewRPCChecker(clients map[string]HeadClient) *RPCChecker {
	return &RPCChecker{clients: clients}
}

// Ping checks all configured RPC endpoints and returns the first failure in
// name order.
func (c *RPCChecker) Ping(ctx context.Context) error {
	names := make([]string, 0, len(c.clients))
	for name := range c.clients {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if _, err := c.clients[name].BlockNumber(ctx); err != nil {
			return fmt.Errorf("rpc %s: %w", name, err)
		}
	}
	return nil
}
