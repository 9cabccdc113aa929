package bridge

import (
	"github.com/ethereum/go-ethereum/common"
)

// Network identifies one monitored L2 by name and the L1 escrow that backs it.
type Network struct {
	Name   string
	Escrow common.Address
}

// Resolver maps transfer destinations to the network whose escrow they hit.
type Resolver struct {
	byEscrow map[common.Address]Network
	networks []Network
}

// NewResolver indexes networks by escrow address. Later duplicates are ignored.
func NewResolver(networks ...Network) *Resolver {
	r := &Resolver{byEscrow: make(map[common.Address]Network, len(networks))}
	for _, n := range networks {
		if _, exists := r.byEscrow[n.Escrow]; exists {
			continue
		}
		r.byEscrow[n.Escrow] = n
		r.networks = append(r.networks, n)
	}
	return r
}

// Resolve returns the network for a destination address; ok is false when the
// address is not a monitored escrow.
func (r *Resolver) Resolve(to common.Address) (Network, bool) {
	n, ok := r.byEscrow[to]
	return n, ok
}

// Networks returns the configured networks in registration order.
func (r *Resolver) Networks() []Network {
	out := make([]Network, len(r.networks))
	copy(out, r.networks)
	return out
}

// Escrows lists every monitored escrow address.
func (r *Resolver) Escrows() []common.Address {
	out := make([]common.Address, 0, len(r.networks))
	for _, n := range r.networks {
		out = append(out, n.Escrow)
	}
	return out
}
