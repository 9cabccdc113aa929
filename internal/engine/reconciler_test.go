package engine

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devblac/escrow-watch/internal/alert"
	"github.com/devblac/escrow-watch/internal/bridge"
	"github.com/devblac/escrow-watch/internal/fetcher"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	arbitrum = bridge.Network{Name: "ARBITRUM", Escrow: common.HexToAddress("0xA10c7CE4b876998858b1a9E12b10092229539400")}
	optimism = bridge.Network{Name: "OPTIMISM", Escrow: common.HexToAddress("0x467194771dAe2967Aef3ECbEDD3Bf9a310C76C65")}
	sender   = common.HexToAddress("0x000000000000000000000000000000000001000a")
)

type stubEscrow struct {
	balance *big.Int
	delay   time.Duration
	calls   atomic.Int32
	mu      sync.Mutex
	blocks  []uint64
}

func (s *stubEscrow) FetchEscrowBalance(_ context.Context, block uint64) (*big.Int, bool) {
	s.calls.Add(1)
	s.mu.Lock()
	s.blocks = append(s.blocks, block)
	s.mu.Unlock()
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.balance == nil {
		return nil, false
	}
	return new(big.Int).Set(s.balance), true
}

type stubSupply struct {
	supply *big.Int
	calls  atomic.Int32
}

func (s *stubSupply) FetchTotalSupply(context.Context) (*big.Int, bool) {
	s.calls.Add(1)
	if s.supply == nil {
		return nil, false
	}
	return new(big.Int).Set(s.supply), true
}

func testToken(t *testing.T) *bridge.Token {
	t.Helper()
	tok, err := bridge.NewToken("DAI",
		"0x6B175474E89094C44Da98b954EedeAC495271d0F",
		"0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1", "")
	require.NoError(t, err)
	return tok
}

func addrTopic(addr common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))
}

func transferLog(tok *bridge.Token, to common.Address, value *big.Int, index uint) types.Log {
	return types.Log{
		Address:     tok.L1Address,
		Topics:      []common.Hash{tok.TransferTopic(), addrTopic(sender), addrTopic(to)},
		Data:        common.LeftPadBytes(value.Bytes(), 32),
		BlockNumber: 11291046,
		TxHash:      common.HexToHash("0xfeed"),
		Index:       index,
	}
}

func newReconciler(t *testing.T, tok *bridge.Token, targets ...Target) *Reconciler {
	t.Helper()
	r, err := NewReconciler(tok, targets, ReconcilerOptions{Protocol: "MakerDao"})
	require.NoError(t, err)
	return r
}

func TestHandleBatch_NoTransfers(t *testing.T) {
	tok := testToken(t)
	r := newReconciler(t, tok, Target{Network: optimism, Escrow: &stubEscrow{}, Supply: &stubSupply{}})

	assert.Empty(t, r.HandleBatch(context.Background(), Batch{BlockNumber: 10}))
}

func TestHandleBatch_UnmonitoredDestinationIsSkipped(t *testing.T) {
	tok := testToken(t)
	escrow := &stubEscrow{balance: big.NewInt(1000)}
	supply := &stubSupply{supply: big.NewInt(1000)}
	r := newReconciler(t, tok, Target{Network: optimism, Escrow: escrow, Supply: supply})

	other := common.HexToAddress("0x00000000000000000000000000000000000000ff")
	alerts := r.HandleBatch(context.Background(), Batch{
		BlockNumber: 11291046,
		Logs: []types.Log{
			transferLog(tok, other, big.NewInt(5), 0),
			transferLog(tok, optimism.Escrow, big.NewInt(1000), 1),
		},
	})

	// The unmonitored transfer produces nothing and does not stop the batch.
	require.Len(t, alerts, 1)
	assert.Equal(t, "OPTIMISM-TRANSFER-1", alerts[0].AlertID)
	assert.Equal(t, int32(1), escrow.calls.Load())
}

func TestHandleBatch_TransferValueIsExactDecimal(t *testing.T) {
	tok := testToken(t)
	r := newReconciler(t, tok, Target{
		Network: arbitrum,
		Escrow:  &stubEscrow{balance: big.NewInt(10)},
		Supply:  &stubSupply{supply: big.NewInt(1)},
	})
	value, _ := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)

	alerts := r.HandleBatch(context.Background(), Batch{
		BlockNumber: 11291046,
		Logs:        []types.Log{transferLog(tok, arbitrum.Escrow, value, 0)},
	})

	require.Len(t, alerts, 1)
	a := alerts[0]
	assert.Equal(t, "ARBITRUM-TRANSFER-1", a.AlertID)
	assert.Equal(t, alert.Severity("informational"), a.Severity)
	assert.Equal(t, alert.Type("info"), a.Type)
	assert.Equal(t, "MakerDao", a.Protocol)
	assert.Equal(t, value.String(), a.Metadata["value"])
	assert.Equal(t, "ARBITRUM", a.Metadata["escrow"])
	assert.Equal(t, sender.Hex(), a.Metadata["from"])
	assert.Equal(t, arbitrum.Escrow.Hex(), a.Metadata["to"])
}

func TestHandleBatch_Invariant(t *testing.T) {
	tests := []struct {
		name       string
		l1, l2     *big.Int
		wantAlerts []string
	}{
		{"violation", big.NewInt(100), big.NewInt(1000), []string{"OPTIMISM-TRANSFER-1", "OPTIMISM-BAL-1"}},
		{"equal_is_safe", big.NewInt(1000), big.NewInt(1000), []string{"OPTIMISM-TRANSFER-1"}},
		{"surplus", big.NewInt(1001), big.NewInt(1000), []string{"OPTIMISM-TRANSFER-1"}},
		{"l1_unknown", nil, big.NewInt(1000), []string{"OPTIMISM-TRANSFER-1"}},
		{"l2_unknown", big.NewInt(0), nil, []string{"OPTIMISM-TRANSFER-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := testToken(t)
			r := newReconciler(t, tok, Target{
				Network: optimism,
				Escrow:  &stubEscrow{balance: tt.l1},
				Supply:  &stubSupply{supply: tt.l2},
			})

			alerts := r.HandleBatch(context.Background(), Batch{
				BlockNumber: 11291046,
				Logs:        []types.Log{transferLog(tok, optimism.Escrow, big.NewInt(1000), 0)},
			})
			ids := make([]string, 0, len(alerts))
			for _, a := range alerts {
				ids = append(ids, a.AlertID)
			}
			assert.Equal(t, tt.wantAlerts, ids)
		})
	}
}

func TestHandleBatch_ViolationMetadata(t *testing.T) {
	tok := testToken(t)
	escrow := &stubEscrow{balance: big.NewInt(100)}
	r := newReconciler(t, tok, Target{Network: optimism, Escrow: escrow, Supply: &stubSupply{supply: big.NewInt(1000)}})

	alerts := r.HandleBatch(context.Background(), Batch{
		BlockNumber: 11291046,
		Logs:        []types.Log{transferLog(tok, optimism.Escrow, big.NewInt(1000), 0)},
	})
	require.Len(t, alerts, 2)

	v := alerts[1]
	assert.Equal(t, "DAI total supply exceeds balance", v.Name)
	assert.Equal(t, alert.Severity("critical"), v.Severity)
	assert.Equal(t, alert.Type("exploit"), v.Type)
	assert.Equal(t, map[string]string{
		"address":       optimism.Escrow.Hex(),
		"name":          "OPTIMISM",
		"l1Balance":     "100",
		"l2TotalSupply": "1000",
	}, v.Metadata)
	// The fetcher receives the trigger block; it applies the -1 itself.
	assert.Equal(t, []uint64{11291046}, escrow.blocks)
}

func TestHandleBatch_TwoNetworksInEventOrder(t *testing.T) {
	tok := testToken(t)
	arbEscrow := &stubEscrow{balance: big.NewInt(1), delay: 30 * time.Millisecond}
	optEscrow := &stubEscrow{balance: big.NewInt(2)}
	r := newReconciler(t, tok,
		Target{Network: optimism, Escrow: optEscrow, Supply: &stubSupply{supply: big.NewInt(500)}},
		Target{Network: arbitrum, Escrow: arbEscrow, Supply: &stubSupply{supply: big.NewInt(700)}},
	)

	alerts := r.HandleBatch(context.Background(), Batch{
		BlockNumber: 11291046,
		Logs: []types.Log{
			transferLog(tok, arbitrum.Escrow, big.NewInt(1000), 0),
			transferLog(tok, optimism.Escrow, big.NewInt(1000), 1),
		},
	})

	ids := make([]string, 0, len(alerts))
	for _, a := range alerts {
		ids = append(ids, a.AlertID)
	}
	assert.Equal(t, []string{"ARBITRUM-TRANSFER-1", "ARBITRUM-BAL-1", "OPTIMISM-TRANSFER-1", "OPTIMISM-BAL-1"}, ids)
}

func TestHandleBatch_FiltersForeignContractsAndMalformedLogs(t *testing.T) {
	tok := testToken(t)
	escrow := &stubEscrow{balance: big.NewInt(1000)}
	r := newReconciler(t, tok, Target{Network: optimism, Escrow: escrow, Supply: &stubSupply{supply: big.NewInt(1)}})

	foreign := transferLog(tok, optimism.Escrow, big.NewInt(1), 0)
	foreign.Address = tok.L2Address

	malformed := transferLog(tok, optimism.Escrow, big.NewInt(1), 1)
	malformed.Topics = malformed.Topics[:2]

	alerts := r.HandleBatch(context.Background(), Batch{
		BlockNumber: 11291046,
		Logs:        []types.Log{foreign, malformed, transferLog(tok, optimism.Escrow, big.NewInt(9), 2)},
	})

	require.Len(t, alerts, 1)
	assert.Equal(t, "9", alerts[0].Metadata["value"])
	assert.Equal(t, int32(1), escrow.calls.Load())
}

func TestHandleBatch_BlockFallsBackToLogBlock(t *testing.T) {
	tok := testToken(t)
	escrow := &stubEscrow{balance: big.NewInt(1)}
	r := newReconciler(t, tok, Target{Network: optimism, Escrow: escrow, Supply: &stubSupply{supply: big.NewInt(1)}})

	r.HandleBatch(context.Background(), Batch{Logs: []types.Log{transferLog(tok, optimism.Escrow, big.NewInt(1), 0)}})
	assert.Equal(t, []uint64{11291046}, escrow.blocks)
}

func TestHandleBatch_ManyEventsKeepOrder(t *testing.T) {
	tok := testToken(t)
	r, err := NewReconciler(tok, []Target{
		{Network: optimism, Escrow: &stubEscrow{balance: big.NewInt(1), delay: 5 * time.Millisecond}, Supply: &stubSupply{supply: big.NewInt(1)}},
	}, ReconcilerOptions{Workers: 2})
	require.NoError(t, err)

	var logs []types.Log
	for i := 0; i < 10; i++ {
		logs = append(logs, transferLog(tok, optimism.Escrow, big.NewInt(int64(i)), uint(i)))
	}
	alerts := r.HandleBatch(context.Background(), Batch{BlockNumber: 5, Logs: logs})
	require.Len(t, alerts, 10)
	for i, a := range alerts {
		assert.Equal(t, big.NewInt(int64(i)).String(), a.Metadata["value"])
	}
}

// fakeChain serves balanceOf/totalSupply for the real fetchers.
type fakeChain struct {
	mu     sync.Mutex
	latest uint64
	amount *big.Int
	calls  int
}

func (f *fakeChain) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return common.LeftPadBytes(f.amount.Bytes(), 32), nil
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	return f.latest, nil
}

func TestHandleBatch_IdempotentWithCachedFetchers(t *testing.T) {
	tok := testToken(t)
	l1 := &fakeChain{amount: big.NewInt(100)}
	l2 := &fakeChain{latest: 77, amount: big.NewInt(1000)}

	escrow, err := fetcher.NewEscrowBalanceFetcher(l1, tok, optimism, fetcher.Options{})
	require.NoError(t, err)
	supply, err := fetcher.NewSupplyFetcher(l2, tok, optimism.Name, fetcher.Options{})
	require.NoError(t, err)
	r := newReconciler(t, tok, Target{Network: optimism, Escrow: escrow, Supply: supply})

	batch := Batch{
		BlockNumber: 11291046,
		Logs: []types.Log{
			transferLog(tok, optimism.Escrow, big.NewInt(1000), 0),
			transferLog(tok, optimism.Escrow, big.NewInt(1000), 1),
		},
	}
	first, err := json.Marshal(r.HandleBatch(context.Background(), batch))
	require.NoError(t, err)

	// Chain state moves on, but cached block results do not.
	l1.mu.Lock()
	l1.amount = big.NewInt(5000)
	l1.mu.Unlock()
	l2.mu.Lock()
	l2.amount = big.NewInt(1)
	l2.mu.Unlock()

	second, err := json.Marshal(r.HandleBatch(context.Background(), batch))
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
	assert.Equal(t, 1, l1.calls)
	assert.Equal(t, 1, l2.calls)
	assert.Contains(t, string(first), `"l1Balance":"100"`)
}

func TestCheck(t *testing.T) {
	tok := testToken(t)
	r := newReconciler(t, tok, Target{
		Network: arbitrum,
		Escrow:  &stubEscrow{balance: big.NewInt(5)},
		Supply:  &stubSupply{supply: big.NewInt(6)},
	})

	v, err := r.Check(context.Background(), "ARBITRUM", 100)
	require.NoError(t, err)
	assert.True(t, v.Known)
	assert.True(t, v.Violated)
	assert.Equal(t, "5", v.L1Balance.String())
	assert.Equal(t, "6", v.L2Supply.String())

	_, err = r.Check(context.Background(), "BASE", 100)
	assert.Error(t, err)
}

func TestNewReconcilerValidation(t *testing.T) {
	tok := testToken(t)
	_, err := NewReconciler(tok, nil, ReconcilerOptions{})
	assert.Error(t, err)

	_, err = NewReconciler(tok, []Target{{Network: optimism}}, ReconcilerOptions{})
	assert.Error(t, err, "missing fetchers")

	dup := Target{Network: optimism, Escrow: &stubEscrow{}, Supply: &stubSupply{}}
	_, err = NewReconciler(tok, []Target{dup, dup}, ReconcilerOptions{})
	assert.Error(t, err)

	sameEscrow := Target{Network: bridge.Network{Name: "OTHER", Escrow: optimism.Escrow}, Escrow: &stubEscrow{}, Supply: &stubSupply{}}
	_, err = NewReconciler(tok, []Target{dup, sameEscrow}, ReconcilerOptions{})
	assert.Error(t, err)
}
