package engine

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/devblac/escrow-watch/internal/alert"
	"github.com/devblac/escrow-watch/internal/sink"
	"github.com/devblac/escrow-watch/internal/source/evm"
	"github.com/devblac/escrow-watch/internal/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	events []sink.Event
	err    error
}

func (f *fakeSink) Send(ctx context.Context, ev sink.Event) error {
	f.events = append(f.events, ev)
	return f.err
}

// fakeSource hands out queued blocks and tracks its cursor in the store the
// way the real scanner does.
type fakeSource struct {
	store  *storage.Store
	blocks []evm.Block
	err    error
	seeks  []uint64
}

func (f *fakeSource) SourceID() string { return "l1" }

func (f *fakeSource) Seek(ctx context.Context, height uint64) error {
	f.seeks = append(f.seeks, height)
	return f.store.UpsertCursor(ctx, "l1", height-1, "0x0")
}

func (f *fakeSource) ProcessNext(ctx context.Context) (evm.Block, bool, error) {
	if f.err != nil {
		err := f.err
		f.err = nil
		return evm.Block{}, false, err
	}
	if len(f.blocks) == 0 {
		return evm.Block{}, false, nil
	}
	blk := f.blocks[0]
	f.blocks = f.blocks[1:]
	if err := f.store.UpsertCursor(ctx, "l1", blk.Number, blk.Hash.Hex()); err != nil {
		return evm.Block{}, false, err
	}
	return blk, true, nil
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(t.TempDir() + "/db.sqlite")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func depositBlock(t *testing.T, number uint64, tx string) evm.Block {
	t.Helper()
	tok := testToken(t)
	lg := transferLog(tok, optimism.Escrow, big.NewInt(1000), 0)
	lg.BlockNumber = number
	lg.TxHash = common.HexToHash(tx)
	return evm.Block{
		Number: number,
		Hash:   common.BigToHash(new(big.Int).SetUint64(number)),
		Txs:    []evm.TxLogs{{TxHash: lg.TxHash, Logs: []types.Log{lg}}},
	}
}

func violatingReconciler(t *testing.T) *Reconciler {
	t.Helper()
	r, err := NewReconciler(testToken(t), []Target{{
		Network: optimism,
		Escrow:  &stubEscrow{balance: big.NewInt(100)},
		Supply:  &stubSupply{supply: big.NewInt(1000)},
	}}, ReconcilerOptions{Protocol: "MakerDao"})
	require.NoError(t, err)
	return r
}

func TestRunnerPersistsAndDelivers(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{store: store, blocks: []evm.Block{depositBlock(t, 10, "0xa1")}}
	s := &fakeSink{}
	runner, err := NewRunner(store, src, violatingReconciler(t), map[string]sink.Sender{"s1": s}, RunnerOptions{})
	require.NoError(t, err)

	processed, err := runner.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	require.Len(t, s.events, 2, "transfer and violation delivered")
	assert.Equal(t, "OPTIMISM-TRANSFER-1", s.events[0].Alert.AlertID)
	assert.Equal(t, alert.Severity("informational"), s.events[0].Alert.Severity)
	assert.Equal(t, "OPTIMISM-BAL-1", s.events[1].Alert.AlertID)
	assert.Equal(t, alert.Severity("critical"), s.events[1].Alert.Severity)
	assert.Equal(t, uint64(10), s.events[1].Block)
	assert.NotEmpty(t, s.events[1].Fingerprint)

	stored, err := store.ListAlerts(context.Background(), storage.AlertFilter{})
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	processed, err = runner.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, processed, "expected idle tick")
}

func TestRunnerDryRunAndDedupe(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{store: store, blocks: []evm.Block{
		depositBlock(t, 10, "0xa1"),
		depositBlock(t, 11, "0xa2"),
		depositBlock(t, 12, "0xa3"),
	}}
	s := &fakeSink{}
	runner, err := NewRunner(store, src, violatingReconciler(t), map[string]sink.Sender{"s1": s}, RunnerOptions{DryRun: true})
	require.NoError(t, err)
	now := time.Now()
	runner.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	_, err = runner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, s.events, "dry-run must not send")

	// The violation window opened during dry-run still suppresses the next one.
	runner.dryRun = false
	_, err = runner.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, s.events, 1)
	assert.Equal(t, "OPTIMISM-TRANSFER-1", s.events[0].Alert.AlertID)

	now = now.Add(2 * DefaultDedupeTTL)
	_, err = runner.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, s.events, 3)
	assert.Equal(t, "OPTIMISM-BAL-1", s.events[2].Alert.AlertID)
}

func TestRunnerReplayDoesNotResend(t *testing.T) {
	store := newTestStore(t)
	blk := depositBlock(t, 10, "0xa1")
	src := &fakeSource{store: store, blocks: []evm.Block{blk, blk}}
	s := &fakeSink{}
	runner, err := NewRunner(store, src, violatingReconciler(t), map[string]sink.Sender{"s1": s}, RunnerOptions{})
	require.NoError(t, err)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := runner.RunOnce(ctx)
		require.NoError(t, err)
	}
	assert.Len(t, s.events, 2, "replayed block must not resend")
}

func TestRunnerSeverityFilterAndFailedSend(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{store: store, blocks: []evm.Block{depositBlock(t, 10, "0xa1")}}
	critical := &fakeSink{}
	broken := &fakeSink{err: &sink.StatusError{Code: 502}}
	runner, err := NewRunner(store, src, violatingReconciler(t), map[string]sink.Sender{
		"pager":  sink.WithSeverities(critical, []alert.Severity{alert.SeverityCritical}),
		"broken": broken,
	}, RunnerOptions{})
	require.NoError(t, err)

	_, err = runner.RunOnce(context.Background())
	require.NoError(t, err, "sink failure must not fail the tick")

	require.Len(t, critical.events, 1)
	assert.Equal(t, alert.SeverityCritical, critical.events[0].Alert.Severity)
	assert.Len(t, broken.events, 2, "both alerts attempted on the failing sink")
}

func TestRunnerBounds(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{store: store, blocks: []evm.Block{depositBlock(t, 5, "0xb1"), depositBlock(t, 6, "0xb2")}}
	runner, err := NewRunner(store, src, violatingReconciler(t), nil, RunnerOptions{From: 5, To: 5})
	require.NoError(t, err)
	ctx := context.Background()

	processed, err := runner.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	assert.Equal(t, []uint64{5}, src.seeks)

	done, err := runner.Done(ctx)
	require.NoError(t, err)
	assert.True(t, done, "expected done at --to")

	processed, err = runner.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, processed, "runner went past --to")

	_, err = NewRunner(store, src, violatingReconciler(t), nil, RunnerOptions{From: 9, To: 5})
	assert.Error(t, err, "from > to must fail")
}

func TestRunnerReorgIsNotFatal(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{store: store, err: evm.ErrReorgDetected}
	runner, err := NewRunner(store, src, violatingReconciler(t), nil, RunnerOptions{})
	require.NoError(t, err)

	_, err = runner.RunOnce(context.Background())
	assert.NoError(t, err, "reorg should be absorbed")

	src.err = errors.New("connection reset")
	_, err = runner.RunOnce(context.Background())
	assert.Error(t, err, "source error must surface")
}
