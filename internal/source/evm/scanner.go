package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"github.com/devblac/escrow-watch/internal/storage"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// BlockClient captures the subset of ethclient used by the scanner.
type BlockClient interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// ScanConfig selects which logs the scanner pulls from each block.
type ScanConfig struct {
	SourceID      string
	StartBlock    string
	Confirmations uint64
	Contract      common.Address
	Topic0        common.Hash
	// Recipients filters on the second indexed topic. Empty matches any.
	Recipients []common.Address
}

// Scanner processes blocks sequentially with confirmation safety.
type Scanner struct {
	client BlockClient
	store  *storage.Store
	cfg    ScanConfig
	topics [][]common.Hash
}

// NewScanner builds a scanner for the token contract's logs.
func NewScanner(client BlockClient, store *storage.Store, cfg ScanConfig) (*Scanner, error) {
	if cfg.SourceID == "" {
		return nil, errors.New("source id is required")
	}
	if cfg.Contract == (common.Address{}) {
		return nil, errors.New("contract address is required")
	}

	topics := [][]common.Hash{{cfg.Topic0}}
	if len(cfg.Recipients) > 0 {
		to := make([]common.Hash, 0, len(cfg.Recipients))
		for _, r := range cfg.Recipients {
			to = append(to, common.BytesToHash(common.LeftPadBytes(r.Bytes(), 32)))
		}
		topics = append(topics, nil, to)
	}

	return &Scanner{
		client: client,
		store:  store,
		cfg:    cfg,
		topics: topics,
	}, nil
}

// SourceID is the cursor key of this scanner.
func (s *Scanner) SourceID() string {
	return s.cfg.SourceID
}

// Seek moves the cursor so the next processed block is height.
func (s *Scanner) Seek(ctx context.Context, height uint64) error {
	if height == 0 {
		return errors.New("seek height must be positive")
	}
	prev, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(height-1))
	if err != nil {
		return fmt.Errorf("header %d: %w", height-1, err)
	}
	return s.store.UpsertCursor(ctx, s.cfg.SourceID, height-1, prev.Hash().Hex())
}

// ProcessNext handles the next eligible block (respecting confirmations) and returns its matched logs
// grouped by transaction. ok is false when no block is ready yet.
// It advances the cursor on success. If a reorg is detected, ErrReorgDetected is returned after rewinding.
func (s *Scanner) ProcessNext(ctx context.Context) (blk Block, ok bool, err error) {
	curHeight, curHash, hasCursor, err := s.store.GetCursor(ctx, s.cfg.SourceID)
	if err != nil {
		return Block{}, false, err
	}

	latest, err := s.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return Block{}, false, fmt.Errorf("latest header: %w", err)
	}
	latestHeight := latest.Number.Uint64()

	safeHeight := latestHeight
	if s.cfg.Confirmations > 0 {
		if s.cfg.Confirmations > safeHeight {
			return Block{}, false, nil
		}
		safeHeight -= s.cfg.Confirmations
	}

	target := curHeight + 1
	if !hasCursor {
		start, err := resolveStartHeight(s.cfg.StartBlock, safeHeight)
		if err != nil {
			return Block{}, false, err
		}
		target = start
	}

	if target > safeHeight {
		return Block{}, false, nil
	}

	header, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(target))
	if err != nil {
		return Block{}, false, fmt.Errorf("header %d: %w", target, err)
	}

	if hasCursor && header.ParentHash.Hex() != curHash {
		rewindTo := uint64(0)
		if curHeight > 0 {
			rewindTo = curHeight - 1
		}
		prevHash := ""
		if prev, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(rewindTo)); err == nil {
			prevHash = prev.Hash().Hex()
		}
		_ = s.store.UpsertCursor(ctx, s.cfg.SourceID, rewindTo, prevHash)
		return Block{}, false, ErrReorgDetected
	}

	logs, err := s.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(target),
		ToBlock:   new(big.Int).SetUint64(target),
		Addresses: []common.Address{s.cfg.Contract},
		Topics:    s.topics,
	})
	if err != nil {
		return Block{}, false, fmt.Errorf("filter logs: %w", err)
	}

	blk = Block{
		Number: target,
		Hash:   header.Hash(),
		Txs:    groupByTx(logs),
	}

	if err := s.store.UpsertCursor(ctx, s.cfg.SourceID, target, blk.Hash.Hex()); err != nil {
		return Block{}, false, err
	}

	return blk, true, nil
}

// groupByTx orders logs by index and groups them per transaction in order
// of first appearance. Removed logs are dropped.
func groupByTx(logs []types.Log) []TxLogs {
	sorted := make([]types.Log, 0, len(logs))
	for _, lg := range logs {
		if !lg.Removed {
			sorted = append(sorted, lg)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	var out []TxLogs
	pos := map[common.Hash]int{}
	for _, lg := range sorted {
		i, ok := pos[lg.TxHash]
		if !ok {
			i = len(out)
			pos[lg.TxHash] = i
			out = append(out, TxLogs{TxHash: lg.TxHash})
		}
		out[i].Logs = append(out[i].Logs, lg)
	}
	return out
}

func resolveStartHeight(start string, safeHeight uint64) (uint64, error) {
	if start == "" || start == "latest" {
		return safeHeight, nil
	}
	if start == "0" {
		return 0, nil
	}
	if strings.HasPrefix(start, "latest-") {
		offsetStr := strings.TrimPrefix(start, "latest-")
		n, err := strconv.ParseUint(offsetStr, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse start_block %q: %w", start, err)
		}
		if n > safeHeight {
			return 0, nil
		}
		return safeHeight - n, nil
	}

	n, err := strconv.ParseUint(start, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse start_block %q: %w", start, err)
	}
	return n, nil
}
