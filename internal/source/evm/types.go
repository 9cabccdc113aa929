package evm

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrReorgDetected signals that the chain rewound; caller should restart from the updated cursor.
var ErrReorgDetected = errors.New("reorg detected")

// TxLogs are the matched logs of one transaction, in log-index order.
type TxLogs struct {
	TxHash common.Hash
	Logs   []types.Log
}

// Block is the result of processing one confirmed block.
type Block struct {
	Number uint64
	Hash   common.Hash
	Txs    []TxLogs
}
