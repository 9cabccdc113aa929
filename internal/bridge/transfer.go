package bridge

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrMalformedTransfer marks a Transfer log that cannot be decoded.
var ErrMalformedTransfer = errors.New("malformed transfer log")

// Transfer is a decoded Transfer event of the monitored token.
type Transfer struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
}

// IsTransferLog reports whether lg is a Transfer emitted by the L1 token contract.
func (t *Token) IsTransferLog(lg types.Log) bool {
	if lg.Address != t.L1Address {
		return false
	}
	return len(lg.Topics) > 0 && lg.Topics[0] == t.TransferTopic()
}

// DecodeTransfer unpacks the indexed from/to topics and the value from data.
func (t *Token) DecodeTransfer(lg types.Log) (Transfer, error) {
	ev := t.ABI.Events[transferEvent]
	indexed, nonIndexed := splitIndexed(ev.Inputs)

	if len(indexed) != 2 || len(nonIndexed) != 1 {
		return Transfer{}, fmt.Errorf("%w: unsupported %s signature", ErrMalformedTransfer, ev.Sig)
	}
	if len(lg.Topics) != len(indexed)+1 {
		return Transfer{}, fmt.Errorf("%w: expected %d topics, got %d", ErrMalformedTransfer, len(indexed)+1, len(lg.Topics))
	}

	args := map[string]any{}
	if err := abi.ParseTopicsIntoMap(args, indexed, lg.Topics[1:]); err != nil {
		return Transfer{}, fmt.Errorf("%w: parse topics: %v", ErrMalformedTransfer, err)
	}
	if err := nonIndexed.UnpackIntoMap(args, lg.Data); err != nil {
		return Transfer{}, fmt.Errorf("%w: unpack data: %v", ErrMalformedTransfer, err)
	}

	// Positional lookup: DAI names these src/dst/wad.
	from, okFrom := args[indexed[0].Name].(common.Address)
	to, okTo := args[indexed[1].Name].(common.Address)
	value, okValue := args[nonIndexed[0].Name].(*big.Int)
	if !okFrom || !okTo || !okValue || value == nil {
		return Transfer{}, fmt.Errorf("%w: missing from/to/value", ErrMalformedTransfer)
	}

	return Transfer{
		From:        from,
		To:          to,
		Value:       value,
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash,
		LogIndex:    lg.Index,
	}, nil
}

func splitIndexed(args abi.Arguments) (indexed abi.Arguments, nonIndexed abi.Arguments) {
	for _, a := range args {
		if a.Indexed {
			indexed = append(indexed, a)
		} else {
			nonIndexed = append(nonIndexed, a)
		}
	}
	return indexed, nonIndexed
}
