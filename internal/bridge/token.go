package bridge

import (
	"bytes"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ERC20ABI covers the event and calls the reconciler needs.
const ERC20ABI = `[
	{"type":"event","name":"Transfer","anonymous":false,"inputs":[
		{"name":"from","type":"address","indexed":true},
		{"name":"to","type":"address","indexed":true},
		{"name":"value","type":"uint256","indexed":false}
	]},
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"totalSupply","stateMutability":"view",
	 "inputs":[],
	 "outputs":[{"name":"","type":"uint256"}]}
]`

const (
	transferEvent = "Transfer"

	// MethodBalanceOf and MethodTotalSupply name the view calls used for reconciliation.
	MethodBalanceOf   = "balanceOf"
	MethodTotalSupply = "totalSupply"
)

// Token describes the bridged token on both sides.
type Token struct {
	Symbol    string
	L1Address common.Address
	L2Address common.Address
	ABI       abi.ABI
}

// NewToken builds a token descriptor. An empty abiPath selects the built-in
// ERC20 ABI; otherwise the file must define Transfer, balanceOf and totalSupply.
func NewToken(symbol, l1, l2, abiPath string) (*Token, error) {
	if !common.IsHexAddress(l1) {
		return nil, fmt.Errorf("invalid l1 token address %q", l1)
	}
	if !common.IsHexAddress(l2) {
		return nil, fmt.Errorf("invalid l2 token address %q", l2)
	}
	parsed, err := LoadTokenABI(abiPath)
	if err != nil {
		return nil, err
	}
	return &Token{
		Symbol:    symbol,
		L1Address: common.HexToAddress(l1),
		L2Address: common.HexToAddress(l2),
		ABI:       parsed,
	}, nil
}

// LoadTokenABI reads an ABI JSON file, falling back to ERC20ABI when path is empty.
func LoadTokenABI(path string) (abi.ABI, error) {
	raw := []byte(ERC20ABI)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return abi.ABI{}, fmt.Errorf("read abi %s: %w", path, err)
		}
		raw = data
	}
	a, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse abi: %w", err)
	}
	if _, ok := a.Events[transferEvent]; !ok {
		return abi.ABI{}, fmt.Errorf("abi missing event %s", transferEvent)
	}
	for _, m := range []string{MethodBalanceOf, MethodTotalSupply} {
		if _, ok := a.Methods[m]; !ok {
			return abi.ABI{}, fmt.Errorf("abi missing method %s", m)
		}
	}
	return a, nil
}

// TransferTopic is the topic0 of the token's Transfer event.
func (t *Token) TransferTopic() common.Hash {
	return t.ABI.Events[transferEvent].ID
}

// TransferSignature renders the canonical event signature, e.g. Transfer(address,address,uint256).
func (t *Token) TransferSignature() string {
	ev := t.ABI.Events[transferEvent]
	types := make([]string, 0, len(ev.Inputs))
	for _, in := range ev.Inputs {
		types = append(types, in.Type.String())
	}
	return ev.Name + "(" + strings.Join(types, ",") + ")"
}

// PackBalanceOf encodes balanceOf(account) calldata.
func (t *Token) PackBalanceOf(account common.Address) ([]byte, error) {
	data, err := t.ABI.Pack(MethodBalanceOf, account)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", MethodBalanceOf, err)
	}
	return data, nil
}

// PackTotalSupply encodes totalSupply() calldata.
func (t *Token) PackTotalSupply() ([]byte, error) {
	data, err := t.ABI.Pack(MethodTotalSupply)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", MethodTotalSupply, err)
	}
	return data, nil
}

// UnpackAmount decodes a single uint256 return value of method.
func (t *Token) UnpackAmount(method string, data []byte) (*big.Int, error) {
	out, err := t.ABI.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unpack %s: expected 1 value, got %d", method, len(out))
	}
	amount, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s: unexpected type %T", method, out[0])
	}
	return amount, nil
}
