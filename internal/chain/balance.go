package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Minimal ERC20 ABI, just the balance read.
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

// ContractCaller is the read-only slice of the eth client needed for
// balance queries.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

var _ ContractCaller = (*ethclient.Client)(nil)

// BalanceReader reads the escrow contract's USDC balance via the token
// contract's balanceOf.
type BalanceReader struct {
	client ContractCaller
	token  common.Address
	escrow common.Address
	abi    abi.ABI
}

// NewBalanceReader dials the RPC endpoint and returns a reader for the
// escrow's balance on the given token contract.
func NewBalanceReader(rpcURL string, token, escrow common.Address) (*BalanceReader, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}
	return NewBalanceReaderWithClient(client, token, escrow)
}

// NewBalanceReaderWithClient creates a reader with an existing client.
func NewBalanceReaderWithClient(client ContractCaller, token, escrow common.Address) (*BalanceReader, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}
	return &BalanceReader{
		client: client,
		token:  token,
		escrow: escrow,
		abi:    parsed,
	}, nil
}

// EscrowTokenBalance returns the token balance held by the escrow
// contract, in smallest units.
func (r *BalanceReader) EscrowTokenBalance(ctx context.Context) (*big.Int, error) {
	data, err := r.abi.Pack("balanceOf", r.escrow)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	out, err := r.client.CallContract(ctx, ethereum.CallMsg{
		To:   &r.token,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}

	results, err := r.abi.Unpack("balanceOf", out)
	if err != nil || len(results) == 0 {
		return nil, fmt.Errorf("failed to decode balanceOf result: %w", err)
	}
	balance, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result type %T", results[0])
	}
	return balance, nil
}
