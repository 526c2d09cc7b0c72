// Package chain talks to the escrow contract: verifying inbound USDC
// deposits and dispersing refunds of unused buffer.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrTxNotFound          = errors.New("chain: transaction not found")
	ErrTxReverted          = errors.New("chain: transaction reverted")
	ErrDestinationMismatch = errors.New("chain: transaction not sent to escrow contract")
	ErrEventMissing        = errors.New("chain: no PaymentReceived event in transaction")
	ErrEventMalformed      = errors.New("chain: malformed PaymentReceived event")
	ErrSessionMismatch     = errors.New("chain: deposit references a different session")
	ErrUnderpayment        = errors.New("chain: deposited amount below required amount")
	ErrSigningUnavailable  = errors.New("chain: no platform key configured for refunds")
	ErrEscrowUnconfigured  = errors.New("chain: escrow contract address not configured")
	ErrRefundReverted      = errors.New("chain: refund transaction reverted")
	ErrConfirmTimeout      = errors.New("chain: timed out waiting for confirmation")
	ErrRPCConnection       = errors.New("chain: RPC connection failed")
)

// -----------------------------------------------------------------------------
// Escrow contract ABI
// -----------------------------------------------------------------------------

// Minimal ABI for the escrow contract: the deposit event we verify and the
// refund function the platform calls.
const escrowABI = `[
	{"anonymous":false,"inputs":[{"indexed":true,"name":"payer","type":"address"},{"indexed":false,"name":"amount","type":"uint256"},{"indexed":false,"name":"sessionId","type":"string"},{"indexed":false,"name":"timestamp","type":"uint256"}],"name":"PaymentReceived","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"recipient","type":"address"},{"indexed":false,"name":"amount","type":"uint256"},{"indexed":false,"name":"sessionId","type":"string"}],"name":"Refunded","type":"event"},
	{"constant":false,"inputs":[{"name":"recipient","type":"address"},{"name":"amount","type":"uint256"},{"name":"sessionId","type":"string"}],"name":"refund","outputs":[],"type":"function"}
]`

const (
	// RefundGasLimit covers the refund call including the token transfer
	RefundGasLimit = uint64(120000)

	// ReceiptPollInterval between receipt checks
	ReceiptPollInterval = 2 * time.Second

	// ReceiptPollAttempts bounds how long we wait for a receipt
	ReceiptPollAttempts = 5

	// DefaultConfirmTimeout for refund confirmation
	DefaultConfirmTimeout = 60 * time.Second
)

// EthClient abstracts go-ethereum client for testing
type EthClient interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	Close()
}

// Make sure the real client satisfies the interface.
var _ EthClient = (*ethclient.Client)(nil)

func parseEscrowABI() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}
	return parsed, nil
}

// EscrowABI returns the parsed escrow contract ABI for callers that watch
// escrow events directly.
func EscrowABI() (abi.ABI, error) {
	return parseEscrowABI()
}

// waitForReceipt polls for a transaction receipt a bounded number of times.
// Returns ErrTxNotFound if the transaction never lands within the window.
func waitForReceipt(ctx context.Context, client EthClient, hash common.Hash, attempts int, interval time.Duration) (*types.Receipt, error) {
	if receipt, err := client.TransactionReceipt(ctx, hash); err == nil {
		return receipt, nil
	} else if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 1; i < attempts; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := client.TransactionReceipt(ctx, hash)
			if err == nil {
				return receipt, nil
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrTxNotFound, hash.Hex())
}

// suggestGasPrice falls back to a sane default if the node refuses to quote.
func suggestGasPrice(ctx context.Context, client EthClient) *big.Int {
	price, err := client.SuggestGasPrice(ctx)
	if err != nil || price == nil || price.Sign() <= 0 {
		return big.NewInt(100_000_000) // 0.1 gwei
	}
	return price
}
