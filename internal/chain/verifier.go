package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/payclaw/payclaw/internal/logging"
)

// Deposit is a verified escrow deposit decoded from a PaymentReceived event.
type Deposit struct {
	TxRef     string
	Payer     common.Address
	Amount    *big.Int // smallest units
	SessionID string
	Timestamp time.Time
	Block     uint64
}

// Verifier checks claimed deposit transactions against the escrow contract.
// Verification is a pure read of chain state, so repeating it for the same
// transaction always yields the same verdict.
type Verifier struct {
	client       EthClient
	escrow       common.Address
	abi          abi.ABI
	pollAttempts int
	pollInterval time.Duration
}

// VerifierConfig for creating a new Verifier
type VerifierConfig struct {
	RPCURL         string
	EscrowContract string
}

// VerifierOption configures the verifier
type VerifierOption func(*Verifier)

// WithVerifierClient sets a custom Ethereum client (useful for testing)
func WithVerifierClient(client EthClient) VerifierOption {
	return func(v *Verifier) {
		v.client = client
	}
}

// WithPolling overrides the receipt polling bounds
func WithPolling(attempts int, interval time.Duration) VerifierOption {
	return func(v *Verifier) {
		v.pollAttempts = attempts
		v.pollInterval = interval
	}
}

// NewVerifier creates a verifier bound to one escrow contract
func NewVerifier(cfg VerifierConfig, opts ...VerifierOption) (*Verifier, error) {
	parsedABI, err := parseEscrowABI()
	if err != nil {
		return nil, err
	}

	v := &Verifier{
		escrow:       common.HexToAddress(cfg.EscrowContract),
		abi:          parsedABI,
		pollAttempts: ReceiptPollAttempts,
		pollInterval: ReceiptPollInterval,
	}

	for _, opt := range opts {
		opt(v)
	}

	if v.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		v.client = client
	}

	return v, nil
}

// VerifyDeposit confirms that txRef is a successful deposit to the escrow
// contract carrying a PaymentReceived event for sessionID of at least
// minAmount smallest units. It returns the decoded deposit on success and a
// typed error naming the first check that failed otherwise.
func (v *Verifier) VerifyDeposit(ctx context.Context, txRef, sessionID string, minAmount *big.Int) (*Deposit, error) {
	hash := common.HexToHash(txRef)

	tx, pending, err := v.client.TransactionByHash(ctx, hash)
	if err != nil {
		// A node that answered and knows nothing about the hash is a bad
		// claim; anything else is the RPC connection failing on us.
		if errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTxNotFound, txRef)
		}
		return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}

	if tx.To() == nil || *tx.To() != v.escrow {
		return nil, fmt.Errorf("%w: tx targets %v", ErrDestinationMismatch, tx.To())
	}

	if pending {
		logging.L(ctx).Debug("deposit tx still pending, polling for receipt", "tx_ref", txRef)
	}

	receipt, err := waitForReceipt(ctx, v.client, hash, v.pollAttempts, v.pollInterval)
	if err != nil {
		return nil, err
	}

	if receipt.Status == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTxReverted, txRef)
	}

	event := v.abi.Events["PaymentReceived"]

	for _, log := range receipt.Logs {
		if log.Address != v.escrow {
			continue
		}
		if len(log.Topics) < 2 || log.Topics[0] != event.ID {
			continue
		}

		vals, err := v.abi.Unpack("PaymentReceived", log.Data)
		if err != nil || len(vals) != 3 {
			return nil, fmt.Errorf("%w: %v", ErrEventMalformed, err)
		}

		amount, ok1 := vals[0].(*big.Int)
		eventSession, ok2 := vals[1].(string)
		timestamp, ok3 := vals[2].(*big.Int)
		if !ok1 || !ok2 || !ok3 {
			return nil, ErrEventMalformed
		}

		if eventSession != sessionID {
			return nil, fmt.Errorf("%w: event has %q", ErrSessionMismatch, eventSession)
		}

		if minAmount != nil && amount.Cmp(minAmount) < 0 {
			return nil, fmt.Errorf("%w: got %s, need %s", ErrUnderpayment, amount, minAmount)
		}

		dep := &Deposit{
			TxRef:     txRef,
			Payer:     common.HexToAddress(log.Topics[1].Hex()),
			Amount:    amount,
			SessionID: eventSession,
			Timestamp: time.Unix(timestamp.Int64(), 0).UTC(),
			Block:     receipt.BlockNumber.Uint64(),
		}

		logging.L(ctx).Info("deposit verified",
			"tx_ref", txRef,
			"session_id", sessionID,
			"payer", dep.Payer.Hex(),
			"amount_units", amount.String(),
			"block", dep.Block,
		)
		return dep, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrEventMissing, txRef)
}

// Close closes the client connection
func (v *Verifier) Close() error {
	if v.client != nil {
		v.client.Close()
	}
	return nil
}
