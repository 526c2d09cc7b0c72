package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/payclaw/payclaw/internal/logging"
)

// RefundResult contains details of a completed refund
type RefundResult struct {
	TxHash      string
	Recipient   string
	Amount      *big.Int // smallest units
	BlockNumber uint64
	GasUsed     uint64
	Nonce       uint64
}

// Disperser returns unused buffer to payers by calling the escrow
// contract's refund function with the platform key. A disperser without a
// key is valid but refuses to refund with ErrSigningUnavailable.
type Disperser struct {
	client         EthClient
	privateKey     *ecdsa.PrivateKey
	address        common.Address
	chainID        *big.Int
	escrow         common.Address
	abi            abi.ABI
	confirmTimeout time.Duration
}

// DisperserConfig for creating a new Disperser
type DisperserConfig struct {
	RPCURL         string
	EscrowContract string
	PrivateKey     string // hex, 0x prefix optional; empty disables refunds
	ChainID        int64
}

// DisperserOption configures the disperser
type DisperserOption func(*Disperser)

// WithDisperserClient sets a custom Ethereum client (useful for testing)
func WithDisperserClient(client EthClient) DisperserOption {
	return func(d *Disperser) {
		d.client = client
	}
}

// WithConfirmTimeout overrides how long Refund waits for its receipt
func WithConfirmTimeout(timeout time.Duration) DisperserOption {
	return func(d *Disperser) {
		d.confirmTimeout = timeout
	}
}

// NewDisperser creates a disperser bound to one escrow contract
func NewDisperser(cfg DisperserConfig, opts ...DisperserOption) (*Disperser, error) {
	parsedABI, err := parseEscrowABI()
	if err != nil {
		return nil, err
	}

	d := &Disperser{
		chainID:        big.NewInt(cfg.ChainID),
		escrow:         common.HexToAddress(cfg.EscrowContract),
		abi:            parsedABI,
		confirmTimeout: DefaultConfirmTimeout,
	}

	if cfg.PrivateKey != "" {
		privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid platform private key: %w", err)
		}
		publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("invalid platform private key: cannot derive public key")
		}
		d.privateKey = privateKey
		d.address = crypto.PubkeyToAddress(*publicKey)
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		d.client = client
	}

	return d, nil
}

// CanRefund reports whether the disperser is able to sign refunds
func (d *Disperser) CanRefund() bool {
	return d.privateKey != nil && d.escrow != (common.Address{})
}

// Address returns the platform signing address, or empty without a key
func (d *Disperser) Address() string {
	if d.privateKey == nil {
		return ""
	}
	return d.address.Hex()
}

// Refund sends amount smallest units from escrow back to recipient and
// waits for the transaction to confirm. Callers must not retry
// automatically: a failed refund may still land on-chain later.
func (d *Disperser) Refund(ctx context.Context, recipient common.Address, amount *big.Int, sessionID string) (*RefundResult, error) {
	if d.privateKey == nil {
		return nil, ErrSigningUnavailable
	}
	if d.escrow == (common.Address{}) {
		return nil, ErrEscrowUnconfigured
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("refund amount must be positive, got %v", amount)
	}

	data, err := d.abi.Pack("refund", recipient, amount, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to pack refund call: %w", err)
	}

	nonce, err := d.client.PendingNonceAt(ctx, d.address)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}

	gasPrice := suggestGasPrice(ctx, d.client)

	tx := types.NewTransaction(nonce, d.escrow, big.NewInt(0), RefundGasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(d.chainID), d.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign refund: %w", err)
	}

	if err := d.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, fmt.Errorf("failed to send refund: %w", err)
	}

	txHash := signedTx.Hash()
	logging.L(ctx).Info("refund submitted",
		"tx_hash", txHash.Hex(),
		"session_id", sessionID,
		"recipient", recipient.Hex(),
		"amount_units", amount.String(),
	)

	waitCtx, cancel := context.WithTimeout(ctx, d.confirmTimeout)
	defer cancel()

	attempts := int(d.confirmTimeout/ReceiptPollInterval) + 1
	receipt, err := waitForReceipt(waitCtx, d.client, txHash, attempts, ReceiptPollInterval)
	if err != nil {
		return nil, fmt.Errorf("%w: refund tx %s", ErrConfirmTimeout, txHash.Hex())
	}

	if receipt.Status == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRefundReverted, txHash.Hex())
	}

	return &RefundResult{
		TxHash:      txHash.Hex(),
		Recipient:   recipient.Hex(),
		Amount:      amount,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
		Nonce:       nonce,
	}, nil
}

// Close closes the client connection
func (d *Disperser) Close() error {
	if d.client != nil {
		d.client.Close()
	}
	return nil
}
