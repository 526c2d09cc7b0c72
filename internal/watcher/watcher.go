// Package watcher monitors the escrow contract for inbound deposits.
//
// When a PaymentReceived event lands, the deposit is pushed to connected
// dashboard clients so they see the funds arrive before the agent calls
// confirm.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/payclaw/payclaw/internal/chain"
	"github.com/payclaw/payclaw/internal/usdc"
)

// EventDepositSeen is broadcast for every new escrow deposit observed.
const EventDepositSeen = "deposit.seen"

// Notifier pushes observed deposits to connected clients.
type Notifier interface {
	Broadcast(event string, data interface{})
}

// ChainReader is the subset of the eth client the watcher needs.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Config for the deposit watcher
type Config struct {
	RPCURL         string
	EscrowContract common.Address
	PollInterval   time.Duration
	StartBlock     uint64 // 0 = latest
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval: 15 * time.Second,
		StartBlock:   0,
	}
}

// Deposit is one observed PaymentReceived event.
type Deposit struct {
	TxRef     string `json:"txRef"`
	Payer     string `json:"payer"`
	SessionID string `json:"sessionId"`
	Amount    string `json:"amount"`        // smallest units, decimal string
	Display   string `json:"amountDisplay"` // USDC decimal string
	Block     uint64 `json:"block"`
}

// Watcher polls the chain for PaymentReceived events on the escrow contract.
type Watcher struct {
	client   ChainReader
	config   Config
	notifier Notifier
	logger   *slog.Logger

	// Track processed logs within the scan window
	processed map[string]bool
	mu        sync.Mutex

	lastBlock uint64

	stop chan struct{}
	done chan struct{}
}

// New dials the RPC endpoint and creates a deposit watcher.
func New(cfg Config, notifier Notifier, logger *slog.Logger) (*Watcher, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	return NewWithClient(cfg, client, notifier, logger), nil
}

// NewWithClient creates a watcher on an existing client.
func NewWithClient(cfg Config, client ChainReader, notifier Notifier, logger *slog.Logger) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Watcher{
		client:    client,
		config:    cfg,
		notifier:  notifier,
		logger:    logger,
		processed: make(map[string]bool),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins watching for deposits
func (w *Watcher) Start(ctx context.Context) error {
	if w.config.StartBlock == 0 {
		block, err := w.client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to get block number: %w", err)
		}
		w.lastBlock = block
	} else {
		w.lastBlock = w.config.StartBlock
	}

	w.logger.Info("deposit watcher started",
		"escrow", w.config.EscrowContract.Hex(),
		"startBlock", w.lastBlock,
	)

	go w.pollLoop(ctx)
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.checkForDeposits(ctx); err != nil {
				w.logger.Error("deposit check failed", "error", err)
			}
		}
	}
}

func (w *Watcher) checkForDeposits(ctx context.Context) error {
	currentBlock, err := w.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block number: %w", err)
	}

	// Nothing new
	if currentBlock <= w.lastBlock {
		return nil
	}

	escrowABI, err := chain.EscrowABI()
	if err != nil {
		return err
	}
	event := escrowABI.Events["PaymentReceived"]

	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(int64(w.lastBlock + 1)),
		ToBlock:   big.NewInt(int64(currentBlock)),
		Addresses: []common.Address{w.config.EscrowContract},
		Topics:    [][]common.Hash{{event.ID}},
	}

	logs, err := w.client.FilterLogs(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to filter logs: %w", err)
	}

	for _, vLog := range logs {
		if err := w.processDeposit(escrowABI, vLog); err != nil {
			w.logger.Error("failed to process deposit event", "tx", vLog.TxHash.Hex(), "error", err)
		}
	}

	w.lastBlock = currentBlock
	return nil
}

func (w *Watcher) processDeposit(escrowABI abi.ABI, vLog types.Log) error {
	key := fmt.Sprintf("%s:%d", vLog.TxHash.Hex(), vLog.Index)

	w.mu.Lock()
	if w.processed[key] {
		w.mu.Unlock()
		return nil
	}
	w.processed[key] = true
	w.mu.Unlock()

	// Topics[1] = payer (indexed). Data = amount, sessionId, timestamp.
	if len(vLog.Topics) < 2 {
		return fmt.Errorf("invalid PaymentReceived event")
	}

	vals, err := escrowABI.Unpack("PaymentReceived", vLog.Data)
	if err != nil || len(vals) < 2 {
		return fmt.Errorf("unpack PaymentReceived: %w", err)
	}
	amount, ok := vals[0].(*big.Int)
	if !ok {
		return fmt.Errorf("PaymentReceived amount has unexpected type %T", vals[0])
	}
	sessionID, ok := vals[1].(string)
	if !ok {
		return fmt.Errorf("PaymentReceived sessionId has unexpected type %T", vals[1])
	}

	payer := common.HexToAddress(vLog.Topics[1].Hex())
	dep := &Deposit{
		TxRef:     vLog.TxHash.Hex(),
		Payer:     payer.Hex(),
		SessionID: sessionID,
		Amount:    amount.String(),
		Display:   usdc.Format(amount),
		Block:     vLog.BlockNumber,
	}

	w.logger.Info("escrow deposit observed",
		"session_id", dep.SessionID,
		"payer", dep.Payer,
		"amount", dep.Display,
		"tx", dep.TxRef,
	)

	if w.notifier != nil {
		w.notifier.Broadcast(EventDepositSeen, dep)
	}
	return nil
}
