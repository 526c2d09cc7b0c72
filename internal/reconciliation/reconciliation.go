// Package reconciliation compares the escrow contract's on-chain balance
// against the card ledger's outstanding obligations.
package reconciliation

import (
	"context"
	"fmt"
	"math/big"

	"github.com/payclaw/payclaw/internal/card"
	"github.com/payclaw/payclaw/internal/usdc"
)

// LedgerTotaler sums the card ledger's money-moving columns.
type LedgerTotaler interface {
	Totals(ctx context.Context) (*card.Totals, error)
}

// ChainBalanceProvider returns the escrow contract's USDC balance.
type ChainBalanceProvider interface {
	EscrowTokenBalance(ctx context.Context) (*big.Int, error)
}

// Result holds the outcome of one reconciliation run.
//
// LedgerTotal is what the ledger says the escrow should still hold:
// every verified deposit minus every refund actually paid out. Charged
// amounts stay in escrow until the platform sweeps them, so the on-chain
// balance should never fall below the ledger total by more than the
// alert threshold.
type Result struct {
	Match         bool   `json:"match"`
	EscrowBalance string `json:"escrowBalance"`
	LedgerTotal   string `json:"ledgerTotal"`
	Diff          string `json:"diff"`
	Cards         int    `json:"cards"`
}

// Service performs reconciliation between the ledger and on-chain state.
type Service struct {
	ledger         LedgerTotaler
	chain          ChainBalanceProvider
	alertThreshold *big.Int // USDC smallest units; default $1 = 1_000_000
}

// NewService creates a reconciliation service.
func NewService(ledger LedgerTotaler, chain ChainBalanceProvider) *Service {
	threshold, _ := usdc.Parse("1.000000")
	return &Service{
		ledger:         ledger,
		chain:          chain,
		alertThreshold: threshold,
	}
}

// SetAlertThreshold sets the deficit above which runs are flagged.
func (s *Service) SetAlertThreshold(amount string) {
	if t, ok := usdc.Parse(amount); ok {
		s.alertThreshold = t
	}
}

// Available reports whether on-chain balances can be read.
func (s *Service) Available() bool {
	return s.chain != nil
}

// Reconcile compares the ledger's outstanding total against the escrow
// contract's USDC balance. A surplus (donations, dust, unswept charges
// from a previous deployment) is fine; a deficit past the threshold is
// flagged.
func (s *Service) Reconcile(ctx context.Context) (*Result, error) {
	if s.chain == nil {
		return nil, fmt.Errorf("reconciliation: no chain balance provider configured")
	}

	totals, err := s.ledger.Totals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to sum ledger: %w", err)
	}

	ledgerTotal := big.NewInt(usdc.CentsToUnits(totals.PaidCents - totals.RefundedCents))

	chainBal, err := s.chain.EscrowTokenBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get escrow balance: %w", err)
	}

	diff := new(big.Int).Sub(chainBal, ledgerTotal)
	deficit := new(big.Int).Neg(diff)

	return &Result{
		Match:         deficit.Cmp(s.alertThreshold) <= 0,
		EscrowBalance: usdc.Format(chainBal),
		LedgerTotal:   usdc.Format(ledgerTotal),
		Diff:          usdc.Format(diff),
		Cards:         totals.Cards,
	}, nil
}
