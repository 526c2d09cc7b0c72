// Package admin exposes operator endpoints: finding cards stuck mid
// lifecycle, retrying failed refunds, and reconciling the ledger against
// the escrow contract's on-chain balance.
package admin

import (
	"context"
	"time"

	"github.com/payclaw/payclaw/internal/card"
)

// DefaultStuckWindow is how old a pending reservation must be before it
// counts as stuck. Confirm calls finish in seconds; anything pending for
// minutes was interrupted between reservation and issuance.
const DefaultStuckWindow = 10 * time.Minute

// StuckReport lists cards that need operator attention.
type StuckReport struct {
	// Pending reservations older than the window: the tx_ref is burned
	// but no card was issued.
	StalePending []*card.VirtualCard `json:"stalePending"`

	// Settled cards whose refund dispatch failed; candidates for
	// retry-refund.
	RefundFailed []*card.VirtualCard `json:"refundFailed"`

	Window string `json:"window"`
}

// CardLister is the slice of the ledger the stuck scan needs.
type CardLister interface {
	ListCards(ctx context.Context, filter card.ListFilter) ([]*card.VirtualCard, error)
}

// FindStuck scans the ledger for cards stuck mid lifecycle.
func FindStuck(ctx context.Context, ledger CardLister, window time.Duration) (*StuckReport, error) {
	if window <= 0 {
		window = DefaultStuckWindow
	}

	pending, err := ledger.ListCards(ctx, card.ListFilter{
		Status:        card.StatusPending,
		CreatedBefore: time.Now().UTC().Add(-window),
	})
	if err != nil {
		return nil, err
	}

	failed, err := ledger.ListCards(ctx, card.ListFilter{
		Status: card.StatusRefundFailed,
	})
	if err != nil {
		return nil, err
	}

	return &StuckReport{
		StalePending: pending,
		RefundFailed: failed,
		Window:       window.String(),
	}, nil
}
