// Package card is the ledger of virtual cards issued against on-chain
// deposits. One row per verified deposit transaction; the tx_ref unique
// constraint is what makes deposit claiming exactly-once.
package card

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/payclaw/payclaw/internal/pagination"
)

var (
	ErrCardNotFound         = errors.New("card: not found")
	ErrDuplicateTransaction = errors.New("card: transaction already used")
	ErrInvalidTransition    = errors.New("card: invalid status transition")
	ErrStatusConflict       = errors.New("card: status changed concurrently")
)

// Status is the lifecycle state of a virtual card.
type Status string

const (
	// StatusPending is a reservation: the tx_ref is claimed but the card
	// has not been issued yet. Rows stuck here mark an interrupted confirm.
	StatusPending Status = "pending"

	StatusIssued     Status = "issued"
	StatusAuthorized Status = "authorized"
	StatusCleared    Status = "cleared"

	// Settlement terminal states.
	StatusRefunded       Status = "refunded"
	StatusNoRefundNeeded Status = "no_refund_needed"
	StatusNoRefundRoute  Status = "no_refund_route"
	StatusRefundFailed   Status = "refund_failed"
)

// Terminal reports whether settlement has already been recorded.
func (s Status) Terminal() bool {
	switch s {
	case StatusRefunded, StatusNoRefundNeeded, StatusNoRefundRoute, StatusRefundFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusIssued, StatusAuthorized, StatusCleared,
		StatusRefunded, StatusNoRefundNeeded, StatusNoRefundRoute, StatusRefundFailed:
		return true
	}
	return false
}

// VirtualCard ties a verified escrow deposit to an issued card and tracks
// it through settlement. Card PAN and CVV are never stored here.
type VirtualCard struct {
	ID           string `json:"id"`
	SessionID    string `json:"sessionId"`
	TxRef        string `json:"txRef"`
	PayerAddress string `json:"payerAddress,omitempty"`
	MerchantName string `json:"merchantName,omitempty"`

	AmountCents     int64 `json:"amountCents"`     // purchase amount requested at initiate
	PaidCents       int64 `json:"paidCents"`       // verified on-chain deposit
	SpendLimitCents int64 `json:"spendLimitCents"` // per-authorization cap on the card

	IssuerToken string `json:"issuerToken,omitempty"`
	Last4       string `json:"lastFour,omitempty"`
	ExpMonth    int64  `json:"expMonth,omitempty"`
	ExpYear     int64  `json:"expYear,omitempty"`

	Status Status `json:"status"`

	AuthorizationID string `json:"authorizationId,omitempty"`
	AuthorizedCents int64  `json:"authorizedCents,omitempty"`
	ChargedCents    int64  `json:"chargedCents,omitempty"`

	RefundCents  int64      `json:"refundCents,omitempty"` // owed or paid back
	RefundTxHash string     `json:"refundTxHash,omitempty"`
	SettledAt    *time.Time `json:"settledAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (c *VirtualCard) transition(to Status) error {
	allowed := map[Status][]Status{
		StatusPending:    {StatusIssued},
		StatusIssued:     {StatusAuthorized, StatusRefunded, StatusNoRefundNeeded, StatusNoRefundRoute, StatusRefundFailed},
		StatusAuthorized: {StatusCleared, StatusRefunded, StatusNoRefundNeeded, StatusNoRefundRoute, StatusRefundFailed},
		StatusCleared:    {StatusRefunded, StatusNoRefundNeeded, StatusNoRefundRoute, StatusRefundFailed},

		// Operator retry path for refunds that failed to dispatch.
		StatusRefundFailed: {StatusRefunded},
	}

	for _, next := range allowed[c.Status] {
		if next == to {
			c.Status = to
			c.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
}

// MarkIssued records successful card issuance on a pending reservation.
func (c *VirtualCard) MarkIssued(token, last4 string, expMonth, expYear, spendLimitCents int64) error {
	if err := c.transition(StatusIssued); err != nil {
		return err
	}
	c.IssuerToken = token
	c.Last4 = last4
	c.ExpMonth = expMonth
	c.ExpYear = expYear
	c.SpendLimitCents = spendLimitCents
	return nil
}

// MarkAuthorized records a merchant authorization hold.
func (c *VirtualCard) MarkAuthorized(authorizationID string, amountCents int64) error {
	if err := c.transition(StatusAuthorized); err != nil {
		return err
	}
	c.AuthorizationID = authorizationID
	c.AuthorizedCents = amountCents
	return nil
}

// MarkCleared records the capture of a prior authorization.
func (c *VirtualCard) MarkCleared(amountCents int64) error {
	if c.AuthorizationID == "" {
		return fmt.Errorf("%w: clearing requires a prior authorization", ErrInvalidTransition)
	}
	if err := c.transition(StatusCleared); err != nil {
		return err
	}
	c.ChargedCents = amountCents
	return nil
}

func (c *VirtualCard) settle(to Status, chargedCents int64) error {
	if err := c.transition(to); err != nil {
		return err
	}
	c.ChargedCents = chargedCents
	now := time.Now().UTC()
	c.SettledAt = &now
	return nil
}

// MarkRefunded records a settled card whose unused buffer went back on-chain.
func (c *VirtualCard) MarkRefunded(chargedCents, refundCents int64, refundTxHash string) error {
	if err := c.settle(StatusRefunded, chargedCents); err != nil {
		return err
	}
	c.RefundCents = refundCents
	c.RefundTxHash = refundTxHash
	return nil
}

// MarkNoRefundNeeded records a settlement that consumed the full limit.
func (c *VirtualCard) MarkNoRefundNeeded(chargedCents int64) error {
	return c.settle(StatusNoRefundNeeded, chargedCents)
}

// MarkNoRefundRoute records a refund owed with no payer address on file.
func (c *VirtualCard) MarkNoRefundRoute(chargedCents, refundCents int64) error {
	if err := c.settle(StatusNoRefundRoute, chargedCents); err != nil {
		return err
	}
	c.RefundCents = refundCents
	return nil
}

// MarkRefundFailed records a refund dispatch failure with the owed amount.
func (c *VirtualCard) MarkRefundFailed(chargedCents, refundCents int64) error {
	if err := c.settle(StatusRefundFailed, chargedCents); err != nil {
		return err
	}
	c.RefundCents = refundCents
	return nil
}

// MarkRefundRecovered records a successful operator-driven retry of a
// failed refund. The owed amount was recorded when the dispatch failed.
func (c *VirtualCard) MarkRefundRecovered(refundTxHash string) error {
	if err := c.transition(StatusRefunded); err != nil {
		return err
	}
	c.RefundTxHash = refundTxHash
	return nil
}

// ListFilter narrows List results. Zero values mean no filter. After
// resumes a page strictly past the given (created_at, id) position.
type ListFilter struct {
	SessionID     string
	TxRef         string
	Status        Status
	CreatedBefore time.Time
	Limit         int
	Offset        int
	After         *pagination.Cursor
}

// Totals aggregates the money-moving columns of the ledger. Units are
// cents; RefundedCents counts only refunds actually paid out.
type Totals struct {
	PaidCents     int64 `json:"paidCents"`
	RefundedCents int64 `json:"refundedCents"`
	Cards         int   `json:"cards"`
}

// Store persists virtual cards. Reserve must enforce tx_ref uniqueness
// atomically; everything downstream relies on it.
type Store interface {
	// Reserve inserts a pending row, claiming the tx_ref. Returns
	// ErrDuplicateTransaction if any row already holds it.
	Reserve(ctx context.Context, c *VirtualCard) error

	// Delete removes a row, used to roll back a failed reservation.
	Delete(ctx context.Context, id string) error

	// Update persists the current state of an existing card.
	Update(ctx context.Context, c *VirtualCard) error

	// UpdateFrom persists c only if the stored row still has status prev,
	// returning ErrStatusConflict otherwise. Settlement and the simulate
	// endpoints write through this, so the guard holds across process
	// instances sharing one database, not just within one process.
	UpdateFrom(ctx context.Context, c *VirtualCard, prev Status) error

	Get(ctx context.Context, id string) (*VirtualCard, error)
	GetByTxRef(ctx context.Context, txRef string) (*VirtualCard, error)
	GetByToken(ctx context.Context, issuerToken string) (*VirtualCard, error)

	// List returns cards in insertion order.
	List(ctx context.Context, filter ListFilter) ([]*VirtualCard, error)

	// Totals sums the ledger's deposits and paid refunds.
	Totals(ctx context.Context) (*Totals, error)
}
