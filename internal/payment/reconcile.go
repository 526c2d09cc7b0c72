package payment

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/payclaw/payclaw/internal/card"
	"github.com/payclaw/payclaw/internal/chain"
	"github.com/payclaw/payclaw/internal/logging"
	"github.com/payclaw/payclaw/internal/metrics"
	"github.com/payclaw/payclaw/internal/retry"
	"github.com/payclaw/payclaw/internal/traces"
	"github.com/payclaw/payclaw/internal/usdc"
)

const (
	refundAttempts   = 3
	refundRetryDelay = 250 * time.Millisecond
)

// SettlementOutcome is the durable result of reconciling one settlement.
type SettlementOutcome struct {
	CardID       string      `json:"card_id"`
	Status       card.Status `json:"status"`
	ChargedCents int64       `json:"charged_cents"`
	RefundCents  int64       `json:"refund_cents"`
	RefundTxHash string      `json:"refund_tx_hash,omitempty"`
	Duplicate    bool        `json:"duplicate,omitempty"`
}

func outcomeOf(c *card.VirtualCard, duplicate bool) *SettlementOutcome {
	return &SettlementOutcome{
		CardID:       c.ID,
		Status:       c.Status,
		ChargedCents: c.ChargedCents,
		RefundCents:  c.RefundCents,
		RefundTxHash: c.RefundTxHash,
		Duplicate:    duplicate,
	}
}

// HandleSettlement reconciles a provider settlement for one card: it
// records the final charge and refunds spend_limit minus actual charge to
// the payer when both are known.
//
// Reconciliation is serialized per card token and idempotent: once a card
// reaches a terminal state, redelivered settlements return the stored
// outcome without touching the chain again. The settlement write is
// conditional on the status this delivery read, so the exactly-once
// guarantee holds across process instances sharing one store, not just
// within one process. A refund dispatch that still fails after retries is
// recorded as refund_failed with the owed amount; later redeliveries do
// not touch the chain again.
func (s *Service) HandleSettlement(ctx context.Context, cardToken string, chargedCents int64) (*SettlementOutcome, error) {
	if chargedCents < 0 {
		return nil, fmt.Errorf("%w: negative charge %d", ErrInvalidAmount, chargedCents)
	}

	ctx, span := traces.StartSpan(ctx, "payment.settle",
		traces.CardToken(cardToken), traces.AmountCents(chargedCents))
	defer span.End()

	unlock, err := s.settleLocks.LockContext(ctx, cardToken)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := s.store.GetByToken(ctx, cardToken)
	if err != nil {
		if errors.Is(err, card.ErrCardNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCard, cardToken)
		}
		return nil, err
	}

	if c.Status.Terminal() {
		logging.L(ctx).Info("duplicate settlement ignored",
			"card_id", c.ID, "status", c.Status)
		metrics.SettlementsTotal.WithLabelValues("duplicate").Inc()
		return outcomeOf(c, true), nil
	}

	refundCents := c.SpendLimitCents - chargedCents
	if refundCents < 0 {
		// Provider charged past the cap; nothing to refund either way.
		logging.L(ctx).Warn("settlement exceeds spend limit",
			"card_id", c.ID, "charged_cents", chargedCents, "spend_limit_cents", c.SpendLimitCents)
		refundCents = 0
	}

	prev := c.Status
	dispatch := false
	switch {
	case refundCents == 0:
		err = c.MarkNoRefundNeeded(chargedCents)

	case c.PayerAddress == "":
		logging.L(ctx).Warn("refund owed but no payer address on file",
			"card_id", c.ID, "refund_cents", refundCents)
		err = c.MarkNoRefundRoute(chargedCents, refundCents)

	default:
		// Claim the settlement durably before touching the chain: the row
		// lands in refund_failed first, so exactly one process across the
		// fleet goes on to dispatch the refund.
		err = c.MarkRefundFailed(chargedCents, refundCents)
		dispatch = true
	}
	if err != nil {
		return nil, err
	}

	if uerr := s.store.UpdateFrom(ctx, c, prev); uerr != nil {
		if errors.Is(uerr, card.ErrStatusConflict) {
			stored, gerr := s.store.GetByToken(ctx, cardToken)
			if gerr != nil {
				return nil, gerr
			}
			if !stored.Status.Terminal() {
				// Simulated activity moved the card mid-settlement; surface
				// the conflict so the issuer redelivers against the new state.
				return nil, uerr
			}
			// Another instance recorded this settlement first.
			logging.L(ctx).Info("duplicate settlement ignored",
				"card_id", stored.ID, "status", stored.Status)
			metrics.SettlementsTotal.WithLabelValues("duplicate").Inc()
			return outcomeOf(stored, true), nil
		}
		return nil, uerr
	}

	if dispatch {
		s.dispatchRefund(ctx, c, refundCents)
	}

	logging.L(ctx).Info("settlement reconciled",
		"card_id", c.ID,
		"status", c.Status,
		"charged_cents", chargedCents,
		"refund_cents", c.RefundCents,
	)
	metrics.SettlementsTotal.WithLabelValues(string(c.Status)).Inc()
	s.notify("card.settled", c)

	return outcomeOf(c, false), nil
}

// dispatchRefund sends the unused buffer back on-chain and upgrades the
// claimed card from refund_failed to refunded on success. Chain failure
// leaves the claim in place for the operator retry path; it is never
// returned to the webhook as an error.
func (s *Service) dispatchRefund(ctx context.Context, c *card.VirtualCard, refundCents int64) {
	if s.disperser == nil || !s.disperser.CanRefund() {
		logging.L(ctx).Warn("refund owed but refunds are disabled",
			"card_id", c.ID, "refund_cents", refundCents)
		return
	}

	units := big.NewInt(usdc.CentsToUnits(refundCents))
	recipient := common.HexToAddress(c.PayerAddress)

	// Transient chain failures get a short in-process retry; a reverted
	// refund tx is final and recorded immediately.
	var res *chain.RefundResult
	err := retry.Do(ctx, refundAttempts, refundRetryDelay, func() error {
		var rerr error
		res, rerr = s.disperser.Refund(ctx, recipient, units, c.SessionID)
		if errors.Is(rerr, chain.ErrRefundReverted) || errors.Is(rerr, chain.ErrSigningUnavailable) {
			return retry.Permanent(rerr)
		}
		return rerr
	})
	if err != nil {
		logging.L(ctx).Error("refund dispatch failed",
			"card_id", c.ID,
			"session_id", c.SessionID,
			"refund_cents", refundCents,
			"error", err,
		)
		return
	}

	if err := c.MarkRefundRecovered(res.TxHash); err != nil {
		logging.L(ctx).Error("refund dispatched but not recorded",
			"card_id", c.ID, "refund_tx", res.TxHash, "error", err)
		return
	}
	if err := s.store.UpdateFrom(ctx, c, card.StatusRefundFailed); err != nil {
		logging.L(ctx).Error("refund dispatched but not recorded",
			"card_id", c.ID, "refund_tx", res.TxHash, "error", err)
		return
	}
	metrics.RefundUnitsTotal.Add(float64(units.Int64()))
}

// ErrRefundNotRetryable marks cards that have no failed refund to retry.
var ErrRefundNotRetryable = errors.New("payment: card has no failed refund to retry")

// RetryRefund re-dispatches the refund recorded on a refund_failed card.
// It is the operator recovery path for refunds that exhausted their
// automatic retries during settlement. Unlike settlement, a chain failure
// here is returned to the caller; the card simply stays refund_failed.
func (s *Service) RetryRefund(ctx context.Context, cardID string) (*SettlementOutcome, error) {
	c, err := s.store.Get(ctx, cardID)
	if err != nil {
		return nil, err
	}

	unlock, err := s.settleLocks.LockContext(ctx, c.IssuerToken)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under the lock in case a concurrent retry won.
	c, err = s.store.Get(ctx, cardID)
	if err != nil {
		return nil, err
	}

	if c.Status != card.StatusRefundFailed {
		return nil, fmt.Errorf("%w: status is %s", ErrRefundNotRetryable, c.Status)
	}
	if c.RefundCents <= 0 || c.PayerAddress == "" {
		return nil, fmt.Errorf("%w: no refund amount or payer on file", ErrRefundNotRetryable)
	}
	if s.disperser == nil || !s.disperser.CanRefund() {
		return nil, chain.ErrSigningUnavailable
	}

	units := big.NewInt(usdc.CentsToUnits(c.RefundCents))
	recipient := common.HexToAddress(c.PayerAddress)

	var res *chain.RefundResult
	err = retry.Do(ctx, refundAttempts, refundRetryDelay, func() error {
		var rerr error
		res, rerr = s.disperser.Refund(ctx, recipient, units, c.SessionID)
		if errors.Is(rerr, chain.ErrRefundReverted) || errors.Is(rerr, chain.ErrSigningUnavailable) {
			return retry.Permanent(rerr)
		}
		return rerr
	})
	if err != nil {
		logging.L(ctx).Error("refund retry failed",
			"card_id", c.ID, "refund_cents", c.RefundCents, "error", err)
		return nil, err
	}

	if err := c.MarkRefundRecovered(res.TxHash); err != nil {
		return nil, err
	}
	if err := s.store.UpdateFrom(ctx, c, card.StatusRefundFailed); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("failed refund recovered",
		"card_id", c.ID,
		"refund_cents", c.RefundCents,
		"refund_tx", res.TxHash,
	)
	metrics.RefundUnitsTotal.Add(float64(units.Int64()))
	metrics.SettlementsTotal.WithLabelValues(string(c.Status)).Inc()
	s.notify("card.settled", c)

	return outcomeOf(c, false), nil
}
