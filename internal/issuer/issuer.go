// Package issuer provisions single-use virtual cards with hard spend caps.
package issuer

import (
	"context"
	"errors"
)

var (
	ErrNotConfigured     = errors.New("issuer: not configured")
	ErrIssuerUnavailable = errors.New("issuer: provider request failed")
	ErrNoPAN             = errors.New("issuer: card number not available")
)

// Card is a provisioned virtual card. PAN and CVV are only populated when
// the provider exposes them (test mode); they are never persisted.
type Card struct {
	Token    string // provider card ID
	PAN      string
	CVV      string
	ExpMonth int64
	ExpYear  int64
	Last4    string
	State    string // provider-reported state, e.g. "active"

	SpendLimitCents int64
}

// IssueRequest describes the card to provision
type IssueRequest struct {
	SpendLimitCents int64  // per-authorization cap in USD cents
	Memo            string // merchant name or session reference
}

// Gateway provisions cards and drives test-mode card activity.
//
// Implementations must treat every call as a remote operation: callers get
// the provider's error detail wrapped in ErrIssuerUnavailable and decide
// themselves whether to retry.
type Gateway interface {
	// IssueCard creates a virtual single-use card capped at the requested
	// per-authorization spend limit.
	IssueCard(ctx context.Context, req IssueRequest) (*Card, error)

	// SimulateAuthorization creates a test-mode authorization against the
	// card and returns the provider authorization ID.
	SimulateAuthorization(ctx context.Context, cardToken string, amountCents int64, descriptor, mcc string) (string, error)

	// SimulateClearing captures a previously created test-mode
	// authorization for the given amount.
	SimulateClearing(ctx context.Context, authorizationID string, amountCents int64) error
}
