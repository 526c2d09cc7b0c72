package issuer

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/payclaw/payclaw/internal/logging"
)

// StripeGateway issues cards through Stripe Issuing. The API client is
// injected rather than configured through the package-global key so tests
// and multi-tenant callers can carry their own credentials.
type StripeGateway struct {
	api        *client.API
	cardholder string
}

var _ Gateway = (*StripeGateway)(nil)

// NewStripeGateway creates a gateway bound to one Issuing cardholder
func NewStripeGateway(apiKey, cardholder string) (*StripeGateway, error) {
	if apiKey == "" || cardholder == "" {
		return nil, fmt.Errorf("%w: API key and cardholder required", ErrNotConfigured)
	}

	api := &client.API{}
	api.Init(apiKey, nil)

	return &StripeGateway{api: api, cardholder: cardholder}, nil
}

// NewStripeGatewayWithClient creates a gateway with a caller-supplied API
// client (useful for testing against a stubbed backend)
func NewStripeGatewayWithClient(api *client.API, cardholder string) *StripeGateway {
	return &StripeGateway{api: api, cardholder: cardholder}
}

// IssueCard creates a virtual card capped per authorization, then fetches
// it with the sensitive fields expanded. Expansion only succeeds in test
// mode; live mode returns the card without PAN/CVV.
func (g *StripeGateway) IssueCard(ctx context.Context, req IssueRequest) (*Card, error) {
	if req.SpendLimitCents <= 0 {
		return nil, fmt.Errorf("spend limit must be positive, got %d", req.SpendLimitCents)
	}

	params := &stripe.IssuingCardParams{
		Params:     stripe.Params{Context: ctx},
		Cardholder: stripe.String(g.cardholder),
		Currency:   stripe.String(string(stripe.CurrencyUSD)),
		Type:       stripe.String(string(stripe.IssuingCardTypeVirtual)),
		Status:     stripe.String(string(stripe.IssuingCardStatusActive)),
		SpendingControls: &stripe.IssuingCardSpendingControlsParams{
			SpendingLimits: []*stripe.IssuingCardSpendingControlsSpendingLimitParams{
				{
					Amount:   stripe.Int64(req.SpendLimitCents),
					Interval: stripe.String(string(stripe.IssuingCardSpendingControlsSpendingLimitIntervalPerAuthorization)),
				},
			},
		},
	}
	if req.Memo != "" {
		params.AddMetadata("memo", req.Memo)
	}

	created, err := g.api.IssuingCards.New(params)
	if err != nil {
		return nil, fmt.Errorf("%w: create card: %v", ErrIssuerUnavailable, err)
	}

	getParams := &stripe.IssuingCardParams{Params: stripe.Params{Context: ctx}}
	getParams.AddExpand("number")
	getParams.AddExpand("cvc")

	full, err := g.api.IssuingCards.Get(created.ID, getParams)
	if err != nil {
		// Card exists but the detail fetch failed; return what we have so
		// the caller does not double-issue.
		logging.L(ctx).Warn("card issued but detail fetch failed", "card_token", created.ID, "error", err)
		full = created
	}

	card := &Card{
		Token:           full.ID,
		PAN:             full.Number,
		CVV:             full.CVC,
		ExpMonth:        full.ExpMonth,
		ExpYear:         full.ExpYear,
		Last4:           full.Last4,
		State:           string(full.Status),
		SpendLimitCents: req.SpendLimitCents,
	}

	logging.L(ctx).Info("virtual card issued",
		"card_token", card.Token,
		"last_four", card.Last4,
		"spend_limit_cents", req.SpendLimitCents,
	)
	return card, nil
}

// SimulateAuthorization creates a test-mode authorization on the card
func (g *StripeGateway) SimulateAuthorization(ctx context.Context, cardToken string, amountCents int64, descriptor, mcc string) (string, error) {
	params := &stripe.TestHelpersIssuingAuthorizationParams{
		Params: stripe.Params{Context: ctx},
		Amount: stripe.Int64(amountCents),
		Card:   stripe.String(cardToken),
	}
	if descriptor != "" || mcc != "" {
		params.MerchantData = &stripe.TestHelpersIssuingAuthorizationMerchantDataParams{}
		if descriptor != "" {
			params.MerchantData.Name = stripe.String(descriptor)
		}
		if mcc != "" {
			params.MerchantData.Category = stripe.String(mcc)
		}
	}

	auth, err := g.api.TestHelpersIssuingAuthorizations.New(params)
	if err != nil {
		return "", fmt.Errorf("%w: simulate authorization: %v", ErrIssuerUnavailable, err)
	}
	return auth.ID, nil
}

// SimulateClearing captures a test-mode authorization
func (g *StripeGateway) SimulateClearing(ctx context.Context, authorizationID string, amountCents int64) error {
	params := &stripe.TestHelpersIssuingAuthorizationCaptureParams{
		Params:        stripe.Params{Context: ctx},
		CaptureAmount: stripe.Int64(amountCents),
	}

	if _, err := g.api.TestHelpersIssuingAuthorizations.Capture(authorizationID, params); err != nil {
		return fmt.Errorf("%w: capture authorization: %v", ErrIssuerUnavailable, err)
	}
	return nil
}
