package issuer

import (
	"context"
	"fmt"

	"github.com/payclaw/payclaw/internal/circuitbreaker"
)

// breakerKey is the single circuit key; there is one card provider.
const breakerKey = "issuer"

// ErrCircuitOpen is returned when the provider circuit is open and calls
// are being shed without reaching the provider.
var ErrCircuitOpen = fmt.Errorf("%w: circuit open", ErrIssuerUnavailable)

// breakerGateway wraps a Gateway with a circuit breaker so that a
// struggling provider sheds load fast instead of tying up confirm calls
// in timeouts.
type breakerGateway struct {
	next    Gateway
	breaker *circuitbreaker.Breaker
}

// WithBreaker decorates g with circuit breaking. A nil breaker returns g
// unchanged.
func WithBreaker(g Gateway, b *circuitbreaker.Breaker) Gateway {
	if b == nil {
		return g
	}
	return &breakerGateway{next: g, breaker: b}
}

func (g *breakerGateway) IssueCard(ctx context.Context, req IssueRequest) (*Card, error) {
	if !g.breaker.Allow(breakerKey) {
		return nil, ErrCircuitOpen
	}
	c, err := g.next.IssueCard(ctx, req)
	g.record(err)
	return c, err
}

func (g *breakerGateway) SimulateAuthorization(ctx context.Context, cardToken string, amountCents int64, descriptor, mcc string) (string, error) {
	if !g.breaker.Allow(breakerKey) {
		return "", ErrCircuitOpen
	}
	id, err := g.next.SimulateAuthorization(ctx, cardToken, amountCents, descriptor, mcc)
	g.record(err)
	return id, err
}

func (g *breakerGateway) SimulateClearing(ctx context.Context, authorizationID string, amountCents int64) error {
	if !g.breaker.Allow(breakerKey) {
		return ErrCircuitOpen
	}
	err := g.next.SimulateClearing(ctx, authorizationID, amountCents)
	g.record(err)
	return err
}

func (g *breakerGateway) record(err error) {
	if err != nil {
		g.breaker.RecordFailure(breakerKey)
		return
	}
	g.breaker.RecordSuccess(breakerKey)
}
