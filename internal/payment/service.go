// Package payment coordinates the deposit-to-card lifecycle: a session is
// opened, the agent deposits USDC into escrow, the deposit is verified and
// claimed exactly once, a capped virtual card is issued, and settlement
// returns the unused buffer on-chain.
package payment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/payclaw/payclaw/internal/card"
	"github.com/payclaw/payclaw/internal/chain"
	"github.com/payclaw/payclaw/internal/idgen"
	"github.com/payclaw/payclaw/internal/issuer"
	"github.com/payclaw/payclaw/internal/logging"
	"github.com/payclaw/payclaw/internal/metrics"
	"github.com/payclaw/payclaw/internal/session"
	"github.com/payclaw/payclaw/internal/syncutil"
	"github.com/payclaw/payclaw/internal/traces"
	"github.com/payclaw/payclaw/internal/usdc"
	"github.com/payclaw/payclaw/internal/validation"
)

var (
	ErrContractsUnconfigured = errors.New("payment: escrow contracts not configured")
	ErrInvalidAmount         = errors.New("payment: invalid amount")
	ErrInvalidAddress        = errors.New("payment: invalid payer address")
	ErrIssuance              = errors.New("payment: card issuance failed")
	ErrUnknownCard           = errors.New("payment: unknown card token")
)

const (
	// BufferPercent is the safety margin applied twice: once on the
	// deposit requirement at initiate, once on the card cap at confirm.
	BufferPercent = 5

	// MinAmountCents and MaxAmountCents bound a single purchase.
	MinAmountCents = 100       // $1.00
	MaxAmountCents = 5_000_00  // $5,000.00
)

// WithBuffer applies the safety margin to an amount in cents.
func WithBuffer(cents int64) int64 {
	return cents * (100 + BufferPercent) / 100
}

// DepositVerifier checks a claimed deposit transaction against the escrow.
type DepositVerifier interface {
	VerifyDeposit(ctx context.Context, txRef, sessionID string, minAmount *big.Int) (*chain.Deposit, error)
}

// RefundDisperser returns unused buffer to the payer on-chain.
type RefundDisperser interface {
	CanRefund() bool
	Refund(ctx context.Context, recipient common.Address, amount *big.Int, sessionID string) (*chain.RefundResult, error)
}

// Notifier pushes card lifecycle events to connected dashboard clients.
type Notifier interface {
	Broadcast(event string, data interface{})
}

// Config carries the chain constants surfaced in initiate responses.
type Config struct {
	EscrowContract string
	TokenContract  string
	ChainID        int64
}

// Service is the payment lifecycle coordinator.
type Service struct {
	cfg       Config
	sessions  *session.Manager
	store     card.Store
	verifier  DepositVerifier
	disperser RefundDisperser
	gateway   issuer.Gateway
	notifier  Notifier

	settleLocks syncutil.ContextShardedMutex
}

// NewService wires the coordinator. verifier, disperser, gateway and
// notifier may each be nil; the corresponding operations then fail with
// configuration errors instead of panics.
func NewService(cfg Config, sessions *session.Manager, store card.Store, verifier DepositVerifier, disperser RefundDisperser, gateway issuer.Gateway, notifier Notifier) *Service {
	return &Service{
		cfg:       cfg,
		sessions:  sessions,
		store:     store,
		verifier:  verifier,
		disperser: disperser,
		gateway:   gateway,
		notifier:  notifier,
	}
}

// InitiateRequest starts a payment session.
type InitiateRequest struct {
	AmountUSD    float64 `json:"amount_usd" binding:"required"`
	PayerAddress string  `json:"payer_address"`
	MerchantName string  `json:"merchant_name"`
}

// InitiateResponse tells the agent what to deposit and where.
type InitiateResponse struct {
	SessionID             string    `json:"session_id"`
	ContractAddress       string    `json:"contract_address"`
	TokenContract         string    `json:"token_contract"`
	RequiredAmount        string    `json:"required_amount"` // smallest units, decimal string
	RequiredAmountDisplay string    `json:"required_amount_display"`
	AmountUSDWithBuffer   string    `json:"amount_usd_with_buffer"`
	ExpiresAt             time.Time `json:"expires_at"`
	ChainID               int64     `json:"chain_id"`
}

// Initiate opens a session and returns deposit instructions. The deposit
// requirement includes the session buffer.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResponse, error) {
	if s.cfg.EscrowContract == "" || s.cfg.TokenContract == "" {
		return nil, ErrContractsUnconfigured
	}

	cents, err := usdToCents(req.AmountUSD)
	if err != nil {
		return nil, err
	}
	if req.PayerAddress != "" && !common.IsHexAddress(req.PayerAddress) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, req.PayerAddress)
	}

	merchant := validation.SanitizeString(req.MerchantName, validation.MaxMerchantNameLength)

	buffered := WithBuffer(cents)
	sess := s.sessions.Create(cents, buffered, req.PayerAddress, merchant)
	units := usdc.CentsToUnits(buffered)

	logging.L(ctx).Info("payment session opened",
		"session_id", sess.ID,
		"amount_cents", cents,
		"buffered_cents", buffered,
		"payer", req.PayerAddress,
	)
	metrics.SessionsOpened.Inc()

	return &InitiateResponse{
		SessionID:             sess.ID,
		ContractAddress:       s.cfg.EscrowContract,
		TokenContract:         s.cfg.TokenContract,
		RequiredAmount:        fmt.Sprintf("%d", units),
		RequiredAmountDisplay: usdc.Format(big.NewInt(units)),
		AmountUSDWithBuffer:   usdc.CentsDisplay(buffered),
		ExpiresAt:             sess.ExpiresAt,
		ChainID:               s.cfg.ChainID,
	}, nil
}

// ConfirmRequest claims a deposit and asks for the card.
type ConfirmRequest struct {
	SessionID    string `json:"session_id" binding:"required"`
	TxRef        string `json:"tx_ref" binding:"required"`
	PayerAddress string `json:"payer_address"`
}

// CardDetails is the one-time card payload returned to the agent. PAN and
// CVV exist only in this response; the ledger never stores them.
type CardDetails struct {
	PAN      string `json:"pan,omitempty"`
	CVV      string `json:"cvv,omitempty"`
	ExpMonth int64  `json:"exp_month"`
	ExpYear  int64  `json:"exp_year"`
	LastFour string `json:"last_four"`
	Token    string `json:"token"`
	State    string `json:"state"`
}

// ConfirmResponse reports the verified deposit and the issued card.
type ConfirmResponse struct {
	Success   bool        `json:"success"`
	CardID    string      `json:"card_id"`
	TxRef     string      `json:"tx_ref"`
	AmountUSD string      `json:"amount_usd"`
	Card      CardDetails `json:"card"`
}

// Confirm verifies the deposit behind txRef and issues a capped card.
//
// The tx_ref is claimed by inserting a pending ledger row before anything
// else; the store's unique constraint makes the claim first-writer-wins
// across processes. Verification or issuance failure rolls the reservation
// back so the agent can retry with the same deposit.
func (s *Service) Confirm(ctx context.Context, req ConfirmRequest) (*ConfirmResponse, error) {
	ctx, span := traces.StartSpan(ctx, "payment.confirm",
		traces.SessionID(req.SessionID), traces.TxRef(req.TxRef))
	defer span.End()

	sess, err := s.sessions.Claim(req.SessionID)
	if err != nil {
		return nil, err
	}

	payer := sess.PayerAddress
	if req.PayerAddress != "" {
		if !common.IsHexAddress(req.PayerAddress) {
			s.sessions.Release(req.SessionID)
			return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, req.PayerAddress)
		}
		payer = req.PayerAddress
	}

	now := time.Now().UTC()
	reservation := &card.VirtualCard{
		ID:           idgen.WithPrefix("vc_"),
		SessionID:    sess.ID,
		TxRef:        req.TxRef,
		PayerAddress: payer,
		MerchantName: sess.MerchantName,
		AmountCents:  sess.AmountCents,
		Status:       card.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.Reserve(ctx, reservation); err != nil {
		s.sessions.Release(req.SessionID)
		return nil, err
	}

	rollback := func() {
		if derr := s.store.Delete(ctx, reservation.ID); derr != nil {
			logging.L(ctx).Error("failed to roll back card reservation",
				"card_id", reservation.ID, "tx_ref", req.TxRef, "error", derr)
		}
		s.sessions.Release(req.SessionID)
	}

	minUnits := big.NewInt(usdc.CentsToUnits(sess.BufferedCents))
	deposit, err := s.verifyDeposit(ctx, req.TxRef, sess.ID, minUnits)
	if err != nil {
		rollback()
		metrics.DepositsVerified.WithLabelValues("rejected").Inc()
		return nil, err
	}
	metrics.DepositsVerified.WithLabelValues("verified").Inc()

	if !deposit.Amount.IsInt64() {
		rollback()
		return nil, fmt.Errorf("%w: deposit amount %s overflows", ErrInvalidAmount, deposit.Amount)
	}

	// Payer recorded on-chain beats anything the caller sent.
	reservation.PayerAddress = deposit.Payer.Hex()
	reservation.PaidCents = usdc.UnitsToCents(deposit.Amount.Int64())

	spendLimit := WithBuffer(reservation.PaidCents)
	issued, err := s.issueCard(ctx, sess, spendLimit)
	if err != nil {
		rollback()
		metrics.CardsIssued.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrIssuance, err)
	}

	if err := reservation.MarkIssued(issued.Token, issued.Last4, issued.ExpMonth, issued.ExpYear, spendLimit); err != nil {
		rollback()
		return nil, err
	}
	if err := s.store.Update(ctx, reservation); err != nil {
		// Card exists at the provider but the ledger write failed. Keep the
		// reservation so the tx_ref stays burned and surface the error.
		logging.L(ctx).Error("card issued but ledger update failed",
			"card_id", reservation.ID, "card_token", issued.Token, "error", err)
		return nil, err
	}

	logging.L(ctx).Info("card issued for deposit",
		"card_id", reservation.ID,
		"session_id", sess.ID,
		"tx_ref", req.TxRef,
		"paid_cents", reservation.PaidCents,
		"spend_limit_cents", spendLimit,
	)
	metrics.CardsIssued.WithLabelValues("issued").Inc()
	s.notify("card.issued", reservation)

	return &ConfirmResponse{
		Success:   true,
		CardID:    reservation.ID,
		TxRef:     req.TxRef,
		AmountUSD: usdc.CentsDisplay(reservation.PaidCents),
		Card: CardDetails{
			PAN:      issued.PAN,
			CVV:      issued.CVV,
			ExpMonth: issued.ExpMonth,
			ExpYear:  issued.ExpYear,
			LastFour: issued.Last4,
			Token:    issued.Token,
			State:    issued.State,
		},
	}, nil
}

func (s *Service) verifyDeposit(ctx context.Context, txRef, sessionID string, minUnits *big.Int) (*chain.Deposit, error) {
	if s.verifier == nil {
		return nil, ErrContractsUnconfigured
	}
	return s.verifier.VerifyDeposit(ctx, txRef, sessionID, minUnits)
}

func (s *Service) issueCard(ctx context.Context, sess *session.Session, spendLimitCents int64) (*issuer.Card, error) {
	if s.gateway == nil {
		return nil, issuer.ErrNotConfigured
	}
	memo := sess.MerchantName
	if memo == "" {
		memo = sess.ID
	}
	return s.gateway.IssueCard(ctx, issuer.IssueRequest{
		SpendLimitCents: spendLimitCents,
		Memo:            memo,
	})
}

// GetCard returns one ledger entry.
func (s *Service) GetCard(ctx context.Context, id string) (*card.VirtualCard, error) {
	return s.store.Get(ctx, id)
}

// ListCards returns ledger entries in insertion order.
func (s *Service) ListCards(ctx context.Context, filter card.ListFilter) ([]*card.VirtualCard, error) {
	return s.store.List(ctx, filter)
}

func (s *Service) notify(event string, data interface{}) {
	if s.notifier != nil {
		s.notifier.Broadcast(event, data)
	}
}

// usdToCents converts the inbound JSON dollar amount to integer cents,
// the last point where floats are allowed.
func usdToCents(amountUSD float64) (int64, error) {
	if math.IsNaN(amountUSD) || math.IsInf(amountUSD, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, amountUSD)
	}
	cents := int64(math.Round(amountUSD * 100))
	if cents < MinAmountCents || cents > MaxAmountCents {
		return 0, fmt.Errorf("%w: %.2f is outside [%.2f, %.2f]",
			ErrInvalidAmount, amountUSD,
			float64(MinAmountCents)/100, float64(MaxAmountCents)/100)
	}
	return cents, nil
}
