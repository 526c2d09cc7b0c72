package payment

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/payclaw/payclaw/internal/card"
	"github.com/payclaw/payclaw/internal/chain"
	"github.com/payclaw/payclaw/internal/issuer"
	"github.com/payclaw/payclaw/internal/session"
)

const (
	testEscrow = "0x1111111111111111111111111111111111111111"
	testToken  = "0x3333333333333333333333333333333333333333"
	testPayer  = "0x2222222222222222222222222222222222222222"
)

// --- fakes ---

type fakeVerifier struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, txRef, sessionID string, min *big.Int) (*chain.Deposit, error)
}

func (f *fakeVerifier) VerifyDeposit(ctx context.Context, txRef, sessionID string, min *big.Int) (*chain.Deposit, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(ctx, txRef, sessionID, min)
}

// paidVerifier accepts any tx carrying `units` for the requested session
func paidVerifier(units int64) *fakeVerifier {
	return &fakeVerifier{fn: func(_ context.Context, txRef, sessionID string, min *big.Int) (*chain.Deposit, error) {
		amount := big.NewInt(units)
		if min != nil && amount.Cmp(min) < 0 {
			return nil, chain.ErrUnderpayment
		}
		return &chain.Deposit{
			TxRef:     txRef,
			Payer:     common.HexToAddress(testPayer),
			Amount:    amount,
			SessionID: sessionID,
		}, nil
	}}
}

type fakeDisperser struct {
	canRefund bool
	mu        sync.Mutex
	calls     int
	lastUnits *big.Int
	err       error
}

func (f *fakeDisperser) CanRefund() bool { return f.canRefund }

func (f *fakeDisperser) Refund(_ context.Context, recipient common.Address, amount *big.Int, sessionID string) (*chain.RefundResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastUnits = new(big.Int).Set(amount)
	if f.err != nil {
		return nil, f.err
	}
	return &chain.RefundResult{TxHash: "0xrefundtx", Recipient: recipient.Hex(), Amount: amount}, nil
}

type fakeGateway struct {
	mu          sync.Mutex
	issued      int
	err         error
	onAuthorize func() // runs inside SimulateAuthorization, before it returns
}

func (f *fakeGateway) IssueCard(_ context.Context, req issuer.IssueRequest) (*issuer.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.issued++
	return &issuer.Card{
		Token:           fmt.Sprintf("ic_%d", f.issued),
		PAN:             "4242424242424242",
		CVV:             "123",
		ExpMonth:        12,
		ExpYear:         2030,
		Last4:           "4242",
		State:           "active",
		SpendLimitCents: req.SpendLimitCents,
	}, nil
}

func (f *fakeGateway) SimulateAuthorization(context.Context, string, int64, string, string) (string, error) {
	if f.onAuthorize != nil {
		f.onAuthorize()
	}
	return "iauth_1", nil
}

func (f *fakeGateway) SimulateClearing(context.Context, string, int64) error { return nil }

func newTestService(t *testing.T, verifier DepositVerifier, disperser RefundDisperser, gateway issuer.Gateway) (*Service, *session.Manager, card.Store) {
	t.Helper()
	sessions := session.NewManager()
	store := card.NewMemoryStore()
	cfg := Config{EscrowContract: testEscrow, TokenContract: testToken, ChainID: 421614}
	return NewService(cfg, sessions, store, verifier, disperser, gateway, nil), sessions, store
}

// -----------------------------------------------------------------------------
// Initiate
// -----------------------------------------------------------------------------

func TestInitiate_AppliesBuffer(t *testing.T) {
	svc, _, _ := newTestService(t, paidVerifier(0), nil, &fakeGateway{})

	resp, err := svc.Initiate(context.Background(), InitiateRequest{
		AmountUSD:    10.00,
		PayerAddress: testPayer,
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	// $10.00 -> $10.50 buffered -> 10,500,000 smallest units
	if resp.RequiredAmount != "10500000" {
		t.Errorf("required = %s, want 10500000", resp.RequiredAmount)
	}
	if resp.RequiredAmountDisplay != "10.500000" {
		t.Errorf("display = %s", resp.RequiredAmountDisplay)
	}
	if resp.AmountUSDWithBuffer != "10.50" {
		t.Errorf("buffered usd = %s", resp.AmountUSDWithBuffer)
	}
	if resp.ContractAddress != testEscrow || resp.TokenContract != testToken {
		t.Errorf("contracts: %+v", resp)
	}
	if resp.ChainID != 421614 {
		t.Errorf("chain id = %d", resp.ChainID)
	}
}

func TestInitiate_RequiresContracts(t *testing.T) {
	sessions := session.NewManager()
	store := card.NewMemoryStore()
	svc := NewService(Config{}, sessions, store, nil, nil, nil, nil)

	_, err := svc.Initiate(context.Background(), InitiateRequest{AmountUSD: 10})
	if !errors.Is(err, ErrContractsUnconfigured) {
		t.Errorf("err = %v, want ErrContractsUnconfigured", err)
	}
}

func TestInitiate_ValidatesInput(t *testing.T) {
	svc, _, _ := newTestService(t, paidVerifier(0), nil, &fakeGateway{})
	ctx := context.Background()

	for _, amount := range []float64{0, -5, 0.50, 6000} {
		if _, err := svc.Initiate(ctx, InitiateRequest{AmountUSD: amount}); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("amount %v: err = %v, want ErrInvalidAmount", amount, err)
		}
	}

	_, err := svc.Initiate(ctx, InitiateRequest{AmountUSD: 10, PayerAddress: "nonsense"})
	if !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("err = %v, want ErrInvalidAddress", err)
	}
}

// -----------------------------------------------------------------------------
// Confirm
// -----------------------------------------------------------------------------

func TestConfirm_EndToEndBuffers(t *testing.T) {
	gateway := &fakeGateway{}
	svc, _, store := newTestService(t, paidVerifier(10_500_000), nil, gateway)
	ctx := context.Background()

	init, err := svc.Initiate(ctx, InitiateRequest{AmountUSD: 10.00, PayerAddress: testPayer})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	resp, err := svc.Confirm(ctx, ConfirmRequest{SessionID: init.SessionID, TxRef: "0xdeposit"})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	if !resp.Success || resp.Card.PAN != "4242424242424242" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.AmountUSD != "10.50" {
		t.Errorf("amount_usd = %s, want 10.50", resp.AmountUSD)
	}

	vc, err := store.GetByTxRef(ctx, "0xdeposit")
	if err != nil {
		t.Fatalf("ledger row: %v", err)
	}
	// Deposit of 10.50 USDC -> 1050 cents paid -> card capped at 1102.
	if vc.PaidCents != 1050 {
		t.Errorf("paid = %d, want 1050", vc.PaidCents)
	}
	if vc.SpendLimitCents != 1102 {
		t.Errorf("spend limit = %d, want 1102", vc.SpendLimitCents)
	}
	if vc.Status != card.StatusIssued {
		t.Errorf("status = %s", vc.Status)
	}
	if vc.PayerAddress != common.HexToAddress(testPayer).Hex() {
		t.Errorf("payer = %s", vc.PayerAddress)
	}
}

func TestConfirm_DuplicateTxRef(t *testing.T) {
	svc, _, _ := newTestService(t, paidVerifier(10_500_000), nil, &fakeGateway{})
	ctx := context.Background()

	first, _ := svc.Initiate(ctx, InitiateRequest{AmountUSD: 10.00})
	if _, err := svc.Confirm(ctx, ConfirmRequest{SessionID: first.SessionID, TxRef: "0xdeposit"}); err != nil {
		t.Fatalf("first confirm: %v", err)
	}

	second, _ := svc.Initiate(ctx, InitiateRequest{AmountUSD: 10.00})
	_, err := svc.Confirm(ctx, ConfirmRequest{SessionID: second.SessionID, TxRef: "0xdeposit"})
	if !errors.Is(err, card.ErrDuplicateTransaction) {
		t.Errorf("err = %v, want ErrDuplicateTransaction", err)
	}
}

func TestConfirm_ConcurrentClaimsSingleCard(t *testing.T) {
	gateway := &fakeGateway{}
	svc, sessions, store := newTestService(t, paidVerifier(10_500_000), nil, gateway)
	ctx := context.Background()

	// Distinct sessions all claiming the same deposit transaction.
	const n = 16
	ids := make([]string, n)
	for i := range ids {
		ids[i] = sessions.Create(1000, 1050, testPayer, "").ID
	}

	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Confirm(ctx, ConfirmRequest{SessionID: ids[i], TxRef: "0xshared"})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	winners := 0
	for err := range results {
		if err == nil {
			winners++
		} else if !errors.Is(err, card.ErrDuplicateTransaction) {
			t.Errorf("unexpected err: %v", err)
		}
	}
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
	if gateway.issued != 1 {
		t.Errorf("issued %d cards, want 1", gateway.issued)
	}

	cards, _ := store.List(ctx, card.ListFilter{TxRef: "0xshared"})
	if len(cards) != 1 {
		t.Errorf("ledger has %d rows for tx, want 1", len(cards))
	}
}

func TestConfirm_SessionSingleUse(t *testing.T) {
	svc, _, _ := newTestService(t, paidVerifier(10_500_000), nil, &fakeGateway{})
	ctx := context.Background()

	init, _ := svc.Initiate(ctx, InitiateRequest{AmountUSD: 10.00})
	if _, err := svc.Confirm(ctx, ConfirmRequest{SessionID: init.SessionID, TxRef: "0xone"}); err != nil {
		t.Fatalf("first confirm: %v", err)
	}

	_, err := svc.Confirm(ctx, ConfirmRequest{SessionID: init.SessionID, TxRef: "0xtwo"})
	if !errors.Is(err, session.ErrAlreadyClaimed) {
		t.Errorf("err = %v, want ErrAlreadyClaimed", err)
	}
}

func TestConfirm_UnknownSession(t *testing.T) {
	svc, _, _ := newTestService(t, paidVerifier(10_500_000), nil, &fakeGateway{})

	_, err := svc.Confirm(context.Background(), ConfirmRequest{SessionID: "ps_ghost", TxRef: "0x1"})
	if !errors.Is(err, session.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestConfirm_VerificationFailureRollsBack(t *testing.T) {
	verifier := &fakeVerifier{fn: func(context.Context, string, string, *big.Int) (*chain.Deposit, error) {
		return nil, chain.ErrUnderpayment
	}}
	svc, _, store := newTestService(t, verifier, nil, &fakeGateway{})
	ctx := context.Background()

	init, _ := svc.Initiate(ctx, InitiateRequest{AmountUSD: 10.00})
	_, err := svc.Confirm(ctx, ConfirmRequest{SessionID: init.SessionID, TxRef: "0xshort"})
	if !errors.Is(err, chain.ErrUnderpayment) {
		t.Fatalf("err = %v, want ErrUnderpayment", err)
	}

	// Reservation must be gone and the session reusable.
	if _, err := store.GetByTxRef(ctx, "0xshort"); !errors.Is(err, card.ErrCardNotFound) {
		t.Errorf("reservation still present: %v", err)
	}

	// Retry with an adequate deposit succeeds on the same session.
	verifier.fn = paidVerifier(10_500_000).fn
	if _, err := svc.Confirm(ctx, ConfirmRequest{SessionID: init.SessionID, TxRef: "0xshort"}); err != nil {
		t.Errorf("retry confirm: %v", err)
	}
}

func TestConfirm_IssuerFailureRollsBack(t *testing.T) {
	gateway := &fakeGateway{err: issuer.ErrIssuerUnavailable}
	svc, _, store := newTestService(t, paidVerifier(10_500_000), nil, gateway)
	ctx := context.Background()

	init, _ := svc.Initiate(ctx, InitiateRequest{AmountUSD: 10.00})
	_, err := svc.Confirm(ctx, ConfirmRequest{SessionID: init.SessionID, TxRef: "0xdeposit"})
	if !errors.Is(err, ErrIssuance) {
		t.Fatalf("err = %v, want ErrIssuance", err)
	}

	if _, err := store.GetByTxRef(ctx, "0xdeposit"); !errors.Is(err, card.ErrCardNotFound) {
		t.Errorf("reservation still present after issuer failure: %v", err)
	}

	// Same session and tx can be retried once the issuer recovers.
	gateway.err = nil
	if _, err := svc.Confirm(ctx, ConfirmRequest{SessionID: init.SessionID, TxRef: "0xdeposit"}); err != nil {
		t.Errorf("retry confirm: %v", err)
	}
}

// -----------------------------------------------------------------------------
// usdToCents
// -----------------------------------------------------------------------------

func TestUsdToCents(t *testing.T) {
	tests := []struct {
		in      float64
		want    int64
		wantErr bool
	}{
		{10.00, 1000, false},
		{10.005, 1001, false}, // rounds
		{52.50, 5250, false},
		{1.00, 100, false},
		{5000.00, 500000, false},
		{0.99, 0, true},
		{5000.01, 0, true},
		{-1, 0, true},
	}

	for _, tt := range tests {
		got, err := usdToCents(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("usdToCents(%v) err = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("usdToCents(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestWithBuffer(t *testing.T) {
	tests := map[int64]int64{
		1000: 1050,
		1050: 1102, // second-stage buffer on a buffered deposit
		100:  105,
		1:    1, // rounds down, never up past the deposit
	}
	for in, want := range tests {
		if got := WithBuffer(in); got != want {
			t.Errorf("WithBuffer(%d) = %d, want %d", in, got, want)
		}
	}
}
