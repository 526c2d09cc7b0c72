package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/payclaw/payclaw/internal/card"
	"github.com/payclaw/payclaw/internal/chain"
	"github.com/payclaw/payclaw/internal/issuer"
)

func apiRouter(t *testing.T, svc *Service, gateway issuer.Gateway) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewHandler(svc, gateway)
	api := r.Group("/api/v1")
	h.RegisterRoutes(api)
	h.RegisterProtectedRoutes(api)
	return r
}

func doJSON(r *gin.Engine, method, path string, payload interface{}) *httptest.ResponseRecorder {
	var body bytes.Buffer
	if payload != nil {
		_ = json.NewEncoder(&body).Encode(payload)
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestInitiateEndpoint_Success(t *testing.T) {
	gateway := &fakeGateway{}
	svc, _, _ := newTestService(t, paidVerifier(10_500_000), nil, gateway)
	r := apiRouter(t, svc, gateway)

	w := doJSON(r, "POST", "/api/v1/payment/initiate", InitiateRequest{
		AmountUSD:    10.00,
		PayerAddress: testPayer,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var resp InitiateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.SessionID == "" || resp.RequiredAmount != "10500000" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestInitiateEndpoint_Unconfigured(t *testing.T) {
	gateway := &fakeGateway{}
	svc := NewService(Config{}, nil, card.NewMemoryStore(), nil, nil, gateway, nil)
	// Sessions manager unused on this path; config check fires first.
	r := apiRouter(t, svc, gateway)

	w := doJSON(r, "POST", "/api/v1/payment/initiate", InitiateRequest{AmountUSD: 10})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestInitiateEndpoint_BadBody(t *testing.T) {
	gateway := &fakeGateway{}
	svc, _, _ := newTestService(t, nil, nil, gateway)
	r := apiRouter(t, svc, gateway)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/payment/initiate", bytes.NewReader([]byte("{")))
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestConfirmEndpoint_FullFlow(t *testing.T) {
	gateway := &fakeGateway{}
	svc, _, _ := newTestService(t, paidVerifier(10_500_000), nil, gateway)
	r := apiRouter(t, svc, gateway)

	init := doJSON(r, "POST", "/api/v1/payment/initiate", InitiateRequest{AmountUSD: 10.00})
	var initResp InitiateResponse
	_ = json.Unmarshal(init.Body.Bytes(), &initResp)

	w := doJSON(r, "POST", "/api/v1/payment/confirm", ConfirmRequest{
		SessionID: initResp.SessionID,
		TxRef:     "0xdeposit",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("confirm status = %d: %s", w.Code, w.Body.String())
	}

	var resp ConfirmResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.Card.LastFour != "4242" || resp.Card.PAN == "" {
		t.Errorf("resp = %+v", resp)
	}

	// Ledger projection must not leak the PAN.
	show := doJSON(r, "GET", "/api/v1/cards/"+resp.CardID, nil)
	if show.Code != http.StatusOK {
		t.Fatalf("get card status = %d", show.Code)
	}
	if bytes.Contains(show.Body.Bytes(), []byte("4242424242424242")) {
		t.Error("card projection leaks PAN")
	}
}

func TestConfirmEndpoint_DuplicateTx(t *testing.T) {
	gateway := &fakeGateway{}
	svc, sessions, _ := newTestService(t, paidVerifier(10_500_000), nil, gateway)
	r := apiRouter(t, svc, gateway)

	s1 := sessions.Create(1000, 1050, testPayer, "")
	s2 := sessions.Create(1000, 1050, testPayer, "")

	first := doJSON(r, "POST", "/api/v1/payment/confirm", ConfirmRequest{SessionID: s1.ID, TxRef: "0xdup"})
	if first.Code != http.StatusOK {
		t.Fatalf("first confirm = %d", first.Code)
	}

	second := doJSON(r, "POST", "/api/v1/payment/confirm", ConfirmRequest{SessionID: s2.ID, TxRef: "0xdup"})
	if second.Code != http.StatusConflict {
		t.Errorf("second confirm = %d, want 409", second.Code)
	}
}

func TestConfirmEndpoint_UnknownSession(t *testing.T) {
	gateway := &fakeGateway{}
	svc, _, _ := newTestService(t, paidVerifier(10_500_000), nil, gateway)
	r := apiRouter(t, svc, gateway)

	w := doJSON(r, "POST", "/api/v1/payment/confirm", ConfirmRequest{SessionID: "ps_ghost", TxRef: "0x1"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestConfirmEndpoint_IssuerDown(t *testing.T) {
	gateway := &fakeGateway{err: issuer.ErrIssuerUnavailable}
	svc, sessions, _ := newTestService(t, paidVerifier(10_500_000), nil, gateway)
	r := apiRouter(t, svc, gateway)

	s := sessions.Create(1000, 1050, testPayer, "")
	w := doJSON(r, "POST", "/api/v1/payment/confirm", ConfirmRequest{SessionID: s.ID, TxRef: "0x1"})
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}

func TestConfirmEndpoint_RPCOutage(t *testing.T) {
	verifier := &fakeVerifier{fn: func(context.Context, string, string, *big.Int) (*chain.Deposit, error) {
		return nil, fmt.Errorf("%w: dial tcp: connection refused", chain.ErrRPCConnection)
	}}
	gateway := &fakeGateway{}
	svc, sessions, store := newTestService(t, verifier, nil, gateway)
	r := apiRouter(t, svc, gateway)

	s := sessions.Create(1000, 1050, testPayer, "")
	w := doJSON(r, "POST", "/api/v1/payment/confirm", ConfirmRequest{SessionID: s.ID, TxRef: "0xout"})
	if w.Code != http.StatusBadGateway {
		t.Errorf("confirm during outage = %d, want 502: %s", w.Code, w.Body.String())
	}

	// The reservation rolls back so the same tx can be confirmed once the
	// node is reachable again.
	if _, err := store.GetByTxRef(context.Background(), "0xout"); !errors.Is(err, card.ErrCardNotFound) {
		t.Errorf("reservation still present after outage: %v", err)
	}
}

func TestListCardsEndpoint(t *testing.T) {
	gateway := &fakeGateway{}
	svc, sessions, _ := newTestService(t, paidVerifier(10_500_000), nil, gateway)
	r := apiRouter(t, svc, gateway)

	for i := 0; i < 3; i++ {
		s := sessions.Create(1000, 1050, testPayer, "")
		w := doJSON(r, "POST", "/api/v1/payment/confirm", ConfirmRequest{
			SessionID: s.ID,
			TxRef:     "0xtx" + string(rune('a'+i)),
		})
		if w.Code != http.StatusOK {
			t.Fatalf("confirm %d = %d", i, w.Code)
		}
	}

	w := doJSON(r, "GET", "/api/v1/cards?limit=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var resp struct {
		Cards []*card.VirtualCard `json:"cards"`
		Count int                 `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}
}

func TestListCardsEndpoint_CursorWalk(t *testing.T) {
	gateway := &fakeGateway{}
	svc, sessions, _ := newTestService(t, paidVerifier(10_500_000), nil, gateway)
	r := apiRouter(t, svc, gateway)

	for i := 0; i < 5; i++ {
		s := sessions.Create(1000, 1050, testPayer, "")
		w := doJSON(r, "POST", "/api/v1/payment/confirm", ConfirmRequest{
			SessionID: s.ID,
			TxRef:     "0xcur" + string(rune('a'+i)),
		})
		if w.Code != http.StatusOK {
			t.Fatalf("confirm %d = %d", i, w.Code)
		}
	}

	type page struct {
		Cards      []*card.VirtualCard `json:"cards"`
		NextCursor string              `json:"next_cursor"`
		HasMore    bool                `json:"has_more"`
	}

	var seen []string
	cursor := ""
	for i := 0; i < 4; i++ {
		url := "/api/v1/cards?limit=2"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		w := doJSON(r, "GET", url, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("page %d status = %d", i, w.Code)
		}
		var p page
		if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
			t.Fatal(err)
		}
		for _, vc := range p.Cards {
			seen = append(seen, vc.ID)
		}
		if !p.HasMore {
			break
		}
		cursor = p.NextCursor
	}

	if len(seen) != 5 {
		t.Fatalf("walked %d cards, want 5: %v", len(seen), seen)
	}
	unique := map[string]bool{}
	for _, id := range seen {
		unique[id] = true
	}
	if len(unique) != 5 {
		t.Errorf("cursor walk repeated cards: %v", seen)
	}
}

func TestListCardsEndpoint_BadCursor(t *testing.T) {
	gateway := &fakeGateway{}
	svc, _, _ := newTestService(t, nil, nil, gateway)
	r := apiRouter(t, svc, gateway)

	w := doJSON(r, "GET", "/api/v1/cards?cursor=%25%25not-base64", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestGetCardEndpoint_NotFound(t *testing.T) {
	gateway := &fakeGateway{}
	svc, _, _ := newTestService(t, nil, nil, gateway)
	r := apiRouter(t, svc, gateway)

	w := doJSON(r, "GET", "/api/v1/cards/vc_ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestSimulateEndpoints(t *testing.T) {
	gateway := &fakeGateway{}
	svc, sessions, _ := newTestService(t, paidVerifier(10_500_000), nil, gateway)
	r := apiRouter(t, svc, gateway)

	s := sessions.Create(1000, 1050, testPayer, "")
	confirm := doJSON(r, "POST", "/api/v1/payment/confirm", ConfirmRequest{SessionID: s.ID, TxRef: "0xsim"})
	var confirmResp ConfirmResponse
	_ = json.Unmarshal(confirm.Body.Bytes(), &confirmResp)

	// Clearing before any authorization is rejected.
	clearEarly := doJSON(r, "POST", "/api/v1/cards/"+confirmResp.CardID+"/simulate/clear",
		SimulateRequest{AmountCents: 500})
	if clearEarly.Code != http.StatusBadRequest {
		t.Errorf("clear before auth = %d, want 400", clearEarly.Code)
	}

	auth := doJSON(r, "POST", "/api/v1/cards/"+confirmResp.CardID+"/simulate/authorize",
		SimulateRequest{AmountCents: 500, Descriptor: "ACME", MCC: "5734"})
	if auth.Code != http.StatusOK {
		t.Fatalf("authorize = %d: %s", auth.Code, auth.Body.String())
	}

	clear := doJSON(r, "POST", "/api/v1/cards/"+confirmResp.CardID+"/simulate/clear",
		SimulateRequest{AmountCents: 500})
	if clear.Code != http.StatusOK {
		t.Fatalf("clear = %d: %s", clear.Code, clear.Body.String())
	}

	show := doJSON(r, "GET", "/api/v1/cards/"+confirmResp.CardID, nil)
	var shown struct {
		Card *card.VirtualCard `json:"card"`
	}
	_ = json.Unmarshal(show.Body.Bytes(), &shown)
	if shown.Card.Status != card.StatusCleared || shown.Card.ChargedCents != 500 {
		t.Errorf("card after clear: %+v", shown.Card)
	}
}

func TestSimulateAuthorize_SettlementRace(t *testing.T) {
	// A settlement landing between the handler's read and its write must
	// not be reverted by the handler's stale copy.
	disperser := &fakeDisperser{canRefund: true}
	gateway := &fakeGateway{}
	svc, sessions, store := newTestService(t, paidVerifier(10_500_000), disperser, gateway)
	r := apiRouter(t, svc, gateway)

	s := sessions.Create(1000, 1050, testPayer, "")
	confirm := doJSON(r, "POST", "/api/v1/payment/confirm", ConfirmRequest{SessionID: s.ID, TxRef: "0xmidair"})
	if confirm.Code != http.StatusOK {
		t.Fatalf("confirm = %d", confirm.Code)
	}
	var confirmResp ConfirmResponse
	_ = json.Unmarshal(confirm.Body.Bytes(), &confirmResp)

	// The gateway call sits between the handler's read and write; land
	// the settlement right there.
	gateway.onAuthorize = func() {
		if _, err := svc.HandleSettlement(context.Background(), confirmResp.Card.Token, 300); err != nil {
			t.Errorf("settlement during authorization: %v", err)
		}
	}

	w := doJSON(r, "POST", "/api/v1/cards/"+confirmResp.CardID+"/simulate/authorize",
		SimulateRequest{AmountCents: 500})
	if w.Code != http.StatusConflict {
		t.Errorf("authorize against settled card = %d, want 409: %s", w.Code, w.Body.String())
	}

	got, err := store.Get(context.Background(), confirmResp.CardID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != card.StatusRefunded {
		t.Errorf("settled card reverted to %s", got.Status)
	}
	if disperser.calls != 1 {
		t.Errorf("refund dispatches = %d, want 1", disperser.calls)
	}
}
