package trade_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tidmarket/market-engine/internal/amount"
	"github.com/tidmarket/market-engine/internal/market"
	"github.com/tidmarket/market-engine/internal/model"
	"github.com/tidmarket/market-engine/internal/signing"
	"github.com/tidmarket/market-engine/internal/store"
	"github.com/tidmarket/market-engine/internal/trade"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func tokens(n int64) string {
	return amount.Units(n, 18).String()
}

func key(t *testing.T, b byte) signing.KeyPair {
	t.Helper()
	k, err := signing.KeyFromSeed(bytes.Repeat([]byte{b}, 32))
	if err != nil {
		t.Fatal(err)
	}
	return k
}

type testEnv struct {
	router chi.Router
	admin  signing.KeyPair
	signer signing.KeyPair
	ledger *market.Ledger
}

// newTestEnv creates the API over an in-memory ledger with a fixed clock.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	admin, signer := key(t, 0xA0), key(t, 0x51)
	clock := func() time.Time { return now }

	verifiers := signing.NewVerifiers(signing.NewAccountVerifier())
	l, err := market.NewLedger(store.NewMemoryStore(), market.Config{
		Authority: signing.NewAuthority(signer.Address(), verifiers),
		Admin:     admin.Address(),
		Clock:     clock,
	})
	if err != nil {
		t.Fatal(err)
	}
	svc := trade.NewService(l, market.NewRegistrar(l), market.NewClaimEscrow(l))
	auth := trade.NewAuthenticator(verifiers, trade.NewMemoryNonces(clock), 5*time.Minute, clock)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		svc.Routes(r, auth, nil)
	})
	return &testEnv{router: r, admin: admin, signer: signer, ledger: l}
}

// do sends a request, signed by k when k is non-nil.
func (e *testEnv) do(t *testing.T, method, path string, k *signing.KeyPair, body any) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if k != nil {
		trade.SignRequest(req, *k, raw, now)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, w.Code, w.Body.String())
	}
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

// seed funds trader and opens tid with wallet-owned entitlements.
func (e *testEnv) seed(t *testing.T, tidStr string, trader signing.KeyPair) {
	t.Helper()
	expectStatus(t, e.do(t, "POST", "/api/v1/admin/deposit", &e.admin, map[string]any{
		"to": trader.Address(), "amount": tokens(1000),
	}), http.StatusOK)

	owner := model.Wallet(key(t, 0x01).Address())
	expectStatus(t, e.do(t, "POST", "/api/v1/admin/tokens", &e.admin, map[string]any{
		"tid": tidStr, "creator": owner, "public": owner,
	}), http.StatusCreated)
}

// --- Authentication ---

func TestAuth_RejectsBadRequests(t *testing.T) {
	e := newTestEnv(t)
	trader := key(t, 3)
	body := []byte(`{"amount":"1000"}`)

	tests := []struct {
		name   string
		mutate func(r *http.Request)
	}{
		{"unsigned", func(r *http.Request) {}},
		{"stale", func(r *http.Request) { trade.SignRequest(r, trader, body, now.Add(-10*time.Minute)) }},
		{"future", func(r *http.Request) { trade.SignRequest(r, trader, body, now.Add(10*time.Minute)) }},
		{"tampered body", func(r *http.Request) { trade.SignRequest(r, trader, []byte(`{"amount":"1"}`), now) }},
		{"wrong address", func(r *http.Request) {
			trade.SignRequest(r, trader, body, now)
			r.Header.Set(trade.HeaderAddress, string(key(t, 4).Address()))
		}},
		{"missing nonce", func(r *http.Request) {
			trade.SignRequest(r, trader, body, now)
			r.Header.Del(trade.HeaderNonce)
		}},
		{"swapped nonce", func(r *http.Request) {
			trade.SignRequest(r, trader, body, now)
			r.Header.Set(trade.HeaderNonce, "another")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/v1/tokens/alice/buy", bytes.NewReader(body))
			tt.mutate(req)
			w := httptest.NewRecorder()
			e.router.ServeHTTP(w, req)
			expectStatus(t, w, http.StatusUnauthorized)
		})
	}
}

func TestAuth_RejectsReplay(t *testing.T) {
	e := newTestEnv(t)
	trader := key(t, 3)
	e.seed(t, "alice", trader)

	raw := []byte(`{"amount":"` + tokens(1) + `"}`)
	signed := httptest.NewRequest("POST", "/api/v1/tokens/alice/buy", nil)
	trade.SignRequest(signed, trader, raw, now)

	want := []int{http.StatusOK, http.StatusUnauthorized, http.StatusUnauthorized}
	for i, code := range want {
		req := httptest.NewRequest("POST", "/api/v1/tokens/alice/buy", bytes.NewReader(raw))
		req.Header = signed.Header.Clone()
		w := httptest.NewRecorder()
		e.router.ServeHTTP(w, req)
		if w.Code != code {
			t.Fatalf("send %d: expected %d, got %d: %s", i+1, code, w.Code, w.Body.String())
		}
	}

	w := e.do(t, "GET", "/api/v1/tokens/alice/balances/"+string(trader.Address()), nil, nil)
	expectStatus(t, w, http.StatusOK)
	if h := decodeBody[model.Holding](t, w); !h.Balance.Equal(amount.Units(1, 18)) {
		t.Errorf("a replayed buy must not execute: balance %s", h.Balance)
	}
}

func TestAuth_IdenticalRequestsWithFreshNonces(t *testing.T) {
	e := newTestEnv(t)
	trader := key(t, 3)
	e.seed(t, "alice", trader)

	for i := 0; i < 2; i++ {
		expectStatus(t, e.do(t, "POST", "/api/v1/tokens/alice/buy", &trader, map[string]any{"amount": tokens(1)}), http.StatusOK)
	}
	w := e.do(t, "GET", "/api/v1/tokens/alice/balances/"+string(trader.Address()), nil, nil)
	expectStatus(t, w, http.StatusOK)
	if h := decodeBody[model.Holding](t, w); !h.Balance.Equal(amount.Units(2, 18)) {
		t.Errorf("expected balance 2 tokens, got %s", h.Balance)
	}
}

// --- Trading ---

func TestBuySell_OverHTTP(t *testing.T) {
	e := newTestEnv(t)
	trader := key(t, 3)
	e.seed(t, "alice", trader)

	w := e.do(t, "POST", "/api/v1/tokens/alice/buy", &trader, map[string]any{"amount": tokens(100)})
	expectStatus(t, w, http.StatusOK)
	buy := decodeBody[market.Receipt](t, w)
	if buy.Event.Type != model.EventBuy {
		t.Errorf("expected buy event, got %s", buy.Event.Type)
	}
	if !buy.Token.Supply.Equal(amount.Units(100, 18)) {
		t.Errorf("supply should be 100 tokens, got %s", buy.Token.Supply)
	}

	w = e.do(t, "GET", "/api/v1/tokens/alice/balances/"+string(trader.Address()), nil, nil)
	expectStatus(t, w, http.StatusOK)
	if h := decodeBody[model.Holding](t, w); !h.Balance.Equal(amount.Units(100, 18)) {
		t.Errorf("expected balance 100 tokens, got %s", h.Balance)
	}

	w = e.do(t, "POST", "/api/v1/tokens/alice/sell", &trader, map[string]any{"amount": tokens(100)})
	expectStatus(t, w, http.StatusOK)
	sell := decodeBody[market.Receipt](t, w)
	if !sell.Event.Value.LessThan(buy.Event.Value) {
		t.Errorf("round trip should lose: paid %s, received %s", buy.Event.Value, sell.Event.Value)
	}

	w = e.do(t, "GET", "/api/v1/tokens/alice/history", nil, nil)
	expectStatus(t, w, http.StatusOK)
	if evs := decodeBody[[]model.Event](t, w); len(evs) != 3 {
		t.Errorf("expected create, buy, sell in history, got %d events", len(evs))
	}

	w = e.do(t, "GET", "/api/v1/accounts/"+string(trader.Address())+"/activity", nil, nil)
	expectStatus(t, w, http.StatusOK)
	if evs := decodeBody[[]model.Event](t, w); len(evs) != 2 {
		t.Errorf("expected 2 trader events, got %d", len(evs))
	}
}

func TestErrorMapping(t *testing.T) {
	e := newTestEnv(t)
	trader, stranger := key(t, 3), key(t, 4)
	e.seed(t, "alice", trader)

	tests := []struct {
		name   string
		method string
		path   string
		k      *signing.KeyPair
		body   any
		want   int
	}{
		{"unknown tid", "POST", "/api/v1/tokens/nobody/buy", &trader, map[string]any{"amount": tokens(1)}, http.StatusNotFound},
		{"slippage", "POST", "/api/v1/tokens/alice/buy", &trader, map[string]any{"amount": tokens(1), "limit": "1"}, http.StatusConflict},
		{"zero amount", "POST", "/api/v1/tokens/alice/buy", &trader, map[string]any{"amount": "0"}, http.StatusBadRequest},
		{"insufficient payment", "POST", "/api/v1/tokens/alice/buy", &stranger, map[string]any{"amount": tokens(1)}, http.StatusPaymentRequired},
		{"insufficient balance", "POST", "/api/v1/tokens/alice/sell", &trader, map[string]any{"amount": tokens(1)}, http.StatusConflict},
		{"not admin", "POST", "/api/v1/admin/deposit", &trader, map[string]any{"to": trader.Address(), "amount": "1"}, http.StatusForbidden},
		{"duplicate tid", "POST", "/api/v1/admin/tokens", &e.admin, map[string]any{
			"tid": "alice", "creator": model.Wallet(trader.Address()), "public": model.Wallet(trader.Address()),
		}, http.StatusConflict},
		{"bad json", "POST", "/api/v1/tokens/alice/buy", &trader, "not an object", http.StatusBadRequest},
		{"unknown position", "GET", "/api/v1/positions/missing", nil, nil, http.StatusNotFound},
		{"no escrow", "GET", "/api/v1/tokens/alice/escrow", nil, nil, http.StatusNotFound},
		{"bad signer", "POST", "/api/v1/admin/signer", &e.admin, map[string]any{"address": "nope"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, e.do(t, tt.method, tt.path, tt.k, tt.body), tt.want)
		})
	}
}

func TestMortgageRedeem_OverHTTP(t *testing.T) {
	e := newTestEnv(t)
	trader := key(t, 3)
	e.seed(t, "alice", trader)
	expectStatus(t, e.do(t, "POST", "/api/v1/tokens/alice/buy", &trader, map[string]any{"amount": tokens(100)}), http.StatusOK)

	w := e.do(t, "POST", "/api/v1/tokens/alice/mortgage", &trader, map[string]any{"amount": tokens(40)})
	expectStatus(t, w, http.StatusOK)
	mort := decodeBody[market.Receipt](t, w)
	if mort.Position == nil {
		t.Fatal("expected an open position")
	}

	w = e.do(t, "GET", "/api/v1/positions/"+mort.Position.ID, nil, nil)
	expectStatus(t, w, http.StatusOK)

	w = e.do(t, "GET", "/api/v1/portfolio/"+string(trader.Address()), nil, nil)
	expectStatus(t, w, http.StatusOK)
	pf := decodeBody[model.Portfolio](t, w)
	if len(pf.Positions) != 1 || !pf.Debt.Equal(mort.Position.Owed) {
		t.Errorf("portfolio should carry the mortgage debt: %+v", pf)
	}

	other := key(t, 4)
	expectStatus(t, e.do(t, "POST", "/api/v1/positions/"+mort.Position.ID+"/redeem", &other,
		map[string]any{"amount": mort.Position.Owed.String()}), http.StatusForbidden)

	w = e.do(t, "POST", "/api/v1/positions/"+mort.Position.ID+"/redeem", &trader, map[string]any{"amount": mort.Position.Owed.String()})
	expectStatus(t, w, http.StatusOK)
	if rd := decodeBody[market.Receipt](t, w); rd.Position != nil {
		t.Error("full redeem should burn the position")
	}
	expectStatus(t, e.do(t, "GET", "/api/v1/positions/"+mort.Position.ID, nil, nil), http.StatusNotFound)
}

func TestMultiplyCash_OverHTTP(t *testing.T) {
	e := newTestEnv(t)
	trader := key(t, 3)
	e.seed(t, "alice", trader)

	w := e.do(t, "POST", "/api/v1/tokens/alice/multiply", &trader, map[string]any{"amount": tokens(200)})
	expectStatus(t, w, http.StatusOK)
	mul := decodeBody[market.Receipt](t, w)
	id := mul.Position.ID

	expectStatus(t, e.do(t, "POST", "/api/v1/positions/"+id+"/add", &trader, map[string]any{"amount": tokens(50)}), http.StatusOK)

	w = e.do(t, "POST", "/api/v1/positions/"+id+"/cash", &trader, map[string]any{"amount": tokens(250)})
	expectStatus(t, w, http.StatusOK)
	if rc := decodeBody[market.Receipt](t, w); rc.Position != nil || !rc.Token.Supply.IsZero() {
		t.Errorf("full cash should burn the position and the supply: %+v", rc)
	}
}

func TestQuote(t *testing.T) {
	e := newTestEnv(t)
	trader := key(t, 3)
	e.seed(t, "alice", trader)

	w := e.do(t, "GET", "/api/v1/tokens/alice/quote?op=buy&amount="+tokens(1000), nil, nil)
	expectStatus(t, w, http.StatusOK)
	q := decodeBody[market.Quote](t, w)
	if !q.Split.Curve.Equal(q.Split.Creator.Add(q.Split.Public).Mul(decimal.NewFromInt(100))) {
		t.Errorf("curve share should be 100x fees: %+v", q.Split)
	}

	w = e.do(t, "GET", "/api/v1/tokens/alice/quote?budget="+tokens(1), nil, nil)
	expectStatus(t, w, http.StatusOK)
	if q := decodeBody[market.Quote](t, w); !q.Amount.IsPositive() {
		t.Error("budget quote should find a positive amount")
	}

	expectStatus(t, e.do(t, "GET", "/api/v1/tokens/alice/quote?op=swap&amount=1", nil, nil), http.StatusBadRequest)
	expectStatus(t, e.do(t, "GET", "/api/v1/tokens/alice/quote?amount=abc", nil, nil), http.StatusBadRequest)

	w = e.do(t, "GET", "/api/v1/tokens/alice/price", nil, nil)
	expectStatus(t, w, http.StatusOK)
}

// --- Creation and escrow ---

func TestCreateTokenAndClaim_OverHTTP(t *testing.T) {
	e := newTestEnv(t)
	payer := key(t, 3)
	expectStatus(t, e.do(t, "POST", "/api/v1/admin/deposit", &e.admin, map[string]any{
		"to": payer.Address(), "amount": tokens(10),
	}), http.StatusOK)

	req := market.CreateTokenRequest{Tid: "bob", Price: amount.Units(1, 18), Deadline: now.Unix() + 60}
	sig := signing.EncodeSignature(e.signer.Sign(req.Message()))
	body := map[string]any{
		"tid": req.Tid, "price": req.Price, "deadline": req.Deadline, "signature": sig,
		"multiply": map[string]any{"amount": tokens(100)},
	}
	w := e.do(t, "POST", "/api/v1/tokens", &payer, body)
	expectStatus(t, w, http.StatusCreated)
	created := decodeBody[trade.CreateTokenResponse](t, w)
	if created.Multiplied == nil || created.Multiplied.Position == nil {
		t.Fatal("expected the initial multiply position")
	}

	// Replaying the same request fails: the tid exists.
	expectStatus(t, e.do(t, "POST", "/api/v1/tokens", &payer, body), http.StatusConflict)

	w = e.do(t, "GET", "/api/v1/tokens/bob/escrow", nil, nil)
	expectStatus(t, w, http.StatusOK)
	esc := decodeBody[model.Escrow](t, w)
	if !esc.Held.Equal(created.Multiplied.Event.CreatorFee) {
		t.Errorf("escrow should hold the creator fee %s, got %s", created.Multiplied.Event.CreatorFee, esc.Held)
	}

	recipient := key(t, 7).Address()
	claimSig := signing.EncodeSignature(e.signer.Sign(signing.ClaimMessage("bob", recipient)))
	claim := map[string]any{"recipient": recipient, "signature": claimSig}

	expectStatus(t, e.do(t, "POST", "/api/v1/tokens/bob/escrow/claim", nil, map[string]any{
		"recipient": key(t, 8).Address(), "signature": claimSig,
	}), http.StatusForbidden)
	expectStatus(t, e.do(t, "POST", "/api/v1/tokens/bob/escrow/claim", nil, claim), http.StatusOK)
	expectStatus(t, e.do(t, "POST", "/api/v1/tokens/bob/escrow/claim", nil, claim), http.StatusConflict)

	w = e.do(t, "GET", "/api/v1/accounts/"+string(recipient), nil, nil)
	expectStatus(t, w, http.StatusOK)
	if acct := decodeBody[model.Account](t, w); !acct.Balance.Equal(esc.Held) {
		t.Errorf("recipient should receive held fees %s, got %s", esc.Held, acct.Balance)
	}
}

func TestCreateToken_ExpiredRequest(t *testing.T) {
	e := newTestEnv(t)
	payer := key(t, 3)

	req := market.CreateTokenRequest{Tid: "carol", Deadline: now.Unix() - 1}
	w := e.do(t, "POST", "/api/v1/tokens", &payer, map[string]any{
		"tid": req.Tid, "deadline": req.Deadline, "signature": signing.EncodeSignature(e.signer.Sign(req.Message())),
	})
	expectStatus(t, w, http.StatusForbidden)
}

func TestEscrowAdmin_OverHTTP(t *testing.T) {
	e := newTestEnv(t)
	trader := key(t, 3)
	expectStatus(t, e.do(t, "POST", "/api/v1/admin/deposit", &e.admin, map[string]any{
		"to": trader.Address(), "amount": tokens(100),
	}), http.StatusOK)
	expectStatus(t, e.do(t, "POST", "/api/v1/admin/tokens", &e.admin, map[string]any{
		"tid": "dan", "creator": model.Escrowed(), "public": model.Wallet(trader.Address()),
	}), http.StatusCreated)
	expectStatus(t, e.do(t, "POST", "/api/v1/tokens/dan/buy", &trader, map[string]any{"amount": tokens(10)}), http.StatusOK)

	expectStatus(t, e.do(t, "POST", "/api/v1/tokens/dan/escrow/withdraw", &trader, map[string]any{"amount": "1"}), http.StatusForbidden)
	expectStatus(t, e.do(t, "POST", "/api/v1/tokens/dan/escrow/withdraw", &e.admin, map[string]any{"amount": tokens(1)}), http.StatusBadRequest)
	expectStatus(t, e.do(t, "POST", "/api/v1/tokens/dan/escrow/settle", &e.admin, nil), http.StatusConflict)

	owner := key(t, 9).Address()
	expectStatus(t, e.do(t, "POST", "/api/v1/tokens/dan/entitlements/creator/transfer", &e.admin, map[string]any{"address": owner}), http.StatusOK)
	expectStatus(t, e.do(t, "POST", "/api/v1/tokens/dan/escrow/settle", &e.admin, nil), http.StatusOK)

	w := e.do(t, "GET", "/api/v1/tokens/dan/entitlements", nil, nil)
	expectStatus(t, w, http.StatusOK)
	ents := decodeBody[[]model.Entitlement](t, w)
	if len(ents) != 2 || !ents[0].Owner.Is(owner) {
		t.Errorf("creator entitlement should belong to %s: %+v", owner, ents)
	}
}

func TestRotateSigner_OverHTTP(t *testing.T) {
	e := newTestEnv(t)
	next := key(t, 0x52)

	expectStatus(t, e.do(t, "POST", "/api/v1/admin/signer", &next, map[string]any{"address": next.Address()}), http.StatusForbidden)
	expectStatus(t, e.do(t, "POST", "/api/v1/admin/signer", &e.admin, map[string]any{"address": next.Address()}), http.StatusOK)

	w := e.do(t, "GET", "/api/v1/info", nil, nil)
	expectStatus(t, w, http.StatusOK)
	if info := decodeBody[trade.Info](t, w); info.Signer != next.Address() {
		t.Errorf("expected rotated signer %s, got %s", next.Address(), info.Signer)
	}
	if e.ledger.Signer() != next.Address() {
		t.Error("ledger should trust the rotated signer")
	}
}

func TestAddressParams(t *testing.T) {
	e := newTestEnv(t)
	trader := key(t, 3)
	e.seed(t, "alice", trader)

	lower := strings.ToLower(string(trader.Address()))
	w := e.do(t, "GET", "/api/v1/accounts/"+lower, nil, nil)
	expectStatus(t, w, http.StatusOK)
	if acct := decodeBody[model.Account](t, w); acct.Address != trader.Address() || !acct.Balance.Equal(amount.Units(1000, 18)) {
		t.Errorf("lowercase lookup should resolve to the checksummed account: %+v", acct)
	}

	for _, path := range []string{
		"/api/v1/accounts/not-an-address",
		"/api/v1/accounts/0x1234/activity",
		"/api/v1/portfolio/nope",
		"/api/v1/tokens/alice/balances/nope",
	} {
		expectStatus(t, e.do(t, "GET", path, nil, nil), http.StatusBadRequest)
	}
}

func TestListTokens_Empty(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "GET", "/api/v1/tokens", nil, nil)
	expectStatus(t, w, http.StatusOK)
	if body := w.Body.String(); body != "[]\n" {
		t.Errorf("expected empty JSON array, got %q", body)
	}
}
