// Package trade provides the HTTP handlers for creating tids, trading on
// their curves, managing positions and escrow, and querying balances.
//
// All monetary values use shopspring/decimal integer base units, never
// float64 for money.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tidmarket/market-engine/internal/fees"
	"github.com/tidmarket/market-engine/internal/market"
	"github.com/tidmarket/market-engine/internal/model"
	"github.com/tidmarket/market-engine/internal/signing"
)

// Service exposes the market over HTTP. The ledger serializes mutations
// itself, so handlers hold no locks.
type Service struct {
	ledger    *market.Ledger
	registrar *market.Registrar
	escrow    *market.ClaimEscrow
}

// NewService creates a new trade service.
func NewService(l *market.Ledger, reg *market.Registrar, esc *market.ClaimEscrow) *Service {
	return &Service{ledger: l, registrar: reg, escrow: esc}
}

// Routes mounts the API on r. Mutating routes other than escrow claims go
// through auth; hub may be nil.
func (s *Service) Routes(r chi.Router, auth *Authenticator, hub *WSHub) {
	if hub != nil {
		r.Get("/ws", hub.HandleWS)
	}

	r.Get("/info", s.GetInfo)
	r.Get("/tokens", s.ListTokens)
	r.Get("/tokens/{tid}", s.GetToken)
	r.Get("/tokens/{tid}/price", s.GetPrice)
	r.Get("/tokens/{tid}/quote", s.GetQuote)
	r.Get("/tokens/{tid}/history", s.GetHistory)
	r.Get("/tokens/{tid}/entitlements", s.GetEntitlements)
	r.Get("/tokens/{tid}/escrow", s.GetEscrow)
	r.Get("/tokens/{tid}/balances/{address}", s.GetBalance)
	r.Get("/positions/{positionID}", s.GetPosition)
	r.Get("/accounts/{address}", s.GetAccount)
	r.Get("/accounts/{address}/activity", s.GetActivity)
	r.Get("/portfolio/{address}", s.GetPortfolio)

	// The attestation signature authorizes a claim; anyone may relay it.
	r.Post("/tokens/{tid}/escrow/claim", s.ClaimEscrow)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)

		r.Post("/tokens", s.CreateToken)
		r.Post("/tokens/{tid}/buy", s.Buy)
		r.Post("/tokens/{tid}/sell", s.Sell)
		r.Post("/tokens/{tid}/mortgage", s.Mortgage)
		r.Post("/tokens/{tid}/multiply", s.Multiply)
		r.Post("/tokens/{tid}/entitlements/{role}/transfer", s.TransferEntitlement)
		r.Post("/positions/{positionID}/redeem", s.Redeem)
		r.Post("/positions/{positionID}/add", s.MultiplyAdd)
		r.Post("/positions/{positionID}/cash", s.Cash)
		r.Post("/accounts/withdraw", s.WithdrawCash)

		// Administrator only; the ledger enforces it.
		r.Post("/admin/tokens", s.AdminCreate)
		r.Post("/admin/deposit", s.Deposit)
		r.Post("/admin/signer", s.RotateSigner)
		r.Post("/tokens/{tid}/escrow/withdraw", s.WithdrawEscrow)
		r.Post("/tokens/{tid}/escrow/settle", s.SettleEscrow)
	})
}

// --- Request/Response types ---

// MultiplyOptions opens an initial position alongside a token creation.
type MultiplyOptions struct {
	Amount     decimal.Decimal `json:"amount"`
	MaxPayment decimal.Decimal `json:"max_payment"`
}

// CreateTokenBody is the JSON body for POST /tokens: a creation request
// signed by the trusted signer.
type CreateTokenBody struct {
	Tid       string           `json:"tid"`
	Metadata  string           `json:"metadata"`
	Price     decimal.Decimal  `json:"price"`
	Deadline  int64            `json:"deadline"`
	Creator   model.Address    `json:"creator,omitempty"`
	Signature string           `json:"signature"` // 0x-prefixed hex
	Multiply  *MultiplyOptions `json:"multiply,omitempty"`
}

// CreateTokenResponse is returned from POST /tokens.
type CreateTokenResponse struct {
	Created    *market.Receipt `json:"created"`
	Multiplied *market.Receipt `json:"multiplied,omitempty"`
}

// AdminCreateBody is the JSON body for POST /admin/tokens.
type AdminCreateBody struct {
	Tid      string          `json:"tid"`
	Metadata string          `json:"metadata"`
	Creator  model.Owner     `json:"creator"`
	Public   model.Owner     `json:"public"`
	Price    decimal.Decimal `json:"price"`
}

// TradeBody is the JSON body for buy, sell, multiply and position
// operations. Limit is the max payment for buys, the min received for
// sells; zero means no limit.
type TradeBody struct {
	Amount decimal.Decimal `json:"amount"`
	Limit  decimal.Decimal `json:"limit"`
}

// ClaimBody is the JSON body for POST /tokens/{tid}/escrow/claim.
type ClaimBody struct {
	Recipient model.Address `json:"recipient"`
	Signature string        `json:"signature"` // 0x-prefixed hex
}

// AmountBody carries a single amount.
type AmountBody struct {
	Amount decimal.Decimal `json:"amount"`
}

// DepositBody is the JSON body for POST /admin/deposit.
type DepositBody struct {
	To     model.Address   `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

// AddressBody carries a single address.
type AddressBody struct {
	Address model.Address `json:"address"`
}

// Info describes the market's configuration.
type Info struct {
	Admin  model.Address `json:"admin"`
	Signer model.Address `json:"signer"`
	Fees   fees.Schedule `json:"fees"`
}

// --- Reads ---

// GetInfo handles GET /api/v1/info
func (s *Service) GetInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Info{Admin: s.ledger.Admin(), Signer: s.ledger.Signer(), Fees: s.ledger.Fees()})
}

// ListTokens handles GET /api/v1/tokens
func (s *Service) ListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.ledger.Tokens(r.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if tokens == nil {
		tokens = []model.Token{}
	}
	writeJSON(w, http.StatusOK, tokens)
}

// GetToken handles GET /api/v1/tokens/{tid}
func (s *Service) GetToken(w http.ResponseWriter, r *http.Request) {
	tok, err := s.ledger.Token(r.Context(), chi.URLParam(r, "tid"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

// GetPrice handles GET /api/v1/tokens/{tid}/price
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	tidStr := chi.URLParam(r, "tid")
	price, err := s.ledger.Price(r.Context(), tidStr)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tid": tidStr, "price": price})
}

// GetQuote handles GET /api/v1/tokens/{tid}/quote?op=buy|sell|mortgage|multiply&amount=N
// A multiply quote may pass budget=N instead of amount.
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tidStr := chi.URLParam(r, "tid")
	q := r.URL.Query()

	if b := q.Get("budget"); b != "" {
		budget, err := decimal.NewFromString(b)
		if err != nil {
			writeError(w, "invalid budget", http.StatusBadRequest)
			return
		}
		quote, err := s.ledger.QuoteMultiplyBudget(ctx, tidStr, budget)
		if err != nil {
			writeLedgerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, quote)
		return
	}

	amt, err := decimal.NewFromString(q.Get("amount"))
	if err != nil {
		writeError(w, "invalid amount", http.StatusBadRequest)
		return
	}
	var quote *market.Quote
	switch q.Get("op") {
	case "", "buy":
		quote, err = s.ledger.QuoteBuy(ctx, tidStr, amt)
	case "sell":
		quote, err = s.ledger.QuoteSell(ctx, tidStr, amt)
	case "mortgage":
		quote, err = s.ledger.QuoteMortgage(ctx, tidStr, amt)
	case "multiply":
		quote, err = s.ledger.QuoteMultiply(ctx, tidStr, amt)
	default:
		writeError(w, "op must be buy, sell, mortgage or multiply", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// GetHistory handles GET /api/v1/tokens/{tid}/history
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	evs, err := s.ledger.History(r.Context(), chi.URLParam(r, "tid"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if evs == nil {
		evs = []model.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

// GetEntitlements handles GET /api/v1/tokens/{tid}/entitlements
func (s *Service) GetEntitlements(w http.ResponseWriter, r *http.Request) {
	ents, err := s.ledger.Entitlements(r.Context(), chi.URLParam(r, "tid"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ents)
}

// GetEscrow handles GET /api/v1/tokens/{tid}/escrow
func (s *Service) GetEscrow(w http.ResponseWriter, r *http.Request) {
	esc, err := s.ledger.Escrow(r.Context(), chi.URLParam(r, "tid"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

// GetBalance handles GET /api/v1/tokens/{tid}/balances/{address}
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	tidStr := chi.URLParam(r, "tid")
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	bal, err := s.ledger.Balance(r.Context(), tidStr, addr)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.Holding{Tid: tidStr, Holder: addr, Balance: bal})
}

// addressParam reads the {address} path parameter in checksum form.
func addressParam(w http.ResponseWriter, r *http.Request) (model.Address, bool) {
	addr, err := signing.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	return addr, true
}

// GetPosition handles GET /api/v1/positions/{positionID}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	p, err := s.ledger.Position(r.Context(), chi.URLParam(r, "positionID"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetAccount handles GET /api/v1/accounts/{address}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	bal, err := s.ledger.CashBalance(r.Context(), addr)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.Account{Address: addr, Balance: bal})
}

// GetActivity handles GET /api/v1/accounts/{address}/activity
func (s *Service) GetActivity(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	evs, err := s.ledger.Activity(r.Context(), addr)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if evs == nil {
		evs = []model.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

// GetPortfolio handles GET /api/v1/portfolio/{address}
// Returns cash, holdings with their curve value, and open positions.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	pf, err := s.ledger.Portfolio(r.Context(), addr)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if pf.Holdings == nil {
		pf.Holdings = []model.Holding{}
	}
	if pf.Positions == nil {
		pf.Positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, pf)
}

// --- Creation ---

// CreateToken handles POST /api/v1/tokens
// The caller pays the price and receives the public entitlement.
func (s *Service) CreateToken(w http.ResponseWriter, r *http.Request) {
	caller, _ := Caller(r)
	var body CreateTokenBody
	if !decode(w, r, &body) {
		return
	}
	sig, err := signing.DecodeSignature(body.Signature)
	if err != nil {
		writeError(w, "invalid signature encoding", http.StatusBadRequest)
		return
	}
	req := market.CreateTokenRequest{
		Tid:       body.Tid,
		Metadata:  body.Metadata,
		Price:     body.Price,
		Deadline:  body.Deadline,
		Creator:   body.Creator,
		Signature: sig,
	}

	var resp CreateTokenResponse
	if body.Multiply != nil {
		resp.Created, resp.Multiplied, err = s.registrar.CreateTokenAndMultiply(r.Context(), caller, req, body.Multiply.Amount, body.Multiply.MaxPayment)
	} else {
		resp.Created, err = s.registrar.CreateToken(r.Context(), caller, req)
	}
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// AdminCreate handles POST /api/v1/admin/tokens
func (s *Service) AdminCreate(w http.ResponseWriter, r *http.Request) {
	caller, _ := Caller(r)
	var body AdminCreateBody
	if !decode(w, r, &body) {
		return
	}
	rc, err := s.ledger.Create(r.Context(), caller, market.CreateParams{
		Tid:      body.Tid,
		Metadata: body.Metadata,
		Creator:  body.Creator,
		Public:   body.Public,
		Price:    body.Price,
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rc)
}

// --- Trading ---

// Buy handles POST /api/v1/tokens/{tid}/buy
func (s *Service) Buy(w http.ResponseWriter, r *http.Request) {
	caller, _ := Caller(r)
	var body TradeBody
	if !decode(w, r, &body) {
		return
	}
	rc, err := s.ledger.Buy(r.Context(), caller, chi.URLParam(r, "tid"), body.Amount, body.Limit)
	s.respond(w, rc, err)
}

// Sell handles POST /api/v1/tokens/{tid}/sell
func (s *Service) Sell(w http.ResponseWriter, r *http.Request) {
	caller, _ := Caller(r)
	var body TradeBody
	if !decode(w, r, &body) {
		return
	}
	rc, err := s.ledger.Sell(r.Context(), caller, chi.URLParam(r, "tid"), body.Amount, body.Limit)
	s.respond(w, rc, err)
}

// Mortgage handles POST /api/v1/tokens/{tid}/mortgage
func (s *Service) Mortgage(w http.ResponseWriter, r *http.Request) {
	caller, _ := Caller(r)
	var body AmountBody
	if !decode(w, r, &body) {
		return
	}
	rc, err := s.ledger.Mortgage(r.Context(), caller, chi.URLParam(r, "tid"), body.Amount)
	s.respond(w, rc, err)
}

// Multiply handles POST /api/v1/tokens/{tid}/multiply
func (s *Service) Multiply(w http.ResponseWriter, r *http.Request) {
	caller, _ := Caller(r)
	var body TradeBody
	if !decode(w, r, &body) {
		return
	}
	rc, err := s.ledger.Multiply(r.Context(), caller, chi.URLParam(r, "tid"), body.Amount, body.Limit)
	s.respond(w, rc, err)
}

// Redeem handles POST /api/v1/positions/{positionID}/redeem
func (s *Service) Redeem(w http.ResponseWriter, r *http.Request) {
	caller, _ := Caller(r)
	var body AmountBody
	if !decode(w, r, &body) {
		return
	}
	rc, err := s.ledger.Redeem(r.Context(), caller, chi.URLParam(r, "positionID"), body.Amount)
	s.respond(w, rc, err)
}

// MultiplyAdd handles POST /api/v1/positions/{positionID}/add
func (s *Service) MultiplyAdd(w http.ResponseWriter, r *http.Request) {
	caller, _ := Caller(r)
	var body TradeBody
	if !decode(w, r, &body) {
		return
	}
	rc, err := s.ledger.MultiplyAdd(r.Context(), caller, chi.URLParam(r, "positionID"), body.Amount, body.Limit)
	s.respond(w, rc, err)
}

// Cash handles POST /api/v1/positions/{positionID}/cash
func (s *Service) Cash(w http.ResponseWriter, r *http.Request) {
	caller, _ := Caller(r)
	var body AmountBody
	if !decode(w, r, &body) {
		return
	}
	rc, err := s.ledger.Cash(r.Context(), caller, chi.URLParam(r, "positionID"), body.Amount)
	s.respond(w, rc, err)
}

// --- Entitlements, escrow and accounts ---

// TransferEntitlement handles POST /api/v1/tokens/{tid}/entitlements/{role}/transfer
func (s *Service) TransferEntitlement(w http.ResponseWriter, r *http.Request) {
	caller, _ := Caller(r)
	var body AddressBody
	if !decode(w, r, &body) {
		return
	}
	id := model.EntitlementID(chi.URLParam(r, "tid"), chi.URLParam(r, "role"))
	e, err := s.ledger.TransferEntitlement(r.Context(), caller, id, body.Address)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// ClaimEscrow handles POST /api/v1/tokens/{tid}/escrow/claim
func (s *Service) ClaimEscrow(w http.ResponseWriter, r *http.Request) {
	var body ClaimBody
	if !decode(w, r, &body) {
		return
	}
	sig, err := signing.DecodeSignature(body.Signature)
	if err != nil {
		writeError(w, "invalid signature encoding", http.StatusBadRequest)
		return
	}
	rc, err := s.escrow.Claim(r.Context(), chi.URLParam(r, "tid"), body.Recipient, sig)
	s.respond(w, rc, err)
}

// WithdrawEscrow handles POST /api/v1/tokens/{tid}/escrow/withdraw
func (s *Service) WithdrawEscrow(w http.ResponseWriter, r *http.Request) {
	caller, _ := Caller(r)
	var body AmountBody
	if !decode(w, r, &body) {
		return
	}
	rc, err := s.escrow.Withdraw(r.Context(), caller, chi.URLParam(r, "tid"), body.Amount)
	s.respond(w, rc, err)
}

// SettleEscrow handles POST /api/v1/tokens/{tid}/escrow/settle
func (s *Service) SettleEscrow(w http.ResponseWriter, r *http.Request) {
	caller, _ := Caller(r)
	rc, err := s.escrow.SetClaimed(r.Context(), caller, chi.URLParam(r, "tid"))
	s.respond(w, rc, err)
}

// Deposit handles POST /api/v1/admin/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	caller, _ := Caller(r)
	var body DepositBody
	if !decode(w, r, &body) {
		return
	}
	rc, err := s.ledger.Deposit(r.Context(), caller, body.To, body.Amount)
	s.respond(w, rc, err)
}

// WithdrawCash handles POST /api/v1/accounts/withdraw
func (s *Service) WithdrawCash(w http.ResponseWriter, r *http.Request) {
	caller, _ := Caller(r)
	var body AmountBody
	if !decode(w, r, &body) {
		return
	}
	rc, err := s.ledger.WithdrawCash(r.Context(), caller, body.Amount)
	s.respond(w, rc, err)
}

// RotateSigner handles POST /api/v1/admin/signer
func (s *Service) RotateSigner(w http.ResponseWriter, r *http.Request) {
	caller, _ := Caller(r)
	var body AddressBody
	if !decode(w, r, &body) {
		return
	}
	if err := s.ledger.RotateSigner(caller, body.Address); err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]model.Address{"signer": s.ledger.Signer()})
}

// --- Helpers ---

func (s *Service) respond(w http.ResponseWriter, rc *market.Receipt, err error) {
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps ledger error kinds to HTTP status codes.
var statusFor = []struct {
	err    error
	status int
}{
	{market.ErrUnknownTid, http.StatusNotFound},
	{market.ErrUnknownPosition, http.StatusNotFound},
	{market.ErrUnknownEntitlement, http.StatusNotFound},
	{market.ErrNotEscrowed, http.StatusNotFound},
	{market.ErrUnauthorized, http.StatusForbidden},
	{market.ErrBadSignature, http.StatusForbidden},
	{market.ErrExpired, http.StatusForbidden},
	{market.ErrInsufficientPayment, http.StatusPaymentRequired},
	{market.ErrDuplicateTid, http.StatusConflict},
	{market.ErrAlreadyClaimed, http.StatusConflict},
	{market.ErrStateMismatch, http.StatusConflict},
	{market.ErrInsufficientBalance, http.StatusConflict},
	{market.ErrSlippage, http.StatusConflict},
	{market.ErrUnderwater, http.StatusConflict},
	{market.ErrInsolvent, http.StatusConflict},
	{market.ErrSupplyCeilingReached, http.StatusConflict},
	{market.ErrZeroAmount, http.StatusBadRequest},
	{market.ErrInvalidAmount, http.StatusBadRequest},
	{market.ErrExcessAmount, http.StatusBadRequest},
	{market.ErrInvalidOwner, http.StatusBadRequest},
	{market.ErrInvalidTid, http.StatusBadRequest},
	{market.ErrInvalidMetadata, http.StatusBadRequest},
	{signing.ErrInvalidAddress, http.StatusBadRequest},
}

// writeLedgerError writes the status for a known error kind, or a generic
// 500 for anything else.
func writeLedgerError(w http.ResponseWriter, err error) {
	for _, m := range statusFor {
		if errors.Is(err, m.err) {
			writeError(w, err.Error(), m.status)
			return
		}
	}
	slog.Error("request failed", "err", err)
	writeError(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
