package market

import (
	"errors"

	"github.com/tidmarket/market-engine/internal/curve"
	"github.com/tidmarket/market-engine/internal/signing"
	"github.com/tidmarket/market-engine/internal/tid"
)

// Error kinds surfaced by ledger, escrow and registrar operations. Every
// precondition is checked before any write is staged, so a failed
// operation leaves all state exactly as it was.
var (
	ErrUnknownTid          = errors.New("market: unknown tid")
	ErrDuplicateTid        = errors.New("market: tid already exists")
	ErrUnknownPosition     = errors.New("market: unknown position")
	ErrUnknownEntitlement  = errors.New("market: unknown entitlement")
	ErrInsufficientBalance = errors.New("market: insufficient token balance")
	ErrInsufficientPayment = errors.New("market: insufficient payment")
	ErrSlippage            = errors.New("market: slippage limit exceeded")
	ErrZeroAmount          = errors.New("market: amount must be positive")
	ErrExcessAmount        = errors.New("market: amount exceeds available")
	ErrUnderwater          = errors.New("market: position value below debt")
	ErrInsolvent           = errors.New("market: reserve cannot cover payout")
	ErrExpired             = errors.New("market: request expired")
	ErrAlreadyClaimed      = errors.New("market: already claimed")
	ErrNotEscrowed         = errors.New("market: tid not escrowed")
	ErrStateMismatch       = errors.New("market: escrow state mismatch")
	ErrUnauthorized        = errors.New("market: unauthorized")
	ErrInvalidOwner        = errors.New("market: invalid entitlement owner")
	ErrInvalidAmount       = errors.New("market: invalid amount")

	// Re-exported so callers can match every error kind from one package.
	ErrSupplyCeilingReached = curve.ErrSupplyCeilingReached
	ErrBadSignature         = signing.ErrBadSignature
	ErrInvalidTid           = tid.ErrInvalidTid
	ErrInvalidMetadata      = tid.ErrInvalidMetadata
)
