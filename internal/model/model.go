// Package model defines the core domain types shared across the market engine.
// All monetary and token amounts are integer base units held in
// shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Address is a 20-byte account address, stored in EIP-55 checksum form.
type Address string

// String implements fmt.Stringer.
func (a Address) String() string { return string(a) }

// UnmarshalText normalizes hex addresses to checksum form, so decoded
// addresses compare equal whatever letter case the client sent. Other text
// is kept as given and rejected where addresses are validated.
func (a *Address) UnmarshalText(text []byte) error {
	s := string(text)
	if common.IsHexAddress(s) {
		s = common.HexToAddress(s).Hex()
	}
	*a = Address(s)
	return nil
}

// OwnerKind tags who currently holds an entitlement record.
type OwnerKind string

const (
	OwnerWallet OwnerKind = "wallet"
	OwnerEscrow OwnerKind = "escrow"
)

// Owner is either a wallet address or the claim escrow. The escrow variant
// carries no address.
type Owner struct {
	Kind    OwnerKind `json:"kind"`
	Address Address   `json:"address,omitempty"`
}

// Wallet returns an owner resolved to a wallet address.
func Wallet(addr Address) Owner { return Owner{Kind: OwnerWallet, Address: addr} }

// Escrowed returns the pending-claim owner.
func Escrowed() Owner { return Owner{Kind: OwnerEscrow} }

// IsEscrowed reports whether the record is held by the claim escrow.
func (o Owner) IsEscrowed() bool { return o.Kind == OwnerEscrow }

// Is reports whether the owner is the given wallet.
func (o Owner) Is(addr Address) bool { return o.Kind == OwnerWallet && o.Address == addr }

// Token is the market entry for one tid.
type Token struct {
	Tid       string          `json:"tid" db:"tid"`
	Metadata  string          `json:"metadata" db:"metadata"`
	Supply    decimal.Decimal `json:"supply" db:"supply"`
	Reserve   decimal.Decimal `json:"reserve" db:"reserve"` // payment tokens held by the curve
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Holding is one holder's spendable token balance for a tid.
type Holding struct {
	Tid     string          `json:"tid" db:"tid"`
	Holder  Address         `json:"holder" db:"holder"`
	Balance decimal.Decimal `json:"balance" db:"balance"`
}

// Account is a payment-token cash balance.
type Account struct {
	Address Address         `json:"address" db:"address"`
	Balance decimal.Decimal `json:"balance" db:"balance"`
}

// Entitlement roles. The pair's weights sum to 100.
const (
	RoleCreator = "creator"
	RolePublic  = "public"
)

// Entitlement is a transferable right to a weighted share of a tid's
// trading fees.
type Entitlement struct {
	ID     string `json:"id" db:"id"`
	Tid    string `json:"tid" db:"tid"`
	Role   string `json:"role" db:"role"`
	Weight int64  `json:"weight" db:"weight"` // percent of the fee pool
	Owner  Owner  `json:"owner"`
}

// EntitlementID returns the deterministic record id for a tid and role.
func EntitlementID(tid, role string) string { return tid + "#" + role }

// Position kinds.
const (
	PositionMortgage = "mortgage"
	PositionMultiply = "multiply"
)

// Position is a leveraged or collateralized holding: tokens locked against
// outstanding payment-token debt.
type Position struct {
	ID        string          `json:"id" db:"id"`
	Tid       string          `json:"tid" db:"tid"`
	Kind      string          `json:"kind" db:"kind"`
	Owner     Address         `json:"owner" db:"owner"`
	Locked    decimal.Decimal `json:"locked" db:"locked"`
	Owed      decimal.Decimal `json:"owed" db:"owed"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Escrow holds a pending entitlement and the fees accrued to it.
type Escrow struct {
	Tid           string          `json:"tid" db:"tid"`
	EntitlementID string          `json:"entitlement_id" db:"entitlement_id"`
	Claimed       bool            `json:"claimed" db:"claimed"`
	Held          decimal.Decimal `json:"held" db:"held"`
	Recipient     Address         `json:"recipient,omitempty" db:"recipient"`
	ClaimedAt     *time.Time      `json:"claimed_at,omitempty" db:"claimed_at"`
}

// Event types.
const (
	EventCreate         = "create"
	EventBuy            = "buy"
	EventSell           = "sell"
	EventMortgage       = "mortgage"
	EventRedeem         = "redeem"
	EventMultiply       = "multiply"
	EventMultiplyAdd    = "multiply_add"
	EventCash           = "cash"
	EventClaim          = "claim"
	EventEscrowWithdraw = "escrow_withdraw"
	EventEscrowSettle   = "escrow_settle"
	EventTransfer       = "entitlement_transfer"
	EventDeposit        = "deposit"
	EventWithdraw       = "withdraw"
)

// Event is an immutable record of one committed ledger operation.
// Once created, these are never modified or deleted.
type Event struct {
	ID         string          `json:"id" db:"id"`
	Type       string          `json:"type" db:"type"`
	Tid        string          `json:"tid,omitempty" db:"tid"`
	Actor      Address         `json:"actor,omitempty" db:"actor"`
	Recipient  Address         `json:"recipient,omitempty" db:"recipient"`
	PositionID string          `json:"position_id,omitempty" db:"position_id"`
	Amount     decimal.Decimal `json:"amount" db:"amount"` // tokens
	Value      decimal.Decimal `json:"value" db:"value"`   // payment tokens moved to/from the actor
	CurveValue decimal.Decimal `json:"curve_value" db:"curve_value"`
	CreatorFee decimal.Decimal `json:"creator_fee" db:"creator_fee"`
	PublicFee  decimal.Decimal `json:"public_fee" db:"public_fee"`
	Supply     decimal.Decimal `json:"supply" db:"supply"` // supply after the operation
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
}

// Changeset is the full set of writes produced by one operation. Values are
// absolute (post-operation), so applying a changeset is idempotent.
type Changeset struct {
	NewTokens       []Token // inserted; the commit fails if the tid exists
	Tokens          []Token
	Holdings        []Holding
	Accounts        []Account
	Positions       []Position
	BurnedPositions []string
	Entitlements    []Entitlement
	Escrows         []Escrow
	Events          []Event
}

// Empty reports whether the changeset carries no writes.
func (c *Changeset) Empty() bool {
	return len(c.NewTokens) == 0 && len(c.Tokens) == 0 && len(c.Holdings) == 0 && len(c.Accounts) == 0 &&
		len(c.Positions) == 0 && len(c.BurnedPositions) == 0 &&
		len(c.Entitlements) == 0 && len(c.Escrows) == 0 && len(c.Events) == 0
}

// Portfolio aggregates a holder's balances and open positions.
type Portfolio struct {
	Address   Address         `json:"address"`
	Cash      decimal.Decimal `json:"cash"`
	Holdings  []Holding       `json:"holdings"`
	Positions []Position      `json:"positions"`
	Value     decimal.Decimal `json:"value"` // sell value of holdings at current supply, before fees
	Debt      decimal.Decimal `json:"debt"`
}
