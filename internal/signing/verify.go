package signing

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tidmarket/market-engine/internal/model"
)

// ErrBadSignature is returned when a signature does not verify against the
// expected signer.
var ErrBadSignature = errors.New("signing: bad signature")

// Verifier checks that signature over message was produced by signer.
type Verifier interface {
	Verify(message, signature []byte, signer model.Address) bool
}

// KeyVerifier verifies plain key signatures by recovering the signer from
// a secp256k1 [R || S || V] signature over a 32-byte digest. V may be 0/1
// or 27/28; high-S signatures are rejected so each digest has one valid
// encoding per key.
type KeyVerifier struct{}

// Verify implements Verifier.
func (KeyVerifier) Verify(digest, signature []byte, signer model.Address) bool {
	if len(digest) != crypto.DigestLength || len(signature) != crypto.SignatureLength {
		return false
	}
	want, err := ParseAddress(string(signer))
	if err != nil {
		return false
	}
	sig := append([]byte(nil), signature...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	r, s := new(big.Int).SetBytes(sig[:32]), new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(sig[crypto.RecoveryIDOffset], r, s, true) {
		return false
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return false
	}
	return model.Address(crypto.PubkeyToAddress(*pub).Hex()) == want
}

// AccountVerifier verifies signatures on behalf of program accounts: a
// signature is valid for the account when any of its registered delegate
// keys produced it.
type AccountVerifier struct {
	mu        sync.RWMutex
	delegates map[model.Address][]model.Address
	keys      KeyVerifier
}

// NewAccountVerifier creates an empty account verifier.
func NewAccountVerifier() *AccountVerifier {
	return &AccountVerifier{delegates: make(map[model.Address][]model.Address)}
}

// Register replaces the delegate keys of an account.
func (v *AccountVerifier) Register(account model.Address, keys ...model.Address) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.delegates[account] = append([]model.Address(nil), keys...)
}

// Has reports whether account has registered delegates.
func (v *AccountVerifier) Has(account model.Address) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.delegates[account]) > 0
}

// Verify implements Verifier.
func (v *AccountVerifier) Verify(message, signature []byte, signer model.Address) bool {
	v.mu.RLock()
	keys := v.delegates[signer]
	v.mu.RUnlock()

	for _, k := range keys {
		if v.keys.Verify(message, signature, k) {
			return true
		}
	}
	return false
}

// Verifiers dispatches on the signer: registered program accounts go to the
// account verifier, every other address is treated as a plain key.
type Verifiers struct {
	Key      Verifier
	Accounts *AccountVerifier
}

// NewVerifiers returns a dispatcher over a KeyVerifier and the given accounts.
func NewVerifiers(accounts *AccountVerifier) *Verifiers {
	return &Verifiers{Key: KeyVerifier{}, Accounts: accounts}
}

// Verify implements Verifier.
func (v *Verifiers) Verify(message, signature []byte, signer model.Address) bool {
	if v.Accounts != nil && v.Accounts.Has(signer) {
		return v.Accounts.Verify(message, signature, signer)
	}
	return v.Key != nil && v.Key.Verify(message, signature, signer)
}

// Authority holds the trusted signer whose attestations authorize token
// creation and escrow claims. The signer is rotatable at runtime.
type Authority struct {
	mu       sync.RWMutex
	signer   model.Address
	verifier Verifier
}

// NewAuthority creates an authority trusting signer.
func NewAuthority(signer model.Address, verifier Verifier) *Authority {
	return &Authority{signer: signer, verifier: verifier}
}

// Signer returns the currently trusted signer.
func (a *Authority) Signer() model.Address {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.signer
}

// Rotate replaces the trusted signer.
func (a *Authority) Rotate(signer model.Address) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.signer = signer
}

// Check verifies an attestation from the trusted signer.
func (a *Authority) Check(message, signature []byte) error {
	signer := a.Signer()
	if signer == "" || !a.verifier.Verify(message, signature, signer) {
		return ErrBadSignature
	}
	return nil
}
