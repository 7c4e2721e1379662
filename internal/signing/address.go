// Package signing handles account addresses and the signature checks that
// gate token creation, escrow claims and authenticated API requests.
//
// Addresses are 20-byte accounts in EIP-55 checksum form. A plain key
// address is derived from a secp256k1 public key and signs for itself. A
// program account address is derived CREATE2-style from an owner and a
// seed, so no private key exists for it; its signatures are checked against
// registered delegate keys.
package signing

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tidmarket/market-engine/internal/model"
)

var (
	// ErrInvalidAddress is returned for malformed addresses.
	ErrInvalidAddress = errors.New("signing: invalid address")

	// ErrInvalidSignature is returned for malformed signature encodings.
	ErrInvalidSignature = errors.New("signing: invalid signature encoding")
)

// ParseAddress validates a hex address in any letter case and returns its
// checksum form. The zero address is rejected.
func ParseAddress(s string) (model.Address, error) {
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	a := common.HexToAddress(s)
	if a == (common.Address{}) {
		return "", fmt.Errorf("%w: zero address", ErrInvalidAddress)
	}
	return model.Address(a.Hex()), nil
}

// IsCanonical reports whether addr is a valid address in checksum form,
// the only form the ledger stores.
func IsCanonical(addr model.Address) bool {
	c, err := ParseAddress(string(addr))
	return err == nil && c == addr
}

// accountCodeHash stands in for the init-code hash of CREATE2 derivation.
var accountCodeHash = crypto.Keccak256([]byte("tidmarket/program-account/v1"))

// DeriveAccountAddress derives a program account address from its owner and
// seed: CREATE2(owner, keccak256(seed), accountCodeHash).
func DeriveAccountAddress(owner model.Address, seed []byte) (model.Address, error) {
	o, err := ParseAddress(string(owner))
	if err != nil {
		return "", err
	}
	var salt [32]byte
	copy(salt[:], crypto.Keccak256(seed))
	return model.Address(crypto.CreateAddress2(common.HexToAddress(string(o)), salt, accountCodeHash).Hex()), nil
}

// EncodeSignature hex-encodes a signature for transport.
func EncodeSignature(sig []byte) string {
	return hexutil.Encode(sig)
}

// DecodeSignature decodes a 0x-prefixed 65-byte [R || S || V] signature.
func DecodeSignature(s string) ([]byte, error) {
	sig, err := hexutil.Decode(s)
	if err != nil || len(sig) != crypto.SignatureLength {
		return nil, ErrInvalidSignature
	}
	return sig, nil
}

// KeyPair is a secp256k1 signing key.
type KeyPair struct {
	Key *ecdsa.PrivateKey
}

// GenerateKey creates a random key pair.
func GenerateKey() (KeyPair, error) {
	k, err := crypto.GenerateKey()
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate key: %w", err)
	}
	return KeyPair{Key: k}, nil
}

// KeyFromSeed rebuilds a key pair from a 32-byte private scalar.
func KeyFromSeed(seed []byte) (KeyPair, error) {
	k, err := crypto.ToECDSA(seed)
	if err != nil {
		return KeyPair{}, fmt.Errorf("signing: invalid key seed: %w", err)
	}
	return KeyPair{Key: k}, nil
}

// Address returns the key's address.
func (k KeyPair) Address() model.Address {
	return model.Address(crypto.PubkeyToAddress(k.Key.PublicKey).Hex())
}

// Sign signs a 32-byte digest and returns [R || S || V] with V in {27, 28},
// the form wallets produce. It returns nil for input that is not a digest.
func (k KeyPair) Sign(digest []byte) []byte {
	sig, err := crypto.Sign(digest, k.Key)
	if err != nil {
		return nil
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig
}
