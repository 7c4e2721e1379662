package signing

import (
	"bytes"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidmarket/market-engine/internal/model"
)

func newKey(t *testing.T, b byte) KeyPair {
	t.Helper()
	k, err := KeyFromSeed(bytes.Repeat([]byte{b}, 32))
	require.NoError(t, err)
	return k
}

func TestParseAddress(t *testing.T) {
	k := newKey(t, 1)

	addr, err := ParseAddress(string(k.Address()))
	require.NoError(t, err)
	assert.Equal(t, k.Address(), addr)
	assert.True(t, IsCanonical(addr))

	lower, err := ParseAddress(strings.ToLower(string(k.Address())))
	require.NoError(t, err)
	assert.Equal(t, k.Address(), lower, "any letter case parses to the checksum form")
	assert.False(t, IsCanonical(model.Address(strings.ToLower(string(k.Address())))))

	for _, bad := range []string{"", "0xzz", "abc", string(k.Address())[:10], common.Address{}.Hex()} {
		_, err := ParseAddress(bad)
		assert.ErrorIs(t, err, ErrInvalidAddress, "address %q", bad)
	}
}

func TestKeyVerifier(t *testing.T) {
	k := newKey(t, 2)
	other := newKey(t, 3)
	msg := ClaimMessage("tid-1", other.Address())
	require.Len(t, msg, 32)
	sig := k.Sign(msg)

	v := KeyVerifier{}
	assert.True(t, v.Verify(msg, sig, k.Address()))
	assert.False(t, v.Verify(msg, sig, other.Address()), "wrong signer")
	assert.False(t, v.Verify(ClaimMessage("tid-1", k.Address()), sig, k.Address()), "different recipient")
	assert.False(t, v.Verify(msg, sig[:10], k.Address()), "truncated signature")
	assert.False(t, v.Verify(nil, sig, k.Address()), "no digest")
}

func TestKeyVerifier_RecoveryIDForms(t *testing.T) {
	k := newKey(t, 4)
	msg := RequestMessage("POST", "/api/v1/tokens/alice/buy", 1_700_000_000, "n-1", []byte(`{}`))
	sig := k.Sign(msg)
	require.Contains(t, []byte{27, 28}, sig[64])

	raw := append([]byte(nil), sig...)
	raw[64] -= 27
	assert.True(t, KeyVerifier{}.Verify(msg, raw, k.Address()), "0/1 recovery id is accepted too")
}

func TestKeyVerifier_RejectsHighS(t *testing.T) {
	k := newKey(t, 5)
	msg := ClaimMessage("tid", k.Address())
	sig := k.Sign(msg)

	// (r, N-s) with the recovery id flipped recovers the same key.
	n := crypto.S256().Params().N
	s := new(big.Int).SetBytes(sig[32:64])
	malleated := append([]byte(nil), sig...)
	new(big.Int).Sub(n, s).FillBytes(malleated[32:64])
	malleated[64] = 55 - malleated[64] // 27 <-> 28

	assert.False(t, KeyVerifier{}.Verify(msg, malleated, k.Address()))
}

func TestTypedDigest_MatchesWalletSigning(t *testing.T) {
	// A wallet signing the same typed data through apitypes produces a
	// signature the verifier accepts.
	k := newKey(t, 6)
	recipient := newKey(t, 7).Address()
	digest, _, err := apitypes.TypedDataAndHash(apitypes.TypedData{
		Types:       messageTypes,
		PrimaryType: "Claim",
		Domain:      apitypes.TypedDataDomain{Name: DomainName, Version: DomainVersion},
		Message:     apitypes.TypedDataMessage{"tid": "bob", "recipient": strings.ToLower(string(recipient))},
	})
	require.NoError(t, err)
	assert.Equal(t, digest, ClaimMessage("bob", recipient))

	sig, err := crypto.Sign(digest, k.Key)
	require.NoError(t, err)
	assert.True(t, KeyVerifier{}.Verify(ClaimMessage("bob", recipient), sig, k.Address()))
}

func TestDeriveAccountAddress(t *testing.T) {
	owner := newKey(t, 4).Address()

	acct, err := DeriveAccountAddress(owner, []byte("vault"))
	require.NoError(t, err)
	assert.True(t, IsCanonical(acct))
	assert.NotEqual(t, owner, acct)

	again, err := DeriveAccountAddress(owner, []byte("vault"))
	require.NoError(t, err)
	assert.Equal(t, acct, again, "derivation is deterministic")

	otherSeed, err := DeriveAccountAddress(owner, []byte("other"))
	require.NoError(t, err)
	assert.NotEqual(t, acct, otherSeed)

	_, err = DeriveAccountAddress("nope", []byte("vault"))
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestAccountVerifier(t *testing.T) {
	owner := newKey(t, 5)
	delegate := newKey(t, 6)
	stranger := newKey(t, 7)

	acct, err := DeriveAccountAddress(owner.Address(), []byte("signer"))
	require.NoError(t, err)

	accounts := NewAccountVerifier()
	accounts.Register(acct, delegate.Address())
	v := NewVerifiers(accounts)

	msg := CreateTokenMessage("tid", "meta", decimal.NewFromInt(10), 1_700_000_000, "")
	require.NotNil(t, msg)
	assert.True(t, v.Verify(msg, delegate.Sign(msg), acct))
	assert.False(t, v.Verify(msg, stranger.Sign(msg), acct))

	// Plain keys still go through the key verifier.
	assert.True(t, v.Verify(msg, stranger.Sign(msg), stranger.Address()))
	assert.False(t, v.Verify(msg, stranger.Sign(msg), delegate.Address()))
}

func TestAuthority_Rotate(t *testing.T) {
	first := newKey(t, 8)
	second := newKey(t, 9)
	auth := NewAuthority(first.Address(), NewVerifiers(NewAccountVerifier()))

	msg := ClaimMessage("tid", second.Address())
	require.NoError(t, auth.Check(msg, first.Sign(msg)))
	assert.ErrorIs(t, auth.Check(msg, second.Sign(msg)), ErrBadSignature)

	auth.Rotate(second.Address())
	assert.Equal(t, second.Address(), auth.Signer())
	assert.ErrorIs(t, auth.Check(msg, first.Sign(msg)), ErrBadSignature)
	assert.NoError(t, auth.Check(msg, second.Sign(msg)))
}

func TestMessages_DomainSeparated(t *testing.T) {
	addr := newKey(t, 10).Address()
	claim := ClaimMessage("abc", addr)
	create := CreateTokenMessage("abc", "", decimal.Zero, 0, addr)
	assert.NotEqual(t, claim, create)

	// String fields are hashed individually, so boundaries cannot shift.
	assert.NotEqual(t,
		CreateTokenMessage("ab", "c", decimal.Zero, 0, ""),
		CreateTokenMessage("a", "bc", decimal.Zero, 0, ""))

	req1 := RequestMessage("POST", "/api/v1/x", 1, "n-1", []byte(`{"a":1}`))
	req2 := RequestMessage("POST", "/api/v1/x", 1, "n-1", []byte(`{"a":2}`))
	assert.NotEqual(t, req1, req2)
	assert.NotEqual(t, req1, RequestMessage("POST", "/api/v1/x", 1, "n-2", []byte(`{"a":1}`)), "nonce is signed")
}

func TestMessages_UnencodableFields(t *testing.T) {
	assert.Nil(t, CreateTokenMessage("tid", "", decimal.RequireFromString("1.5"), 0, ""), "fractional price")
	assert.Nil(t, CreateTokenMessage("tid", "", decimal.Zero, -1, ""), "negative deadline")
	assert.Nil(t, ClaimMessage("tid", "not-an-address"))
}

func TestSignatureEncoding(t *testing.T) {
	k, err := GenerateKey()
	require.NoError(t, err)

	sig := k.Sign(ClaimMessage("tid", k.Address()))
	encoded := EncodeSignature(sig)
	assert.True(t, strings.HasPrefix(encoded, "0x"))
	decoded, err := DecodeSignature(encoded)
	require.NoError(t, err)
	assert.Equal(t, sig, decoded)

	_, err = DecodeSignature("0x1234")
	assert.ErrorIs(t, err, ErrInvalidSignature)
	_, err = DecodeSignature("short")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	assert.Nil(t, k.Sign([]byte("not a digest")))
}
