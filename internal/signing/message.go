package signing

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"

	"github.com/tidmarket/market-engine/internal/model"
)

// EIP-712 domain of every digest signed for the market.
const (
	DomainName    = "TidMarket"
	DomainVersion = "1"
)

var messageTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
	},
	"CreateToken": {
		{Name: "tid", Type: "string"},
		{Name: "metadata", Type: "string"},
		{Name: "price", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
		{Name: "creator", Type: "address"},
	},
	"Claim": {
		{Name: "tid", Type: "string"},
		{Name: "recipient", Type: "address"},
	},
	"Request": {
		{Name: "method", Type: "string"},
		{Name: "path", Type: "string"},
		{Name: "timestamp", Type: "uint256"},
		{Name: "nonce", Type: "string"},
		{Name: "bodyHash", Type: "bytes32"},
	},
}

// typedDigest returns the EIP-712 digest of message under primary, or nil
// when a field cannot be encoded. A nil digest verifies against nothing.
func typedDigest(primary string, message apitypes.TypedDataMessage) []byte {
	digest, _, err := apitypes.TypedDataAndHash(apitypes.TypedData{
		Types:       messageTypes,
		PrimaryType: primary,
		Domain: apitypes.TypedDataDomain{
			Name:    DomainName,
			Version: DomainVersion,
		},
		Message: message,
	})
	if err != nil {
		return nil
	}
	return digest
}

// CreateTokenMessage is the digest the trusted signer signs to authorize a
// token creation request. An empty creator is signed as the zero address
// and means the creator entitlement is held in escrow until claimed.
func CreateTokenMessage(tid, metadata string, price decimal.Decimal, deadline int64, creator model.Address) []byte {
	if !price.IsInteger() {
		return nil
	}
	c := string(creator)
	if c == "" {
		c = common.Address{}.Hex()
	}
	return typedDigest("CreateToken", apitypes.TypedDataMessage{
		"tid":      tid,
		"metadata": metadata,
		"price":    price.BigInt(),
		"deadline": big.NewInt(deadline),
		"creator":  c,
	})
}

// ClaimMessage is the digest the trusted signer signs to bind a tid to the
// wallet that may claim its escrowed entitlement.
func ClaimMessage(tid string, recipient model.Address) []byte {
	return typedDigest("Claim", apitypes.TypedDataMessage{
		"tid":       tid,
		"recipient": string(recipient),
	})
}

// RequestMessage is the digest a caller signs to authenticate an API
// request. The nonce makes otherwise identical requests distinct.
func RequestMessage(method, path string, timestamp int64, nonce string, body []byte) []byte {
	return typedDigest("Request", apitypes.TypedDataMessage{
		"method":    method,
		"path":      path,
		"timestamp": big.NewInt(timestamp),
		"nonce":     nonce,
		"bodyHash":  hexutil.Encode(crypto.Keccak256(body)),
	})
}
