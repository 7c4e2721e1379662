package trade

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	"github.com/tidmarket/market-engine/internal/model"
	"github.com/tidmarket/market-engine/internal/signing"
)

// Request authentication headers.
const (
	HeaderAddress   = "X-Address"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"
)

// maxBodyBytes bounds the body read for signature verification.
const maxBodyBytes = 1 << 20

const maxNonceLen = 128

type callerKey struct{}

// Authenticator verifies signed API requests. The caller signs the EIP-712
// request digest over method, path, unix timestamp, a nonce and the body
// hash. Requests outside the skew window are rejected, and each signed
// request is accepted once.
type Authenticator struct {
	verifier signing.Verifier
	nonces   NonceStore
	skew     time.Duration
	clock    func() time.Time
}

// NewAuthenticator creates an authenticator. A nil nonce store keeps seen
// requests in memory; a nil clock uses time.Now.
func NewAuthenticator(verifier signing.Verifier, nonces NonceStore, skew time.Duration, clock func() time.Time) *Authenticator {
	if clock == nil {
		clock = time.Now
	}
	if nonces == nil {
		nonces = NewMemoryNonces(clock)
	}
	return &Authenticator{verifier: verifier, nonces: nonces, skew: skew, clock: clock}
}

// Middleware rejects unsigned, badly signed or replayed requests and stores
// the verified caller address in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, err := signing.ParseAddress(r.Header.Get(HeaderAddress))
		if err != nil {
			writeError(w, "missing or invalid "+HeaderAddress, http.StatusUnauthorized)
			return
		}
		ts, err := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
		if err != nil {
			writeError(w, "missing or invalid "+HeaderTimestamp, http.StatusUnauthorized)
			return
		}
		if d := a.clock().Sub(time.Unix(ts, 0)); d > a.skew || d < -a.skew {
			writeError(w, "request timestamp outside allowed window", http.StatusUnauthorized)
			return
		}
		nonce := r.Header.Get(HeaderNonce)
		if nonce == "" || len(nonce) > maxNonceLen {
			writeError(w, "missing or invalid "+HeaderNonce, http.StatusUnauthorized)
			return
		}
		sig, err := signing.DecodeSignature(r.Header.Get(HeaderSignature))
		if err != nil {
			writeError(w, "missing or invalid "+HeaderSignature, http.StatusUnauthorized)
			return
		}

		var body []byte
		if r.Body != nil {
			body, err = io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				writeError(w, "failed to read request body", http.StatusBadRequest)
				return
			}
			r.Body.Close()
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		digest := signing.RequestMessage(r.Method, r.URL.Path, ts, nonce, body)
		if !a.verifier.Verify(digest, sig, addr) {
			slog.Warn("request signature rejected", "address", addr, "path", r.URL.Path)
			writeError(w, "bad request signature", http.StatusUnauthorized)
			return
		}

		// A request stays inside the window for at most 2*skew after it is
		// first seen.
		fresh, err := a.nonces.Reserve(r.Context(), string(addr)+":"+hexutil.Encode(digest), 2*a.skew)
		if err != nil {
			slog.Error("replay check failed", "address", addr, "error", err)
			writeError(w, "request replay check unavailable", http.StatusServiceUnavailable)
			return
		}
		if !fresh {
			slog.Warn("replayed request rejected", "address", addr, "path", r.URL.Path)
			writeError(w, "request already used", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, addr)))
	})
}

// Caller returns the authenticated caller of a request.
func Caller(r *http.Request) (model.Address, bool) {
	addr, ok := r.Context().Value(callerKey{}).(model.Address)
	return addr, ok
}

// SignRequest sets the authentication headers on r for the given key with a
// fresh nonce. The body must be the exact bytes sent.
func SignRequest(r *http.Request, key signing.KeyPair, body []byte, at time.Time) {
	ts := at.Unix()
	nonce := uuid.NewString()
	r.Header.Set(HeaderAddress, string(key.Address()))
	r.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	r.Header.Set(HeaderNonce, nonce)
	r.Header.Set(HeaderSignature, signing.EncodeSignature(key.Sign(signing.RequestMessage(r.Method, r.URL.Path, ts, nonce, body))))
}
