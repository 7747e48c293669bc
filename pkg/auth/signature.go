// Package auth verifies HMAC-signed automation requests.
//
// A request is signed over "{ts}.{nonce}.{METHOD}.{path}.{hex(sha256(body))}"
// with a shared secret. A valid request is fresh, correctly signed and carries
// a nonce not seen within the freshness window.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Request headers.
const (
	HeaderTimestamp      = "X-Request-Timestamp"
	HeaderNonce          = "X-Request-Id"
	HeaderSignature      = "X-Signature"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// SignatureStatus is the verdict on one request.
type SignatureStatus string

const (
	StatusValid   SignatureStatus = "valid"
	StatusInvalid SignatureStatus = "invalid"
	StatusStale   SignatureStatus = "stale"
	StatusReplay  SignatureStatus = "replay"
	StatusMissing SignatureStatus = "missing"
)

// ErrNoSecret is returned by Verify when no shared secret is configured.
var ErrNoSecret = errors.New("fail-closed: hmac secret not configured")

// BodyHash returns hex(sha256(body)).
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// CanonicalString is the signed message.
func CanonicalString(ts, nonce, method, path string, body []byte) string {
	return strings.Join([]string{ts, nonce, strings.ToUpper(method), path, BodyHash(body)}, ".")
}

// Sign returns hex(HMAC-SHA256(secret, canonical)).
func Sign(secret []byte, ts, nonce, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(CanonicalString(ts, nonce, method, path, body)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Request is the signed material extracted from an HTTP request.
type Request struct {
	Timestamp string
	Nonce     string
	Signature string
	Method    string
	Path      string
	Body      []byte
}

// VerifierConfig bounds request freshness.
type VerifierConfig struct {
	// TTL is the accepted age of a request.
	TTL time.Duration
	// Skew tolerates clock drift on top of TTL.
	Skew time.Duration
}

// Verifier checks signatures and remembers nonces.
type Verifier struct {
	secret []byte
	nonces NonceStore
	cfg    VerifierConfig
	now    func() time.Time
}

func NewVerifier(secret []byte, nonces NonceStore, cfg VerifierConfig) *Verifier {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.Skew < 0 {
		cfg.Skew = 0
	}
	return &Verifier{secret: secret, nonces: nonces, cfg: cfg, now: time.Now}
}

// Window is how long a nonce must be remembered.
func (v *Verifier) Window() time.Duration {
	return v.cfg.TTL + v.cfg.Skew
}

// Verify checks, in order: headers present, timestamp fresh, signature
// correct, nonce unseen. The nonce is recorded only once the signature
// verifies. A non-nil error means the verdict could not be reached; callers
// reject the request.
func (v *Verifier) Verify(ctx context.Context, req Request) (SignatureStatus, error) {
	if len(v.secret) == 0 {
		return StatusInvalid, ErrNoSecret
	}
	if req.Timestamp == "" || req.Nonce == "" || req.Signature == "" {
		return StatusMissing, nil
	}
	ts, err := strconv.ParseInt(req.Timestamp, 10, 64)
	if err != nil {
		return StatusMissing, nil
	}

	age := v.now().Sub(time.Unix(ts, 0))
	if age < 0 {
		age = -age
	}
	if age > v.Window() {
		return StatusStale, nil
	}

	got, err := hex.DecodeString(req.Signature)
	if err != nil {
		return StatusInvalid, nil
	}
	want, _ := hex.DecodeString(Sign(v.secret, req.Timestamp, req.Nonce, req.Method, req.Path, req.Body))
	if !hmac.Equal(got, want) {
		return StatusInvalid, nil
	}

	if v.nonces == nil {
		return StatusInvalid, errors.New("fail-closed: nonce store not configured")
	}
	fresh, err := v.nonces.Remember(ctx, req.Nonce, v.Window())
	if err != nil {
		return StatusInvalid, fmt.Errorf("nonce store: %w", err)
	}
	if !fresh {
		return StatusReplay, nil
	}
	return StatusValid, nil
}
