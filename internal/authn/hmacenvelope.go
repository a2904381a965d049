package authn

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Envelope is the canonical string and signature for one intra-service
// request, per §6: "method\npath\nhex(sha256(body))\nissued_at\nnonce\ntrace_id".
type Envelope struct {
	Method    string
	Path      string
	BodyHash  string
	IssuedAt  int64
	Nonce     string
	TraceID   string
	Signature string
}

func canonicalString(method, path, bodyHash string, issuedAt int64, nonce, traceID string) string {
	return fmt.Sprintf("%s\n%s\n%s\n%d\n%s\n%s", method, path, bodyHash, issuedAt, nonce, traceID)
}

// Signer signs intra-service call envelopes with the current secret.
type Signer struct {
	secret []byte
}

func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Sign builds and signs an envelope for one outbound request.
func (s *Signer) Sign(method, path string, body []byte, nonce, traceID string, now time.Time) Envelope {
	bodyHash := SHA256Hex(body)
	issuedAt := now.Unix()
	canonical := canonicalString(method, path, bodyHash, issuedAt, nonce, traceID)
	sig := HMACSHA256Hex(s.secret, []byte(canonical))
	return Envelope{
		Method: method, Path: path, BodyHash: bodyHash,
		IssuedAt: issuedAt, Nonce: nonce, TraceID: traceID, Signature: sig,
	}
}

// Verifier validates envelopes, tolerating a configurable clock skew
// and accepting a signature produced with either the current or the
// previous secret during a rotation window — the same current/previous
// pattern internal/security.TokenBroker uses for its HMAC token
// secrets, generalized here from token issuance to request signing.
type Verifier struct {
	mu         sync.RWMutex
	secret     []byte
	prevSecret []byte
	graceUntil time.Time
	skew       time.Duration
}

func NewVerifier(secret []byte, skew time.Duration) *Verifier {
	if skew <= 0 {
		skew = 30 * time.Second
	}
	return &Verifier{secret: secret, skew: skew}
}

// Rotate installs a new secret, keeping the previous one valid for
// gracePeriod so in-flight callers signed with the old secret aren't
// rejected mid-rotation.
func (v *Verifier) Rotate(newSecret []byte, gracePeriod time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.prevSecret = v.secret
	v.secret = newSecret
	v.graceUntil = time.Now().Add(gracePeriod)
}

// Verify checks body hash, issued_at skew, and signature against both
// the current and (within the grace window) the previous secret.
func (v *Verifier) Verify(env Envelope, body []byte, now time.Time) error {
	if SHA256Hex(body) != env.BodyHash {
		return fmt.Errorf("body hash mismatch")
	}
	issued := time.Unix(env.IssuedAt, 0)
	if now.Sub(issued) > v.skew || issued.Sub(now) > v.skew {
		return fmt.Errorf("issued_at outside allowed skew of %s", v.skew)
	}

	canonical := canonicalString(env.Method, env.Path, env.BodyHash, env.IssuedAt, env.Nonce, env.TraceID)
	sig, err := hex.DecodeString(env.Signature)
	if err != nil {
		return fmt.Errorf("malformed signature: %w", err)
	}

	v.mu.RLock()
	secret, prevSecret, graceUntil := v.secret, v.prevSecret, v.graceUntil
	v.mu.RUnlock()

	expected, _ := hex.DecodeString(HMACSHA256Hex(secret, []byte(canonical)))
	if TimingSafeEqual(sig, expected) {
		return nil
	}
	if prevSecret != nil && now.Before(graceUntil) {
		expectedPrev, _ := hex.DecodeString(HMACSHA256Hex(prevSecret, []byte(canonical)))
		if TimingSafeEqual(sig, expectedPrev) {
			return nil
		}
	}
	return fmt.Errorf("signature mismatch")
}
