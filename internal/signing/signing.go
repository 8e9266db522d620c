// Package signing guards the sync trigger endpoint with an HMAC over the
// requested chunk and an expiry timestamp.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Signer generates and validates HMAC based signatures.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer. An empty secret disables verification, see
// Enabled.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Enabled reports whether a secret was configured.
func (s *Signer) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

// Sign returns the hex signature for a trigger of chunk valid until
// expiresUnix.
func (s *Signer) Sign(chunk int, expiresUnix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	// The canonical payload is "chunk:expires"; both sides must agree on it.
	payload := fmt.Sprintf("%d:%d", chunk, expiresUnix)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate checks the signature and rejects expiries in the past or further
// out than maxTTL from now.
func (s *Signer) Validate(chunk int, expires, signature string, now time.Time, maxTTL time.Duration) bool {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return false
	}
	expiry := time.Unix(exp, 0)
	if now.After(expiry) {
		return false
	}
	if maxTTL > 0 && expiry.Sub(now) > maxTTL {
		return false
	}
	expected := s.Sign(chunk, exp)
	// hmac.Equal performs constant-time comparison.
	return hmac.Equal([]byte(expected), []byte(signature))
}
