package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// SignatureHeader carries the provider's HMAC-SHA256 hex digest of the raw
// request body.
const SignatureHeader = "X-Loom-Signature"

// ErrSignatureInvalid covers every signature rejection: missing header,
// unparseable digest, or a digest that does not match. Callers get one
// error so responses leak nothing about which check failed.
var ErrSignatureInvalid = errors.New("webhook signature invalid")

// ErrNoSecret indicates the provider has no shared secret configured.
// Unverifiable deliveries are rejected, never accepted open.
var ErrNoSecret = errors.New("webhook provider has no secret configured")

// VerifySignature checks an HMAC-SHA256 hex signature over body. The
// comparison is constant time and case-insensitive on the hex digits.
func VerifySignature(secret string, body []byte, signature string) error {
	if secret == "" {
		return ErrNoSecret
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return fmt.Errorf("%w: missing %s header", ErrSignatureInvalid, SignatureHeader)
	}

	provided, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil {
		return fmt.Errorf("%w: malformed hex digest", ErrSignatureInvalid)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return ErrSignatureInvalid
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 digest a provider would attach to body.
// Used by tests and the replay tooling.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
