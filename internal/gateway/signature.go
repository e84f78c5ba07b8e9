// internal/gateway/signature.go
package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	xerrors "zapfy-billing/internal/pkg/errors"
)

// verifySignature checks an HMAC-SHA256 hex signature over the raw payload.
// Comparison is constant-time.
func verifySignature(secret string, payload []byte, signature string) error {
	if secret == "" || signature == "" {
		return xerrors.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return xerrors.ErrInvalidSignature
	}
	return nil
}

// SignPayload produces the signature a rail would attach. Exported for tests.
func SignPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
