package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

type apiError struct {
	status  int
	code    string
	message string
}

func (e *apiError) Error() string {
	return e.message
}

// verifyWebhookSignature checks the HMAC-SHA256 of the raw request body in
// constant time. Signature checking is explicit opt-in: when no secret is
// configured the caller skips this entirely, and a missing signature is then
// valid.
func verifyWebhookSignature(secret, signature string, body []byte) *apiError {
	if strings.TrimSpace(signature) == "" {
		return &apiError{status: 401, code: "unauthorized", message: "missing webhook signature"}
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	expectedHex := hex.EncodeToString(mac.Sum(nil))
	provided := strings.ToLower(strings.TrimSpace(signature))
	provided = strings.TrimPrefix(provided, "sha256=")
	if !hmac.Equal([]byte(provided), []byte(expectedHex)) {
		return &apiError{status: 401, code: "unauthorized", message: "webhook signature mismatch"}
	}
	return nil
}
