package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// VerifyHMAC verifies the HMAC signature on an API request. The body is
// read and then restored, so downstream handlers see it untouched.
func VerifyHMAC(r *http.Request, secret string) error {
	signature := r.Header.Get("X-Signature-256")
	if signature == "" {
		signature = r.Header.Get("X-Signature")
		if signature == "" {
			return fmt.Errorf("missing HMAC signature header")
		}
	}

	// Format: "sha256=<hex>"
	parts := strings.SplitN(signature, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid signature format")
	}
	if parts[0] != "sha256" {
		return fmt.Errorf("unsupported signature algorithm: %s", parts[0])
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(parts[1])) {
		return fmt.Errorf("HMAC signature mismatch")
	}

	return nil
}
