// services/lockplane/internal/utils/crypto.go
package utils

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignaturePrefix tags the hash scheme in the X-Webhook-Signature header.
const SignaturePrefix = "sha256="

// GenerateSecret returns n random bytes hex-encoded.
func GenerateSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// SignWebhook computes the header value for a payload:
// "sha256=" + hex(HMAC-SHA256(secret, timestamp + "." + body)).
func SignWebhook(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature compares signature against the expected value in constant time.
func VerifyWebhookSignature(secret, timestamp string, body []byte, signature string) bool {
	if !strings.HasPrefix(signature, SignaturePrefix) {
		return false
	}
	expected := SignWebhook(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// WithinTolerance reports whether a unix-seconds timestamp lies within
// tolerance of now in either direction.
func WithinTolerance(timestamp string, now time.Time, tolerance time.Duration) bool {
	secs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	delta := now.Sub(time.Unix(secs, 0))
	if delta < 0 {
		delta = -delta
	}
	return delta <= tolerance
}
