// Package signer computes the webhook signature carried in the
// X-Webhook-Signature header.
package signer

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const secretPrefix = "whsec_"

// Sign returns the hex-encoded HMAC-SHA256 of payload keyed by secret.
// Receivers recompute it over the raw request body.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateSecret returns a new random signing secret.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return secretPrefix + hex.EncodeToString(b), nil
}
