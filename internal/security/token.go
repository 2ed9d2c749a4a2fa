// Package security generates and masks API token secrets.
package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// tokenBytes is the entropy of generated tokens (40 hex characters).
const tokenBytes = 20

// GenerateToken returns a random hex token.
func GenerateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("security: generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// MaskToken keeps the first 8 and last 4 characters of a token.
func MaskToken(token string) string {
	if len(token) < 16 {
		return "········"
	}
	return token[:8] + "········" + token[len(token)-4:]
}
