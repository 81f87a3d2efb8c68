package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const valueBytes = 32

// NewValue returns a URL-safe random credential with 256 bits of entropy.
func NewValue() (string, error) {
	b := make([]byte, valueBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token value: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashValue returns the hex SHA-256 of a credential, the form kept at rest.
func HashValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
