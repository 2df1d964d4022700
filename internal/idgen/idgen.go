// Package idgen generates random identifiers and secrets.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// WithPrefix returns prefix followed by 24 hex chars (12 random bytes),
// e.g. "wh_9f0c..." or "dlv_51ab...".
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// Secret returns n random bytes hex-encoded. Unlike WithPrefix it reports
// a read failure, since callers hand the value out as a credential.
func Secret(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("idgen: secret length must be positive, got %d", n)
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return hex.EncodeToString(b), nil
}
