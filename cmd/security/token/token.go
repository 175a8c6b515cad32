package token

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"
)

const (
	// #nosec G101 -- env var names, not credentials.
	SigningKeyEnv = "SCOPING_TOKEN_SIGNING_KEY"
	SealKeyEnv    = "SCOPING_TOKEN_SEAL_KEY"

	// MinKeyBytes is the minimum accepted secret length.
	MinKeyBytes = 32
)

// KeyFromEnv returns the trimmed value of env as key bytes, enforcing a
// minimum length.
// If the env var is missing/blank -> ErrKeyMissing.
// If too short -> ErrKeyTooShort.
func KeyFromEnv(env string, minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(env))
	if raw == "" {
		return nil, ErrKeyMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrKeyTooShort
	}
	return b, nil
}

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
