// Package requestid mints the correlation ids attached to inbound
// requests and carried into job audit payloads.
package requestid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns a 32-character hex id from the system CSPRNG.
func New() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// Must returns an id even when the CSPRNG is unavailable. The fallback
// is time-derived and keeps the caller's prefix so it cannot be
// mistaken for a random id in logs.
func Must(prefix string) string {
	id, err := New()
	if err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return id
}
