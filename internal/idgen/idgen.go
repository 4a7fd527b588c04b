// Package idgen generates random, prefixed identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// Prefixes for the identifiers this service mints.
const (
	PrefixTransaction = "tx_"
	PrefixAssessment  = "risk_"
	PrefixRun         = "run_"
	PrefixRequest     = "req_"
	PrefixWebhook     = "wh_"
	PrefixEvent       = "evt_"
)

// WithPrefix returns prefix followed by 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// HasPrefix reports whether id was minted with prefix and has the expected
// random suffix.
func HasPrefix(id, prefix string) bool {
	rest, ok := strings.CutPrefix(id, prefix)
	if !ok || len(rest) != 24 {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}
