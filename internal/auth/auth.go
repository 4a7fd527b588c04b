// Package auth guards the mutating API with static API keys.
//
// Authentication model:
//   - Reads (accounts, zones, stats, history): no auth required
//   - Every non-GET route (transactions, simulations, recovery, pipeline runs,
//     webhooks) requires a configured key once API_KEYS is set
//   - With no keys configured every request is allowed (local demo mode)
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid API key")
)

// Key identifies an accepted API key without exposing it.
type Key struct {
	// ID is the first 12 hex chars of the key's SHA-256, safe to log.
	ID   string
	hash [sha256.Size]byte
}

// Keyring holds the hashes of accepted keys. The raw keys are not retained.
type Keyring struct {
	keys []Key
}

// NewKeyring hashes raw keys. Blank entries are ignored.
func NewKeyring(raw []string) *Keyring {
	k := &Keyring{}
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		h := sha256.Sum256([]byte(r))
		k.keys = append(k.keys, Key{ID: hex.EncodeToString(h[:])[:12], hash: h})
	}
	return k
}

// Enabled reports whether any key is configured.
func (k *Keyring) Enabled() bool {
	return k != nil && len(k.keys) > 0
}

// Validate checks a raw header value ("Bearer <key>" or the bare key).
// Every configured key is compared so timing does not depend on which one
// matched.
func (k *Keyring) Validate(header string) (*Key, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if raw == "" {
		return nil, ErrNoAPIKey
	}
	h := sha256.Sum256([]byte(raw))

	var match *Key
	for i := range k.keys {
		if subtle.ConstantTimeCompare(h[:], k.keys[i].hash[:]) == 1 {
			match = &k.keys[i]
		}
	}
	if match == nil {
		return nil, ErrInvalidAPIKey
	}
	return match, nil
}
