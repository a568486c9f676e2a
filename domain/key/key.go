// Package key provides API key value types and pure validation
// functions. This package has NO dependencies on I/O or external
// packages beyond hashing.
package key

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// PrefixLen is the number of leading characters stored in clear for
// lookup. The rest of the key exists only as a bcrypt hash.
const PrefixLen = 12

// Key represents an API key (immutable value type).
type Key struct {
	ID        string
	CallerID  string
	Hash      []byte // bcrypt hash of the full key
	Prefix    string // first PrefixLen chars for lookup
	Name      string
	ExpiresAt *time.Time // nil = never expires
	RevokedAt *time.Time // nil = not revoked
	CreatedAt time.Time
	LastUsed  *time.Time
}

// ValidationResult represents the outcome of key validation (value type).
type ValidationResult struct {
	Valid  bool
	Key    Key    // populated only if Valid=true
	Reason string // populated only if Valid=false
}

// Reasons for validation failure.
const (
	ReasonValid     = ""
	ReasonNotFound  = "key_not_found"
	ReasonExpired   = "key_expired"
	ReasonRevoked   = "key_revoked"
	ReasonBadFormat = "invalid_format"
)

// Generate creates a new API key with the given prefix.
// Returns the raw key (to give to the caller once) and the Key struct
// (to store). The raw key is prefix + 64 hex chars.
func Generate(prefix string) (rawKey string, k Key) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	rawKey = prefix + hex.EncodeToString(randomBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
	if err != nil {
		panic(fmt.Sprintf("bcrypt failed: %v", err))
	}

	idBytes := make([]byte, 8)
	rand.Read(idBytes)

	k = Key{
		ID:        "key_" + hex.EncodeToString(idBytes),
		Hash:      hash,
		Prefix:    rawKey[:PrefixLen],
		CreatedAt: time.Now().UTC(),
	}
	return rawKey, k
}

// WithCallerID returns a copy of the key bound to a caller.
func (k Key) WithCallerID(callerID string) Key {
	k.CallerID = callerID
	return k
}

// WithName returns a copy of the key with the Name set.
func (k Key) WithName(name string) Key {
	k.Name = name
	return k
}

// Matches reports whether the raw key is the one this hash was made
// from.
func (k Key) Matches(rawKey string) bool {
	return bcrypt.CompareHashAndPassword(k.Hash, []byte(rawKey)) == nil
}

// Validate checks if a key is usable at the given time.
// This is a PURE function - no side effects, deterministic.
func Validate(k Key, now time.Time) ValidationResult {
	if k.RevokedAt != nil {
		return ValidationResult{Valid: false, Reason: ReasonRevoked}
	}
	if k.ExpiresAt != nil && now.After(*k.ExpiresAt) {
		return ValidationResult{Valid: false, Reason: ReasonExpired}
	}
	return ValidationResult{Valid: true, Key: k}
}

// ValidateFormat checks if a raw API key has a valid shape and returns
// the lookup prefix.
// This is a PURE function.
func ValidateFormat(rawKey, expectedPrefix string) (prefix string, valid bool) {
	if len(rawKey) < len(expectedPrefix)+64 {
		return "", false
	}
	if rawKey[:len(expectedPrefix)] != expectedPrefix {
		return "", false
	}
	return rawKey[:PrefixLen], true
}
