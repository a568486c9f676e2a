package key_test

import (
	"strings"
	"testing"
	"time"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/key"
)

var (
	baseTime   = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	pastTime   = baseTime.Add(-24 * time.Hour)
	futureTime = baseTime.Add(24 * time.Hour)
)

func TestGenerate(t *testing.T) {
	raw, k := key.Generate("sg_")

	if !strings.HasPrefix(raw, "sg_") {
		t.Errorf("raw key %q should start with sg_", raw)
	}
	if len(raw) != 3+64 {
		t.Errorf("raw key length = %d, want 67", len(raw))
	}
	if k.Prefix != raw[:key.PrefixLen] {
		t.Errorf("Prefix = %q, want %q", k.Prefix, raw[:key.PrefixLen])
	}
	if !strings.HasPrefix(k.ID, "key_") {
		t.Errorf("ID = %q, want key_ prefix", k.ID)
	}
	if !k.Matches(raw) {
		t.Error("generated key should match its own raw form")
	}
	if k.Matches("sg_" + strings.Repeat("0", 64)) {
		t.Error("key should not match a different raw form")
	}
}

func TestGenerateUnique(t *testing.T) {
	raw1, k1 := key.Generate("sg_")
	raw2, k2 := key.Generate("sg_")
	if raw1 == raw2 {
		t.Error("two generated keys should differ")
	}
	if k1.ID == k2.ID {
		t.Error("two generated key IDs should differ")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		key    key.Key
		valid  bool
		reason string
	}{
		{
			name:  "plain key",
			key:   key.Key{ID: "key_1"},
			valid: true,
		},
		{
			name:  "expires in the future",
			key:   key.Key{ID: "key_1", ExpiresAt: &futureTime},
			valid: true,
		},
		{
			name:   "expired",
			key:    key.Key{ID: "key_1", ExpiresAt: &pastTime},
			valid:  false,
			reason: key.ReasonExpired,
		},
		{
			name:   "revoked",
			key:    key.Key{ID: "key_1", RevokedAt: &pastTime},
			valid:  false,
			reason: key.ReasonRevoked,
		},
		{
			name:   "revoked wins over expiry",
			key:    key.Key{ID: "key_1", RevokedAt: &pastTime, ExpiresAt: &pastTime},
			valid:  false,
			reason: key.ReasonRevoked,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := key.Validate(tt.key, baseTime)
			if res.Valid != tt.valid {
				t.Errorf("Valid = %v, want %v", res.Valid, tt.valid)
			}
			if res.Reason != tt.reason {
				t.Errorf("Reason = %q, want %q", res.Reason, tt.reason)
			}
			if tt.valid && res.Key.ID != tt.key.ID {
				t.Errorf("valid result should carry the key")
			}
		})
	}
}

func TestValidateFormat(t *testing.T) {
	raw, _ := key.Generate("sg_")

	prefix, ok := key.ValidateFormat(raw, "sg_")
	if !ok {
		t.Fatal("generated key should have valid format")
	}
	if prefix != raw[:key.PrefixLen] {
		t.Errorf("prefix = %q, want %q", prefix, raw[:key.PrefixLen])
	}

	if _, ok := key.ValidateFormat("sg_tooshort", "sg_"); ok {
		t.Error("short key should be rejected")
	}
	if _, ok := key.ValidateFormat("ak_"+strings.Repeat("a", 64), "sg_"); ok {
		t.Error("wrong prefix should be rejected")
	}
	if _, ok := key.ValidateFormat("", "sg_"); ok {
		t.Error("empty key should be rejected")
	}
}
