package token

import (
	"strings"
	"testing"
)

func TestHashSHA256Hex_StableLength(t *testing.T) {
	t.Parallel()

	h := HashSHA256Hex("some-refresh-token")
	if len(h) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(h))
	}
	if h != HashSHA256Hex("some-refresh-token") {
		t.Fatalf("hash is not deterministic")
	}
	if h == HashSHA256Hex("other-refresh-token") {
		t.Fatalf("distinct inputs must not collide trivially")
	}
}

func TestHashHMACSHA256Hex_KeyedDiffersFromUnkeyed(t *testing.T) {
	t.Parallel()

	plain := HashSHA256Hex("tok")
	keyed := HashHMACSHA256Hex("tok", []byte("0123456789abcdef0123456789abcdef"))
	if len(keyed) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(keyed))
	}
	if plain == keyed {
		t.Fatalf("HMAC output must differ from plain SHA-256")
	}
}

func TestHashRefreshTokenHex_UsesHMACWhenKeySet(t *testing.T) {
	key := "0123456789abcdef0123456789abcdef"
	t.Setenv(HMACEnvKey, key)

	got := HashRefreshTokenHex("tok")
	want := HashHMACSHA256Hex("tok", []byte(key))
	if got != want {
		t.Fatalf("expected HMAC mode when key is set")
	}

	t.Setenv(HMACEnvKey, "")
	if HashRefreshTokenHex("tok") != HashSHA256Hex("tok") {
		t.Fatalf("expected SHA-256 fallback when key is unset")
	}
}

func TestHMACKeyFromEnv_Policy(t *testing.T) {
	t.Setenv(HMACEnvKey, "")
	if _, err := HMACKeyFromEnv(32); err != ErrHMACKeyMissing {
		t.Fatalf("expected ErrHMACKeyMissing, got %v", err)
	}

	t.Setenv(HMACEnvKey, "short")
	if _, err := HMACKeyFromEnv(32); err != ErrHMACKeyTooShort {
		t.Fatalf("expected ErrHMACKeyTooShort, got %v", err)
	}

	t.Setenv(HMACEnvKey, strings.Repeat("k", 32))
	if _, err := HMACKeyFromEnv(32); err != nil {
		t.Fatalf("expected key accepted, got %v", err)
	}
}
