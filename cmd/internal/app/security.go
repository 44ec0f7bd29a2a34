package app

import (
	"errors"

	"tempo/cmd/security/token"
)

// ValidateSecurityConfig enforces Tempo's security policy at startup.
// Fail-fast: silently falling back to weaker crypto in production is
// unacceptable, so enforcement validates the same module that performs
// the hashing (security/token).
func ValidateSecurityConfig(cfg Config) error {
	if !cfg.RequireTokenHMAC {
		return nil
	}

	// Minimum 32 bytes for an HMAC-SHA256 secret, measured in bytes
	// because the key is used as raw bytes.
	if _, err := token.HMACKeyFromEnv(32); err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return errors.New("security policy: TEMPO_REQUIRE_TOKEN_HMAC=true but TEMPO_TOKEN_HMAC_KEY is missing")
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return errors.New("security policy: TEMPO_REQUIRE_TOKEN_HMAC=true but TEMPO_TOKEN_HMAC_KEY is too short (min 32 bytes)")
		default:
			return err
		}
	}

	if !token.HMACEnabled() {
		return errors.New("security policy: TEMPO_REQUIRE_TOKEN_HMAC=true but token hasher is not in HMAC mode")
	}

	return nil
}
