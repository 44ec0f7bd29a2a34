package session

import (
	"os"
	"strconv"
	"time"
)

// Config defines all runtime configuration for the session subsystem.
//
// It controls access-token TTL, refresh-token expiry policies, clock skew
// tolerance, refresh entropy size, and the JWT signing secret.
//
// This struct is intentionally explicit and environment-driven so that
// production deployments can tune security parameters without code changes.
type Config struct {
	// Issuer is the value set in the "iss" claim of access tokens.
	Issuer string

	// AccessTokenTTL defines the lifetime of JWT access tokens.
	AccessTokenTTL time.Duration

	// RefreshIdleTTL is the rolling window: a refresh token unused for this
	// long becomes unusable. Each successful rotation restarts the window.
	RefreshIdleTTL time.Duration

	// RefreshAbsoluteTTL is the hard ceiling measured from the original
	// login. Rotation never extends it.
	RefreshAbsoluteTTL time.Duration

	// ClockSkew defines the allowed time skew during token validation.
	ClockSkew time.Duration

	// RefreshTokenBytes defines the number of random bytes used
	// to generate opaque refresh tokens.
	RefreshTokenBytes int

	// AccessTokenSecret is the symmetric HS256 signing secret. It is shared
	// between minting and validation and must never leave the backend.
	AccessTokenSecret []byte
}

// DefaultConfig returns a secure default configuration suitable for development.
//
// Production environments should override values via environment variables.
func DefaultConfig() Config {
	return Config{
		Issuer:             "tempo",
		AccessTokenTTL:     15 * time.Minute,
		RefreshIdleTTL:     7 * 24 * time.Hour,
		RefreshAbsoluteTTL: 180 * 24 * time.Hour,
		ClockSkew:          30 * time.Second,
		RefreshTokenBytes:  32,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Required:
//   - TEMPO_ACCESS_TOKEN_SECRET (at least 32 bytes)
//
// Optional (durations must be valid Go duration strings):
//   - TEMPO_AUTH_ISSUER
//   - TEMPO_AUTH_ACCESS_TTL
//   - TEMPO_AUTH_REFRESH_IDLE_TTL
//   - TEMPO_AUTH_REFRESH_ABSOLUTE_TTL
//   - TEMPO_AUTH_CLOCK_SKEW
//   - TEMPO_AUTH_REFRESH_TOKEN_BYTES
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("TEMPO_AUTH_ISSUER"); v != "" {
		cfg.Issuer = v
	}

	if v := os.Getenv("TEMPO_AUTH_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.AccessTokenTTL = d
	}

	if v := os.Getenv("TEMPO_AUTH_REFRESH_IDLE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.RefreshIdleTTL = d
	}

	if v := os.Getenv("TEMPO_AUTH_REFRESH_ABSOLUTE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.RefreshAbsoluteTTL = d
	}

	if v := os.Getenv("TEMPO_AUTH_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	if v := os.Getenv("TEMPO_AUTH_REFRESH_TOKEN_BYTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 32 || n > 64 {
			return Config{}, ErrConfig
		}
		cfg.RefreshTokenBytes = n
	}

	secret := os.Getenv("TEMPO_ACCESS_TOKEN_SECRET")
	if len(secret) < 32 {
		return Config{}, ErrConfig
	}
	cfg.AccessTokenSecret = []byte(secret)

	// Invariants: the idle window must sit inside the absolute ceiling, and
	// access tokens must expire well before refresh tokens.
	if cfg.RefreshAbsoluteTTL < cfg.RefreshIdleTTL {
		return Config{}, ErrConfig
	}
	if cfg.AccessTokenTTL >= cfg.RefreshIdleTTL {
		return Config{}, ErrConfig
	}

	return cfg, nil
}
