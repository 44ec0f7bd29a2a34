// Package token provides token hashing primitives for Tempo.
//
// It is the single source of truth for refresh-token hashing behavior.
//
// Design goals:
// - Default dev mode: SHA-256(token) when no HMAC key is configured.
// - Keyed mode: HMAC-SHA256(token, key) when TEMPO_TOKEN_HMAC_KEY is set.
// - Stable 64-char hex output for storage and constant-time comparison.
//
// Raw refresh tokens are never persisted; only their hash is ever written
// to storage, so a database leak does not expose usable credentials.
package token
