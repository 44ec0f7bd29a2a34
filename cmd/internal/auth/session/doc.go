// Package session implements Tempo's refresh-token ledger.
//
// It provides a multi-device session model with refresh-token rotation,
// reuse detection, and per-token/per-user revocation.
//
// Access tokens are issued as HS256 JWTs and are short-lived; validation is
// stateless so protected requests never touch storage. Refresh tokens are
// opaque random strings and are stored hashed
// (HMAC-SHA256 when TEMPO_TOKEN_HMAC_KEY is set; otherwise SHA-256 for dev/back-compat).
//
// Transport (HTTP) integration is intentionally out of scope here.
package session
