// Package identity implements Tempo's identity foundation: identities,
// password credentials, the role registry, and external-login links.
//
// It exposes a Store interface with a Postgres implementation for
// production and an in-memory implementation for dev mode and tests.
// Plaintext passwords and password hashes never leave this package.
package identity
