// Package federation implements Tempo's external-login handshake.
//
// Tempo is an OAuth client only: it begins an authorization-code flow with
// PKCE against a configured provider, holds the handshake state for a short
// TTL, completes the code exchange on callback, links or creates the local
// identity, and then hands off to the session ledger exactly as a password
// login would.
package federation
