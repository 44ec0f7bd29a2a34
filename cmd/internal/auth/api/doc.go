// Package api exposes the auth core over HTTP.
//
// Handlers stay thin: they decode requests, call the identity store,
// session service, and federation coordinator, and map sentinel errors
// to stable error codes. All responses are JSON and carry
// Cache-Control: no-store.
package api
