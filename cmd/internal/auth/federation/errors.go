package federation

import "errors"

var (
	// ErrStateExpired is returned when a handshake state is missing, already
	// consumed, or past its TTL. The three cases are indistinguishable.
	ErrStateExpired = errors.New("federation state missing or expired")

	// ErrProviderExchange is returned when the code exchange or account fetch
	// with the provider fails. The handshake state is left untouched so a
	// legitimate retry can still succeed before the TTL elapses.
	ErrProviderExchange = errors.New("provider exchange failed")

	// ErrUnknownProvider is returned for a provider name with no configuration.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrIdentityInactive is returned when the linked identity is deactivated.
	ErrIdentityInactive = errors.New("identity inactive")
)
