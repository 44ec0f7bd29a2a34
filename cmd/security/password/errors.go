package password

import "errors"

var (
	// ErrInvalidHash is returned for malformed or unsupported PHC strings.
	ErrInvalidHash = errors.New("invalid argon2id hash")
	// ErrPasswordTooShort is returned when the password violates MinLength.
	ErrPasswordTooShort = errors.New("password too short")
	// ErrPasswordTooLong is returned when the password violates MaxLength.
	ErrPasswordTooLong = errors.New("password too long")
)
