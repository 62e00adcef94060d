package simulator

import "errors"

var (
	// ErrConnectRefused is returned for injected connect failures.
	ErrConnectRefused = errors.New("simulator: connect refused")

	// ErrInvalidToken is returned when the token is not 32 hex characters.
	ErrInvalidToken = errors.New("simulator: invalid token")

	// ErrClientDestroyed is returned by reads and writes on a destroyed client.
	ErrClientDestroyed = errors.New("simulator: client destroyed")

	// ErrUnsupportedTag is returned for tags the profile does not support.
	ErrUnsupportedTag = errors.New("simulator: unsupported tag")

	// ErrUnknownProfile is returned for profile names that do not exist.
	ErrUnknownProfile = errors.New("simulator: unknown profile")
)
