package auth

import "errors"

// Sentinel errors for authentication operations. Use errors.Is to check.
var (
	// ErrInvalidCredentials indicates a bad username/password pair.
	// Deliberately vague so callers can't probe which part was wrong.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrTokenInvalid indicates a missing, malformed, expired or
	// badly-signed access token.
	ErrTokenInvalid = errors.New("auth: token invalid")

	// ErrUserExists indicates a registration attempt with a taken
	// username.
	ErrUserExists = errors.New("auth: username already exists")

	// ErrUserNotFound indicates no account with the given username.
	ErrUserNotFound = errors.New("auth: user not found")

	// ErrUnavailable indicates the user store failed.
	ErrUnavailable = errors.New("auth: store unavailable")
)
