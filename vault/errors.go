package vault

import (
	"errors"
	"fmt"
)

var (
	// ErrWrongPassphrase indicates the passphrase did not unlock the profile.
	ErrWrongPassphrase = errors.New("wrong passphrase")
	// ErrSessionClosed indicates the session has already been closed and its key material destroyed.
	ErrSessionClosed = errors.New("session closed")
	// ErrNotInitialized indicates no local profile exists for the user.
	ErrNotInitialized = errors.New("vault not initialized")
	// ErrAlreadyInitialized indicates a local profile already exists for the user.
	ErrAlreadyInitialized = errors.New("vault already initialized")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("validation failed")
)

func validationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
