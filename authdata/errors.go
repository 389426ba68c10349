package authdata

import "errors"

var (
	// ErrAccountNotFound indicates no account with the given ID is in the blob.
	ErrAccountNotFound = errors.New("account not found")
	// ErrDuplicateAccount indicates an account ID is already present.
	ErrDuplicateAccount = errors.New("account already exists")
	// ErrSessionNotFound indicates no session with the given certificate exists
	// for the authenticator.
	ErrSessionNotFound = errors.New("session not found")
	// ErrAuthenticatorNotFound indicates the authenticator is not listed.
	ErrAuthenticatorNotFound = errors.New("authenticator not found")
	// ErrDuplicateAuthenticator indicates the name is already listed with a
	// different certificate.
	ErrDuplicateAuthenticator = errors.New("authenticator name already registered")
	// ErrNoLock indicates the edit holds no usable lock, usually because it
	// was already committed.
	ErrNoLock = errors.New("edit holds no usable lock")
	// ErrAccountNotReady indicates the CA holds no authenticator data yet and
	// the operation is not the first registration.
	ErrAccountNotReady = errors.New("account not usable yet")
	// ErrLogoutFailed indicates a relying-party logout failed during a
	// revocation. Nothing was removed.
	ErrLogoutFailed = errors.New("relying-party logout failed")
	// ErrNotCertified indicates the authenticator has no certificate from the
	// CA yet.
	ErrNotCertified = errors.New("authenticator has no certificate")
)
