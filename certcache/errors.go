package certcache

import "errors"

var (
	// ErrAccountNotCached indicates no service account record exists locally
	// for the account ID. A refresh may be needed.
	ErrAccountNotCached = errors.New("account not cached")
	// ErrAuthenticatorNotFound indicates no authenticator record exists for
	// the name.
	ErrAuthenticatorNotFound = errors.New("authenticator not cached")
)
