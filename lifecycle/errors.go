package lifecycle

import "errors"

var (
	// ErrRevokeSelf indicates an authenticator tried to revoke itself.
	ErrRevokeSelf = errors.New("an authenticator cannot revoke itself")
	// ErrNotListed indicates the authenticator does not appear in the
	// account's authenticator list.
	ErrNotListed = errors.New("authenticator is not listed for this account")
	// ErrPresenceRequired indicates the user presence check was declined or
	// failed.
	ErrPresenceRequired = errors.New("user presence required")
	// ErrLogoutRejected indicates a relying party answered a logout with a
	// non-success status.
	ErrLogoutRejected = errors.New("relying party rejected logout")
	// ErrAssertionInvalid indicates a relying party's login assertion did
	// not verify.
	ErrAssertionInvalid = errors.New("relying party login assertion is not valid")
	// ErrApprovalMismatch indicates a join approval does not cover this
	// authenticator's key.
	ErrApprovalMismatch = errors.New("join approval does not match this authenticator")
)
