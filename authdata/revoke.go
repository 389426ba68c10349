package authdata

import (
	"context"
	"fmt"
	"slices"
)

// LogoutFunc ends one relying-party session. It must be safe to call again
// for a session that is already gone.
type LogoutFunc func(ctx context.Context, domain, accountCert, sessionCert string) error

// AccountCertFunc returns an account certificate usable to authenticate a
// logout at the account's relying party, issuing one if needed.
type AccountCertFunc func(ctx context.Context, accountID string) (string, error)

// RevokeAuthenticatorEverywhere logs authName out of every session it holds
// in every account, then drops its session lists and its authenticatorList
// entry. Work happens on a copy: if any logout or certificate lookup fails,
// b is left exactly as it was and ErrLogoutFailed is returned.
func (b *Blob) RevokeAuthenticatorEverywhere(ctx context.Context, authName string, logout LogoutFunc, certFor AccountCertFunc) error {
	if _, ok := b.Authenticator(authName); !ok {
		return fmt.Errorf("%s: %w", authName, ErrAuthenticatorNotFound)
	}

	work := b.Clone()
	for k := range work.Map {
		acct := &work.Map[k]
		var accountCert string
		// Walk backwards so removal never skips an entry.
		for i := len(acct.SessionList) - 1; i >= 0; i-- {
			sl := &acct.SessionList[i]
			if sl.Authenticator != authName {
				continue
			}
			for j := len(sl.Sessions) - 1; j >= 0; j-- {
				if err := ctx.Err(); err != nil {
					return err
				}
				if accountCert == "" {
					cert, err := certFor(ctx, acct.AccountID)
					if err != nil {
						return fmt.Errorf("%w: account certificate for %s: %v", ErrLogoutFailed, acct.AccountID, err)
					}
					accountCert = cert
				}
				if err := logout(ctx, acct.Domain, accountCert, sl.Sessions[j].SessionCert); err != nil {
					return fmt.Errorf("%w: %s: %v", ErrLogoutFailed, acct.Domain, err)
				}
				sl.Sessions = slices.Delete(sl.Sessions, j, j+1)
			}
			acct.SessionList = slices.Delete(acct.SessionList, i, i+1)
		}
	}
	work.AuthenticatorList = slices.DeleteFunc(work.AuthenticatorList, func(a AuthenticatorEntry) bool {
		return a.AuthName == authName
	})

	*b = *work
	return nil
}
