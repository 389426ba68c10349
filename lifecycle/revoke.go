package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/byu-ilab/onekey/authdata"
	"github.com/byu-ilab/onekey/ca"
	"github.com/byu-ilab/onekey/certcache"
	"github.com/byu-ilab/onekey/vault"
)

// LogoutOfSession ends one session at a relying party.
func (s *Service) LogoutOfSession(ctx context.Context, domain, accountCert, sessionCert string) error {
	return s.rp.Logout(ctx, domain, accountCert, sessionCert)
}

// RevokeAuthenticator removes another authenticator from the account. Within
// one locked edit it logs that authenticator out of every session it holds,
// drops it from the account data and has the CA revoke its certificate, then
// writes the result. If any logout fails nothing is revoked or written. If
// the CA revoked the certificate but the write then failed, the cached
// record is marked revoked so the next attempt can finish the job.
func (s *Service) RevokeAuthenticator(ctx context.Context, sess *vault.Session, authName string) error {
	if authName == sess.AuthName() {
		return ErrRevokeSelf
	}
	signer, err := sess.AuthSigner()
	if err != nil {
		return err
	}
	username := sess.Username()
	certFor := func(ctx context.Context, accountID string) (string, error) {
		return s.GetOrIssueAccountCertificate(ctx, sess, accountID)
	}

	var caRevoked bool
	err = s.data.Update(ctx, sess, func(e *authdata.Edit) error {
		if e.Fresh {
			return authdata.ErrAccountNotReady
		}
		target, ok := e.Blob.Authenticator(authName)
		if !ok {
			return fmt.Errorf("%s: %w", authName, authdata.ErrAuthenticatorNotFound)
		}
		// Account certificates are looked up in the cache, so it must know
		// every account in the locked blob.
		if err := s.cache.Reconcile(ctx, sess, e.Blob); err != nil {
			return err
		}
		if err := e.Blob.RevokeAuthenticatorEverywhere(ctx, authName, s.LogoutOfSession, certFor); err != nil {
			return err
		}
		proof, err := ca.NewRevokeProof(signer, sess.AuthCertificate(), target.AuthenticatorCertificate)
		if err != nil {
			return err
		}
		if err := s.remote.Revoke(ctx, username, proof, target.AuthenticatorCertificate); err != nil {
			return err
		}
		caRevoked = true
		return nil
	})
	if err != nil {
		if caRevoked {
			s.logger.Warn("certificate revoked but account data not written",
				"username", username, "authname", authName, "error", err)
			if merr := s.cache.MarkRevoked(ctx, sess, authName); merr != nil && !errors.Is(merr, certcache.ErrAuthenticatorNotFound) {
				s.logger.Warn("marking authenticator revoked", "authname", authName, "error", merr)
			}
		}
		return err
	}

	if err := s.cache.RemoveAuthenticator(ctx, sess, authName); err != nil && !errors.Is(err, certcache.ErrAuthenticatorNotFound) {
		return err
	}
	s.logger.Info("authenticator revoked", "username", username, "authname", authName)
	s.refreshAfterWrite(ctx, sess)
	return nil
}
