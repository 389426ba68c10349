package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/byu-ilab/onekey/authdata"
	"github.com/byu-ilab/onekey/ca"
	"github.com/byu-ilab/onekey/certcache"
	"github.com/byu-ilab/onekey/crypto"
	"github.com/byu-ilab/onekey/pki"
	"github.com/byu-ilab/onekey/vault"
)

// GetOrIssueAccountCertificate returns this authenticator's certificate for
// accountID. A valid cached certificate is returned as is; otherwise a new
// key pair is generated and the CA is asked to certify it, authorised by a
// signature from the authenticator key. Concurrent calls for the same
// account share one request.
func (s *Service) GetOrIssueAccountCertificate(ctx context.Context, sess *vault.Session, accountID string) (string, error) {
	rec, err := s.cachedAccount(ctx, sess, accountID)
	if err != nil {
		return "", err
	}
	if rec.HasCertificate() && !pki.IsExpiredAt(rec.Expiration, s.now()) {
		return rec.ServiceCert, nil
	}
	return s.issue(ctx, sess, accountID)
}

// RenewAccountCertificate requests a new account certificate even if a valid
// one is cached.
func (s *Service) RenewAccountCertificate(ctx context.Context, sess *vault.Session, accountID string) (string, error) {
	if _, err := s.cachedAccount(ctx, sess, accountID); err != nil {
		return "", err
	}
	return s.issue(ctx, sess, accountID)
}

// RenewExpiredCertificates renews every cached account certificate that has
// expired. Accounts without a certificate are skipped. It returns the IDs
// renewed; failures for individual accounts are joined into the error and
// do not stop the others.
func (s *Service) RenewExpiredCertificates(ctx context.Context, sess *vault.Session) ([]string, error) {
	all, err := s.cache.AllAccounts(ctx, sess)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var renewed []string
	var errs []error
	for rec := range all {
		if !rec.HasCertificate() || !pki.IsExpiredAt(rec.Expiration, now) {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := s.issue(ctx, sess, rec.AccountID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rec.AccountID, err))
			continue
		}
		renewed = append(renewed, rec.AccountID)
	}
	return renewed, errors.Join(errs...)
}

// cachedAccount returns the cache record for accountID, refreshing once if
// it is not cached yet.
func (s *Service) cachedAccount(ctx context.Context, sess *vault.Session, accountID string) (*certcache.ServiceAccountRecord, error) {
	rec, err := s.cache.GetAccount(ctx, sess, accountID)
	if !errors.Is(err, certcache.ErrAccountNotCached) {
		return rec, err
	}
	if _, err := s.Refresh(ctx, sess); err != nil {
		return nil, err
	}
	return s.cache.GetAccount(ctx, sess, accountID)
}

func (s *Service) issue(ctx context.Context, sess *vault.Session, accountID string) (string, error) {
	v, err, shared := s.issuing.Do(sess.Username()+"/"+accountID, func() (any, error) {
		return s.issueAccountCertificate(ctx, sess, accountID)
	})
	if err != nil {
		return "", err
	}
	if shared {
		s.logger.Debug("account certificate request coalesced", "account_id", accountID)
	}
	return v.(string), nil
}

func (s *Service) issueAccountCertificate(ctx context.Context, sess *vault.Session, accountID string) (string, error) {
	if err := sess.Check(); err != nil {
		return "", err
	}
	authCert := sess.AuthCertificate()
	if authCert == "" {
		return "", authdata.ErrNotCertified
	}
	username := sess.Username()

	if s.presence != nil {
		if err := s.presence.ProvePresence(ctx, sess, "account certificate for "+accountID); err != nil {
			return "", fmt.Errorf("%w: %v", ErrPresenceRequired, err)
		}
	}

	kp, err := pki.GenerateKeyPair(s.keyBits)
	if err != nil {
		return "", err
	}
	csr, err := pki.MakeCSR(kp.Private, accountID, accountID+"@"+s.emailDomain)
	if err != nil {
		return "", err
	}
	signer, err := sess.AuthSigner()
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(signer, []byte(csr))
	if err != nil {
		return "", err
	}

	cert, err := s.remote.RenewAccountCertificate(ctx, username, csr, sig, authCert)
	if err != nil {
		if errors.Is(err, ca.ErrHijackSuspected) {
			s.logger.Error("CA suspects account hijack", "username", username, "account_id", accountID)
		}
		return "", err
	}
	if err := s.cache.StoreAccountCertificate(ctx, sess, accountID, cert, kp.PublicPEM, kp.PrivatePEM); err != nil {
		return "", err
	}
	s.logger.Info("account certificate issued", "username", username, "account_id", accountID)
	return cert, nil
}

// Login is a relying party's request to open a session for an account. The
// relying party signs Challenge with the key given as base64 DER
// SubjectPublicKeyInfo in RelyingPartyKey.
type Login struct {
	AccountID       string
	SessionID       string
	GeoLocation     string
	RelyingPartyKey string
	Challenge       []byte
	Signature       string
}

// StartSession answers a login: it checks the relying party's signature,
// issues a session certificate for the account's session key signed by this
// authenticator's account certificate key, and records the session. It
// returns the session certificate.
func (s *Service) StartSession(ctx context.Context, sess *vault.Session, login Login) (string, error) {
	if login.SessionID == "" {
		return "", fmt.Errorf("%w: missing session id", ErrAssertionInvalid)
	}
	if !crypto.VerifySPKI(login.RelyingPartyKey, login.Challenge, login.Signature) {
		return "", ErrAssertionInvalid
	}
	if _, err := s.GetOrIssueAccountCertificate(ctx, sess, login.AccountID); err != nil {
		return "", err
	}
	rec, err := s.cache.GetAccount(ctx, sess, login.AccountID)
	if err != nil {
		return "", err
	}
	issuerKey, err := pki.ParsePrivateKeyPEM(rec.ServicePrivateKey)
	if err != nil {
		return "", fmt.Errorf("account certificate key: %w", err)
	}
	sessionKey, err := pki.ParsePublicKeyPEM(rec.SessionPublicKey)
	if err != nil {
		return "", fmt.Errorf("session key: %w", err)
	}
	sessionCert, err := pki.MakeLeafCertificate(rec.ServiceCert, issuerKey, sessionKey, login.SessionID, 0)
	if err != nil {
		return "", err
	}
	if err := s.AddSession(ctx, sess, login.AccountID, authdata.Session{
		SessionCert: sessionCert,
		GeoLocation: login.GeoLocation,
	}); err != nil {
		return "", err
	}
	return sessionCert, nil
}
