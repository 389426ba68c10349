// Package lifecycle composes the CA client, the authenticator data manager
// and the local certificate cache into the operations an authenticator
// performs: enrolling with an account, recording accounts and sessions,
// obtaining account certificates and revoking other authenticators.
package lifecycle

import (
	"context"
	gocrypto "crypto"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/byu-ilab/onekey/authdata"
	"github.com/byu-ilab/onekey/ca"
	"github.com/byu-ilab/onekey/certcache"
	"github.com/byu-ilab/onekey/pki"
	"github.com/byu-ilab/onekey/vault"
)

const defaultAccountEmailDomain = "letsauth.org"

// CA is the full CA protocol used by a Service. *ca.Client implements it.
type CA interface {
	authdata.Remote
	RenewAccountCertificate(ctx context.Context, username, csr, sig, authCert string) (string, error)
	SignAuthenticatorCSR(ctx context.Context, username, csr string, sponsor *ca.SponsorProof) (string, error)
	Revoke(ctx context.Context, username string, proof ca.RevokeProof, targetCert string) error
}

var _ CA = (*ca.Client)(nil)

// ProfileStore persists a changed authenticator certificate. *vault.Vault
// implements it.
type ProfileStore interface {
	UpdateProfile(ctx context.Context, sess *vault.Session, fn func(*vault.Profile) error) error
}

var _ ProfileStore = (*vault.Vault)(nil)

// PresenceProver confirms a user is present before an account certificate
// is requested, typically with a WebAuthn ceremony.
type PresenceProver interface {
	ProvePresence(ctx context.Context, sess *vault.Session, purpose string) error
}

// PresenceFunc adapts a function to PresenceProver.
type PresenceFunc func(ctx context.Context, sess *vault.Session, purpose string) error

// ProvePresence calls f.
func (f PresenceFunc) ProvePresence(ctx context.Context, sess *vault.Session, purpose string) error {
	return f(ctx, sess, purpose)
}

// Service runs authenticator operations for any number of sessions. It keeps
// no per-user state of its own beyond what the cache and ETag store hold.
type Service struct {
	remote   CA
	data     *authdata.Manager
	cache    *certcache.Cache
	etags    vault.ETagCache
	rp       RelyingParty
	presence PresenceProver
	logger   *slog.Logger

	keyBits     int
	emailDomain string
	now         func() time.Time

	issuing singleflight.Group
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithRelyingParty sets how sessions are logged out during a revocation.
// The default is an HTTPRelyingParty.
func WithRelyingParty(rp RelyingParty) Option {
	return func(s *Service) {
		s.rp = rp
	}
}

// WithPresenceProver requires a presence check before every account
// certificate request.
func WithPresenceProver(p PresenceProver) Option {
	return func(s *Service) {
		s.presence = p
	}
}

// WithAccountKeyBits sets the RSA size of account certificate keys.
func WithAccountKeyBits(bits int) Option {
	return func(s *Service) {
		if bits > 0 {
			s.keyBits = bits
		}
	}
}

// WithAccountEmailDomain sets the domain of the email SAN placed in account
// certificate requests.
func WithAccountEmailDomain(domain string) Option {
	return func(s *Service) {
		if domain != "" {
			s.emailDomain = domain
		}
	}
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New returns a Service talking to remote and keeping its local state in
// cache and etags.
func New(remote CA, cache *certcache.Cache, etags vault.ETagCache, opts ...Option) *Service {
	s := &Service{
		remote:      remote,
		cache:       cache,
		etags:       etags,
		logger:      slog.Default(),
		keyBits:     pki.DefaultKeyBits,
		emailDomain: defaultAccountEmailDomain,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rp == nil {
		s.rp = NewHTTPRelyingParty(WithRelyingPartyLogger(s.logger))
	}
	s.data = authdata.NewManager(remote, authdata.WithLogger(s.logger))
	s.logger = s.logger.With("component", "lifecycle")
	return s
}

// ---------------------------------------------------------------------------
// Refresh
// ---------------------------------------------------------------------------

// Refresh pulls the account's blob if it changed since the last refresh and
// folds it into the local cache. It returns the fetch outcome; Unchanged and
// Empty leave the cache alone.
func (s *Service) Refresh(ctx context.Context, sess *vault.Session) (ca.FetchState, error) {
	username := sess.Username()
	etag, err := s.etags.ETag(username)
	if err != nil {
		return 0, fmt.Errorf("reading etag: %w", err)
	}
	snap, err := s.data.Load(ctx, sess, etag)
	if err != nil {
		return 0, err
	}

	switch snap.State {
	case ca.StateData:
		if err := s.cache.Reconcile(ctx, sess, snap.Blob); err != nil {
			return 0, err
		}
		if _, ok := snap.Blob.Authenticator(sess.AuthName()); !ok {
			s.logger.Warn("authenticator not listed in account data",
				"username", username, "authname", sess.AuthName())
		}
		if snap.ETag != "" {
			if err := s.etags.SetETag(username, snap.ETag); err != nil {
				return 0, fmt.Errorf("storing etag: %w", err)
			}
		}
	case ca.StateEmpty:
		if err := s.etags.ClearETag(username); err != nil {
			return 0, fmt.Errorf("clearing etag: %w", err)
		}
	}
	s.logger.Debug("refreshed", "username", username, "state", snap.State.String())
	return snap.State, nil
}

// refreshAfterWrite brings the cache up to date after a committed write. The
// write already succeeded, so a failure here is logged and the next refresh
// repairs the cache.
func (s *Service) refreshAfterWrite(ctx context.Context, sess *vault.Session) {
	if _, err := s.Refresh(ctx, sess); err != nil {
		s.logger.Warn("refresh after write failed", "username", sess.Username(), "error", err)
	}
}

// ---------------------------------------------------------------------------
// Enrollment
// ---------------------------------------------------------------------------

// RegisterAccount enrolls the session's authenticator as the first member of
// its account: it obtains a certificate for the authenticator key if the
// profile has none, then lists the authenticator in the account data,
// creating that data if the CA holds none yet. The CA certifies an
// authenticator without a sponsor only while the account has no members, so
// later devices use JoinAuthenticator.
func (s *Service) RegisterAccount(ctx context.Context, sess *vault.Session, store ProfileStore) error {
	return s.enroll(ctx, sess, store, nil)
}

// JoinApproval is an existing authenticator's endorsement of a new
// authenticator's certificate request. It travels from the sponsoring
// device to the joining one out of band.
type JoinApproval struct {
	CSR     string          `json:"csr"`
	Sponsor ca.SponsorProof `json:"sponsor"`
}

// JoinRequest returns the CSR a new authenticator hands to an existing one
// for approval.
func (s *Service) JoinRequest(sess *vault.Session) (string, error) {
	if err := sess.Check(); err != nil {
		return "", err
	}
	signer, err := sess.AuthSigner()
	if err != nil {
		return "", err
	}
	return pki.MakeCSR(signer, sess.AuthName(), "")
}

// SponsorAuthenticator approves a join request with this authenticator's
// key. The session must already hold a certificate.
func (s *Service) SponsorAuthenticator(ctx context.Context, sess *vault.Session, csr string) (JoinApproval, error) {
	if err := sess.Check(); err != nil {
		return JoinApproval{}, err
	}
	authCert := sess.AuthCertificate()
	if authCert == "" {
		return JoinApproval{}, authdata.ErrNotCertified
	}
	req, err := pki.ParseCSR(csr)
	if err != nil {
		return JoinApproval{}, err
	}
	if req.Subject.CommonName == "" {
		return JoinApproval{}, fmt.Errorf("%w: join request names no authenticator", ErrApprovalMismatch)
	}
	signer, err := sess.AuthSigner()
	if err != nil {
		return JoinApproval{}, err
	}
	proof, err := ca.NewSponsorProof(signer, authCert, csr)
	if err != nil {
		return JoinApproval{}, err
	}
	s.logger.Info("authenticator sponsored", "username", sess.Username(),
		"authname", sess.AuthName(), "joining", req.Subject.CommonName)
	return JoinApproval{CSR: csr, Sponsor: proof}, nil
}

// JoinAuthenticator adds the session's authenticator to an account another
// authenticator already registered, using that authenticator's approval of
// this one's join request. It fails with authdata.ErrAccountNotReady if the
// CA holds no data for the account.
func (s *Service) JoinAuthenticator(ctx context.Context, sess *vault.Session, store ProfileStore, approval JoinApproval) error {
	return s.enroll(ctx, sess, store, &approval)
}

func (s *Service) enroll(ctx context.Context, sess *vault.Session, store ProfileStore, approval *JoinApproval) error {
	if err := s.certify(ctx, sess, store, approval); err != nil {
		return err
	}
	authName, authCert := sess.AuthName(), sess.AuthCertificate()
	allowFresh := approval == nil
	err := s.data.Update(ctx, sess, func(e *authdata.Edit) error {
		if e.Fresh && !allowFresh {
			return authdata.ErrAccountNotReady
		}
		return e.Blob.AddAuthenticator(authName, authCert)
	})
	if err != nil {
		return err
	}
	if err := s.cache.PutAuthenticator(ctx, sess, authName, authCert); err != nil {
		return err
	}
	s.logger.Info("authenticator enrolled", "username", sess.Username(), "authname", authName)
	s.refreshAfterWrite(ctx, sess)
	return nil
}

// certify has the CA sign the authenticator key unless the profile already
// holds a certificate. With an approval the sponsored CSR is submitted and
// must carry the session's own key.
func (s *Service) certify(ctx context.Context, sess *vault.Session, store ProfileStore, approval *JoinApproval) error {
	if err := sess.Check(); err != nil {
		return err
	}
	if sess.AuthCertificate() != "" {
		return nil
	}
	signer, err := sess.AuthSigner()
	if err != nil {
		return err
	}
	var csr string
	var sponsor *ca.SponsorProof
	if approval != nil {
		if err := matchesKey(approval.CSR, signer); err != nil {
			return err
		}
		csr, sponsor = approval.CSR, &approval.Sponsor
	} else {
		csr, err = pki.MakeCSR(signer, sess.AuthName(), "")
		if err != nil {
			return err
		}
	}
	cert, err := s.remote.SignAuthenticatorCSR(ctx, sess.Username(), csr, sponsor)
	if err != nil {
		return err
	}
	if err := store.UpdateProfile(ctx, sess, func(p *vault.Profile) error {
		p.AuthCertificate = cert
		return nil
	}); err != nil {
		return fmt.Errorf("saving authenticator certificate: %w", err)
	}
	s.logger.Info("authenticator certified", "username", sess.Username(), "authname", sess.AuthName())
	return nil
}

func matchesKey(csrPEM string, signer gocrypto.Signer) error {
	req, err := pki.ParseCSR(csrPEM)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrApprovalMismatch, err)
	}
	pub, ok := signer.Public().(interface{ Equal(gocrypto.PublicKey) bool })
	if !ok || !pub.Equal(req.PublicKey) {
		return fmt.Errorf("%w: approved request carries a different key", ErrApprovalMismatch)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Accounts and sessions
// ---------------------------------------------------------------------------

// AddAccount records a new relying-party account whose first session belongs
// to this authenticator. An empty AccountID is assigned, and a missing
// session key pair is generated. It returns the account ID.
func (s *Service) AddAccount(ctx context.Context, sess *vault.Session, acct authdata.Account, first authdata.Session) (string, error) {
	if acct.AccountID == "" {
		id, err := authdata.NewAccountID()
		if err != nil {
			return "", err
		}
		acct.AccountID = id
	}
	if acct.SessionPublicKey == "" || acct.SessionPrivateKey == "" {
		kp, err := pki.GenerateKeyPair(s.keyBits)
		if err != nil {
			return "", err
		}
		acct.SessionPublicKey, acct.SessionPrivateKey = kp.PublicPEM, kp.PrivatePEM
	}
	authName := sess.AuthName()
	err := s.data.Update(ctx, sess, func(e *authdata.Edit) error {
		if err := requireListed(e, authName); err != nil {
			return err
		}
		return e.Blob.AddAccount(acct, authName, first)
	})
	if err != nil {
		return "", err
	}
	s.logger.Info("account added", "username", sess.Username(), "account_id", acct.AccountID, "domain", acct.Domain)
	s.refreshAfterWrite(ctx, sess)
	return acct.AccountID, nil
}

// AddSession records a new session of this authenticator in an existing
// account.
func (s *Service) AddSession(ctx context.Context, sess *vault.Session, accountID string, session authdata.Session) error {
	authName := sess.AuthName()
	err := s.data.Update(ctx, sess, func(e *authdata.Edit) error {
		if err := requireListed(e, authName); err != nil {
			return err
		}
		return e.Blob.AddSession(accountID, authName, session)
	})
	if err != nil {
		return err
	}
	s.logger.Info("session added", "username", sess.Username(), "account_id", accountID)
	s.refreshAfterWrite(ctx, sess)
	return nil
}

// RemoveSession drops one of this authenticator's sessions from an account.
func (s *Service) RemoveSession(ctx context.Context, sess *vault.Session, accountID, sessionCert string) error {
	authName := sess.AuthName()
	err := s.data.Update(ctx, sess, func(e *authdata.Edit) error {
		if err := requireListed(e, authName); err != nil {
			return err
		}
		return e.Blob.RemoveSession(accountID, authName, sessionCert)
	})
	if err != nil {
		return err
	}
	s.logger.Info("session removed", "username", sess.Username(), "account_id", accountID)
	s.refreshAfterWrite(ctx, sess)
	return nil
}

func requireListed(e *authdata.Edit, authName string) error {
	if e.Fresh {
		return authdata.ErrAccountNotReady
	}
	if _, ok := e.Blob.Authenticator(authName); !ok {
		return fmt.Errorf("%s: %w", authName, ErrNotListed)
	}
	return nil
}
