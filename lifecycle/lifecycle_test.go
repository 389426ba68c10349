package lifecycle_test

import (
	"context"
	gocrypto "crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/byu-ilab/onekey/api"
	"github.com/byu-ilab/onekey/authdata"
	"github.com/byu-ilab/onekey/ca"
	"github.com/byu-ilab/onekey/certcache"
	"github.com/byu-ilab/onekey/crypto"
	"github.com/byu-ilab/onekey/internal/util"
	"github.com/byu-ilab/onekey/lifecycle"
	"github.com/byu-ilab/onekey/pki"
	"github.com/byu-ilab/onekey/storage/memory"
	"github.com/byu-ilab/onekey/vault"
)

const (
	testKeyBits    = 1024
	testPassphrase = "correct horse battery staple"
)

var discard = slog.New(slog.DiscardHandler)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testEnv is a reference CA on httptest plus a count of account certificate
// requests it has served.
type testEnv struct {
	client    *ca.Client
	authority *pki.Authority
	clock     *testClock
	renewals  atomic.Int32
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{clock: &testClock{now: time.Now()}}
	authority, err := pki.NewAuthority(pkix.Name{CommonName: "OneKey Test CA"}, 2,
		pki.WithKeyStore(pki.NewSoftwareKeyStore(pki.WithRSABits(testKeyBits))),
		pki.WithClock(env.clock.Now))
	require.NoError(t, err)
	env.authority = authority

	a := api.New(authority, memory.NewRepository(), api.WithLogger(discard), api.WithClock(env.clock.Now))
	router := a.Router()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/certificate") {
			env.renewals.Add(1)
		}
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(func() {
		srv.Close()
		a.Close()
	})

	env.client, err = ca.New(srv.URL)
	require.NoError(t, err)
	return env
}

type device struct {
	vault *vault.Vault
	sess  *vault.Session
	cache *certcache.Cache
	svc   *lifecycle.Service
}

func (env *testEnv) newDevice(t *testing.T, username, authName, keyString string, opts ...lifecycle.Option) *device {
	t.Helper()
	params, err := crypto.Argon2idProfile(crypto.KDFProfileInteractive)
	require.NoError(t, err)
	repo := memory.NewRepository()
	v := vault.New(username, repo, vault.WithKDFParams(params))

	kp, err := pki.GenerateKeyPair(testKeyBits)
	require.NoError(t, err)
	sess, err := v.Create(t.Context(), testPassphrase, vault.Profile{
		Username:       username,
		AuthName:       authName,
		AuthPrivateKey: kp.PrivatePEM,
		SymmetricKey:   keyString,
	})
	require.NoError(t, err)
	t.Cleanup(sess.Close)

	cache := certcache.New(repo, certcache.WithLogger(discard))
	opts = append([]lifecycle.Option{
		lifecycle.WithLogger(discard),
		lifecycle.WithAccountKeyBits(testKeyBits),
		lifecycle.WithClock(env.clock.Now),
	}, opts...)
	svc := lifecycle.New(env.client, cache, vault.NewMemoryETagCache(), opts...)
	return &device{vault: v, sess: sess, cache: cache, svc: svc}
}

func newKeyString(t *testing.T) string {
	t.Helper()
	s, err := crypto.NewSymmetricKeyString()
	require.NoError(t, err)
	return s
}

// pair registers a laptop and joins a phone to the same account.
func (env *testEnv) pair(t *testing.T, laptopOpts ...lifecycle.Option) (laptop, phone *device) {
	t.Helper()
	keyString := newKeyString(t)
	laptop = env.newDevice(t, "alice", "laptop", keyString, laptopOpts...)
	phone = env.newDevice(t, "alice", "phone", keyString)
	require.NoError(t, laptop.svc.RegisterAccount(t.Context(), laptop.sess, laptop.vault))
	join(t, laptop, phone)
	return laptop, phone
}

// join has sponsor approve newcomer's join request and enrolls newcomer.
func join(t *testing.T, sponsor, newcomer *device) {
	t.Helper()
	req, err := newcomer.svc.JoinRequest(newcomer.sess)
	require.NoError(t, err)
	approval, err := sponsor.svc.SponsorAuthenticator(t.Context(), sponsor.sess, req)
	require.NoError(t, err)
	require.NoError(t, newcomer.svc.JoinAuthenticator(t.Context(), newcomer.sess, newcomer.vault, approval))
}

// relyingParty records logout requests and answers with status.
type relyingParty struct {
	srv    *httptest.Server
	status atomic.Int32

	mu       sync.Mutex
	requests []lifecycle.LogoutRequest
}

func newRelyingParty(t *testing.T, status int) *relyingParty {
	t.Helper()
	rp := &relyingParty{}
	rp.status.Store(int32(status))
	rp.srv = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/logout" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req lifecycle.LogoutRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rp.mu.Lock()
		rp.requests = append(rp.requests, req)
		rp.mu.Unlock()
		w.WriteHeader(int(rp.status.Load()))
	}))
	t.Cleanup(rp.srv.Close)
	return rp
}

func (rp *relyingParty) domain() string {
	return rp.srv.Listener.Addr().String()
}

func (rp *relyingParty) client() lifecycle.RelyingParty {
	return lifecycle.NewHTTPRelyingParty(
		lifecycle.WithRelyingPartyHTTPClient(rp.srv.Client()),
		lifecycle.WithRelyingPartyLogger(discard),
	)
}

func (rp *relyingParty) received() []lifecycle.LogoutRequest {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return append([]lifecycle.LogoutRequest(nil), rp.requests...)
}

// ---------------------------------------------------------------------------
// Enrollment and refresh
// ---------------------------------------------------------------------------

func TestRegisterAndJoin(t *testing.T) {
	env := setup(t)
	laptop, phone := env.pair(t)
	ctx := t.Context()

	assert.NotEmpty(t, laptop.sess.AuthCertificate())
	assert.NotEmpty(t, phone.sess.AuthCertificate())

	reopened, err := laptop.vault.Open(ctx, testPassphrase)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, laptop.sess.AuthCertificate(), reopened.AuthCertificate(), "certificate is saved to the profile")

	state, err := laptop.svc.Refresh(ctx, laptop.sess)
	require.NoError(t, err)
	assert.Equal(t, ca.StateData, state, "phone's join changed the data")

	state, err = laptop.svc.Refresh(ctx, laptop.sess)
	require.NoError(t, err)
	assert.Equal(t, ca.StateUnchanged, state)

	auths, err := laptop.cache.ListAuthenticators(ctx, laptop.sess)
	require.NoError(t, err)
	names := make([]string, 0, len(auths))
	for _, a := range auths {
		names = append(names, a.Name)
	}
	assert.Equal(t, []string{"laptop", "phone"}, names)
}

func TestRegisterTwiceIsHarmless(t *testing.T) {
	env := setup(t)
	laptop := env.newDevice(t, "alice", "laptop", newKeyString(t))
	ctx := t.Context()

	require.NoError(t, laptop.svc.RegisterAccount(ctx, laptop.sess, laptop.vault))
	cert := laptop.sess.AuthCertificate()
	require.NoError(t, laptop.svc.RegisterAccount(ctx, laptop.sess, laptop.vault))
	assert.Equal(t, cert, laptop.sess.AuthCertificate())
}

func TestJoinBeforeRegisterFails(t *testing.T) {
	env := setup(t)
	keyString := newKeyString(t)
	laptop := env.newDevice(t, "alice", "laptop", keyString)
	phone := env.newDevice(t, "alice", "phone", keyString)
	ctx := t.Context()

	// Certify the laptop without writing any account data.
	signer, err := laptop.sess.AuthSigner()
	require.NoError(t, err)
	csr, err := pki.MakeCSR(signer, "laptop", "")
	require.NoError(t, err)
	cert, err := env.client.SignAuthenticatorCSR(ctx, "alice", csr, nil)
	require.NoError(t, err)
	require.NoError(t, laptop.vault.UpdateProfile(ctx, laptop.sess, func(p *vault.Profile) error {
		p.AuthCertificate = cert
		return nil
	}))

	req, err := phone.svc.JoinRequest(phone.sess)
	require.NoError(t, err)
	approval, err := laptop.svc.SponsorAuthenticator(ctx, laptop.sess, req)
	require.NoError(t, err)
	err = phone.svc.JoinAuthenticator(ctx, phone.sess, phone.vault, approval)
	require.ErrorIs(t, err, authdata.ErrAccountNotReady)
}

func TestSecondRegistrationNeedsSponsor(t *testing.T) {
	env := setup(t)
	keyString := newKeyString(t)
	laptop := env.newDevice(t, "alice", "laptop", keyString)
	intruder := env.newDevice(t, "alice", "intruder", newKeyString(t))
	require.NoError(t, laptop.svc.RegisterAccount(t.Context(), laptop.sess, laptop.vault))

	err := intruder.svc.RegisterAccount(t.Context(), intruder.sess, intruder.vault)
	require.ErrorIs(t, err, ca.ErrDenied)
	assert.Empty(t, intruder.sess.AuthCertificate())

	auths, err := laptop.cache.ListAuthenticators(t.Context(), laptop.sess)
	require.NoError(t, err)
	require.Len(t, auths, 1)
	assert.Equal(t, "laptop", auths[0].Name)
}

func TestJoinApprovalIsBoundToKey(t *testing.T) {
	env := setup(t)
	keyString := newKeyString(t)
	laptop := env.newDevice(t, "alice", "laptop", keyString)
	phone := env.newDevice(t, "alice", "phone", keyString)
	tablet := env.newDevice(t, "alice", "tablet", keyString)
	ctx := t.Context()
	require.NoError(t, laptop.svc.RegisterAccount(ctx, laptop.sess, laptop.vault))

	req, err := phone.svc.JoinRequest(phone.sess)
	require.NoError(t, err)
	approval, err := laptop.svc.SponsorAuthenticator(ctx, laptop.sess, req)
	require.NoError(t, err)

	err = tablet.svc.JoinAuthenticator(ctx, tablet.sess, tablet.vault, approval)
	require.ErrorIs(t, err, lifecycle.ErrApprovalMismatch)
	assert.Empty(t, tablet.sess.AuthCertificate())

	require.NoError(t, phone.svc.JoinAuthenticator(ctx, phone.sess, phone.vault, approval))
}

func TestUncertifiedAuthenticatorCannotSponsor(t *testing.T) {
	env := setup(t)
	keyString := newKeyString(t)
	laptop := env.newDevice(t, "alice", "laptop", keyString)
	phone := env.newDevice(t, "alice", "phone", keyString)

	req, err := phone.svc.JoinRequest(phone.sess)
	require.NoError(t, err)
	_, err = laptop.svc.SponsorAuthenticator(t.Context(), laptop.sess, req)
	require.ErrorIs(t, err, authdata.ErrNotCertified)
}

func TestUncertifiedAuthenticatorCannotEdit(t *testing.T) {
	env := setup(t)
	laptop := env.newDevice(t, "alice", "laptop", newKeyString(t))

	_, err := laptop.svc.AddAccount(t.Context(), laptop.sess,
		authdata.Account{Domain: "example.com"}, authdata.Session{SessionCert: "s1"})
	require.ErrorIs(t, err, authdata.ErrNotCertified)

	_, err = laptop.svc.Refresh(t.Context(), laptop.sess)
	require.ErrorIs(t, err, authdata.ErrNotCertified)
}

// ---------------------------------------------------------------------------
// Accounts and sessions
// ---------------------------------------------------------------------------

func TestAccountsAndSessionsSyncAcrossAuthenticators(t *testing.T) {
	env := setup(t)
	laptop, phone := env.pair(t)
	ctx := t.Context()

	id, err := laptop.svc.AddAccount(ctx, laptop.sess,
		authdata.Account{Domain: "example.com", AccountName: "alice@example.com"},
		authdata.Session{SessionCert: "laptop-session", GeoLocation: "Provo"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, phone.svc.AddSession(ctx, phone.sess, id, authdata.Session{SessionCert: "phone-session"}))

	_, err = laptop.svc.Refresh(ctx, laptop.sess)
	require.NoError(t, err)
	rec, err := laptop.cache.GetAccount(ctx, laptop.sess, id)
	require.NoError(t, err)
	assert.Equal(t, "example.com", rec.Domain)
	assert.NotEmpty(t, rec.SessionPublicKey, "session key pair is generated")
	assert.NotEmpty(t, rec.SessionPrivateKey)
	require.Len(t, rec.SessionList, 2)
	assert.Equal(t, "laptop", rec.SessionList[0].Authenticator)
	assert.Equal(t, "phone", rec.SessionList[1].Authenticator)
	assert.Equal(t, "phone-session", rec.SessionList[1].Sessions[0].SessionCert)

	devices, err := laptop.cache.LoggedInDevices(ctx, laptop.sess)
	require.NoError(t, err)
	assert.Len(t, devices, 2)

	require.NoError(t, laptop.svc.RemoveSession(ctx, laptop.sess, id, "laptop-session"))
	rec, err = laptop.cache.GetAccount(ctx, laptop.sess, id)
	require.NoError(t, err)
	assert.Empty(t, rec.SessionList[0].Sessions)

	err = laptop.svc.RemoveSession(ctx, laptop.sess, id, "laptop-session")
	require.ErrorIs(t, err, authdata.ErrSessionNotFound)

	err = laptop.svc.AddSession(ctx, laptop.sess, "no-such-account", authdata.Session{SessionCert: "x"})
	require.ErrorIs(t, err, authdata.ErrAccountNotFound)
}

func TestRemoveMissingSessionWritesNothing(t *testing.T) {
	env := setup(t)
	laptop, _ := env.pair(t)
	ctx := t.Context()

	id, err := laptop.svc.AddAccount(ctx, laptop.sess,
		authdata.Account{Domain: "example.com"}, authdata.Session{SessionCert: "s1"})
	require.NoError(t, err)

	err = laptop.svc.RemoveSession(ctx, laptop.sess, id, "never-added")
	require.ErrorIs(t, err, authdata.ErrSessionNotFound)

	state, err := laptop.svc.Refresh(ctx, laptop.sess)
	require.NoError(t, err)
	assert.Equal(t, ca.StateUnchanged, state, "the account data was not rewritten")
}

func TestAddAccountKeepsGivenID(t *testing.T) {
	env := setup(t)
	laptop, _ := env.pair(t)
	ctx := t.Context()

	id, err := laptop.svc.AddAccount(ctx, laptop.sess,
		authdata.Account{AccountID: "fixed-id", Domain: "example.com"}, authdata.Session{SessionCert: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", id)

	_, err = laptop.svc.AddAccount(ctx, laptop.sess,
		authdata.Account{AccountID: "fixed-id", Domain: "example.com"}, authdata.Session{SessionCert: "s2"})
	require.ErrorIs(t, err, authdata.ErrDuplicateAccount)
}

func TestStartSessionIssuesSessionCertificate(t *testing.T) {
	env := setup(t)
	laptop, phone := env.pair(t)
	ctx := t.Context()

	id, err := laptop.svc.AddAccount(ctx, laptop.sess,
		authdata.Account{Domain: "example.com"}, authdata.Session{SessionCert: "first"})
	require.NoError(t, err)

	rpKey, err := pki.GenerateKeyPair(testKeyBits)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&rpKey.Private.PublicKey)
	require.NoError(t, err)
	challenge := []byte("example.com login nonce-1")
	sig, err := crypto.Sign(rpKey.Private, challenge)
	require.NoError(t, err)
	login := lifecycle.Login{
		AccountID:       id,
		SessionID:       "rp-session-1",
		GeoLocation:     "Provo",
		RelyingPartyKey: util.Base64Encode(der),
		Challenge:       challenge,
		Signature:       sig,
	}

	t.Run("forged assertion", func(t *testing.T) {
		forged := login
		forged.Challenge = []byte("example.com login nonce-2")
		_, err := laptop.svc.StartSession(ctx, laptop.sess, forged)
		require.ErrorIs(t, err, lifecycle.ErrAssertionInvalid)
		assert.Equal(t, int32(0), env.renewals.Load(), "nothing is issued for a forged login")
	})

	sessionCert, err := laptop.svc.StartSession(ctx, laptop.sess, login)
	require.NoError(t, err)

	rec, err := laptop.cache.GetAccount(ctx, laptop.sess, id)
	require.NoError(t, err)
	leaf, err := pki.ParseCertificate(sessionCert)
	require.NoError(t, err)
	issuer, err := pki.ParseCertificate(rec.ServiceCert)
	require.NoError(t, err)
	assert.Equal(t, "rp-session-1", leaf.Subject.CommonName)
	assert.Equal(t, id, leaf.Issuer.CommonName)
	require.NoError(t, issuer.CheckSignature(leaf.SignatureAlgorithm, leaf.RawTBSCertificate, leaf.Signature))
	sessionKey, err := pki.ParsePublicKeyPEM(rec.SessionPublicKey)
	require.NoError(t, err)
	assert.True(t, leaf.PublicKey.(interface{ Equal(gocrypto.PublicKey) bool }).Equal(sessionKey))

	_, err = phone.svc.Refresh(ctx, phone.sess)
	require.NoError(t, err)
	seen, err := phone.cache.GetAccount(ctx, phone.sess, id)
	require.NoError(t, err)
	require.Len(t, seen.SessionList, 1)
	require.Len(t, seen.SessionList[0].Sessions, 2)
	assert.Equal(t, sessionCert, seen.SessionList[0].Sessions[1].SessionCert)
	assert.Equal(t, "Provo", seen.SessionList[0].Sessions[1].GeoLocation)
}

// ---------------------------------------------------------------------------
// Account certificates
// ---------------------------------------------------------------------------

func TestGetOrIssueAccountCertificateIsIdempotent(t *testing.T) {
	env := setup(t)
	laptop, _ := env.pair(t)
	ctx := t.Context()

	id, err := laptop.svc.AddAccount(ctx, laptop.sess,
		authdata.Account{Domain: "example.com"}, authdata.Session{SessionCert: "s1"})
	require.NoError(t, err)

	certPEM, err := laptop.svc.GetOrIssueAccountCertificate(ctx, laptop.sess, id)
	require.NoError(t, err)
	cert, err := pki.ParseCertificate(certPEM)
	require.NoError(t, err)
	assert.Equal(t, id, cert.Subject.CommonName)
	assert.Equal(t, []string{id + "@letsauth.org"}, cert.EmailAddresses)

	again, err := laptop.svc.GetOrIssueAccountCertificate(ctx, laptop.sess, id)
	require.NoError(t, err)
	assert.Equal(t, certPEM, again)
	assert.Equal(t, int32(1), env.renewals.Load())

	rec, err := laptop.cache.GetAccount(ctx, laptop.sess, id)
	require.NoError(t, err)
	assert.True(t, rec.HasCertificate())
	assert.NotEmpty(t, rec.ServicePrivateKey)
	assert.Equal(t, cert.NotAfter, rec.Expiration)
}

func TestGetOrIssueRefreshesForAccountAddedElsewhere(t *testing.T) {
	env := setup(t)
	laptop, phone := env.pair(t)
	ctx := t.Context()

	id, err := phone.svc.AddAccount(ctx, phone.sess,
		authdata.Account{Domain: "example.com"}, authdata.Session{SessionCert: "s1"})
	require.NoError(t, err)

	certPEM, err := laptop.svc.GetOrIssueAccountCertificate(ctx, laptop.sess, id)
	require.NoError(t, err)
	assert.NotEmpty(t, certPEM)

	_, err = laptop.svc.GetOrIssueAccountCertificate(ctx, laptop.sess, "unknown")
	require.ErrorIs(t, err, certcache.ErrAccountNotCached)
}

func TestRenewAccountCertificateForcesIssue(t *testing.T) {
	env := setup(t)
	laptop, _ := env.pair(t)
	ctx := t.Context()

	id, err := laptop.svc.AddAccount(ctx, laptop.sess,
		authdata.Account{Domain: "example.com"}, authdata.Session{SessionCert: "s1"})
	require.NoError(t, err)

	first, err := laptop.svc.GetOrIssueAccountCertificate(ctx, laptop.sess, id)
	require.NoError(t, err)
	second, err := laptop.svc.RenewAccountCertificate(ctx, laptop.sess, id)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, int32(2), env.renewals.Load())

	current, err := laptop.svc.GetOrIssueAccountCertificate(ctx, laptop.sess, id)
	require.NoError(t, err)
	assert.Equal(t, second, current)
}

func TestRenewExpiredCertificates(t *testing.T) {
	env := setup(t)
	laptop, _ := env.pair(t)
	ctx := t.Context()

	withCert, err := laptop.svc.AddAccount(ctx, laptop.sess,
		authdata.Account{Domain: "a.example.com"}, authdata.Session{SessionCert: "s1"})
	require.NoError(t, err)
	_, err = laptop.svc.AddAccount(ctx, laptop.sess,
		authdata.Account{Domain: "b.example.com"}, authdata.Session{SessionCert: "s2"})
	require.NoError(t, err)

	_, err = laptop.svc.GetOrIssueAccountCertificate(ctx, laptop.sess, withCert)
	require.NoError(t, err)

	renewed, err := laptop.svc.RenewExpiredCertificates(ctx, laptop.sess)
	require.NoError(t, err)
	assert.Empty(t, renewed, "nothing has expired yet")

	env.clock.Advance(91 * 24 * time.Hour)

	renewed, err = laptop.svc.RenewExpiredCertificates(ctx, laptop.sess)
	require.NoError(t, err)
	assert.Equal(t, []string{withCert}, renewed)
	assert.Equal(t, int32(2), env.renewals.Load())

	rec, err := laptop.cache.GetAccount(ctx, laptop.sess, withCert)
	require.NoError(t, err)
	assert.True(t, rec.Expiration.After(env.clock.Now()))
}

func TestPresenceProverGatesIssuance(t *testing.T) {
	env := setup(t)
	var purposes []string
	allow := true
	prover := lifecycle.PresenceFunc(func(_ context.Context, _ *vault.Session, purpose string) error {
		purposes = append(purposes, purpose)
		if !allow {
			return errors.New("user declined")
		}
		return nil
	})
	laptop, _ := env.pair(t, lifecycle.WithPresenceProver(prover))
	ctx := t.Context()

	id, err := laptop.svc.AddAccount(ctx, laptop.sess,
		authdata.Account{Domain: "example.com"}, authdata.Session{SessionCert: "s1"})
	require.NoError(t, err)

	allow = false
	_, err = laptop.svc.GetOrIssueAccountCertificate(ctx, laptop.sess, id)
	require.ErrorIs(t, err, lifecycle.ErrPresenceRequired)
	assert.Equal(t, int32(0), env.renewals.Load())

	allow = true
	_, err = laptop.svc.GetOrIssueAccountCertificate(ctx, laptop.sess, id)
	require.NoError(t, err)
	require.Len(t, purposes, 2)
	assert.Contains(t, purposes[1], id)
}

// ---------------------------------------------------------------------------
// Revocation
// ---------------------------------------------------------------------------

func TestRevokeAuthenticatorLogsOutEverywhere(t *testing.T) {
	env := setup(t)
	rp := newRelyingParty(t, http.StatusOK)
	laptop, phone := env.pair(t, lifecycle.WithRelyingParty(rp.client()))
	ctx := t.Context()

	id, err := laptop.svc.AddAccount(ctx, laptop.sess,
		authdata.Account{Domain: rp.domain()}, authdata.Session{SessionCert: "laptop-session"})
	require.NoError(t, err)
	require.NoError(t, phone.svc.AddSession(ctx, phone.sess, id, authdata.Session{SessionCert: "phone-1"}))
	require.NoError(t, phone.svc.AddSession(ctx, phone.sess, id, authdata.Session{SessionCert: "phone-2"}))
	phoneCert := phone.sess.AuthCertificate()

	require.NoError(t, laptop.svc.RevokeAuthenticator(ctx, laptop.sess, "phone"))

	rec, err := laptop.cache.GetAccount(ctx, laptop.sess, id)
	require.NoError(t, err)
	got := rp.received()
	require.Len(t, got, 2)
	var sessions []string
	for _, req := range got {
		sessions = append(sessions, req.SessionCertificate)
		assert.Equal(t, rec.ServiceCert, req.AccountCertificate)
	}
	assert.ElementsMatch(t, []string{"phone-1", "phone-2"}, sessions)
	assert.Equal(t, int32(1), env.renewals.Load())

	require.Len(t, rec.SessionList, 1)
	assert.Equal(t, "laptop", rec.SessionList[0].Authenticator)

	_, err = laptop.cache.GetAuthenticator(ctx, laptop.sess, "phone")
	require.ErrorIs(t, err, certcache.ErrAuthenticatorNotFound)
	assert.True(t, env.authority.IsRevoked(phoneCert))

	_, err = phone.svc.Refresh(ctx, phone.sess)
	require.ErrorIs(t, err, ca.ErrHijackSuspected)
}

func TestRevokeAbortsWhenLogoutFails(t *testing.T) {
	env := setup(t)
	rp := newRelyingParty(t, http.StatusInternalServerError)
	laptop, phone := env.pair(t, lifecycle.WithRelyingParty(rp.client()))
	ctx := t.Context()

	id, err := laptop.svc.AddAccount(ctx, laptop.sess,
		authdata.Account{Domain: rp.domain()}, authdata.Session{SessionCert: "laptop-session"})
	require.NoError(t, err)
	require.NoError(t, phone.svc.AddSession(ctx, phone.sess, id, authdata.Session{SessionCert: "phone-1"}))

	err = laptop.svc.RevokeAuthenticator(ctx, laptop.sess, "phone")
	require.ErrorIs(t, err, authdata.ErrLogoutFailed)
	assert.False(t, env.authority.IsRevoked(phone.sess.AuthCertificate()))

	_, err = phone.svc.Refresh(ctx, phone.sess)
	require.NoError(t, err)
	rec, err := phone.cache.GetAccount(ctx, phone.sess, id)
	require.NoError(t, err)
	assert.Len(t, rec.SessionList, 2, "nothing was removed")

	rp.status.Store(http.StatusOK)
	require.NoError(t, laptop.svc.RevokeAuthenticator(ctx, laptop.sess, "phone"))
}

func TestRevokeRejectsSelfAndUnknown(t *testing.T) {
	env := setup(t)
	laptop, _ := env.pair(t)

	err := laptop.svc.RevokeAuthenticator(t.Context(), laptop.sess, "laptop")
	require.ErrorIs(t, err, lifecycle.ErrRevokeSelf)

	err = laptop.svc.RevokeAuthenticator(t.Context(), laptop.sess, "tablet")
	require.ErrorIs(t, err, authdata.ErrAuthenticatorNotFound)
}

// ---------------------------------------------------------------------------
// Relying party
// ---------------------------------------------------------------------------

func TestHTTPRelyingPartyLogout(t *testing.T) {
	for _, tc := range []struct {
		status  int
		wantErr error
	}{
		{http.StatusOK, nil},
		{http.StatusNoContent, nil},
		{http.StatusNotFound, nil},
		{http.StatusGone, nil},
		{http.StatusForbidden, lifecycle.ErrLogoutRejected},
		{http.StatusInternalServerError, lifecycle.ErrLogoutRejected},
	} {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			rp := newRelyingParty(t, tc.status)
			err := rp.client().Logout(t.Context(), rp.domain(), "account-cert", "session-cert")
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
			} else {
				require.NoError(t, err)
			}
			got := rp.received()
			require.Len(t, got, 1)
			assert.Equal(t, lifecycle.LogoutRequest{
				AccountCertificate: "account-cert",
				SessionCertificate: "session-cert",
			}, got[0])
		})
	}
}

func TestHTTPRelyingPartyUnreachable(t *testing.T) {
	rp := newRelyingParty(t, http.StatusOK)
	domain := rp.domain()
	rp.srv.Close()

	err := rp.client().Logout(t.Context(), domain, "a", "s")
	require.Error(t, err)

	err = rp.client().Logout(t.Context(), "", "a", "s")
	require.Error(t, err)
}
