package api

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/byu-ilab/onekey/ca"
	"github.com/byu-ilab/onekey/pki"
)

// account is everything the CA knows about one username. It is only touched
// with API.mu held.
type account struct {
	data ca.AuthenticationData
	etag string
	// lock is the most recently issued lock; "" once consumed.
	lock string
	// admitted holds the serials of authenticator certificates issued
	// through /sign and not revoked since.
	admitted map[string]struct{}
	// enrolled is set by the first admission and never cleared, so an
	// account whose authenticators were all revoked cannot be taken over
	// without a sponsor.
	enrolled bool
}

var (
	errNotAuthenticator = errors.New("certificate does not identify an authenticator of this account")
	errNotAdmitted      = errors.New("certificate was not admitted to this account")
	errLockInvalid      = errors.New("lock identifier is not the current lock")
	errSponsorRequired  = errors.New("account already has authenticators; a sponsor is required")
)

// accountLocked returns the state for username, creating it on first use.
// The caller must hold a.mu.
func (a *API) accountLocked(username string) *account {
	acct, ok := a.accounts[username]
	if !ok {
		acct = &account{}
		a.accounts[username] = acct
	}
	return acct
}

// authenticate checks that certPEM was issued by this CA to an authenticator
// of username and is neither expired nor revoked.
func (a *API) authenticate(username, certPEM string) (*x509.Certificate, error) {
	if certPEM == "" {
		return nil, fmt.Errorf("%w: missing certificate", errNotAuthenticator)
	}
	cert, err := a.authority.Verify(certPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNotAuthenticator, err)
	}
	if !slices.Contains(cert.Subject.OrganizationalUnit, username) {
		return nil, errNotAuthenticator
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	acct, ok := a.accounts[username]
	if !ok {
		return nil, errNotAdmitted
	}
	if _, ok := acct.admitted[serialKey(cert)]; !ok {
		return nil, errNotAdmitted
	}
	return cert, nil
}

// admitAuthenticator certifies csrPEM as authenticator authName of username
// and records it as admitted. Without a sponsor only the first authenticator
// of an account is accepted.
func (a *API) admitAuthenticator(username, authName, csrPEM string, sponsored bool) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	acct := a.accountLocked(username)
	if !sponsored && (acct.enrolled || !acct.data.IsZero()) {
		return "", errSponsorRequired
	}
	certPEM, err := a.authority.SignCSRWithSubject(csrPEM, authenticatorSubject(username, authName), a.authCertDays,
		[]x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth})
	if err != nil {
		return "", err
	}
	cert, err := pki.ParseCertificate(certPEM)
	if err != nil {
		return "", err
	}
	if acct.admitted == nil {
		acct.admitted = make(map[string]struct{})
	}
	acct.admitted[serialKey(cert)] = struct{}{}
	acct.enrolled = true
	return certPEM, nil
}

// dismiss forgets a revoked authenticator certificate.
func (a *API) dismiss(username string, cert *x509.Certificate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if acct, ok := a.accounts[username]; ok {
		delete(acct.admitted, serialKey(cert))
	}
}

func serialKey(cert *x509.Certificate) string {
	return cert.SerialNumber.Text(16)
}

// issueLock replaces any outstanding lock with a new one.
func (a *API) issueLock(username string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	acct := a.accountLocked(username)
	acct.lock = uuid.NewString()
	return acct.lock
}

// store writes data if lockID is the current lock, consuming it. It returns
// the new ETag.
func (a *API) store(username, lockID string, data ca.AuthenticationData) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	acct := a.accountLocked(username)
	if lockID == "" || acct.lock == "" || acct.lock != lockID {
		return "", errLockInvalid
	}
	acct.lock = ""
	acct.data = data
	acct.etag = `"` + uuid.NewString() + `"`
	return acct.etag, nil
}

// snapshot returns the stored data and its ETag, or ok=false if none.
func (a *API) snapshot(username string) (data ca.AuthenticationData, etag string, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	acct, found := a.accounts[username]
	if !found || acct.data.IsZero() {
		return ca.AuthenticationData{}, "", false
	}
	return acct.data, acct.etag, true
}

// authenticatorSubject is the identity the CA certifies for an
// authenticator: the name it asked for, scoped to the account.
func authenticatorSubject(username, authName string) pkix.Name {
	return pkix.Name{CommonName: authName, OrganizationalUnit: []string{username}}
}
