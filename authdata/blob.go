// Package authdata models the authenticator data blob shared by every
// authenticator of an account and runs the fetch, lock, mutate and write
// cycle that keeps it consistent at the CA.
package authdata

import (
	"fmt"
	"slices"

	"github.com/google/uuid"
)

// AuthenticatorEntry is one registered authenticator.
type AuthenticatorEntry struct {
	AuthName                 string `json:"authname"`
	AuthenticatorCertificate string `json:"authenticatorCertificate"`
}

// Session is one relying-party login, represented by its session
// certificate.
type Session struct {
	SessionCert string `json:"sessionCert"`
	GeoLocation string `json:"geoLocation"`
}

// SessionList groups one authenticator's sessions within an account.
type SessionList struct {
	Authenticator string    `json:"authenticator"`
	Sessions      []Session `json:"sessions"`
}

// Account is a relying-party account. AccountID is assigned once and never
// reused; Domain may repeat.
type Account struct {
	Domain            string        `json:"domain"`
	AccountID         string        `json:"accountID"`
	AccountName       string        `json:"accountName"`
	SessionPublicKey  string        `json:"sessionPublicKey"`
	SessionPrivateKey string        `json:"sessionPrivateKey"`
	SessionList       []SessionList `json:"sessionList"`
}

// Blob is the plaintext authenticator data. It exists only in memory during
// a read-modify-write cycle; the CA stores it encrypted.
type Blob struct {
	AuthenticatorList []AuthenticatorEntry `json:"authenticatorList"`
	Map               []Account            `json:"map"`
}

// NewBlob returns the document used for an account that has no data yet.
func NewBlob() *Blob {
	return &Blob{
		AuthenticatorList: []AuthenticatorEntry{},
		Map:               []Account{},
	}
}

// NewAccountID returns a fresh time-based account identifier.
func NewAccountID() (string, error) {
	id, err := uuid.NewUUID()
	if err != nil {
		return "", fmt.Errorf("generating account ID: %w", err)
	}
	return id.String(), nil
}

// Account returns the account with the given ID.
func (b *Blob) Account(accountID string) (*Account, bool) {
	i := b.accountIndex(accountID)
	if i < 0 {
		return nil, false
	}
	return &b.Map[i], true
}

// Authenticator returns the entry for authName.
func (b *Blob) Authenticator(authName string) (AuthenticatorEntry, bool) {
	for _, a := range b.AuthenticatorList {
		if a.AuthName == authName {
			return a, true
		}
	}
	return AuthenticatorEntry{}, false
}

// AddAccount appends acct with a session list holding exactly first, owned by
// authName. Any session list already on acct is replaced.
func (b *Blob) AddAccount(acct Account, authName string, first Session) error {
	if acct.AccountID == "" {
		return fmt.Errorf("account ID must not be empty")
	}
	if b.accountIndex(acct.AccountID) >= 0 {
		return fmt.Errorf("%s: %w", acct.AccountID, ErrDuplicateAccount)
	}
	acct.SessionList = []SessionList{{
		Authenticator: authName,
		Sessions:      []Session{first},
	}}
	b.Map = append(b.Map, acct)
	return nil
}

// AddSession records a new session for authName in the account. The account
// must exist.
func (b *Blob) AddSession(accountID, authName string, s Session) error {
	acct, ok := b.Account(accountID)
	if !ok {
		return fmt.Errorf("%s: %w", accountID, ErrAccountNotFound)
	}
	for i := range acct.SessionList {
		if acct.SessionList[i].Authenticator == authName {
			acct.SessionList[i].Sessions = append(acct.SessionList[i].Sessions, s)
			return nil
		}
	}
	acct.SessionList = append(acct.SessionList, SessionList{
		Authenticator: authName,
		Sessions:      []Session{s},
	})
	return nil
}

// RemoveSession removes the first session of authName in the account whose
// certificate is sessionCert. A session list left empty stays in place.
func (b *Blob) RemoveSession(accountID, authName, sessionCert string) error {
	acct, ok := b.Account(accountID)
	if !ok {
		return fmt.Errorf("%s: %w", accountID, ErrAccountNotFound)
	}
	for i := range acct.SessionList {
		sl := &acct.SessionList[i]
		if sl.Authenticator != authName {
			continue
		}
		for j, s := range sl.Sessions {
			if s.SessionCert == sessionCert {
				sl.Sessions = slices.Delete(sl.Sessions, j, j+1)
				return nil
			}
		}
	}
	return fmt.Errorf("%s/%s: %w", accountID, authName, ErrSessionNotFound)
}

// AddAuthenticator lists a new authenticator. Adding the same name with the
// same certificate again is a no-op; the same name with a different
// certificate is rejected.
func (b *Blob) AddAuthenticator(authName, authCert string) error {
	if authName == "" {
		return fmt.Errorf("authenticator name must not be empty")
	}
	if existing, ok := b.Authenticator(authName); ok {
		if existing.AuthenticatorCertificate == authCert {
			return nil
		}
		return fmt.Errorf("%s: %w", authName, ErrDuplicateAuthenticator)
	}
	b.AuthenticatorList = append(b.AuthenticatorList, AuthenticatorEntry{
		AuthName:                 authName,
		AuthenticatorCertificate: authCert,
	})
	return nil
}

// Clone returns a deep copy of b.
func (b *Blob) Clone() *Blob {
	out := &Blob{
		AuthenticatorList: slices.Clone(b.AuthenticatorList),
		Map:               make([]Account, len(b.Map)),
	}
	if out.AuthenticatorList == nil {
		out.AuthenticatorList = []AuthenticatorEntry{}
	}
	for i, a := range b.Map {
		a.SessionList = cloneSessionLists(a.SessionList)
		out.Map[i] = a
	}
	return out
}

// normalize replaces nil slices so the blob serialises with [] rather than
// null, which other authenticators expect.
func (b *Blob) normalize() {
	if b.AuthenticatorList == nil {
		b.AuthenticatorList = []AuthenticatorEntry{}
	}
	if b.Map == nil {
		b.Map = []Account{}
	}
	for i := range b.Map {
		if b.Map[i].SessionList == nil {
			b.Map[i].SessionList = []SessionList{}
		}
		for j := range b.Map[i].SessionList {
			if b.Map[i].SessionList[j].Sessions == nil {
				b.Map[i].SessionList[j].Sessions = []Session{}
			}
		}
	}
}

func (b *Blob) accountIndex(accountID string) int {
	return slices.IndexFunc(b.Map, func(a Account) bool {
		return a.AccountID == accountID
	})
}

func cloneSessionLists(in []SessionList) []SessionList {
	if in == nil {
		return nil
	}
	out := make([]SessionList, len(in))
	for i, sl := range in {
		out[i] = SessionList{
			Authenticator: sl.Authenticator,
			Sessions:      slices.Clone(sl.Sessions),
		}
	}
	return out
}
