package certcache

import (
	"time"

	"github.com/byu-ilab/onekey/authdata"
)

const (
	recordTypeAuth    = "AUTH"
	recordTypeService = "SERVICE"
	recordTypeDomain  = "DOMAIN"

	recordVer = 1
)

// AuthenticatorRecord is one known authenticator, self included.
type AuthenticatorRecord struct {
	Name        string    `json:"name"`
	Certificate string    `json:"certificate"`
	Revoked     bool      `json:"revoked"`
	Expiration  time.Time `json:"expiration"`
}

// ServiceAccountRecord is the local projection of one relying-party account.
// SessionList mirrors the last fetched blob; the Service* fields are owned by
// this authenticator and never sent to the CA.
type ServiceAccountRecord struct {
	AccountID         string                 `json:"accountID"`
	Domain            string                 `json:"domain"`
	AccountName       string                 `json:"accountName"`
	SessionPublicKey  string                 `json:"sessionPublicKey"`
	SessionPrivateKey string                 `json:"sessionPrivateKey"`
	SessionList       []authdata.SessionList `json:"sessionList"`

	ServiceCert       string `json:"serviceCert,omitempty"`
	ServicePublicKey  string `json:"servicePublicKey,omitempty"`
	ServicePrivateKey string `json:"servicePrivateKey,omitempty"`
	// Expiration is when ServiceCert expires; zero when none is held.
	Expiration time.Time `json:"expiration,omitzero"`
}

// HasCertificate reports whether an account certificate is held locally.
func (r *ServiceAccountRecord) HasCertificate() bool {
	return r.ServiceCert != ""
}

// domainIndex lists the account IDs registered at one domain.
type domainIndex struct {
	Domain     string   `json:"domain"`
	AccountIDs []string `json:"accountIDs"`
}

// AccountSummary is one row of the accounts view.
type AccountSummary struct {
	AccountID   string   `json:"accountID"`
	Domain      string   `json:"domain"`
	AccountName string   `json:"accountName"`
	Devices     []string `json:"devices"`
}

// Device groups the live sessions of one authenticator by account.
type Device struct {
	Name     string          `json:"name"`
	Accounts []DeviceAccount `json:"accounts"`
}

// DeviceAccount holds the sessions one device has at one account.
type DeviceAccount struct {
	AccountID   string             `json:"accountID"`
	AccountName string             `json:"accountName"`
	Domain      string             `json:"domain"`
	Sessions    []authdata.Session `json:"sessions"`
}

func recordFromAccount(a authdata.Account) ServiceAccountRecord {
	return ServiceAccountRecord{
		AccountID:         a.AccountID,
		Domain:            a.Domain,
		AccountName:       a.AccountName,
		SessionPublicKey:  a.SessionPublicKey,
		SessionPrivateKey: a.SessionPrivateKey,
		SessionList:       copySessionLists(a.SessionList),
	}
}

func copySessionLists(in []authdata.SessionList) []authdata.SessionList {
	out := make([]authdata.SessionList, 0, len(in))
	for _, sl := range in {
		sessions := make([]authdata.Session, len(sl.Sessions))
		copy(sessions, sl.Sessions)
		out = append(out, authdata.SessionList{Authenticator: sl.Authenticator, Sessions: sessions})
	}
	return out
}
