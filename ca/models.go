package ca

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FetchState tags the outcome of a successful Fetch.
type FetchState int

const (
	// StateData means the CA returned an encrypted blob.
	StateData FetchState = iota + 1
	// StateUnchanged means the blob matches the ETag sent with the request.
	StateUnchanged
	// StateEmpty means the account exists but no authenticator has written
	// data yet.
	StateEmpty
)

func (s FetchState) String() string {
	switch s {
	case StateData:
		return "data"
	case StateUnchanged:
		return "unchanged"
	case StateEmpty:
		return "empty"
	default:
		return fmt.Sprintf("FetchState(%d)", int(s))
	}
}

// FetchResult is the tagged result of Fetch. Data is set only for StateData.
type FetchResult struct {
	State FetchState
	Data  *AuthenticationData
	ETag  string
}

// legacyPlaceholder is what the CA stored for an account that had been
// created but never written by an authenticator.
const legacyPlaceholder = "a blob"

// AuthenticationData is the envelope stored at the CA: the encrypted blob
// and its data key, itself encrypted under the account key.
//
// On the wire it travels as a JSON-encoded string. Both that form and a
// plain object are accepted when decoding; null, "" and the legacy
// placeholder decode to the zero value, which means "no data yet".
type AuthenticationData struct {
	Data string `json:"data"`
	Key  string `json:"key"`
}

type authenticationDataFields AuthenticationData

// IsZero reports whether d is the empty variant.
func (d AuthenticationData) IsZero() bool {
	return d.Data == "" && d.Key == ""
}

func (d AuthenticationData) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte(`""`), nil
	}
	inner, err := json.Marshal(authenticationDataFields(d))
	if err != nil {
		return nil, err
	}
	return json.Marshal(string(inner))
}

func (d *AuthenticationData) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	*d = AuthenticationData{}
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}

	var fields authenticationDataFields
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if s == "" || s == legacyPlaceholder {
			return nil
		}
		if err := json.Unmarshal([]byte(s), &fields); err != nil {
			return fmt.Errorf("%w: authenticationData: %v", ErrMalformedPayload, err)
		}
	case '{':
		if err := json.Unmarshal(b, &fields); err != nil {
			return fmt.Errorf("%w: authenticationData: %v", ErrMalformedPayload, err)
		}
	default:
		return fmt.Errorf("%w: authenticationData must be an object or string", ErrMalformedPayload)
	}
	if (fields.Data == "") != (fields.Key == "") {
		return fmt.Errorf("%w: authenticationData is missing its data or key", ErrMalformedPayload)
	}
	*d = AuthenticationData(fields)
	return nil
}

// DataResponse is the body of a successful GET /accounts/{username}/data.
type DataResponse struct {
	AuthenticationData AuthenticationData `json:"authenticationData"`
}

// LockRequest is the body of POST /accounts/{username}/data.
type LockRequest struct {
	AuthenticatorCertificate string `json:"authenticatorCertificate"`
}

// LockResponse carries a single-use write lock.
type LockResponse struct {
	LockIdentifier string `json:"lockIdentifier"`
}

// WriteRequest is the body of PUT /accounts/{username}/data.
type WriteRequest struct {
	AuthenticatorCertificate string             `json:"authenticatorCertificate"`
	AuthenticationData       AuthenticationData `json:"authenticationData"`
	LockIdentifier           string             `json:"lockIdentifier"`
}

// RenewRequest asks for a new account certificate. AuthSignature is the CSR
// PEM signed with the caller's authenticator key.
type RenewRequest struct {
	CSR                      string `json:"CSR"`
	AuthSignature            string `json:"authSignature"`
	AuthenticatorCertificate string `json:"authenticatorCertificate"`
}

// RenewResponse carries the issued account certificate.
type RenewResponse struct {
	AccountCertificate string `json:"accountCertificate"`
}

// SignRequest asks the CA to certify a new authenticator key. Sponsor is
// required once the account has any authenticator.
type SignRequest struct {
	CSR     string        `json:"CSR"`
	Sponsor *SponsorProof `json:"sponsor,omitempty"`
}

// SponsorProof is an existing authenticator's approval of a new one: its
// certificate and a signature over the new authenticator's CSR PEM.
type SponsorProof struct {
	AuthenticatorCertificate string `json:"authenticatorCertificate"`
	Signature                string `json:"signature"`
}

// SignResponse carries the issued authenticator certificate.
type SignResponse struct {
	AuthenticatorCertificate string `json:"authenticatorCertificate"`
}

// RevokeProof identifies the authenticator asking for a revocation: its
// certificate and a signature over the target certificate PEM made with
// its own key.
type RevokeProof struct {
	AuthenticatorCertificate string `json:"authenticatorCertificate"`
	Signature                string `json:"signature"`
}

// RevokeRequest is the body of POST /accounts/{username}/revoke.
// AuthenticatorCertificate is the certificate being revoked.
type RevokeRequest struct {
	AuthenticatorCertificate string      `json:"authenticatorCertificate"`
	Proof                    RevokeProof `json:"proof"`
}

// ErrorResponse is the body of every non-2xx response from the CA.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// AuditEntry is one line of an account's audit trail at the CA.
type AuditEntry struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Event         string `json:"event"`
	Authenticator string `json:"authenticator,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// AuditPage is one page of GET /accounts/{username}/audit, newest first.
type AuditPage struct {
	Entries    []AuditEntry `json:"entries"`
	TotalCount int          `json:"total_count"`
	Limit      int          `json:"limit"`
	Offset     int          `json:"offset"`
	HasMore    bool         `json:"has_more"`
}

// AuditQuery selects part of an audit trail. Zero values take the CA's
// defaults.
type AuditQuery struct {
	Event  string
	Limit  int
	Offset int
}
