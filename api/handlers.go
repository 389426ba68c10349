package api

import (
	"crypto/x509"
	"errors"
	"log/slog"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"github.com/byu-ilab/onekey/ca"
	"github.com/byu-ilab/onekey/crypto"
	"github.com/byu-ilab/onekey/pki"
)

// crlReasonUnspecified is the x509 CRL reason recorded for revocations
// requested by a sibling authenticator.
const crlReasonUnspecified = 0

// ---------------------------------------------------------------------------
// Service endpoints
// ---------------------------------------------------------------------------

// Health reports liveness.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CACertificate serves the root certificate relying parties verify account
// certificates against.
func (a *API) CACertificate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write([]byte(a.authority.CertificatePEM()))
}

// RevocationList serves a freshly signed CRL.
func (a *API) RevocationList(w http.ResponseWriter, r *http.Request) {
	crlPEM, err := a.authority.GenerateCRL()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", "failed to generate CRL")
		return
	}
	a.audit.log(AuditRevocationListCreated, r)
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write(crlPEM)
}

// ---------------------------------------------------------------------------
// Authenticator data
// ---------------------------------------------------------------------------

// FetchData returns the account's encrypted authenticator data. The caller
// proves membership with its authenticator certificate in the
// authenticatorCertificate query parameter.
func (a *API) FetchData(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if _, ok := a.proveAuthenticator(w, r, username, r.URL.Query().Get("authenticatorCertificate")); !ok {
		return
	}

	data, etag, ok := a.snapshot(username)
	if !ok {
		writeError(w, http.StatusNotFound, ca.CodeNotFound, "no authenticator data stored for account")
		return
	}
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	writeJSON(w, http.StatusOK, ca.DataResponse{AuthenticationData: data})
}

// LockData hands out a single-use write lock, invalidating any earlier one.
func (a *API) LockData(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	var req ca.LockRequest
	if !decodeJSON(r, &req) {
		writeError(w, http.StatusBadRequest, ca.CodeBadRequest, "invalid request body")
		return
	}
	cert, ok := a.proveAuthenticator(w, r, username, req.AuthenticatorCertificate)
	if !ok {
		return
	}
	lockID := a.issueLock(username)
	a.audit.logEvent(AuditLockIssued, r, username, cert.Subject.CommonName)
	writeJSON(w, http.StatusOK, ca.LockResponse{LockIdentifier: lockID})
}

// WriteData replaces the account's authenticator data. The lock must be the
// one most recently issued and is consumed by a successful write.
func (a *API) WriteData(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	var req ca.WriteRequest
	if !decodeJSON(r, &req) {
		writeError(w, http.StatusBadRequest, ca.CodeBadRequest, "invalid request body")
		return
	}
	cert, ok := a.proveAuthenticator(w, r, username, req.AuthenticatorCertificate)
	if !ok {
		return
	}
	if req.AuthenticationData.IsZero() {
		writeError(w, http.StatusBadRequest, ca.CodeBadRequest, "authenticationData is required")
		return
	}
	if _, err := a.store(username, req.LockIdentifier, req.AuthenticationData); err != nil {
		a.audit.logFailure(AuditWriteRejected, r, username, err.Error(), slog.String("authname", cert.Subject.CommonName))
		writeError(w, http.StatusConflict, ca.CodeLockInvalid, "lock identifier is not valid")
		return
	}
	a.audit.logEvent(AuditDataWritten, r, username, cert.Subject.CommonName)
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Certificates
// ---------------------------------------------------------------------------

// IssueAccountCertificate signs an account CSR submitted by an authenticator
// of the account. authSignature must be the CSR signed with that
// authenticator's key.
func (a *API) IssueAccountCertificate(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	var req ca.RenewRequest
	if !decodeJSON(r, &req) {
		writeError(w, http.StatusBadRequest, ca.CodeBadRequest, "invalid request body")
		return
	}
	cert, ok := a.proveAuthenticator(w, r, username, req.AuthenticatorCertificate)
	if !ok {
		return
	}
	authName := cert.Subject.CommonName
	if !crypto.Verify(cert.PublicKey, []byte(req.CSR), req.AuthSignature) {
		a.proofLimiter.recordFailure(username)
		a.audit.logFailure(AuditHijackSuspected, r, username, "CSR signature does not match authenticator certificate",
			slog.String("authname", authName))
		writeError(w, http.StatusForbidden, ca.CodeHijackSuspected, "CSR signature is not valid")
		return
	}
	if _, err := pki.ParseCSR(req.CSR); err != nil {
		writeError(w, http.StatusBadRequest, ca.CodeBadRequest, "invalid CSR")
		return
	}

	certPEM, err := a.authority.SignCSR(req.CSR, a.accountCertDays, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth})
	if err != nil {
		writeError(w, http.StatusBadRequest, ca.CodeBadRequest, "failed to sign CSR")
		return
	}
	a.audit.logEvent(AuditAccountCertIssued, r, username, authName)
	writeJSON(w, http.StatusCreated, ca.RenewResponse{AccountCertificate: certPEM})
}

// SignAuthenticator certifies a new authenticator key for the account. The
// CSR's common name becomes the authenticator name. The first authenticator
// of an account needs no proof; every later one needs a sponsor proof from
// an admitted authenticator of the same account, signed over the CSR.
func (a *API) SignAuthenticator(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	ip := a.extractClientIP(r)
	if blocked, retryAfter := a.signLimiter.check(ip); blocked {
		a.audit.logFailure(AuditSignRateLimited, r, username, "too many signing requests from client")
		writeRateLimited(w, retryAfter)
		return
	}
	a.signLimiter.record(ip)

	var req ca.SignRequest
	if !decodeJSON(r, &req) {
		writeError(w, http.StatusBadRequest, ca.CodeBadRequest, "invalid request body")
		return
	}
	csr, err := pki.ParseCSR(req.CSR)
	if err != nil {
		writeError(w, http.StatusBadRequest, ca.CodeBadRequest, "invalid CSR")
		return
	}
	authName := csr.Subject.CommonName
	if authName == "" {
		writeError(w, http.StatusBadRequest, ca.CodeBadRequest, "CSR common name must name the authenticator")
		return
	}

	sponsored := false
	if req.Sponsor != nil {
		sponsor, ok := a.proveAuthenticator(w, r, username, req.Sponsor.AuthenticatorCertificate)
		if !ok {
			return
		}
		if !crypto.Verify(sponsor.PublicKey, []byte(req.CSR), req.Sponsor.Signature) {
			a.proofLimiter.recordFailure(username)
			a.audit.logFailure(AuditSignDenied, r, username, "sponsor signature is not valid",
				slog.String("authname", authName), slog.String("sponsor", sponsor.Subject.CommonName))
			writeError(w, http.StatusForbidden, ca.CodeDenied, "sponsor signature is not valid")
			return
		}
		sponsored = true
	}

	certPEM, err := a.admitAuthenticator(username, authName, req.CSR, sponsored)
	if errors.Is(err, errSponsorRequired) {
		a.audit.logFailure(AuditSignDenied, r, username, err.Error(), slog.String("authname", authName))
		writeError(w, http.StatusForbidden, ca.CodeDenied, "an existing authenticator must sponsor this one")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, ca.CodeBadRequest, "failed to sign CSR")
		return
	}
	a.audit.logEvent(AuditAuthenticatorSigned, r, username, authName)
	writeJSON(w, http.StatusCreated, ca.SignResponse{AuthenticatorCertificate: certPEM})
}

// RevokeAuthenticator revokes another authenticator of the same account. The
// proof carries the caller's certificate and its signature over the target
// certificate. Revoking an already revoked certificate succeeds.
func (a *API) RevokeAuthenticator(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	var req ca.RevokeRequest
	if !decodeJSON(r, &req) {
		writeError(w, http.StatusBadRequest, ca.CodeBadRequest, "invalid request body")
		return
	}
	caller, ok := a.proveAuthenticator(w, r, username, req.Proof.AuthenticatorCertificate)
	if !ok {
		return
	}
	callerName := caller.Subject.CommonName
	if !crypto.Verify(caller.PublicKey, []byte(req.AuthenticatorCertificate), req.Proof.Signature) {
		a.proofLimiter.recordFailure(username)
		a.audit.logFailure(AuditRevokeDenied, r, username, "proof signature is not valid", slog.String("authname", callerName))
		writeError(w, http.StatusForbidden, ca.CodeDenied, "proof signature is not valid")
		return
	}

	target, err := pki.ParseCertificate(req.AuthenticatorCertificate)
	if err != nil {
		writeError(w, http.StatusBadRequest, ca.CodeBadRequest, "invalid authenticator certificate")
		return
	}
	if !slices.Contains(target.Subject.OrganizationalUnit, username) {
		a.audit.logFailure(AuditRevokeDenied, r, username, "target belongs to another account", slog.String("authname", callerName))
		writeError(w, http.StatusForbidden, ca.CodeDenied, "certificate does not belong to this account")
		return
	}

	err = a.authority.Revoke(req.AuthenticatorCertificate, crlReasonUnspecified)
	switch {
	case err == nil, errors.Is(err, pki.ErrCertAlreadyRevoked):
	case errors.Is(err, pki.ErrUnknownIssuer):
		writeError(w, http.StatusNotFound, ca.CodeNotFound, "certificate was not issued by this CA")
		return
	default:
		writeError(w, http.StatusInternalServerError, "", "failed to revoke certificate")
		return
	}
	a.dismiss(username, target)
	a.audit.logEvent(AuditAuthenticatorRevoked, r, username, target.Subject.CommonName,
		slog.String("revoked_by", callerName))
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Audit trail
// ---------------------------------------------------------------------------

type auditListResponse struct {
	Entries []auditEntry `json:"entries"`
	PaginationMeta
}

// ListAuditLogs returns the account's audit trail, newest first. An optional
// event query parameter filters by event type.
func (a *API) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if _, ok := a.proveAuthenticator(w, r, username, r.URL.Query().Get("authenticatorCertificate")); !ok {
		return
	}
	entries, err := a.listAuditEntries(username, AuditEvent(r.URL.Query().Get("event")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", "failed to read audit trail")
		return
	}
	limit, offset := parsePagination(r)
	page, meta := paginate(entries, limit, offset)
	writeJSON(w, http.StatusOK, auditListResponse{Entries: page, PaginationMeta: meta})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// proveAuthenticator authenticates the caller as a current authenticator of
// username. On failure it writes the response and returns ok=false. Unknown,
// expired and revoked certificates are reported as a suspected hijack.
func (a *API) proveAuthenticator(w http.ResponseWriter, r *http.Request, username, certPEM string) (*x509.Certificate, bool) {
	if blocked, retryAfter := a.proofLimiter.check(username); blocked {
		a.audit.logFailure(AuditProofRateLimited, r, username, "too many failed authenticator proofs")
		writeRateLimited(w, retryAfter)
		return nil, false
	}
	cert, err := a.authenticate(username, certPEM)
	if err != nil {
		a.proofLimiter.recordFailure(username)
		a.audit.logFailure(AuditHijackSuspected, r, username, err.Error())
		writeError(w, http.StatusForbidden, ca.CodeHijackSuspected, "authenticator certificate is not recognized")
		return nil, false
	}
	a.proofLimiter.recordSuccess(username)
	return cert, true
}
