package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// CAState is the bookkeeping an Authority keeps next to its key.
type CAState struct {
	NextSerial int64  `json:"next_serial"`
	Subject    string `json:"subject"`
	NotBefore  string `json:"not_before"`
	NotAfter   string `json:"not_after"`
	CRLNumber  int64  `json:"crl_number"`
}

// RevocationEntry records a single revoked certificate.
type RevocationEntry struct {
	SerialNumber string `json:"serial_number"`
	RevokedAt    string `json:"revoked_at"`
	Reason       int    `json:"reason"`
	CommonName   string `json:"common_name"`
}

// CAInfo is the public information about an Authority.
type CAInfo struct {
	Subject     string `json:"subject"`
	NotBefore   string `json:"not_before"`
	NotAfter    string `json:"not_after"`
	NextSerial  int64  `json:"next_serial"`
	CRLNumber   int64  `json:"crl_number"`
	Revocations int    `json:"revocations"`
}

// Authority is a self-signed root CA that signs authenticator and account
// CSRs and tracks revocations in memory. It is safe for concurrent use.
type Authority struct {
	mu          sync.Mutex
	ks          KeyStore
	keyID       string
	signer      crypto.Signer
	cert        *x509.Certificate
	certPEM     string
	state       CAState
	revocations []RevocationEntry
	revoked     map[string]struct{}
	now         func() time.Time
}

// AuthorityOption configures an Authority.
type AuthorityOption func(*Authority)

// WithKeyStore sets the KeyStore holding the CA key. The default is a
// SoftwareKeyStore.
func WithKeyStore(ks KeyStore) AuthorityOption {
	return func(a *Authority) {
		a.ks = ks
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) AuthorityOption {
	return func(a *Authority) {
		a.now = now
	}
}

// NewAuthority generates a CA key and a self-signed root certificate valid
// for validityYears.
func NewAuthority(subject pkix.Name, validityYears int, opts ...AuthorityOption) (*Authority, error) {
	a := &Authority{
		revoked: make(map[string]struct{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.ks == nil {
		a.ks = NewSoftwareKeyStore()
	}

	keyID, err := a.ks.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating CA key: %w", err)
	}
	signer, err := a.ks.Signer(keyID)
	if err != nil {
		return nil, fmt.Errorf("getting CA signer: %w", err)
	}

	now := a.now().UTC()
	notAfter := now.AddDate(validityYears, 0, 0)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               subject,
		NotBefore:             now,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	// Self-sign.
	der, err := x509.CreateCertificate(rand.Reader, template, template, signer.Public(), signer)
	if err != nil {
		return nil, fmt.Errorf("creating CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}

	a.keyID = keyID
	a.signer = signer
	a.cert = cert
	a.certPEM = encodeCertPEM(der)
	a.state = CAState{
		NextSerial: 2, // serial 1 used by the CA cert itself
		Subject:    subjectString(subject),
		NotBefore:  now.Format(time.RFC3339),
		NotAfter:   notAfter.Format(time.RFC3339),
	}
	return a, nil
}

// CertificatePEM returns the root certificate.
func (a *Authority) CertificatePEM() string {
	return a.certPEM
}

// Info returns public CA metadata.
func (a *Authority) Info() CAInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return CAInfo{
		Subject:     a.state.Subject,
		NotBefore:   a.state.NotBefore,
		NotAfter:    a.state.NotAfter,
		NextSerial:  a.state.NextSerial,
		CRLNumber:   a.state.CRLNumber,
		Revocations: len(a.revocations),
	}
}

// SignCSR issues a certificate for an externally generated CSR, keeping the
// subject the requester asked for.
func (a *Authority) SignCSR(csrPEM string, validityDays int, extKeyUsages []x509.ExtKeyUsage) (string, error) {
	csr, err := parseCSR(csrPEM)
	if err != nil {
		return "", err
	}
	return a.sign(csr, csr.Subject, validityDays, extKeyUsages)
}

// SignCSRWithSubject issues a certificate for a CSR but replaces its subject,
// so the CA rather than the requester decides the identity being certified.
func (a *Authority) SignCSRWithSubject(csrPEM string, subject pkix.Name, validityDays int, extKeyUsages []x509.ExtKeyUsage) (string, error) {
	csr, err := parseCSR(csrPEM)
	if err != nil {
		return "", err
	}
	return a.sign(csr, subject, validityDays, extKeyUsages)
}

func (a *Authority) sign(csr *x509.CertificateRequest, subject pkix.Name, validityDays int, extKeyUsages []x509.ExtKeyUsage) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	serial := big.NewInt(a.state.NextSerial)
	now := a.now().UTC()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now,
		NotAfter:              now.AddDate(0, 0, validityDays),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           extKeyUsages,
		BasicConstraintsValid: true,
		DNSNames:              csr.DNSNames,
		EmailAddresses:        csr.EmailAddresses,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, csr.PublicKey, a.signer)
	if err != nil {
		return "", fmt.Errorf("signing CSR: %w", err)
	}
	a.state.NextSerial++
	return encodeCertPEM(der), nil
}

// Revoke adds certPEM to the revocation list. The reason parameter is an
// x509 CRL reason code (0 = Unspecified, 1 = KeyCompromise, 4 = Superseded).
func (a *Authority) Revoke(certPEM string, reason int) error {
	cert, err := a.issued(certPEM)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	serial := serialHex(cert)
	if _, ok := a.revoked[serial]; ok {
		return ErrCertAlreadyRevoked
	}
	a.revoked[serial] = struct{}{}
	a.revocations = append(a.revocations, RevocationEntry{
		SerialNumber: serial,
		RevokedAt:    a.now().UTC().Format(time.RFC3339),
		Reason:       reason,
		CommonName:   cert.Subject.CommonName,
	})
	return nil
}

// IsRevoked reports whether certPEM is on the revocation list. Unparsable
// input is reported as not revoked.
func (a *Authority) IsRevoked(certPEM string) bool {
	cert, err := ParseCertificate(certPEM)
	if err != nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.revoked[serialHex(cert)]
	return ok
}

// Verify checks that certPEM was issued by this authority, is inside its
// validity window, and has not been revoked.
func (a *Authority) Verify(certPEM string) (*x509.Certificate, error) {
	cert, err := a.issued(certPEM)
	if err != nil {
		return nil, err
	}
	now := a.now()
	if now.Before(cert.NotBefore) || IsExpiredAt(cert.NotAfter, now) {
		return nil, ErrCertExpired
	}
	a.mu.Lock()
	_, revoked := a.revoked[serialHex(cert)]
	a.mu.Unlock()
	if revoked {
		return nil, ErrCertRevoked
	}
	return cert, nil
}

func (a *Authority) issued(certPEM string) (*x509.Certificate, error) {
	cert, err := ParseCertificate(certPEM)
	if err != nil {
		return nil, err
	}
	if err := cert.CheckSignatureFrom(a.cert); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownIssuer, err)
	}
	return cert, nil
}

// GenerateCRL creates a Certificate Revocation List from the revocation
// entries, signed with the CA key, and returns it PEM-encoded.
func (a *Authority) GenerateCRL() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	revokedCerts := make([]x509.RevocationListEntry, 0, len(a.revocations))
	for _, r := range a.revocations {
		serialBytes, err := hex.DecodeString(r.SerialNumber)
		if err != nil {
			continue
		}
		revokedAt, err := time.Parse(time.RFC3339, r.RevokedAt)
		if err != nil {
			revokedAt = a.now()
		}
		revokedCerts = append(revokedCerts, x509.RevocationListEntry{
			SerialNumber:   new(big.Int).SetBytes(serialBytes),
			RevocationTime: revokedAt,
			ReasonCode:     r.Reason,
		})
	}

	a.state.CRLNumber++
	now := a.now().UTC()
	template := &x509.RevocationList{
		Number:                    big.NewInt(a.state.CRLNumber),
		ThisUpdate:                now,
		NextUpdate:                now.Add(7 * 24 * time.Hour),
		RevokedCertificateEntries: revokedCerts,
	}

	crlDER, err := x509.CreateRevocationList(rand.Reader, template, a.cert, a.signer)
	if err != nil {
		return nil, fmt.Errorf("creating CRL: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: crlDER}), nil
}
