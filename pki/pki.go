// Package pki provides the certificate primitives used by authenticators:
// key pairs, CSRs for account certificates, short-lived session
// certificates signed by an account key, expiry checks, and a small
// Certificate Authority used by the reference CA server.
package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrInvalidPEM is returned when PEM data cannot be decoded or parsed.
	ErrInvalidPEM = errors.New("invalid PEM data")

	// ErrInvalidCSR is returned when a CSR fails to parse or its
	// self-signature does not verify.
	ErrInvalidCSR = errors.New("invalid certificate signing request")

	// ErrCertRevoked is returned when a certificate has been revoked by the
	// authority.
	ErrCertRevoked = errors.New("certificate is revoked")

	// ErrCertAlreadyRevoked is returned when attempting to revoke a
	// certificate that is already revoked.
	ErrCertAlreadyRevoked = errors.New("certificate is already revoked")

	// ErrCertExpired is returned when a certificate is outside its validity
	// window.
	ErrCertExpired = errors.New("certificate is expired")

	// ErrUnknownIssuer is returned when a certificate was not issued by the
	// authority checking it.
	ErrUnknownIssuer = errors.New("certificate not issued by this authority")
)

// ---------------------------------------------------------------------------
// Constants
// ---------------------------------------------------------------------------

const (
	// DefaultKeyBits is the RSA modulus size for authenticator, account and
	// session key pairs.
	DefaultKeyBits = 2048

	// DefaultLeafValidityDays is the lifetime of a session certificate.
	DefaultLeafValidityDays = 10
)

// Summary field names returned by ParseCertificatePEM.
const (
	FieldSubject           = "subject"
	FieldIssuer            = "issuer"
	FieldSerialNumber      = "serial_number"
	FieldNotBefore         = "not_before"
	FieldNotAfter          = "not_after"
	FieldFingerprintSHA256 = "fingerprint_sha256"
	FieldKeyAlgorithm      = "key_algorithm"
	FieldStatus            = "status"
)

// Certificate status values.
const (
	StatusActive  = "active"
	StatusExpired = "expired"
	StatusRevoked = "revoked"
)

// ---------------------------------------------------------------------------
// Key pairs and PEM helpers
// ---------------------------------------------------------------------------

// KeyPair is an RSA key pair together with its PEM encodings, which is the
// form keys take inside authenticator data and the local cache.
type KeyPair struct {
	Private    *rsa.PrivateKey
	PublicPEM  string
	PrivatePEM string
}

// GenerateKeyPair creates an RSA key pair. bits <= 0 selects DefaultKeyBits.
func GenerateKeyPair(bits int) (*KeyPair, error) {
	if bits <= 0 {
		bits = DefaultKeyBits
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generating RSA-%d key: %w", bits, err)
	}
	pubPEM, err := EncodePublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	privPEM, err := EncodePrivateKeyPEM(priv)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv, PublicPEM: pubPEM, PrivatePEM: privPEM}, nil
}

func encodeCertPEM(derBytes []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes}))
}

// EncodePublicKeyPEM encodes pub as a PKIX "PUBLIC KEY" block.
func EncodePublicKeyPEM(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("encoding public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// EncodePrivateKeyPEM encodes key as a PKCS #8 "PRIVATE KEY" block.
func EncodePrivateKeyPEM(key crypto.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("encoding private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// ParsePrivateKeyPEM accepts PKCS #8, PKCS #1 RSA and SEC1 EC private keys.
func ParsePrivateKeyPEM(pemData string) (crypto.Signer, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidPEM)
	}

	var key any
	var err error
	switch block.Type {
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidPEM, block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: key cannot sign", ErrInvalidPEM)
	}
	return signer, nil
}

// ParsePublicKeyPEM accepts PKIX and PKCS #1 RSA public keys.
func ParsePublicKeyPEM(pemData string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidPEM)
	}
	switch block.Type {
	case "PUBLIC KEY":
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
		}
		return pub, nil
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidPEM, block.Type)
	}
}

// ParseCertificate decodes a single PEM certificate.
func ParseCertificate(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrInvalidPEM
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return cert, nil
}

func parseCSR(csrPEM string) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode([]byte(csrPEM))
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCSR, ErrInvalidPEM)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCSR, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrInvalidCSR, err)
	}
	return csr, nil
}

// ParseCSR decodes a PEM CSR and checks its self-signature.
func ParseCSR(csrPEM string) (*x509.CertificateRequest, error) {
	return parseCSR(csrPEM)
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}
	return serial, nil
}

// ---------------------------------------------------------------------------
// CSRs and leaf certificates
// ---------------------------------------------------------------------------

// MakeCSR builds a PEM certificate signing request for signer's public key
// with commonName as the subject CN and email as an email SAN.
func MakeCSR(signer crypto.Signer, commonName, email string) (string, error) {
	template := &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: commonName},
	}
	if email != "" {
		template.EmailAddresses = []string{email}
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, signer)
	if err != nil {
		return "", fmt.Errorf("creating CSR: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})), nil
}

// MakeLeafCertificate issues a certificate for subjectPub signed by
// issuerKey, taking the issuer name from issuerPEM. Session certificates are
// produced this way, signed by the account certificate's key, with the
// relying party's session identifier as the common name. validityDays <= 0
// selects DefaultLeafValidityDays.
func MakeLeafCertificate(issuerPEM string, issuerKey crypto.Signer, subjectPub crypto.PublicKey, commonName string, validityDays int) (string, error) {
	issuer, err := ParseCertificate(issuerPEM)
	if err != nil {
		return "", fmt.Errorf("issuer certificate: %w", err)
	}
	if validityDays <= 0 {
		validityDays = DefaultLeafValidityDays
	}
	serial, err := randomSerial()
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    now,
		NotAfter:     now.AddDate(0, 0, validityDays),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, issuer, subjectPub, issuerKey)
	if err != nil {
		return "", fmt.Errorf("creating leaf certificate: %w", err)
	}
	return encodeCertPEM(der), nil
}

// ---------------------------------------------------------------------------
// Expiration
// ---------------------------------------------------------------------------

// CertificateExpiration returns the NotAfter time of a PEM certificate.
func CertificateExpiration(certPEM string) (time.Time, error) {
	cert, err := ParseCertificate(certPEM)
	if err != nil {
		return time.Time{}, err
	}
	return cert.NotAfter, nil
}

// IsExpired reports whether t has been reached.
func IsExpired(t time.Time) bool {
	return IsExpiredAt(t, time.Now())
}

// IsExpiredAt reports whether now is at or after t.
func IsExpiredAt(t, now time.Time) bool {
	return !now.Before(t)
}

// ---------------------------------------------------------------------------
// Certificate PEM summaries
// ---------------------------------------------------------------------------

// ParseCertificatePEM decodes a PEM certificate and returns a map of
// well-known field values extracted from the parsed x509 certificate.
func ParseCertificatePEM(certPEM string) (map[string]string, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrInvalidPEM
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}

	fingerprint := sha256.Sum256(block.Bytes)

	m := map[string]string{
		FieldSubject:           subjectString(cert.Subject),
		FieldIssuer:            subjectString(cert.Issuer),
		FieldSerialNumber:      serialHex(cert),
		FieldNotBefore:         cert.NotBefore.UTC().Format(time.RFC3339),
		FieldNotAfter:          cert.NotAfter.UTC().Format(time.RFC3339),
		FieldFingerprintSHA256: hex.EncodeToString(fingerprint[:]),
		FieldKeyAlgorithm:      keyAlgorithmString(cert),
		FieldStatus:            certStatus(cert),
	}
	return m, nil
}

// Fingerprint returns the hex SHA-256 of the certificate's DER encoding.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

func serialHex(cert *x509.Certificate) string {
	return hex.EncodeToString(cert.SerialNumber.Bytes())
}

// subjectString formats a pkix.Name as a readable DN string.
func subjectString(name pkix.Name) string {
	var parts []string
	if name.CommonName != "" {
		parts = append(parts, "CN="+name.CommonName)
	}
	for _, ou := range name.OrganizationalUnit {
		parts = append(parts, "OU="+ou)
	}
	for _, o := range name.Organization {
		parts = append(parts, "O="+o)
	}
	for _, c := range name.Country {
		parts = append(parts, "C="+c)
	}
	return strings.Join(parts, ", ")
}

// certStatus returns "active" or "expired" based on the certificate's validity window.
func certStatus(cert *x509.Certificate) string {
	now := time.Now()
	if now.Before(cert.NotBefore) || IsExpiredAt(cert.NotAfter, now) {
		return StatusExpired
	}
	return StatusActive
}

// keyAlgorithmString returns a human-readable key algorithm description.
func keyAlgorithmString(cert *x509.Certificate) string {
	switch pub := cert.PublicKey.(type) {
	case *ecdsa.PublicKey:
		return fmt.Sprintf("ECDSA %s", pub.Curve.Params().Name)
	case *rsa.PublicKey:
		return fmt.Sprintf("RSA %d", pub.N.BitLen())
	default:
		return cert.PublicKeyAlgorithm.String()
	}
}
