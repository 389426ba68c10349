package pki_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"testing"
	"time"

	"github.com/byu-ilab/onekey/pki"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// smallKeys keeps RSA generation fast in tests.
const smallKeys = 1024

func newTestAuthority(t *testing.T, opts ...pki.AuthorityOption) *pki.Authority {
	t.Helper()
	opts = append([]pki.AuthorityOption{pki.WithKeyStore(pki.NewSoftwareKeyStore(pki.WithRSABits(smallKeys)))}, opts...)
	ca, err := pki.NewAuthority(pkix.Name{CommonName: "Test Root CA", Organization: []string{"TestOrg"}}, 10, opts...)
	require.NoError(t, err)
	return ca
}

// issueAccountCert returns an account certificate and its key, the way the
// CA issues one in response to RENEW_CERT.
func issueAccountCert(t *testing.T, ca *pki.Authority, accountID string) (string, *pki.KeyPair) {
	t.Helper()
	kp, err := pki.GenerateKeyPair(smallKeys)
	require.NoError(t, err)
	csr, err := pki.MakeCSR(kp.Private, accountID, accountID+"@letsauth.org")
	require.NoError(t, err)
	cert, err := ca.SignCSR(csr, 365, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth})
	require.NoError(t, err)
	return cert, kp
}

func TestGenerateKeyPair(t *testing.T) {
	kp, err := pki.GenerateKeyPair(smallKeys)
	require.NoError(t, err)
	assert.Contains(t, kp.PublicPEM, "BEGIN PUBLIC KEY")
	assert.Contains(t, kp.PrivatePEM, "BEGIN PRIVATE KEY")

	pub, err := pki.ParsePublicKeyPEM(kp.PublicPEM)
	require.NoError(t, err)
	assert.True(t, kp.Private.PublicKey.Equal(pub))

	priv, err := pki.ParsePrivateKeyPEM(kp.PrivatePEM)
	require.NoError(t, err)
	assert.True(t, kp.Private.Equal(priv))
}

func TestMakeCSR(t *testing.T) {
	kp, err := pki.GenerateKeyPair(smallKeys)
	require.NoError(t, err)

	csrPEM, err := pki.MakeCSR(kp.Private, "acct-1", "acct-1@letsauth.org")
	require.NoError(t, err)

	csr, err := pki.ParseCSR(csrPEM)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", csr.Subject.CommonName)
	assert.Equal(t, []string{"acct-1@letsauth.org"}, csr.EmailAddresses)
	assert.True(t, kp.Private.PublicKey.Equal(csr.PublicKey))
}

func TestParseCSR_Invalid(t *testing.T) {
	_, err := pki.ParseCSR("not a csr")
	assert.ErrorIs(t, err, pki.ErrInvalidCSR)

	certPEM := newTestAuthority(t).CertificatePEM()
	_, err = pki.ParseCSR(certPEM)
	assert.ErrorIs(t, err, pki.ErrInvalidCSR)
}

func TestMakeLeafCertificate(t *testing.T) {
	ca := newTestAuthority(t)
	accountCert, accountKey := issueAccountCert(t, ca, "acct-1")

	sessionKP, err := pki.GenerateKeyPair(smallKeys)
	require.NoError(t, err)

	t.Run("DefaultValidity", func(t *testing.T) {
		before := time.Now()
		leafPEM, err := pki.MakeLeafCertificate(accountCert, accountKey.Private, &sessionKP.Private.PublicKey, "session-123", 0)
		require.NoError(t, err)

		leaf, err := pki.ParseCertificate(leafPEM)
		require.NoError(t, err)
		assert.Equal(t, "session-123", leaf.Subject.CommonName)
		assert.Equal(t, "acct-1", leaf.Issuer.CommonName)
		assert.WithinDuration(t, before.AddDate(0, 0, pki.DefaultLeafValidityDays), leaf.NotAfter, time.Minute)
		assert.True(t, sessionKP.Private.PublicKey.Equal(leaf.PublicKey))

		issuer, err := pki.ParseCertificate(accountCert)
		require.NoError(t, err)
		assert.NoError(t, issuer.CheckSignature(leaf.SignatureAlgorithm, leaf.RawTBSCertificate, leaf.Signature))
	})

	t.Run("ExplicitValidity", func(t *testing.T) {
		leafPEM, err := pki.MakeLeafCertificate(accountCert, accountKey.Private, &sessionKP.Private.PublicKey, "s", 2)
		require.NoError(t, err)
		exp, err := pki.CertificateExpiration(leafPEM)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().AddDate(0, 0, 2), exp, time.Minute)
	})

	t.Run("BadIssuer", func(t *testing.T) {
		_, err := pki.MakeLeafCertificate("garbage", accountKey.Private, &sessionKP.Private.PublicKey, "s", 0)
		assert.ErrorIs(t, err, pki.ErrInvalidPEM)
	})
}

func TestIsExpired(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	assert.True(t, pki.IsExpiredAt(now, now), "equality counts as expired")
	assert.True(t, pki.IsExpiredAt(now.Add(-time.Second), now))
	assert.False(t, pki.IsExpiredAt(now.Add(time.Second), now))

	assert.True(t, pki.IsExpired(time.Now().Add(-time.Minute)))
	assert.False(t, pki.IsExpired(time.Now().Add(time.Hour)))
}

func TestCertificateExpiration_Invalid(t *testing.T) {
	_, err := pki.CertificateExpiration("nope")
	assert.ErrorIs(t, err, pki.ErrInvalidPEM)
}

func TestAuthority(t *testing.T) {
	ca := newTestAuthority(t)

	info := ca.Info()
	assert.Contains(t, info.Subject, "CN=Test Root CA")
	assert.Equal(t, int64(2), info.NextSerial)

	parsed, err := pki.ParseCertificatePEM(ca.CertificatePEM())
	require.NoError(t, err)
	assert.Equal(t, pki.StatusActive, parsed[pki.FieldStatus])
	assert.Contains(t, parsed[pki.FieldKeyAlgorithm], "RSA")

	certPEM, _ := issueAccountCert(t, ca, "acct-1")
	assert.Equal(t, int64(3), ca.Info().NextSerial)

	cert, err := ca.Verify(certPEM)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", cert.Subject.CommonName)
	assert.Equal(t, []string{"acct-1@letsauth.org"}, cert.EmailAddresses)

	require.NoError(t, ca.Revoke(certPEM, 0))
	assert.True(t, ca.IsRevoked(certPEM))
	_, err = ca.Verify(certPEM)
	assert.ErrorIs(t, err, pki.ErrCertRevoked)
	assert.ErrorIs(t, ca.Revoke(certPEM, 0), pki.ErrCertAlreadyRevoked)
	assert.Equal(t, 1, ca.Info().Revocations)
}

func TestAuthority_SignCSRWithSubject(t *testing.T) {
	ca := newTestAuthority(t)
	kp, err := pki.GenerateKeyPair(smallKeys)
	require.NoError(t, err)
	csr, err := pki.MakeCSR(kp.Private, "whatever-the-client-said", "")
	require.NoError(t, err)

	certPEM, err := ca.SignCSRWithSubject(csr, pkix.Name{CommonName: "alice"}, 30, nil)
	require.NoError(t, err)
	cert, err := pki.ParseCertificate(certPEM)
	require.NoError(t, err)
	assert.Equal(t, "alice", cert.Subject.CommonName)
}

func TestAuthority_UnknownIssuer(t *testing.T) {
	ca := newTestAuthority(t)
	other := newTestAuthority(t)
	foreign, _ := issueAccountCert(t, other, "acct-x")

	_, err := ca.Verify(foreign)
	assert.ErrorIs(t, err, pki.ErrUnknownIssuer)
	assert.ErrorIs(t, ca.Revoke(foreign, 0), pki.ErrUnknownIssuer)
	assert.False(t, ca.IsRevoked(foreign))
}

func TestAuthority_Expired(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	ca := newTestAuthority(t, pki.WithClock(clock))
	certPEM, _ := issueAccountCert(t, ca, "acct-1")

	now = now.AddDate(1, 0, 1)
	_, err := ca.Verify(certPEM)
	assert.ErrorIs(t, err, pki.ErrCertExpired)
}

func TestAuthority_GenerateCRL(t *testing.T) {
	ca := newTestAuthority(t)
	certPEM, _ := issueAccountCert(t, ca, "acct-1")
	require.NoError(t, ca.Revoke(certPEM, 1))

	crlPEM, err := ca.GenerateCRL()
	require.NoError(t, err)
	block, _ := pem.Decode(crlPEM)
	require.NotNil(t, block)
	assert.Equal(t, "X509 CRL", block.Type)

	crl, err := x509.ParseRevocationList(block.Bytes)
	require.NoError(t, err)
	require.Len(t, crl.RevokedCertificateEntries, 1)
	cert, err := pki.ParseCertificate(certPEM)
	require.NoError(t, err)
	assert.Equal(t, 0, cert.SerialNumber.Cmp(crl.RevokedCertificateEntries[0].SerialNumber))
	assert.Equal(t, int64(1), ca.Info().CRLNumber)
}

// TestKeyStoreInterfaceContract verifies that the SoftwareKeyStore
// correctly implements the KeyStore interface contract.
func TestKeyStoreInterfaceContract(t *testing.T) {
	ks := pki.NewSoftwareKeyStore(pki.WithRSABits(smallKeys))

	keyID, err := ks.GenerateKey()
	require.NoError(t, err)
	assert.NotEmpty(t, keyID)

	signer, err := ks.Signer(keyID)
	require.NoError(t, err)
	assert.IsType(t, &rsa.PublicKey{}, signer.Public())

	pemData, err := ks.ExportPEM(keyID)
	require.NoError(t, err)
	assert.Contains(t, pemData, "BEGIN PRIVATE KEY")

	importedID, err := ks.ImportPEM(pemData)
	require.NoError(t, err)
	assert.NotEqual(t, keyID, importedID)

	importedSigner, err := ks.Signer(importedID)
	require.NoError(t, err)
	assert.True(t, signer.Public().(*rsa.PublicKey).Equal(importedSigner.Public()))

	require.NoError(t, ks.Delete(keyID))
	_, err = ks.Signer(keyID)
	assert.ErrorIs(t, err, pki.ErrKeyNotFound)
}

// TestKeyStoreImportEC verifies that SEC1 EC keys can be imported.
func TestKeyStoreImportEC(t *testing.T) {
	ks := pki.NewSoftwareKeyStore()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	pemData := string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}))

	keyID, err := ks.ImportPEM(pemData)
	require.NoError(t, err)

	signer, err := ks.Signer(keyID)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(signer.Public()))
}

func TestKeyStoreImportInvalidPEM(t *testing.T) {
	ks := pki.NewSoftwareKeyStore()

	_, err := ks.ImportPEM("not valid pem")
	assert.ErrorIs(t, err, pki.ErrInvalidPEM)
}
