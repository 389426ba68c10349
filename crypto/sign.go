package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"

	"github.com/byu-ilab/onekey/internal/util"
)

// Sign hashes data with SHA-256 and signs it. RSA keys produce PKCS #1 v1.5
// signatures and ECDSA keys ASN.1 signatures. Ed25519 keys sign data itself.
// The result is base64.
func Sign(signer crypto.Signer, data []byte) (string, error) {
	var sig []byte
	var err error
	if _, ok := signer.Public().(ed25519.PublicKey); ok {
		sig, err = signer.Sign(rand.Reader, data, crypto.Hash(0))
	} else {
		digest := sha256.Sum256(data)
		sig, err = signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	}
	if err != nil {
		return "", fmt.Errorf("signing: %w", err)
	}
	return util.Base64Encode(sig), nil
}

// Verify checks a base64 signature produced by Sign.
func Verify(pub crypto.PublicKey, data []byte, sig string) bool {
	raw, err := util.Base64Decode(sig)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(data)
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(k, crypto.SHA256, digest[:], raw) == nil
	case *ecdsa.PublicKey:
		return ecdsa.VerifyASN1(k, digest[:], raw)
	case ed25519.PublicKey:
		return ed25519.Verify(k, data, raw)
	default:
		return false
	}
}

// VerifySPKI verifies a relying party's signed login assertion where the
// public key is given as base64 DER SubjectPublicKeyInfo.
func VerifySPKI(pubB64 string, data []byte, sig string) bool {
	der, err := util.Base64Decode(pubB64)
	if err != nil {
		return false
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return false
	}
	return Verify(pub, data, sig)
}
