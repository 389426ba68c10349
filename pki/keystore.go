package pki

import (
	"crypto"
	"fmt"
)

// KeyStore abstracts private-key operations so that certificate issuance and
// CSR signing do not depend on where key material lives.
//
// A KeyID uniquely identifies a key managed by the store; its format is
// implementation-defined.
type KeyStore interface {
	// GenerateKey creates a new signing key and returns an opaque identifier.
	GenerateKey() (keyID string, err error)

	// Signer returns a [crypto.Signer] for the key identified by keyID.
	// x509.CreateCertificate, x509.CreateCertificateRequest and
	// x509.CreateRevocationList only need Sign and Public.
	Signer(keyID string) (crypto.Signer, error)

	// ExportPEM returns the private key in PEM-encoded PKCS #8 format.
	ExportPEM(keyID string) (string, error)

	// ImportPEM loads a PEM-encoded private key into the store and returns
	// its key ID. Authenticators use this to rehydrate keys read from the
	// local vault.
	ImportPEM(pemData string) (keyID string, err error)

	// Delete removes the key identified by keyID from the store.
	Delete(keyID string) error
}

// ErrKeyNotFound is returned when the referenced key ID does not exist.
var ErrKeyNotFound = fmt.Errorf("key not found")
