package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"io"
	"sync"
)

// ---------------------------------------------------------------------------
// SoftwareKeyStore: default implementation backed by in-memory RSA keys
// ---------------------------------------------------------------------------

// SoftwareKeyStore holds private keys in memory. Keys are identified by an
// opaque string generated at creation time. Generated keys are RSA, which is
// what relying parties and the CA expect for authenticator and account
// certificates; imported keys may be RSA or ECDSA.
//
// Keys in this store are ephemeral. Callers persist them through
// ExportPEM/ImportPEM.
type SoftwareKeyStore struct {
	mu   sync.Mutex
	keys map[string]crypto.Signer
	bits int
	rand io.Reader // defaults to crypto/rand.Reader
	seq  int       // monotonic counter for key IDs
}

// Compile-time interface check.
var _ KeyStore = (*SoftwareKeyStore)(nil)

// SoftwareKeyStoreOption configures a SoftwareKeyStore.
type SoftwareKeyStoreOption func(*SoftwareKeyStore)

// WithRSABits sets the modulus size of generated keys.
func WithRSABits(bits int) SoftwareKeyStoreOption {
	return func(s *SoftwareKeyStore) {
		if bits > 0 {
			s.bits = bits
		}
	}
}

// NewSoftwareKeyStore returns a SoftwareKeyStore ready for use.
func NewSoftwareKeyStore(opts ...SoftwareKeyStoreOption) *SoftwareKeyStore {
	s := &SoftwareKeyStore{
		keys: make(map[string]crypto.Signer),
		bits: DefaultKeyBits,
		rand: rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SoftwareKeyStore) nextID() string {
	s.seq++
	return fmt.Sprintf("sw-%d", s.seq)
}

// GenerateKey creates a new RSA key pair.
func (s *SoftwareKeyStore) GenerateKey() (string, error) {
	priv, err := rsa.GenerateKey(s.rand, s.bits)
	if err != nil {
		return "", fmt.Errorf("generating RSA-%d key: %w", s.bits, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID()
	s.keys[id] = priv
	return id, nil
}

// Signer returns the private key, which implements crypto.Signer.
func (s *SoftwareKeyStore) Signer(keyID string) (crypto.Signer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	priv, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return priv, nil
}

// ExportPEM encodes the private key as PKCS #8 "PRIVATE KEY" PEM.
func (s *SoftwareKeyStore) ExportPEM(keyID string) (string, error) {
	priv, err := s.Signer(keyID)
	if err != nil {
		return "", err
	}
	return EncodePrivateKeyPEM(priv)
}

// ImportPEM parses a private key PEM block and stores it.
func (s *SoftwareKeyStore) ImportPEM(pemData string) (string, error) {
	priv, err := ParsePrivateKeyPEM(pemData)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID()
	s.keys[id] = priv
	return id, nil
}

// Delete removes the key from memory.
func (s *SoftwareKeyStore) Delete(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, keyID)
	return nil
}
