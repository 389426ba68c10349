package vault

import (
	gocrypto "crypto"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/byu-ilab/onekey/crypto"
	"github.com/byu-ilab/onekey/internal/util"
	"github.com/byu-ilab/onekey/pki"
)

// Session holds the unlocked secrets of one authenticator profile. Every
// data-manager and cache call takes the Session explicitly; nothing is kept
// in package state. Callers must call Close() when done (e.g. defer
// session.Close()) to destroy the enclaves.
type Session struct {
	mu       sync.RWMutex
	closed   bool
	username string
	authName string
	authCert string

	enclaves [numEnclaves]*memguard.Enclave
	version  uint64
}

const (
	encAuthKey    = iota // PEM private key
	encAccountKey        // scrypt-derived account symmetric key
	encKeyString         // account key string, kept for profile rewrites
	encCacheKey
	encProfileKey // Argon2id key sealing the profile; nil for detached sessions
	numEnclaves
)

// NewSession unlocks p without a backing vault. Sessions created this way
// cannot be passed to Vault.UpdateProfile.
func NewSession(p Profile) (*Session, error) {
	if err := validateProfile(p); err != nil {
		return nil, err
	}
	return newSession(p, nil, 0)
}

func newSession(p Profile, profileKey []byte, version uint64) (*Session, error) {
	accountKey, err := crypto.AccountKey(p.SymmetricKey)
	if err != nil {
		return nil, fmt.Errorf("deriving account key: %w", err)
	}
	if _, err := pki.ParsePrivateKeyPEM(p.AuthPrivateKey); err != nil {
		return nil, fmt.Errorf("authenticator private key: %w", err)
	}
	cacheKey := p.CacheKey
	if len(cacheKey) == 0 {
		if cacheKey, err = util.NewAESKey(); err != nil {
			return nil, err
		}
	}

	s := &Session{
		username: p.Username,
		authName: p.AuthName,
		authCert: p.AuthCertificate,
		version:  version,
	}
	s.enclaves[encAuthKey] = memguard.NewEnclave([]byte(p.AuthPrivateKey))
	s.enclaves[encAccountKey] = memguard.NewEnclave(accountKey)
	s.enclaves[encKeyString] = memguard.NewEnclave([]byte(p.SymmetricKey))
	s.enclaves[encCacheKey] = memguard.NewEnclave(util.CopyBytes(cacheKey))
	if profileKey != nil {
		s.enclaves[encProfileKey] = memguard.NewEnclave(util.CopyBytes(profileKey))
	}
	return s, nil
}

// Username returns the CA account this authenticator belongs to.
func (s *Session) Username() string {
	return s.username
}

// AuthName returns this authenticator's unique name.
func (s *Session) AuthName() string {
	return s.authName
}

// AuthCertificate returns the PEM authenticator certificate, or "" before
// the CA has signed one.
func (s *Session) AuthCertificate() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authCert
}

// Check returns ErrSessionClosed once Close has been called.
func (s *Session) Check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

// AuthSigner returns the authenticator's long-term private key.
func (s *Session) AuthSigner() (gocrypto.Signer, error) {
	buf, err := s.open(encAuthKey)
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()
	return pki.ParsePrivateKeyPEM(string(buf.Bytes()))
}

// AccountKey returns a copy of the account symmetric key that wraps every
// data key. Callers should wipe it when done.
func (s *Session) AccountKey() (crypto.Key, error) {
	buf, err := s.open(encAccountKey)
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()
	return crypto.Key(util.CopyBytes(buf.Bytes())), nil
}

// CacheKey returns a copy of the key protecting the local certificate cache.
func (s *Session) CacheKey() ([]byte, error) {
	buf, err := s.open(encCacheKey)
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()
	return util.CopyBytes(buf.Bytes()), nil
}

// Close destroys every enclave. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for i := range s.enclaves {
		s.enclaves[i] = nil
	}
}

func (s *Session) open(which int) (*memguard.LockedBuffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.enclaves[which]
	if s.closed || e == nil {
		return nil, ErrSessionClosed
	}
	buf, err := e.Open()
	if err != nil {
		return nil, fmt.Errorf("opening enclave: %w", err)
	}
	return buf, nil
}

// profile reassembles the stored profile for rewriting.
func (s *Session) profile() (Profile, error) {
	authKey, err := s.open(encAuthKey)
	if err != nil {
		return Profile{}, err
	}
	defer authKey.Destroy()
	keyString, err := s.open(encKeyString)
	if err != nil {
		return Profile{}, err
	}
	defer keyString.Destroy()
	cacheKey, err := s.CacheKey()
	if err != nil {
		return Profile{}, err
	}
	return Profile{
		Username:        s.username,
		AuthName:        s.authName,
		AuthCertificate: s.AuthCertificate(),
		AuthPrivateKey:  string(authKey.Bytes()),
		SymmetricKey:    string(keyString.Bytes()),
		CacheKey:        cacheKey,
	}, nil
}
