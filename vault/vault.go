package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	icrypto "github.com/byu-ilab/onekey/internal/crypto"
	"github.com/byu-ilab/onekey/internal/util"
	"github.com/byu-ilab/onekey/storage"
)

const profileVer = 1

// Vault is the sealed local profile of one user on this device, backed by a
// Repository. The username is the storage namespace, so the certificate
// cache kept for the same user lives next to it.
type Vault struct {
	username  string
	repo      storage.Repository
	kdfParams Argon2idParams
}

// New creates a Vault handle for username. Nothing is read or written until
// Create or Open is called.
func New(username string, repo storage.Repository, opts ...VaultOption) *Vault {
	v := &Vault{
		username:  username,
		repo:      repo,
		kdfParams: util.DefaultArgon2idParams(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Username returns the user this vault belongs to.
func (v *Vault) Username() string {
	return v.username
}

// Exists reports whether a profile has been created for the user.
func (v *Vault) Exists(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := v.repo.Get(v.username, recordTypeHeader, recordIDCurrent)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrNamespaceNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Create seals p under passphrase and returns an open Session for it. A
// cache key is generated when p does not carry one. Create fails with
// ErrAlreadyInitialized when a profile already exists.
func (v *Vault) Create(ctx context.Context, passphrase string, p Profile) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateID(v.username, "username"); err != nil {
		return nil, err
	}
	if p.Username != v.username {
		return nil, validationErrorf("profile username %q does not match vault %q", p.Username, v.username)
	}
	if err := validateProfile(p); err != nil {
		return nil, err
	}
	if passphrase == "" {
		return nil, validationErrorf("passphrase must not be empty")
	}
	if err := util.ValidateArgon2idParams(v.kdfParams); err != nil {
		return nil, validationErrorf("%v", err)
	}

	if len(p.CacheKey) == 0 {
		key, err := util.NewAESKey()
		if err != nil {
			return nil, err
		}
		p.CacheKey = key
	}
	salt, err := util.RandomBytes(headerSaltLen)
	if err != nil {
		return nil, err
	}
	hdr := header{
		Username:  v.username,
		KDFParams: v.kdfParams,
		Salt:      salt,
		CreatedAt: time.Now().UTC(),
		Ver:       profileVer,
	}
	hdrJSON, err := json.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("encoding header: %w", err)
	}

	profileKey, err := util.DeriveArgon2idKey(util.Normalize(passphrase), salt, v.kdfParams)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(profileKey)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	profileEnv, err := storage.SealJSON(profileKey, p, icrypto.AADProfile(v.username, profileVer), 1)
	if err != nil {
		return nil, err
	}

	err = v.repo.Batch(v.username, func(tx storage.BatchTx) error {
		if err := tx.PutCAS(recordTypeHeader, recordIDCurrent, 0, storage.WrapPlain(hdrJSON, 1)); err != nil {
			return err
		}
		return tx.PutCAS(recordTypeProfile, recordIDCurrent, 0, profileEnv)
	})
	if errors.Is(err, storage.ErrCASFailed) {
		return nil, ErrAlreadyInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("creating profile: %w", err)
	}

	return newSession(p, profileKey, 1)
}

// Open unlocks the profile with passphrase.
func (v *Vault) Open(ctx context.Context, passphrase string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hdr, err := v.loadHeader()
	if err != nil {
		return nil, err
	}

	profileKey, err := util.DeriveArgon2idKey(util.Normalize(passphrase), hdr.Salt, hdr.KDFParams)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(profileKey)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	env, err := v.repo.Get(v.username, recordTypeProfile, recordIDCurrent)
	if err != nil {
		return nil, fmt.Errorf("loading profile: %w", err)
	}
	var p Profile
	if err := storage.OpenJSON(profileKey, env, icrypto.AADProfile(v.username, hdr.Ver), &p); err != nil {
		return nil, ErrWrongPassphrase
	}
	defer util.WipeBytes(p.CacheKey)
	return newSession(p, profileKey, env.Version)
}

// UpdateProfile applies fn to the session's profile and reseals it under the
// same passphrase key. The session picks up the new certificate on success.
// Only the authenticator certificate may change; the other identity fields
// are restored if fn touches them.
func (v *Vault) UpdateProfile(ctx context.Context, sess *Session, fn func(*Profile) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sess.Username() != v.username {
		return validationErrorf("session for %q cannot update vault %q", sess.Username(), v.username)
	}
	hdr, err := v.loadHeader()
	if err != nil {
		return err
	}
	keyBuf, err := sess.open(encProfileKey)
	if err != nil {
		return err
	}
	defer keyBuf.Destroy()

	p, err := sess.profile()
	if err != nil {
		return err
	}
	defer util.WipeBytes(p.CacheKey)
	next := p
	if err := fn(&next); err != nil {
		return err
	}
	next.Username, next.AuthName = p.Username, p.AuthName
	next.AuthPrivateKey, next.SymmetricKey, next.CacheKey = p.AuthPrivateKey, p.SymmetricKey, p.CacheKey

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return ErrSessionClosed
	}
	env, err := storage.SealJSON(keyBuf.Bytes(), next, icrypto.AADProfile(v.username, hdr.Ver), sess.version+1)
	if err != nil {
		return err
	}
	if err := v.repo.PutCAS(v.username, recordTypeProfile, recordIDCurrent, sess.version, env); err != nil {
		return fmt.Errorf("updating profile: %w", err)
	}
	sess.version++
	sess.authCert = next.AuthCertificate
	return nil
}

// Destroy removes the profile and every other record stored for the user on
// this device.
func (v *Vault) Destroy(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := v.repo.DeleteNamespace(v.username); err != nil && !errors.Is(err, storage.ErrNamespaceNotFound) {
		return err
	}
	return nil
}

func (v *Vault) loadHeader() (header, error) {
	env, err := v.repo.Get(v.username, recordTypeHeader, recordIDCurrent)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrNamespaceNotFound) {
		return header{}, ErrNotInitialized
	}
	if err != nil {
		return header{}, fmt.Errorf("loading header: %w", err)
	}
	raw, err := storage.UnwrapPlain(env)
	if err != nil {
		return header{}, err
	}
	var hdr header
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return header{}, fmt.Errorf("decoding header: %w", err)
	}
	if hdr.Username != v.username {
		return header{}, fmt.Errorf("header belongs to %q", hdr.Username)
	}
	return hdr, nil
}
