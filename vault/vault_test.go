package vault

import (
	"crypto/rsa"
	"path/filepath"
	"sync"
	"testing"

	"github.com/byu-ilab/onekey/crypto"
	"github.com/byu-ilab/onekey/internal/util"
	"github.com/byu-ilab/onekey/pki"
	"github.com/byu-ilab/onekey/storage"
	boltstore "github.com/byu-ilab/onekey/storage/bbolt"
	"github.com/byu-ilab/onekey/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

const testPassphrase = "correct horse battery staple"

func fastKDF(t *testing.T) VaultOption {
	t.Helper()
	params, err := util.Argon2idProfile(util.KDFProfileInteractive)
	require.NoError(t, err)
	return WithKDFParams(params)
}

func testProfile(t *testing.T, username string) Profile {
	t.Helper()
	kp, err := pki.GenerateKeyPair(1024)
	require.NoError(t, err)
	keyString, err := crypto.NewSymmetricKeyString()
	require.NoError(t, err)
	return Profile{
		Username:       username,
		AuthName:       "laptop",
		AuthPrivateKey: kp.PrivatePEM,
		SymmetricKey:   keyString,
	}
}

func createTestVault(t *testing.T) (*Vault, *Session, Profile) {
	t.Helper()
	repo := memory.NewRepository()
	v := New("alice", repo, fastKDF(t))
	p := testProfile(t, "alice")
	sess, err := v.Create(t.Context(), testPassphrase, p)
	require.NoError(t, err)
	t.Cleanup(sess.Close)
	return v, sess, p
}

func TestVault_CreateAndOpen(t *testing.T) {
	v, sess, p := createTestVault(t)
	ctx := t.Context()

	assert.Equal(t, "alice", sess.Username())
	assert.Equal(t, "laptop", sess.AuthName())
	assert.Empty(t, sess.AuthCertificate())

	exists, err := v.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)

	reopened, err := v.Open(ctx, testPassphrase)
	require.NoError(t, err)
	defer reopened.Close()

	want, err := crypto.AccountKey(p.SymmetricKey)
	require.NoError(t, err)
	got, err := reopened.AccountKey()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	k1, err := sess.CacheKey()
	require.NoError(t, err)
	k2, err := reopened.CacheKey()
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "cache key survives reopening")
	assert.Len(t, k1, 32)

	signer, err := reopened.AuthSigner()
	require.NoError(t, err)
	orig, err := pki.ParsePrivateKeyPEM(p.AuthPrivateKey)
	require.NoError(t, err)
	assert.True(t, orig.(*rsa.PrivateKey).Equal(signer))
}

func TestVault_Open_WrongPassphrase(t *testing.T) {
	v, _, _ := createTestVault(t)
	_, err := v.Open(t.Context(), "not the passphrase")
	assert.ErrorIs(t, err, ErrWrongPassphrase)
}

func TestVault_Open_NotInitialized(t *testing.T) {
	v := New("nobody", memory.NewRepository(), fastKDF(t))
	_, err := v.Open(t.Context(), testPassphrase)
	assert.ErrorIs(t, err, ErrNotInitialized)

	exists, err := v.Exists(t.Context())
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestVault_Create_AlreadyInitialized(t *testing.T) {
	v, _, _ := createTestVault(t)
	_, err := v.Create(t.Context(), testPassphrase, testProfile(t, "alice"))
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestVault_Create_Validation(t *testing.T) {
	ctx := t.Context()
	v := New("alice", memory.NewRepository(), fastKDF(t))

	t.Run("username mismatch", func(t *testing.T) {
		_, err := v.Create(ctx, testPassphrase, testProfile(t, "bob"))
		assert.ErrorIs(t, err, ErrValidation)
	})
	t.Run("empty passphrase", func(t *testing.T) {
		_, err := v.Create(ctx, "", testProfile(t, "alice"))
		assert.ErrorIs(t, err, ErrValidation)
	})
	t.Run("missing key string", func(t *testing.T) {
		p := testProfile(t, "alice")
		p.SymmetricKey = ""
		_, err := v.Create(ctx, testPassphrase, p)
		assert.ErrorIs(t, err, ErrValidation)
	})
	t.Run("weak KDF", func(t *testing.T) {
		weak := New("alice", memory.NewRepository(), WithKDFParams(Argon2idParams{Time: 1, MemoryKiB: 1024, Parallelism: 1, KeyLen: 32}))
		_, err := weak.Create(ctx, testPassphrase, testProfile(t, "alice"))
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestVault_UpdateProfile(t *testing.T) {
	v, sess, _ := createTestVault(t)
	ctx := t.Context()

	err := v.UpdateProfile(ctx, sess, func(p *Profile) error {
		p.AuthCertificate = "-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"
		p.AuthName = "hijacked"
		return nil
	})
	require.NoError(t, err)
	assert.Contains(t, sess.AuthCertificate(), "BEGIN CERTIFICATE")
	assert.Equal(t, "laptop", sess.AuthName())

	reopened, err := v.Open(ctx, testPassphrase)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, sess.AuthCertificate(), reopened.AuthCertificate())
	assert.Equal(t, "laptop", reopened.AuthName(), "identity fields cannot be rewritten")

	// A second update from the stale session loses the CAS race.
	require.NoError(t, v.UpdateProfile(ctx, reopened, func(p *Profile) error { return nil }))
	err = v.UpdateProfile(ctx, sess, func(p *Profile) error { return nil })
	assert.ErrorIs(t, err, storage.ErrCASFailed)
}

func TestVault_UpdateProfile_DetachedSession(t *testing.T) {
	v, _, p := createTestVault(t)
	detached, err := NewSession(p)
	require.NoError(t, err)
	defer detached.Close()

	err = v.UpdateProfile(t.Context(), detached, func(*Profile) error { return nil })
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestVault_Destroy(t *testing.T) {
	v, _, _ := createTestVault(t)
	ctx := t.Context()

	require.NoError(t, v.Destroy(ctx))
	exists, err := v.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.NoError(t, v.Destroy(ctx), "destroying twice is fine")
}

func TestVault_BoltBacked(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "onekey.db")
	db, err := bbolt.Open(dbPath, 0o600, nil)
	require.NoError(t, err)
	defer db.Close()

	repo := boltstore.NewRepository(db)
	v := New("alice", repo, fastKDF(t))
	sess, err := v.Create(t.Context(), testPassphrase, testProfile(t, "alice"))
	require.NoError(t, err)
	sess.Close()

	reopened, err := v.Open(t.Context(), testPassphrase)
	require.NoError(t, err)
	reopened.Close()
}

func TestSession_Close(t *testing.T) {
	_, sess, _ := createTestVault(t)
	require.NoError(t, sess.Check())

	sess.Close()
	sess.Close()

	assert.ErrorIs(t, sess.Check(), ErrSessionClosed)
	_, err := sess.AccountKey()
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = sess.CacheKey()
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = sess.AuthSigner()
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSession_ConcurrentUseAndClose(t *testing.T) {
	_, sess, _ := createTestVault(t)

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 20 {
				_, _ = sess.AccountKey()
				_, _ = sess.CacheKey()
			}
		})
	}
	wg.Go(sess.Close)
	wg.Wait()
	assert.ErrorIs(t, sess.Check(), ErrSessionClosed)
}

func TestNewSession_InvalidKeyString(t *testing.T) {
	p := testProfile(t, "alice")
	p.SymmetricKey = "nope"
	_, err := NewSession(p)
	assert.Error(t, err)
}
