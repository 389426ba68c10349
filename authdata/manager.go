package authdata

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/byu-ilab/onekey/ca"
	"github.com/byu-ilab/onekey/crypto"
	"github.com/byu-ilab/onekey/internal/util"
	"github.com/byu-ilab/onekey/vault"
)

// Remote is the part of the CA protocol the Manager needs. *ca.Client
// implements it.
type Remote interface {
	Fetch(ctx context.Context, username, authCert, etag string) (*ca.FetchResult, error)
	Lock(ctx context.Context, username, authCert string) (string, error)
	Write(ctx context.Context, username, authCert string, data ca.AuthenticationData, lockID string) error
}

var _ Remote = (*ca.Client)(nil)

// Edit is an open read-modify-write cycle: the decrypted blob, a fresh data
// key for the next write and the lock that authorises it.
type Edit struct {
	Blob    *Blob
	DataKey crypto.Key
	LockID  string
	// Fresh is set when the CA held no data and Blob was synthesised.
	Fresh bool

	username string
	consumed bool
}

// Snapshot is a read-only view of the blob for a refresh. Blob is nil unless
// State is ca.StateData.
type Snapshot struct {
	State ca.FetchState
	Blob  *Blob
	ETag  string
}

// Manager runs edit cycles against the CA. Cycles for the same account are
// serialised; the CA lock arbitrates between processes.
type Manager struct {
	remote Remote
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager returns a Manager using remote.
func NewManager(remote Remote, opts ...ManagerOption) *Manager {
	m := &Manager{
		remote: remote,
		logger: slog.Default(),
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "authdata")
	return m
}

// Load fetches and decrypts the blob for a refresh. A non-empty etag makes
// the fetch conditional. No lock is taken.
func (m *Manager) Load(ctx context.Context, sess *vault.Session, etag string) (*Snapshot, error) {
	authCert, err := certificate(sess)
	if err != nil {
		return nil, err
	}
	res, err := m.remote.Fetch(ctx, sess.Username(), authCert, etag)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{State: res.State, ETag: res.ETag}
	if res.State != ca.StateData {
		return snap, nil
	}
	accountKey, err := sess.AccountKey()
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(accountKey)
	blob, err := decryptBlob(res.Data, accountKey)
	if err != nil {
		return nil, err
	}
	snap.Blob = blob
	return snap, nil
}

// BeginEdit fetches and decrypts the current blob, then takes the CA lock.
// If the CA holds no data an empty blob is synthesised and Fresh is set. If
// the blob changed between the fetch and the lock, the newer copy is used.
// On any error no usable lock is returned and the caller must not write.
func (m *Manager) BeginEdit(ctx context.Context, sess *vault.Session) (*Edit, error) {
	authCert, err := certificate(sess)
	if err != nil {
		return nil, err
	}
	username := sess.Username()
	accountKey, err := sess.AccountKey()
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(accountKey)

	res, err := m.remote.Fetch(ctx, username, authCert, "")
	if err != nil {
		return nil, err
	}
	blob, fresh, err := blobFrom(res, accountKey)
	if err != nil {
		return nil, err
	}

	lockID, err := m.remote.Lock(ctx, username, authCert)
	if err != nil {
		return nil, err
	}

	if res.ETag != "" {
		again, err := m.remote.Fetch(ctx, username, authCert, res.ETag)
		if err != nil {
			return nil, err
		}
		if again.State != ca.StateUnchanged {
			m.logger.Debug("authenticator data changed before lock", "username", username)
			if blob, fresh, err = blobFrom(again, accountKey); err != nil {
				return nil, err
			}
		}
	}

	dataKey, err := crypto.NewDataKey()
	if err != nil {
		return nil, err
	}
	return &Edit{
		Blob:     blob,
		DataKey:  dataKey,
		LockID:   lockID,
		Fresh:    fresh,
		username: username,
	}, nil
}

// Commit encrypts e.Blob under e.DataKey, wraps the data key under the
// account key and writes both with e.LockID. The lock is spent after the
// first attempt whatever its outcome; a rejected write is not retried.
func (m *Manager) Commit(ctx context.Context, sess *vault.Session, e *Edit) error {
	if e == nil || e.LockID == "" || e.consumed {
		return ErrNoLock
	}
	if e.username != "" && e.username != sess.Username() {
		return fmt.Errorf("edit for %q cannot be committed by %q", e.username, sess.Username())
	}
	authCert, err := certificate(sess)
	if err != nil {
		return err
	}
	accountKey, err := sess.AccountKey()
	if err != nil {
		return err
	}
	defer util.WipeBytes(accountKey)

	data, err := EncryptBlob(e.Blob, e.DataKey, accountKey)
	if err != nil {
		return err
	}

	e.consumed = true
	if err := m.remote.Write(ctx, sess.Username(), authCert, data, e.LockID); err != nil {
		return err
	}
	m.logger.Info("authenticator data committed",
		"username", sess.Username(),
		"accounts", len(e.Blob.Map),
		"authenticators", len(e.Blob.AuthenticatorList),
	)
	return nil
}

// Update runs one full cycle: BeginEdit, fn, Commit. Cycles for the same
// account never overlap within this process. If fn fails nothing is
// written.
func (m *Manager) Update(ctx context.Context, sess *vault.Session, fn func(*Edit) error) error {
	unlock := m.lockAccount(sess.Username())
	defer unlock()

	e, err := m.BeginEdit(ctx, sess)
	if err != nil {
		return err
	}
	defer util.WipeBytes(e.DataKey)
	if err := fn(e); err != nil {
		return err
	}
	return m.Commit(ctx, sess, e)
}

func (m *Manager) lockAccount(username string) func() {
	m.mu.Lock()
	l, ok := m.locks[username]
	if !ok {
		l = &sync.Mutex{}
		m.locks[username] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// ---------------------------------------------------------------------------
// Envelope helpers
// ---------------------------------------------------------------------------

func certificate(sess *vault.Session) (string, error) {
	if err := sess.Check(); err != nil {
		return "", err
	}
	cert := sess.AuthCertificate()
	if cert == "" {
		return "", ErrNotCertified
	}
	return cert, nil
}

func blobFrom(res *ca.FetchResult, accountKey crypto.Key) (*Blob, bool, error) {
	switch res.State {
	case ca.StateData:
		blob, err := decryptBlob(res.Data, accountKey)
		return blob, false, err
	case ca.StateEmpty:
		return NewBlob(), true, nil
	default:
		return nil, false, fmt.Errorf("unexpected fetch state %s", res.State)
	}
}

// decryptBlob unwraps the data key and decrypts the blob. Failures are
// returned as crypto.ErrDecrypt.
func decryptBlob(data *ca.AuthenticationData, accountKey crypto.Key) (*Blob, error) {
	if data == nil {
		return nil, fmt.Errorf("%w: no authentication data", ca.ErrMalformedPayload)
	}
	dataKey, err := crypto.UnwrapKey(data.Key, accountKey)
	if err != nil {
		return nil, fmt.Errorf("unwrapping data key: %w", err)
	}
	defer util.WipeBytes(dataKey)
	var blob Blob
	if err := crypto.Decrypt(data.Data, dataKey, &blob); err != nil {
		return nil, fmt.Errorf("decrypting authenticator data: %w", err)
	}
	blob.normalize()
	return &blob, nil
}

// EncryptBlob produces the CA envelope for blob. It is the inverse of the
// decryption Load and BeginEdit perform and is used by tests and tooling
// that seed a CA.
func EncryptBlob(blob *Blob, dataKey, accountKey crypto.Key) (ca.AuthenticationData, error) {
	b := blob.Clone()
	b.normalize()
	encData, err := crypto.Encrypt(b, dataKey)
	if err != nil {
		return ca.AuthenticationData{}, err
	}
	encKey, err := crypto.WrapKey(dataKey, accountKey)
	if err != nil {
		return ca.AuthenticationData{}, err
	}
	return ca.AuthenticationData{Data: encData, Key: encKey}, nil
}
