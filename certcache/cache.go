// Package certcache keeps the local, encrypted projection of an account's
// authenticator data: an authenticator table keyed by name and a service
// account table keyed by account ID with a secondary index on domain. It also
// stores the account certificates this authenticator owns, which the CA never
// sees.
package certcache

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"

	"github.com/byu-ilab/onekey/authdata"
	icrypto "github.com/byu-ilab/onekey/internal/crypto"
	"github.com/byu-ilab/onekey/pki"
	"github.com/byu-ilab/onekey/storage"
	"github.com/byu-ilab/onekey/vault"
)

// Cache reads and writes cache records in the session user's namespace. It
// holds no keys: every call derives them from the Session it is given.
type Cache struct {
	repo   storage.Repository
	logger *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = l
	}
}

// New returns a Cache over repo.
func New(repo storage.Repository, opts ...Option) *Cache {
	c := &Cache{repo: repo, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "certcache")
	return c
}

// Reconcile folds a fetched blob into the cache in one transaction. Known
// accounts get only their session list replaced, so owned certificates and
// keys survive; unknown accounts are inserted whole. Every listed
// authenticator other than the session's own is upserted. A nil blob is a
// no-op. Reconciling the same blob twice leaves the same state as once.
func (c *Cache) Reconcile(ctx context.Context, sess *vault.Session, blob *authdata.Blob) error {
	if blob == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	k, err := deriveKeys(sess)
	if err != nil {
		return err
	}
	defer k.wipe()
	ns := sess.Username()
	self := sess.AuthName()

	var inserted, updated, auths int
	err = c.repo.Batch(ns, func(tx storage.BatchTx) error {
		for _, acct := range blob.Map {
			if acct.AccountID == "" {
				continue
			}
			rec, err := openRecord[ServiceAccountRecord](tx.Get, k.service, ns, recordTypeService, acct.AccountID)
			switch {
			case err == nil:
				rec.SessionList = copySessionLists(acct.SessionList)
				updated++
			case isNotFound(err):
				fresh := recordFromAccount(acct)
				rec = &fresh
				if err := indexDomain(tx, k, ns, acct.Domain, acct.AccountID); err != nil {
					return err
				}
				inserted++
			default:
				return err
			}
			if err := putRecord(tx.Put, k.service, ns, recordTypeService, acct.AccountID, rec); err != nil {
				return err
			}
		}

		for _, a := range blob.AuthenticatorList {
			if a.AuthName == self || a.AuthName == "" {
				continue
			}
			rec := AuthenticatorRecord{Name: a.AuthName, Certificate: a.AuthenticatorCertificate}
			if exp, err := pki.CertificateExpiration(a.AuthenticatorCertificate); err == nil {
				rec.Expiration = exp
			} else {
				c.logger.Warn("unreadable authenticator certificate", "authname", a.AuthName, "error", err)
			}
			id := k.authID(a.AuthName)
			existing, err := openRecord[AuthenticatorRecord](tx.Get, k.auth, ns, recordTypeAuth, id)
			if err != nil && !isNotFound(err) {
				return err
			}
			if err == nil && existing.Certificate == rec.Certificate {
				rec.Revoked = existing.Revoked
			}
			if err := putRecord(tx.Put, k.auth, ns, recordTypeAuth, id, &rec); err != nil {
				return err
			}
			auths++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reconciling cache: %w", err)
	}
	c.logger.Debug("cache reconciled",
		"username", ns,
		"inserted", inserted,
		"updated", updated,
		"authenticators", auths,
	)
	return nil
}

// GetAccount returns the cached record for accountID.
func (c *Cache) GetAccount(ctx context.Context, sess *vault.Session, accountID string) (*ServiceAccountRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k, err := deriveKeys(sess)
	if err != nil {
		return nil, err
	}
	defer k.wipe()
	ns := sess.Username()
	rec, err := openRecord[ServiceAccountRecord](c.getter(ns), k.service, ns, recordTypeService, accountID)
	if isNotFound(err) {
		return nil, fmt.Errorf("%s: %w", accountID, ErrAccountNotCached)
	}
	return rec, err
}

// AllAccounts returns every cached account. The records are read up front;
// the sequence can be ranged over any number of times and always yields the
// same records in account ID order.
func (c *Cache) AllAccounts(ctx context.Context, sess *vault.Session) (iter.Seq[ServiceAccountRecord], error) {
	recs, err := c.accounts(ctx, sess)
	if err != nil {
		return nil, err
	}
	return func(yield func(ServiceAccountRecord) bool) {
		for _, r := range recs {
			r.SessionList = copySessionLists(r.SessionList)
			if !yield(r) {
				return
			}
		}
	}, nil
}

// AccountsByDomain returns the cached accounts registered at domain.
func (c *Cache) AccountsByDomain(ctx context.Context, sess *vault.Session, domain string) ([]ServiceAccountRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k, err := deriveKeys(sess)
	if err != nil {
		return nil, err
	}
	defer k.wipe()
	ns := sess.Username()
	get := c.getter(ns)

	idx, err := openRecord[domainIndex](get, k.domain, ns, recordTypeDomain, k.domainID(domain))
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []ServiceAccountRecord
	for _, id := range idx.AccountIDs {
		rec, err := openRecord[ServiceAccountRecord](get, k.service, ns, recordTypeService, id)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

// StoreAccountCertificate records an account certificate and its key pair
// for a cached account. These fields are never overwritten by Reconcile.
func (c *Cache) StoreAccountCertificate(ctx context.Context, sess *vault.Session, accountID, certPEM, publicPEM, privatePEM string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	exp, err := pki.CertificateExpiration(certPEM)
	if err != nil {
		return err
	}
	k, err := deriveKeys(sess)
	if err != nil {
		return err
	}
	defer k.wipe()
	ns := sess.Username()
	return c.repo.Batch(ns, func(tx storage.BatchTx) error {
		rec, err := openRecord[ServiceAccountRecord](tx.Get, k.service, ns, recordTypeService, accountID)
		if isNotFound(err) {
			return fmt.Errorf("%s: %w", accountID, ErrAccountNotCached)
		}
		if err != nil {
			return err
		}
		rec.ServiceCert = certPEM
		rec.ServicePublicKey = publicPEM
		rec.ServicePrivateKey = privatePEM
		rec.Expiration = exp
		return putRecord(tx.Put, k.service, ns, recordTypeService, accountID, rec)
	})
}

// ---------------------------------------------------------------------------
// Authenticators
// ---------------------------------------------------------------------------

// ListAuthenticators returns every cached authenticator ordered by name.
func (c *Cache) ListAuthenticators(ctx context.Context, sess *vault.Session) ([]AuthenticatorRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k, err := deriveKeys(sess)
	if err != nil {
		return nil, err
	}
	defer k.wipe()
	ns := sess.Username()
	ids, err := c.repo.List(ns, recordTypeAuth)
	if err != nil {
		return nil, err
	}
	get := c.getter(ns)
	out := make([]AuthenticatorRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := openRecord[AuthenticatorRecord](get, k.auth, ns, recordTypeAuth, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	slices.SortFunc(out, func(a, b AuthenticatorRecord) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return out, nil
}

// GetAuthenticator returns the cached record for name.
func (c *Cache) GetAuthenticator(ctx context.Context, sess *vault.Session, name string) (*AuthenticatorRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k, err := deriveKeys(sess)
	if err != nil {
		return nil, err
	}
	defer k.wipe()
	ns := sess.Username()
	rec, err := openRecord[AuthenticatorRecord](c.getter(ns), k.auth, ns, recordTypeAuth, k.authID(name))
	if isNotFound(err) {
		return nil, fmt.Errorf("%s: %w", name, ErrAuthenticatorNotFound)
	}
	return rec, err
}

// PutAuthenticator caches an authenticator and its certificate. This is how
// an authenticator records itself, since Reconcile skips self.
func (c *Cache) PutAuthenticator(ctx context.Context, sess *vault.Session, name, certPEM string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name == "" {
		return errors.New("authenticator name must not be empty")
	}
	exp, err := pki.CertificateExpiration(certPEM)
	if err != nil {
		return err
	}
	k, err := deriveKeys(sess)
	if err != nil {
		return err
	}
	defer k.wipe()
	ns := sess.Username()
	rec := &AuthenticatorRecord{Name: name, Certificate: certPEM, Expiration: exp}
	return putRecord(c.putter(ns), k.auth, ns, recordTypeAuth, k.authID(name), rec)
}

// MarkRevoked flags a cached authenticator as revoked without removing it.
func (c *Cache) MarkRevoked(ctx context.Context, sess *vault.Session, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k, err := deriveKeys(sess)
	if err != nil {
		return err
	}
	defer k.wipe()
	ns := sess.Username()
	id := k.authID(name)
	return c.repo.Batch(ns, func(tx storage.BatchTx) error {
		rec, err := openRecord[AuthenticatorRecord](tx.Get, k.auth, ns, recordTypeAuth, id)
		if isNotFound(err) {
			return fmt.Errorf("%s: %w", name, ErrAuthenticatorNotFound)
		}
		if err != nil {
			return err
		}
		rec.Revoked = true
		return putRecord(tx.Put, k.auth, ns, recordTypeAuth, id, rec)
	})
}

// RemoveAuthenticator deletes the cached record for name.
func (c *Cache) RemoveAuthenticator(ctx context.Context, sess *vault.Session, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k, err := deriveKeys(sess)
	if err != nil {
		return err
	}
	defer k.wipe()
	err = c.repo.Delete(sess.Username(), recordTypeAuth, k.authID(name))
	if isNotFound(err) {
		return fmt.Errorf("%s: %w", name, ErrAuthenticatorNotFound)
	}
	return err
}

// Purge deletes every cache record for the session's user. The vault profile
// in the same namespace is left alone.
func (c *Cache) Purge(ctx context.Context, sess *vault.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sess.Check(); err != nil {
		return err
	}
	return c.repo.Batch(sess.Username(), func(tx storage.BatchTx) error {
		for _, rt := range []string{recordTypeAuth, recordTypeService, recordTypeDomain} {
			ids, err := tx.List(rt)
			if err != nil {
				return err
			}
			for _, id := range ids {
				if err := tx.Delete(rt, id); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (c *Cache) accounts(ctx context.Context, sess *vault.Session) ([]ServiceAccountRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k, err := deriveKeys(sess)
	if err != nil {
		return nil, err
	}
	defer k.wipe()
	ns := sess.Username()
	ids, err := c.repo.List(ns, recordTypeService)
	if err != nil {
		return nil, err
	}
	get := c.getter(ns)
	out := make([]ServiceAccountRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := openRecord[ServiceAccountRecord](get, k.service, ns, recordTypeService, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

type getFunc func(recordType, recordID string) (*storage.Envelope, error)

type putFunc func(recordType, recordID string, env *storage.Envelope) error

func (c *Cache) getter(ns string) getFunc {
	return func(recordType, recordID string) (*storage.Envelope, error) {
		return c.repo.Get(ns, recordType, recordID)
	}
}

func (c *Cache) putter(ns string) putFunc {
	return func(recordType, recordID string, env *storage.Envelope) error {
		return c.repo.Put(ns, recordType, recordID, env)
	}
}

func openRecord[T any](get getFunc, key []byte, ns, recordType, recordID string) (*T, error) {
	env, err := get(recordType, recordID)
	if err != nil {
		return nil, err
	}
	var out T
	if err := storage.OpenJSON(key, env, icrypto.AADRecord(ns, recordType, recordID, recordVer), &out); err != nil {
		return nil, fmt.Errorf("opening %s record: %w", recordType, err)
	}
	return &out, nil
}

func putRecord(put putFunc, key []byte, ns, recordType, recordID string, v any) error {
	env, err := storage.SealJSON(key, v, icrypto.AADRecord(ns, recordType, recordID, recordVer))
	if err != nil {
		return err
	}
	return put(recordType, recordID, env)
}

func indexDomain(tx storage.BatchTx, k *tableKeys, ns, domain, accountID string) error {
	id := k.domainID(domain)
	idx, err := openRecord[domainIndex](tx.Get, k.domain, ns, recordTypeDomain, id)
	switch {
	case isNotFound(err):
		idx = &domainIndex{Domain: domain}
	case err != nil:
		return err
	}
	if slices.Contains(idx.AccountIDs, accountID) {
		return nil
	}
	idx.AccountIDs = append(idx.AccountIDs, accountID)
	return putRecord(tx.Put, k.domain, ns, recordTypeDomain, id, idx)
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrNamespaceNotFound)
}
