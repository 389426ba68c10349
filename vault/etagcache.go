package vault

import (
	"fmt"
	"sync"

	"go.etcd.io/bbolt"
)

// ETagCache remembers the ETag of the last authenticator data blob that was
// reconciled into the local cache, per user. It is advanced only after a
// reconcile succeeds, so a failed refresh is retried unconditionally.
type ETagCache interface {
	ETag(username string) (string, error)
	SetETag(username, etag string) error
	ClearETag(username string) error
}

// MemoryETagCache is an in-memory implementation suitable for tests.
type MemoryETagCache struct {
	mu    sync.RWMutex
	etags map[string]string
}

// NewMemoryETagCache returns an in-memory ETag cache.
func NewMemoryETagCache() *MemoryETagCache {
	return &MemoryETagCache{
		etags: make(map[string]string),
	}
}

func (c *MemoryETagCache) ETag(username string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.etags[username], nil
}

func (c *MemoryETagCache) SetETag(username, etag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.etags[username] = etag
	return nil
}

func (c *MemoryETagCache) ClearETag(username string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.etags, username)
	return nil
}

var etagCacheBucket = []byte("__onekey_etags")

// BoltETagCache persists ETags in a dedicated BBolt bucket. Reads come from
// an in-memory map loaded at startup; writes go to BBolt first.
type BoltETagCache struct {
	db    *bbolt.DB
	mu    sync.RWMutex
	cache map[string]string
}

// NewBoltETagCache returns a persistent ETag cache backed by db. The
// database is usually shared with the storage/bbolt repository.
func NewBoltETagCache(db *bbolt.DB) (*BoltETagCache, error) {
	c := &BoltETagCache{
		db:    db,
		cache: make(map[string]string),
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(etagCacheBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			c.cache[string(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("loading etag cache: %w", err)
	}
	return c, nil
}

func (c *BoltETagCache) ETag(username string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache[username], nil
}

func (c *BoltETagCache) SetETag(username, etag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(etagCacheBucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(username), []byte(etag))
	})
	if err != nil {
		return err
	}
	c.cache[username] = etag
	return nil
}

func (c *BoltETagCache) ClearETag(username string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(etagCacheBucket)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(username))
	})
	if err != nil {
		return err
	}
	delete(c.cache, username)
	return nil
}
