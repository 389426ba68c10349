package certcache

import (
	icrypto "github.com/byu-ilab/onekey/internal/crypto"
	"github.com/byu-ilab/onekey/internal/util"
	"github.com/byu-ilab/onekey/vault"
)

// tableKeys are the per-table record keys and index MAC keys derived from a
// session's cache key for the duration of one call.
type tableKeys struct {
	auth    []byte
	service []byte
	domain  []byte

	authIndex   []byte
	domainIndex []byte
}

func deriveKeys(sess *vault.Session) (*tableKeys, error) {
	cacheKey, err := sess.CacheKey()
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(cacheKey)

	k := &tableKeys{}
	for _, d := range []struct {
		dst   *[]byte
		name  string
		index bool
	}{
		{&k.auth, recordTypeAuth, false},
		{&k.service, recordTypeService, false},
		{&k.domain, recordTypeDomain, false},
		{&k.authIndex, recordTypeAuth, true},
		{&k.domainIndex, recordTypeDomain, true},
	} {
		derive := icrypto.DeriveTableKey
		if d.index {
			derive = icrypto.DeriveIndexKey
		}
		key, err := derive(cacheKey, d.name)
		if err != nil {
			k.wipe()
			return nil, err
		}
		*d.dst = key
	}
	return k, nil
}

// authID hides authenticator names from storage keys.
func (k *tableKeys) authID(name string) string {
	return icrypto.IndexToken(k.authIndex, name)
}

func (k *tableKeys) domainID(domain string) string {
	return icrypto.IndexToken(k.domainIndex, domain)
}

func (k *tableKeys) wipe() {
	for _, b := range [][]byte{k.auth, k.service, k.domain, k.authIndex, k.domainIndex} {
		util.WipeBytes(b)
	}
}
