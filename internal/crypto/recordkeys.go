package icrypto

import (
	"crypto/hmac"
	"crypto/sha256"

	"github.com/byu-ilab/onekey/internal/util"
)

const (
	tableKeyInfo = "onekey:table-key:v1"
	indexKeyInfo = "onekey:index-key:v1"
)

// DeriveTableKey derives the record encryption key for one local table from
// the session's cache key.
func DeriveTableKey(cacheKey []byte, table string) ([]byte, error) {
	return util.HKDF(cacheKey, []byte(table), []byte(tableKeyInfo))
}

// DeriveIndexKey derives the MAC key used for blind secondary index tokens.
func DeriveIndexKey(cacheKey []byte, index string) ([]byte, error) {
	return util.HKDF(cacheKey, []byte(index), []byte(indexKeyInfo))
}

// IndexToken maps an indexed value to an opaque, deterministic record ID so
// the value itself never appears in storage keys.
func IndexToken(indexKey []byte, value string) string {
	mac := hmac.New(sha256.New, indexKey)
	mac.Write([]byte(value))
	return util.HexEncode(mac.Sum(nil))
}
