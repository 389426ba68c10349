// Package vault keeps an authenticator's local identity: its name,
// certificate and private key, and the account key string it shares with the
// user's other authenticators. The profile is sealed under a passphrase and
// unlocked into a Session that holds secrets in memguard enclaves until it
// is closed.
package vault

import (
	"time"

	"github.com/byu-ilab/onekey/internal/util"
)

// Argon2idParams configures Argon2id key derivation.
type Argon2idParams = util.Argon2idParams

const (
	recordTypeHeader  = "HEADER"
	recordTypeProfile = "PROFILE"
	recordIDCurrent   = "current"

	headerSaltLen = 16
)

// Profile is everything an authenticator needs to act for a user.
type Profile struct {
	Username        string `json:"username"`
	AuthName        string `json:"authname"`
	AuthCertificate string `json:"authCertificate,omitempty"`
	AuthPrivateKey  string `json:"authPrivateKey"`
	// SymmetricKey is the account key string (XXXX-XXXX-XXXX-XXXX) shared
	// by every authenticator of the account.
	SymmetricKey string `json:"symmetricKey"`
	// CacheKey protects the local certificate cache. It is generated when
	// the profile is created and never leaves this device.
	CacheKey []byte `json:"cacheKey,omitempty"`
}

// header is stored in the clear: it carries what is needed to derive the
// profile key from the passphrase.
type header struct {
	Username  string         `json:"username"`
	KDFParams Argon2idParams `json:"kdf_params"`
	Salt      []byte         `json:"salt"`
	CreatedAt time.Time      `json:"created_at"`
	Ver       int            `json:"ver"`
}
