package crypto

import (
	"fmt"

	"github.com/byu-ilab/onekey/internal/util"
)

// KeySize is the length in bytes of every symmetric key.
const KeySize = util.AESKeySize

// Key is a 256-bit symmetric key. Its string form is standard base64, which
// is how keys travel inside authenticator data.
type Key []byte

func (k Key) String() string {
	return util.Base64Encode(k)
}

// ParseKey decodes a base64 key and checks its length.
func ParseKey(b64 string) (Key, error) {
	raw, err := util.Base64Decode(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(raw), KeySize)
	}
	return Key(raw), nil
}

// DeriveKey stretches arbitrary secret material into a Key with scrypt.
// The secret is NFKD normalised first. An empty salt is allowed and is what
// authenticators use for the account key.
func DeriveKey(secret, salt string) (Key, error) {
	k, err := util.DeriveScryptKey([]byte(util.Normalize(secret)), []byte(salt))
	if err != nil {
		return nil, err
	}
	return Key(k), nil
}

// NewDataKey returns a fresh random key for one write of authenticator data.
func NewDataKey() (Key, error) {
	k, err := util.NewAESKey()
	if err != nil {
		return nil, fmt.Errorf("generating data key: %w", err)
	}
	return Key(k), nil
}

// WrapKey encrypts dataKey under kek in the same envelope format as the data
// it protects.
func WrapKey(dataKey, kek Key) (string, error) {
	return Encrypt(dataKey.String(), kek)
}

// UnwrapKey reverses WrapKey.
func UnwrapKey(wrapped string, kek Key) (Key, error) {
	var s string
	if err := Decrypt(wrapped, kek, &s); err != nil {
		return nil, err
	}
	k, err := ParseKey(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return k, nil
}
