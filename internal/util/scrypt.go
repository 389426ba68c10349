package util

import (
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// Scrypt cost parameters used by every 1Key authenticator for the account
// symmetric key. Changing them makes existing authenticator data unreadable.
const (
	ScryptN      = 1 << 12
	ScryptR      = 8
	ScryptP      = 1
	ScryptKeyLen = 32
)

func DeriveScryptKey(secret, salt []byte) ([]byte, error) {
	key, err := scrypt.Key(secret, salt, ScryptN, ScryptR, ScryptP, ScryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving scrypt key: %w", err)
	}
	return key, nil
}
