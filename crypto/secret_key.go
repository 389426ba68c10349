package crypto

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/byu-ilab/onekey/internal/util"
)

const (
	symmetricKeyLength = 16
	symmetricKeyGroup  = 4
)

// The alphabet omits O and 0. Its repeated tail is kept as is so keys
// generated by older authenticators stay in the same character space.
var symmetricKeyAlphabet = []rune("ABCDEFGHIJKLMNPQRSTUVWXYZabcdefghijklmnopqrstuvwxstuvwxyz123456789")

var symmetricKeyRE = regexp.MustCompile(`^[A-NP-Za-z1-9]{4}-[A-NP-Za-z1-9]{4}-[A-NP-Za-z1-9]{4}-[A-NP-Za-z1-9]{4}$`)

// NewSymmetricKeyString generates the account secret shared by every
// authenticator of an account, formatted as XXXX-XXXX-XXXX-XXXX.
func NewSymmetricKeyString() (string, error) {
	raw, err := util.RandomCharsFrom(symmetricKeyAlphabet, symmetricKeyLength)
	if err != nil {
		return "", fmt.Errorf("generating symmetric key string: %w", err)
	}
	var sb strings.Builder
	for i, r := range raw {
		if i != 0 && i%symmetricKeyGroup == 0 {
			sb.WriteByte('-')
		}
		sb.WriteRune(r)
	}
	return sb.String(), nil
}

// ParseSymmetricKeyString trims and validates a user supplied account secret.
func ParseSymmetricKeyString(s string) (string, error) {
	s = strings.TrimSpace(util.Normalize(s))
	if !symmetricKeyRE.MatchString(s) {
		return "", fmt.Errorf("%w: %q is not a valid account key string", ErrInvalidKey, s)
	}
	return s, nil
}

// AccountKey derives the long-lived account symmetric key that wraps every
// data key.
func AccountKey(keyString string) (Key, error) {
	s, err := ParseSymmetricKeyString(keyString)
	if err != nil {
		return nil, err
	}
	return DeriveKey(s, "")
}
