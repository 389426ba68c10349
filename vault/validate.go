package vault

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxIDLength bounds usernames and authenticator names.
const MaxIDLength = 256

func validateID(id, label string) error {
	if id == "" {
		return validationErrorf("%s must not be empty", label)
	}
	if len(id) > MaxIDLength {
		return validationErrorf("%s exceeds maximum length of %d", label, MaxIDLength)
	}
	if strings.HasPrefix(id, "__") {
		return validationErrorf("%s must not start with \"__\"", label)
	}
	if !utf8.ValidString(id) {
		return validationErrorf("%s contains invalid UTF-8", label)
	}
	for _, r := range id {
		if r == ':' || r == '/' {
			return validationErrorf("%s contains forbidden character %q", label, r)
		}
		if unicode.IsControl(r) {
			return validationErrorf("%s contains control character", label)
		}
	}
	return nil
}

func validateProfile(p Profile) error {
	if err := validateID(p.Username, "username"); err != nil {
		return err
	}
	if err := validateID(p.AuthName, "authenticator name"); err != nil {
		return err
	}
	if p.AuthPrivateKey == "" {
		return validationErrorf("authenticator private key must not be empty")
	}
	if p.SymmetricKey == "" {
		return validationErrorf("account key string must not be empty")
	}
	return nil
}
