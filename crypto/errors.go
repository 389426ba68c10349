package crypto

import "errors"

var (
	// ErrDecrypt is returned for any ciphertext that cannot be turned back
	// into its plaintext value: bad encoding, wrong key, truncated input or
	// unparsable content.
	ErrDecrypt    = errors.New("decryption failed")
	ErrInvalidKey = errors.New("invalid key")
)
