package crypto

import (
	"encoding/json"
	"fmt"

	"github.com/byu-ilab/onekey/internal/util"
)

// Encrypt serialises v to JSON and encrypts it with AES-256-CTR under key.
// The output is base64(IV || ciphertext) with a fresh IV on every call.
func Encrypt(v any, key Key) (string, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding plaintext: %w", err)
	}
	ct, err := util.EncryptAESCTR(plain, key)
	if err != nil {
		return "", fmt.Errorf("encrypting: %w", err)
	}
	return util.Base64Encode(ct), nil
}

// Decrypt reverses Encrypt into out. Control characters are stripped from
// the deciphered text before parsing. CTR mode carries no authentication,
// so a wrong key shows up as a parse failure. Every failure wraps ErrDecrypt.
func Decrypt(ciphertext string, key Key, out any) error {
	raw, err := util.Base64Decode(ciphertext)
	if err != nil {
		return fmt.Errorf("%w: decoding base64: %v", ErrDecrypt, err)
	}
	plain, err := util.DecryptAESCTR(raw, key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	text := util.StripControl(string(plain))
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("%w: parsing plaintext: %v", ErrDecrypt, err)
	}
	return nil
}
