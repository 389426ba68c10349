package storage

import (
	"encoding/json"
	"fmt"

	"github.com/byu-ilab/onekey/internal/util"
)

const (
	envelopeVer    = 1
	envelopeScheme = "aes256gcm"
	plainScheme    = "plain"
	gcmNonceSize   = 12
)

// Envelope is a sealed record containing AES-256-GCM encrypted data.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	Version    uint64 `json:"version,omitempty"`
}

// SealRecord encrypts plaintext into an Envelope using the given record key
// and AAD. The optional version is stored in the clear for PutCAS.
func SealRecord(recordKey, plaintext, aad []byte, version ...uint64) (*Envelope, error) {
	sealed, err := util.EncryptAESWithAAD(plaintext, recordKey, aad)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		Ver:        envelopeVer,
		Scheme:     envelopeScheme,
		Nonce:      sealed[:gcmNonceSize],
		Ciphertext: sealed[gcmNonceSize:],
	}
	if len(version) > 0 {
		env.Version = version[0]
	}
	return env, nil
}

// OpenRecord decrypts an Envelope using the given record key and AAD.
func OpenRecord(recordKey []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope.Ver != envelopeVer {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != envelopeScheme {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}

	// Reconstruct nonce || ciphertext without mutating envelope fields.
	full := make([]byte, len(envelope.Nonce)+len(envelope.Ciphertext))
	copy(full, envelope.Nonce)
	copy(full[len(envelope.Nonce):], envelope.Ciphertext)

	return util.DecryptAESWithAAD(full, recordKey, aad)
}

// SealJSON marshals v and seals it. The plaintext buffer is wiped afterwards.
func SealJSON(recordKey []byte, v any, aad []byte, version ...uint64) (*Envelope, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	defer util.WipeBytes(plain)
	return SealRecord(recordKey, plain, aad, version...)
}

// OpenJSON opens envelope and unmarshals the plaintext into out.
func OpenJSON(recordKey []byte, envelope *Envelope, aad []byte, out any) error {
	plain, err := OpenRecord(recordKey, envelope, aad)
	if err != nil {
		return err
	}
	defer util.WipeBytes(plain)
	if err := json.Unmarshal(plain, out); err != nil {
		return fmt.Errorf("decoding record: %w", err)
	}
	return nil
}

// WrapPlain stores non-secret data that must be readable before any key is
// available, such as KDF parameters and salts.
func WrapPlain(data []byte, version ...uint64) *Envelope {
	env := &Envelope{
		Ver:        envelopeVer,
		Scheme:     plainScheme,
		Ciphertext: util.CopyBytes(data),
	}
	if len(version) > 0 {
		env.Version = version[0]
	}
	return env
}

// UnwrapPlain returns the data stored by WrapPlain.
func UnwrapPlain(envelope *Envelope) ([]byte, error) {
	if envelope.Ver != envelopeVer {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != plainScheme {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}
	return util.CopyBytes(envelope.Ciphertext), nil
}
