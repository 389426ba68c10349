package crypto

import "github.com/byu-ilab/onekey/internal/util"

// Argon2idParams configures Argon2id key derivation for the local vault.
type Argon2idParams = util.Argon2idParams

// Named KDF profiles for different deployment scenarios.
const (
	KDFProfileInteractive = util.KDFProfileInteractive // sub-second, dev/testing
	KDFProfileModerate    = util.KDFProfileModerate    // production default
	KDFProfileSensitive   = util.KDFProfileSensitive   // high-value secrets
)

// DefaultArgon2idParams returns the default Argon2id parameters (moderate profile).
func DefaultArgon2idParams() Argon2idParams {
	return util.DefaultArgon2idParams()
}

// Argon2idProfile returns the Argon2idParams for a named profile.
func Argon2idProfile(name string) (Argon2idParams, error) {
	return util.Argon2idProfile(name)
}

// ValidateArgon2idParams checks that the given parameters meet the minimum
// acceptable thresholds.
func ValidateArgon2idParams(p Argon2idParams) error {
	return util.ValidateArgon2idParams(p)
}
