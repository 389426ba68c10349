package vault

// VaultOption configures a Vault.
type VaultOption func(*Vault)

// WithKDFParams sets the Argon2id parameters used when a profile is created.
// Existing profiles keep the parameters they were created with.
func WithKDFParams(params Argon2idParams) VaultOption {
	return func(v *Vault) {
		v.kdfParams = params
	}
}
