package keycrypt

import "fmt"

// Key and salt sizes used throughout the subsystem.
const (
	KeySize  = 32 // KEKs and DEKs are always 256-bit
	SaltSize = 16
)

// Named derivation parameter sets. Wrapped-key records persist the set name
// so iteration counts can be raised later without touching call sites.
const (
	// ParamsLegacyV1 is the historical general-purpose configuration, still
	// used to derive the process-wide fallback key.
	ParamsLegacyV1 = "pbkdf2-sha256-100k"

	// ParamsCredentialV2 is the current configuration for user-credential
	// KEKs (password, recovery code, email).
	ParamsCredentialV2 = "pbkdf2-sha256-600k"
)

// DerivationParams describes one named PBKDF2-HMAC-SHA256 configuration.
type DerivationParams struct {
	Name       string
	Iterations int
	KeyLen     int
}

var paramSets = map[string]DerivationParams{
	ParamsLegacyV1:     {Name: ParamsLegacyV1, Iterations: 100_000, KeyLen: KeySize},
	ParamsCredentialV2: {Name: ParamsCredentialV2, Iterations: 600_000, KeyLen: KeySize},
}

// ParamsByName returns the registered parameter set with the given name.
func ParamsByName(name string) (DerivationParams, error) {
	p, ok := paramSets[name]
	if !ok {
		return DerivationParams{}, fmt.Errorf("unknown derivation parameter set %q", name)
	}
	return p, nil
}

// CredentialParams returns the current parameter set for user-credential KEKs.
func CredentialParams() DerivationParams { return paramSets[ParamsCredentialV2] }

// LegacyParams returns the historical parameter set used for the fallback key.
func LegacyParams() DerivationParams { return paramSets[ParamsLegacyV1] }
