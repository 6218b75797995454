package keycrypt

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"strings"
	"unicode/utf8"
)

// CredentialKind identifies which user credential a KEK was derived from.
// Each kind has its own normalization rule and salt convention, so keys
// never alias across kinds.
type CredentialKind string

const (
	CredentialPassword     CredentialKind = "password"
	CredentialRecoveryCode CredentialKind = "recovery_code"
	CredentialEmail        CredentialKind = "email"
)

// Valid reports whether k is a recognized credential kind.
func (k CredentialKind) Valid() bool {
	switch k {
	case CredentialPassword, CredentialRecoveryCode, CredentialEmail:
		return true
	}
	return false
}

// NormalizeCredential applies the per-kind normalization rule and returns
// the bytes fed to key derivation. Password is used verbatim; recovery
// codes are uppercased with spaces and hyphens stripped; emails are
// lowercased and trimmed. Malformed UTF-8 fails explicitly.
func NormalizeCredential(kind CredentialKind, raw string) ([]byte, error) {
	if !utf8.ValidString(raw) {
		return nil, &DerivationError{Kind: kind, Err: fmt.Errorf("credential is not valid UTF-8")}
	}
	if raw == "" {
		return nil, &DerivationError{Kind: kind, Err: fmt.Errorf("credential is empty")}
	}

	switch kind {
	case CredentialPassword:
		return []byte(raw), nil
	case CredentialRecoveryCode:
		code := strings.ToUpper(raw)
		code = strings.ReplaceAll(code, " ", "")
		code = strings.ReplaceAll(code, "-", "")
		if code == "" {
			return nil, &DerivationError{Kind: kind, Err: fmt.Errorf("recovery code is empty after normalization")}
		}
		return []byte(code), nil
	case CredentialEmail:
		email := strings.ToLower(strings.TrimSpace(raw))
		if email == "" {
			return nil, &DerivationError{Kind: kind, Err: fmt.Errorf("email is empty after normalization")}
		}
		return []byte(email), nil
	default:
		return nil, &DerivationError{Kind: kind, Err: fmt.Errorf("unknown credential kind")}
	}
}

// PasswordSalt returns the deterministic salt for the primary password KEK:
// the SHA-256 digest of the normalized username and email. Deterministic so
// it can be re-derived at login without a stored salt.
func PasswordSalt(username, email string) []byte {
	u := strings.ToLower(strings.TrimSpace(username))
	e := strings.ToLower(strings.TrimSpace(email))
	sum := sha256.Sum256([]byte(u + ":" + e))
	return sum[:]
}

// NewRandomSalt returns a fresh CSPRNG salt for recovery-code and email
// KEKs. Persisted alongside the wrapped DEK record.
func NewRandomSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// NewRecoveryCode generates a user-facing recovery code: five groups of
// four characters from an unambiguous alphabet, e.g. "7XK4-Q2MH-....".
// Returned exactly once at enrollment; only its derived KEK survives.
func NewRecoveryCode() (string, error) {
	const alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	const groups, groupLen = 5, 4

	raw := make([]byte, groups*groupLen)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate recovery code: %w", err)
	}

	var b strings.Builder
	for i, c := range raw {
		if i > 0 && i%groupLen == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(alphabet[int(c)%len(alphabet)])
	}
	return b.String(), nil
}
