package keycrypt

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"

	"golang.org/x/crypto/argon2"
)

// KeyProvider supplies 32-byte key material, typically the process-wide
// fallback key or the keystore's root key. Providers are injected into the
// components that need keys; nothing reads key material from package-level
// state. Implementations return a fresh copy on every call so callers may
// wipe it.
type KeyProvider interface {
	Key(ctx context.Context) ([]byte, error)
}

// StaticKeyProvider returns a fixed key. Intended for tests and standalone
// dev deployments.
type StaticKeyProvider struct {
	key []byte
}

// NewStaticKeyProvider copies a 32-byte key into a provider.
func NewStaticKeyProvider(key []byte) (*StaticKeyProvider, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &StaticKeyProvider{key: k}, nil
}

// Key returns a copy of the held key.
func (p *StaticKeyProvider) Key(ctx context.Context) ([]byte, error) {
	k := make([]byte, KeySize)
	copy(k, p.key)
	return k, nil
}

// EnvKeyProvider reads a base64-encoded 32-byte key from an environment
// variable on each call.
type EnvKeyProvider struct {
	// Var is the environment variable holding the base64 key.
	Var string
}

// Key decodes and validates the key from the environment.
func (p *EnvKeyProvider) Key(ctx context.Context) ([]byte, error) {
	raw := os.Getenv(p.Var)
	if raw == "" {
		return nil, fmt.Errorf("%w: environment variable %s is not set", ErrNoKey, p.Var)
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("environment key %s is not valid base64: %w", p.Var, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("environment key %s: %w", p.Var, ErrInvalidKeySize)
	}
	return key, nil
}

// Argon2id parameters for passphrase-based providers.
const (
	argon2Time    = 3
	argon2Memory  = 262144 // 256 MB
	argon2Threads = 4
)

// PassphraseKeyProvider derives the key from an operator passphrase with
// Argon2id. The salt must be stable across restarts (persisted next to the
// store) or the derived key changes.
type PassphraseKeyProvider struct {
	passphrase []byte
	salt       []byte
}

// NewPassphraseKeyProvider creates a provider over a passphrase and salt.
func NewPassphraseKeyProvider(passphrase, salt []byte) (*PassphraseKeyProvider, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("passphrase is empty")
	}
	if len(salt) < SaltSize {
		return nil, fmt.Errorf("salt must be at least %d bytes", SaltSize)
	}
	p := &PassphraseKeyProvider{
		passphrase: make([]byte, len(passphrase)),
		salt:       make([]byte, len(salt)),
	}
	copy(p.passphrase, passphrase)
	copy(p.salt, salt)
	return p, nil
}

// Key derives the key with Argon2id.
func (p *PassphraseKeyProvider) Key(ctx context.Context) ([]byte, error) {
	return argon2.IDKey(p.passphrase, p.salt, argon2Time, argon2Memory, argon2Threads, KeySize), nil
}

// DerivedKeyProvider derives the fallback key from configured secret
// material with the legacy parameter set, matching how the process-wide
// key was historically produced.
type DerivedKeyProvider struct {
	deriver *Deriver
	secret  []byte
	salt    []byte
}

// NewDerivedKeyProvider creates a provider deriving from secret material
// and a fixed salt using the legacy parameter set.
func NewDerivedKeyProvider(deriver *Deriver, secret, salt []byte) (*DerivedKeyProvider, error) {
	if deriver == nil {
		return nil, fmt.Errorf("deriver is required")
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("secret is empty")
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("salt is empty")
	}
	p := &DerivedKeyProvider{
		deriver: deriver,
		secret:  make([]byte, len(secret)),
		salt:    make([]byte, len(salt)),
	}
	copy(p.secret, secret)
	copy(p.salt, salt)
	return p, nil
}

// Key derives the fallback key.
func (p *DerivedKeyProvider) Key(ctx context.Context) ([]byte, error) {
	return p.deriver.Derive(ctx, p.secret, p.salt, LegacyParams())
}
