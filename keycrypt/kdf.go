package keycrypt

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"runtime"
	"unicode/utf8"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/sync/semaphore"
)

// Deriver turns credentials into 32-byte keys via PBKDF2-HMAC-SHA256.
// Derivation is intentionally expensive (hundreds of thousands of
// iterations), so a Deriver bounds how many derivations run at once;
// without the bound, concurrent logins are a trivial denial-of-service
// vector. Waiting callers honor context cancellation.
type Deriver struct {
	sem *semaphore.Weighted
}

// NewDeriver creates a Deriver allowing at most maxConcurrent derivations
// at a time. Values <= 0 default to the GOMAXPROCS count.
func NewDeriver(maxConcurrent int64) *Deriver {
	if maxConcurrent <= 0 {
		maxConcurrent = int64(runtime.GOMAXPROCS(0))
	}
	return &Deriver{sem: semaphore.NewWeighted(maxConcurrent)}
}

// Derive runs PBKDF2 over already-normalized credential bytes. Same
// (credential, salt, params) always yields the same key; changing any
// input changes the key. The credential must be valid UTF-8 and the salt
// non-empty.
func (d *Deriver) Derive(ctx context.Context, credential, salt []byte, params DerivationParams) ([]byte, error) {
	if len(credential) == 0 {
		return nil, &DerivationError{Err: fmt.Errorf("credential is empty")}
	}
	if !utf8.Valid(credential) {
		return nil, &DerivationError{Err: fmt.Errorf("credential is not valid UTF-8")}
	}
	if len(salt) == 0 {
		return nil, &DerivationError{Err: fmt.Errorf("salt is empty")}
	}
	if params.Iterations <= 0 || params.KeyLen != KeySize {
		return nil, &DerivationError{Err: fmt.Errorf("invalid parameter set %q", params.Name)}
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("derivation queue: %w", err)
	}
	defer d.sem.Release(1)

	return pbkdf2.Key(credential, salt, params.Iterations, params.KeyLen, sha256.New), nil
}

// DeriveKEK normalizes a raw credential for its kind and derives the KEK.
// The normalized copy is wiped before returning.
func (d *Deriver) DeriveKEK(ctx context.Context, kind CredentialKind, raw string, salt []byte, params DerivationParams) ([]byte, error) {
	normalized, err := NormalizeCredential(kind, raw)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(normalized)

	key, err := d.Derive(ctx, normalized, salt, params)
	if err != nil {
		var de *DerivationError
		if errors.As(err, &de) && de.Kind == "" {
			return nil, &DerivationError{Kind: kind, Err: de.Err}
		}
		return nil, err
	}
	return key, nil
}
