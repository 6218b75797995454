package keycrypt

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// BindState describes which key material a Resolution is currently bound to.
type BindState int

const (
	// Unresolved means no key has been used yet.
	Unresolved BindState = iota
	// SessionBound means the session-scoped user DEK satisfied the last
	// operation.
	SessionBound
	// FallbackBound means the process-wide fallback key satisfied the last
	// operation (no session key, or the session key failed on a read).
	FallbackBound
	// Failed means both the session key and the fallback key failed to
	// decrypt a record. Terminal for that operation; the error propagates.
	Failed
)

func (s BindState) String() string {
	switch s {
	case SessionBound:
		return "session"
	case FallbackBound:
		return "fallback"
	case Failed:
		return "failed"
	default:
		return "unresolved"
	}
}

// Resolution resolves which DEK an operation uses: the session-scoped user
// key when present, else the injected fallback key. It is an explicit
// capability threaded through calls, never ambient state, and it is owned
// by a single request; it is not safe for concurrent use.
//
// Read path: the session key is tried first, then the fallback key exactly
// once (records written before per-user DEKs existed, or by an older key
// epoch). Write path: the key is chosen up front and never switched after
// encrypting.
type Resolution struct {
	session  *SessionKey
	fallback KeyProvider
	state    BindState

	sessionCipher  *FieldCipher
	fallbackCipher *FieldCipher
	encryptCipher  *FieldCipher
	encryptState   BindState
}

// NewResolution builds a resolution over an optional session key and a
// fallback key provider. Either may be nil; an operation with neither
// fails with ErrNoKey.
func NewResolution(session *SessionKey, fallback KeyProvider) *Resolution {
	return &Resolution{session: session, fallback: fallback, state: Unresolved}
}

// State returns the binding used by the most recent operation.
func (r *Resolution) State() BindState { return r.state }

// HasSession reports whether a session key is installed.
func (r *Resolution) HasSession() bool { return r.session != nil }

func (r *Resolution) sessionFieldCipher() (*FieldCipher, error) {
	if r.session == nil {
		return nil, nil
	}
	if r.sessionCipher == nil {
		c, err := NewFieldCipher(r.session.key)
		if err != nil {
			return nil, fmt.Errorf("session key: %w", err)
		}
		r.sessionCipher = c
	}
	return r.sessionCipher, nil
}

func (r *Resolution) fallbackFieldCipher(ctx context.Context) (*FieldCipher, error) {
	if r.fallback == nil {
		return nil, nil
	}
	if r.fallbackCipher == nil {
		key, err := r.fallback.Key(ctx)
		if err != nil {
			return nil, fmt.Errorf("fallback key: %w", err)
		}
		c, err := NewFieldCipher(key)
		zeroBytes(key)
		if err != nil {
			return nil, fmt.Errorf("fallback key: %w", err)
		}
		r.fallbackCipher = c
	}
	return r.fallbackCipher, nil
}

// Encrypt seals plaintext with the resolved key: session if present, else
// fallback. The choice is made once per Resolution and never revisited, so
// written records are always attributable to a single key.
func (r *Resolution) Encrypt(ctx context.Context, plaintext []byte) (Record, error) {
	if r.encryptCipher == nil {
		if c, err := r.sessionFieldCipher(); err != nil {
			return Record{}, err
		} else if c != nil {
			r.encryptCipher, r.encryptState = c, SessionBound
		} else {
			c, err := r.fallbackFieldCipher(ctx)
			if err != nil {
				return Record{}, err
			}
			if c == nil {
				return Record{}, ErrNoKey
			}
			r.encryptCipher, r.encryptState = c, FallbackBound
		}
	}

	rec, err := r.encryptCipher.Encrypt(plaintext)
	if err != nil {
		return Record{}, err
	}
	r.state = r.encryptState
	return rec, nil
}

// Decrypt opens a record with the session key, retrying exactly once with
// the fallback key on a decryption failure. When both fail the resolution
// records Failed and the error propagates; it is never swallowed.
func (r *Resolution) Decrypt(ctx context.Context, rec Record) ([]byte, error) {
	sc, err := r.sessionFieldCipher()
	if err != nil {
		return nil, err
	}

	var sessionErr error
	if sc != nil {
		plaintext, err := sc.Decrypt(rec)
		if err == nil {
			r.state = SessionBound
			return plaintext, nil
		}
		if !IsDecryptionFailure(err) {
			return nil, err
		}
		sessionErr = err
		log.Warn().
			Str("user_id", r.session.UserID()).
			Msg("Session key failed to decrypt record, retrying with fallback key")
	}

	fc, err := r.fallbackFieldCipher(ctx)
	if err != nil {
		return nil, err
	}
	if fc == nil {
		if sessionErr != nil {
			r.state = Failed
			return nil, sessionErr
		}
		return nil, ErrNoKey
	}

	plaintext, err := fc.Decrypt(rec)
	if err == nil {
		r.state = FallbackBound
		return plaintext, nil
	}
	r.state = Failed
	if sessionErr != nil {
		return nil, fmt.Errorf("session and fallback keys both failed: %w", err)
	}
	return nil, err
}
