package keycrypt

import (
	"errors"
	"fmt"
)

var (
	// ErrDecryptionFailed indicates an authentication-tag mismatch: wrong
	// key, tampered ciphertext, or a wrong/garbled IV. It is never
	// translated into a default value by the cipher or envelope layers.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrInconsistentRecord indicates a record with exactly one of
	// ciphertext/iv present. Such a record is a decryption failure, never
	// plaintext.
	ErrInconsistentRecord = errors.New("inconsistent record: ciphertext and iv must be present together")

	// ErrInvalidKeySize indicates key material that is not exactly 32 bytes.
	ErrInvalidKeySize = errors.New("key must be exactly 32 bytes")

	// ErrNoKey indicates that neither a session key nor a fallback key is
	// available to satisfy an operation.
	ErrNoKey = errors.New("no key material available")
)

// DerivationError reports malformed credential or salt input to key
// derivation. Always fatal to the calling operation.
type DerivationError struct {
	Kind CredentialKind
	Err  error
}

func (e *DerivationError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("key derivation (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("key derivation: %v", e.Err)
}

func (e *DerivationError) Unwrap() error { return e.Err }

// WrapError reports an RNG or encoding failure while generating or
// wrapping a DEK. Always fatal, the operation is aborted.
type WrapError struct {
	Op  string
	Err error
}

func (e *WrapError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *WrapError) Unwrap() error { return e.Err }

// DecodeError reports that a stored field could not be decoded: decryption
// failed and, when enabled, the legacy plaintext parse also failed. The
// field layer degrades such a field to nil; lower layers never do.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("decode field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("decode field: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecryptionFailure reports whether err is (or wraps) a failed
// authenticated decryption.
func IsDecryptionFailure(err error) bool {
	return errors.Is(err, ErrDecryptionFailed)
}

// IsDecodeFailure reports whether err is a field-level decode failure.
func IsDecodeFailure(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// IsDerivationFailure reports whether err is a key-derivation input failure.
func IsDerivationFailure(err error) bool {
	var de *DerivationError
	return errors.As(err, &de)
}
