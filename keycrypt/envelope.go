package keycrypt

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// GenerateDEK returns a fresh 32-byte Data Encryption Key from the CSPRNG.
// The plaintext DEK must never reach persistent storage; callers persist
// it only in wrapped form.
func GenerateDEK() ([]byte, error) {
	dek := make([]byte, KeySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, &WrapError{Op: "generate dek", Err: err}
	}
	return dek, nil
}

// WrapDEK encrypts a DEK under a KEK: the raw DEK is base64-encoded and
// that text is sealed by the field cipher. The resulting record is what
// the user record stores.
func WrapDEK(dek, kek []byte) (Record, error) {
	if len(dek) != KeySize {
		return Record{}, &WrapError{Op: "wrap dek", Err: ErrInvalidKeySize}
	}
	c, err := NewFieldCipher(kek)
	if err != nil {
		return Record{}, &WrapError{Op: "wrap dek", Err: err}
	}
	encoded := base64.StdEncoding.EncodeToString(dek)
	rec, err := c.Encrypt([]byte(encoded))
	if err != nil {
		return Record{}, &WrapError{Op: "wrap dek", Err: err}
	}
	return rec, nil
}

// UnwrapDEK decrypts a wrapped DEK record with a KEK. A wrong KEK or a
// corrupted record propagates the decryption failure verbatim; the caller
// decides whether to retry with an alternate KEK or surface it as invalid
// credentials.
func UnwrapDEK(rec Record, kek []byte) ([]byte, error) {
	c, err := NewFieldCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("unwrap dek: %w", err)
	}
	plaintext, err := c.Decrypt(rec)
	if err != nil {
		return nil, err
	}
	dek, err := base64.StdEncoding.DecodeString(string(plaintext))
	if err != nil {
		return nil, fmt.Errorf("%w: wrapped key payload is not valid base64", ErrDecryptionFailed)
	}
	if len(dek) != KeySize {
		return nil, fmt.Errorf("%w: unwrapped key has wrong length", ErrDecryptionFailed)
	}
	return dek, nil
}

// RewrapDEK unwraps a record with the old KEK and wraps the DEK under the
// new one with a fresh IV. Used for credential changes and parameter-set
// upgrades; data encrypted with the DEK is untouched.
func RewrapDEK(rec Record, oldKEK, newKEK []byte) (Record, error) {
	dek, err := UnwrapDEK(rec, oldKEK)
	if err != nil {
		return Record{}, err
	}
	defer zeroBytes(dek)
	return WrapDEK(dek, newKEK)
}

// WrappedKey is the storable and transportable form of a wrapped DEK: the
// ciphertext record plus everything needed to derive the KEK again. The
// plaintext DEK never appears here.
type WrappedKey struct {
	Kind       CredentialKind `json:"kind"`
	Params     string         `json:"params"`
	Salt       []byte         `json:"salt"`
	Ciphertext string         `json:"ciphertext"`
	IV         string         `json:"iv"`
	KeyVersion int64          `json:"key_version"`
	CreatedAt  int64          `json:"created_at"`
}

// Record returns the ciphertext record held by the wrapped key.
func (w *WrappedKey) Record() Record {
	return Record{Ciphertext: w.Ciphertext, IV: w.IV}
}

// EncodeWrappedKey encodes a wrapped key to a base64 string for transport.
func EncodeWrappedKey(w *WrappedKey) (string, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeWrappedKey decodes a base64 string into a wrapped key.
func DecodeWrappedKey(s string) (*WrappedKey, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	var w WrappedKey
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return &w, nil
}
