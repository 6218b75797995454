package keycrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// NonceSize is the AES-GCM nonce length in bytes (96 bits).
const NonceSize = 12

// Record is a (ciphertext, iv) pair of base64 strings, safe for text
// columns and JSON transport. Both fields are present together or absent
// together; a record with exactly one of the two is inconsistent and
// decrypts to an error, never to plaintext.
type Record struct {
	Ciphertext string `json:"ciphertext,omitempty"`
	IV         string `json:"iv,omitempty"`
}

// IsZero reports whether the record carries no data at all.
func (r Record) IsZero() bool { return r.Ciphertext == "" && r.IV == "" }

// consistent returns ErrInconsistentRecord when exactly one field is set.
func (r Record) consistent() error {
	if (r.Ciphertext == "") != (r.IV == "") {
		return ErrInconsistentRecord
	}
	return nil
}

// FieldCipher performs authenticated encryption of byte strings with
// AES-256-GCM: 256-bit key, 96-bit CSPRNG nonce per call, no associated
// data. Confidentiality and integrity in one primitive.
type FieldCipher struct {
	aead cipher.AEAD
}

// NewFieldCipher creates a cipher bound to a 32-byte key. The key is not
// retained; only the expanded AEAD state is.
func NewFieldCipher(key []byte) (*FieldCipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize AEAD: %w", err)
	}
	return &FieldCipher{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce and returns the
// base64 (ciphertext, iv) pair. Nonce reuse under one key would break the
// AEAD guarantees, so the nonce always comes from the CSPRNG.
func (c *FieldCipher) Encrypt(plaintext []byte) (Record, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Record{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := c.aead.Seal(nil, nonce, plaintext, nil)
	return Record{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		IV:         base64.StdEncoding.EncodeToString(nonce),
	}, nil
}

// Decrypt opens a record and returns the plaintext. Any tag mismatch,
// malformed encoding, or inconsistent record fails with an error wrapping
// ErrDecryptionFailed. Never returns partial plaintext.
func (c *FieldCipher) Decrypt(rec Record) ([]byte, error) {
	if err := rec.consistent(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}
	if rec.IsZero() {
		return nil, fmt.Errorf("%w: empty record", ErrDecryptionFailed)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(rec.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext is not valid base64", ErrDecryptionFailed)
	}
	nonce, err := base64.StdEncoding.DecodeString(rec.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: iv is not valid base64", ErrDecryptionFailed)
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: iv has wrong length", ErrDecryptionFailed)
	}

	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication tag mismatch", ErrDecryptionFailed)
	}
	return plaintext, nil
}

// EncryptMap JSON-serializes and encrypts a map. A nil or empty map
// short-circuits to a zero Record without touching the cipher.
func (c *FieldCipher) EncryptMap(m map[string]any) (Record, error) {
	if len(m) == 0 {
		return Record{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal value: %w", err)
	}
	return c.Encrypt(data)
}

// DecryptMap decrypts and JSON-parses a map. A zero Record yields nil.
func (c *FieldCipher) DecryptMap(rec Record) (map[string]any, error) {
	if rec.IsZero() {
		return nil, nil
	}
	data, err := c.Decrypt(rec)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return m, nil
}

// EncryptSlice JSON-serializes and encrypts a list. A nil or empty list
// short-circuits to a zero Record.
func (c *FieldCipher) EncryptSlice(s []any) (Record, error) {
	if len(s) == 0 {
		return Record{}, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal value: %w", err)
	}
	return c.Encrypt(data)
}

// DecryptSlice decrypts and JSON-parses a list. A zero Record yields nil.
func (c *FieldCipher) DecryptSlice(rec Record) ([]any, error) {
	if rec.IsZero() {
		return nil, nil
	}
	data, err := c.Decrypt(rec)
	if err != nil {
		return nil, err
	}
	var s []any
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return s, nil
}
