// Package keycrypt implements the envelope-encryption core for per-user
// financial data: credential-based key derivation, DEK generation and
// wrapping, authenticated field-level encryption, and the per-request
// key-resolution policy that ties a session to the correct key material.
//
// Key hierarchy:
//
//	credential --PBKDF2--> KEK --unwraps--> DEK --encrypts--> field data
//
// The plaintext DEK exists only in memory, scoped to the session that
// unwrapped it. Everything that reaches storage is a (ciphertext, iv)
// base64 pair produced by an AEAD cipher.
package keycrypt
