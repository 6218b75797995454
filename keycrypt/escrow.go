package keycrypt

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Recovery escrow wraps a user's DEK to an operator-held X25519 public
// key, so support can recover a locked-out account with an offline
// private key. The server side only ever handles the public key and the
// sealed blob; no plaintext DEK is stored.

// EscrowBlobVersion identifies the current blob layout.
const EscrowBlobVersion = 1

// escrowInfo binds derived escrow keys to this protocol and version.
const escrowInfo = "nestvault/escrow/v1"

// EscrowBlob is a DEK sealed to an escrow public key: ephemeral X25519
// ECDH, HKDF-SHA256 key expansion, XChaCha20-Poly1305.
type EscrowBlob struct {
	Version    int    `json:"version"`
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`      // 24-byte nonce for XChaCha20
	PublicKey  []byte `json:"public_key"` // Ephemeral public key for ECDH
}

// GenerateEscrowKeypair generates an X25519 keypair for escrow. The
// private half stays offline with the operator.
func GenerateEscrowKeypair() (privateKey, publicKey []byte, err error) {
	privateKey = make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(privateKey); err != nil {
		return nil, nil, err
	}
	publicKey, err = curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return privateKey, publicKey, nil
}

// EscrowWrap seals a DEK to the recipient's escrow public key.
func EscrowWrap(recipientPublic, dek []byte) (*EscrowBlob, error) {
	if len(dek) != KeySize {
		return nil, &WrapError{Op: "escrow wrap", Err: ErrInvalidKeySize}
	}
	if len(recipientPublic) != curve25519.PointSize {
		return nil, &WrapError{Op: "escrow wrap", Err: fmt.Errorf("escrow public key must be %d bytes", curve25519.PointSize)}
	}

	ephemeralPrivate, ephemeralPublic, err := GenerateEscrowKeypair()
	if err != nil {
		return nil, &WrapError{Op: "escrow wrap", Err: fmt.Errorf("failed to generate ephemeral keypair: %w", err)}
	}
	defer zeroBytes(ephemeralPrivate)

	shared, err := curve25519.X25519(ephemeralPrivate, recipientPublic)
	if err != nil {
		return nil, &WrapError{Op: "escrow wrap", Err: fmt.Errorf("failed to derive shared secret: %w", err)}
	}
	defer zeroBytes(shared)

	sealKey, err := escrowSealKey(shared)
	if err != nil {
		return nil, &WrapError{Op: "escrow wrap", Err: err}
	}
	defer zeroBytes(sealKey)

	aead, err := chacha20poly1305.NewX(sealKey)
	if err != nil {
		return nil, &WrapError{Op: "escrow wrap", Err: err}
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, &WrapError{Op: "escrow wrap", Err: fmt.Errorf("failed to generate nonce: %w", err)}
	}

	return &EscrowBlob{
		Version:    EscrowBlobVersion,
		Ciphertext: aead.Seal(nil, nonce, dek, nil),
		Nonce:      nonce,
		PublicKey:  ephemeralPublic,
	}, nil
}

// EscrowUnwrap opens an escrow blob with the operator's private key and
// returns the DEK.
func EscrowUnwrap(recipientPrivate []byte, blob *EscrowBlob) ([]byte, error) {
	if blob == nil {
		return nil, fmt.Errorf("escrow blob is nil")
	}
	if blob.Version != EscrowBlobVersion {
		return nil, fmt.Errorf("unsupported escrow blob version %d", blob.Version)
	}

	shared, err := curve25519.X25519(recipientPrivate, blob.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive shared secret: %w", err)
	}
	defer zeroBytes(shared)

	sealKey, err := escrowSealKey(shared)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(sealKey)

	aead, err := chacha20poly1305.NewX(sealKey)
	if err != nil {
		return nil, err
	}

	dek, err := aead.Open(nil, blob.Nonce, blob.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: escrow authentication tag mismatch", ErrDecryptionFailed)
	}
	if len(dek) != KeySize {
		zeroBytes(dek)
		return nil, fmt.Errorf("%w: escrowed key has wrong length", ErrDecryptionFailed)
	}
	return dek, nil
}

// escrowSealKey expands the ECDH shared secret into the sealing key.
func escrowSealKey(shared []byte) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, shared, nil, []byte(escrowInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to expand shared secret: %w", err)
	}
	return key, nil
}

// EncodeEscrowBlob encodes an escrow blob to a base64 string for transport.
func EncodeEscrowBlob(blob *EscrowBlob) (string, error) {
	data, err := json.Marshal(blob)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeEscrowBlob decodes a base64 string to an escrow blob.
func DecodeEscrowBlob(s string) (*EscrowBlob, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	var blob EscrowBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, err
	}
	return &blob, nil
}
