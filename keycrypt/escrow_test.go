package keycrypt

import (
	"bytes"
	"testing"
)

func TestEscrowWrapUnwrap(t *testing.T) {
	priv, pub, err := GenerateEscrowKeypair()
	if err != nil {
		t.Fatalf("GenerateEscrowKeypair failed: %v", err)
	}
	if len(priv) != 32 || len(pub) != 32 {
		t.Fatalf("Keypair sizes: priv=%d pub=%d", len(priv), len(pub))
	}

	dek, _ := GenerateDEK()
	blob, err := EscrowWrap(pub, dek)
	if err != nil {
		t.Fatalf("EscrowWrap failed: %v", err)
	}
	if blob.Version != EscrowBlobVersion {
		t.Errorf("Blob version = %d", blob.Version)
	}
	if len(blob.Nonce) != 24 {
		t.Errorf("Expected 24-byte nonce, got %d bytes", len(blob.Nonce))
	}
	if len(blob.PublicKey) != 32 {
		t.Errorf("Expected 32-byte ephemeral key, got %d bytes", len(blob.PublicKey))
	}

	got, err := EscrowUnwrap(priv, blob)
	if err != nil {
		t.Fatalf("EscrowUnwrap failed: %v", err)
	}
	if !bytes.Equal(got, dek) {
		t.Error("Escrow round trip mismatch")
	}
}

func TestEscrowUnwrap_WrongKey(t *testing.T) {
	_, pub, _ := GenerateEscrowKeypair()
	otherPriv, _, _ := GenerateEscrowKeypair()

	dek, _ := GenerateDEK()
	blob, err := EscrowWrap(pub, dek)
	if err != nil {
		t.Fatalf("EscrowWrap failed: %v", err)
	}

	if _, err := EscrowUnwrap(otherPriv, blob); !IsDecryptionFailure(err) {
		t.Errorf("Wrong escrow key not rejected: %v", err)
	}
}

func TestEscrowUnwrap_Tampered(t *testing.T) {
	priv, pub, _ := GenerateEscrowKeypair()
	dek, _ := GenerateDEK()
	blob, err := EscrowWrap(pub, dek)
	if err != nil {
		t.Fatalf("EscrowWrap failed: %v", err)
	}

	blob.Ciphertext[0] ^= 0x01
	if _, err := EscrowUnwrap(priv, blob); !IsDecryptionFailure(err) {
		t.Errorf("Tampered blob not rejected: %v", err)
	}
}

func TestEscrowBlob_EncodeDecode(t *testing.T) {
	priv, pub, _ := GenerateEscrowKeypair()
	dek, _ := GenerateDEK()
	blob, _ := EscrowWrap(pub, dek)

	encoded, err := EncodeEscrowBlob(blob)
	if err != nil {
		t.Fatalf("EncodeEscrowBlob failed: %v", err)
	}
	decoded, err := DecodeEscrowBlob(encoded)
	if err != nil {
		t.Fatalf("DecodeEscrowBlob failed: %v", err)
	}

	got, err := EscrowUnwrap(priv, decoded)
	if err != nil || !bytes.Equal(got, dek) {
		t.Errorf("Decoded blob failed to unwrap: %v", err)
	}

	if _, err := DecodeEscrowBlob("!!!"); err == nil {
		t.Error("Invalid encoding accepted")
	}

	blob.Version = 99
	if _, err := EscrowUnwrap(priv, blob); err == nil {
		t.Error("Unknown version accepted")
	}
}
