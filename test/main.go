// Package main provides an end-to-end test for the key-manager flow
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
)

const subjectPrefix = "nestvault.v1."

type errorReply struct {
	Error string `json:"error"`
}

type enrollReply struct {
	UserID       string `json:"user_id"`
	RecoveryCode string `json:"recovery_code"`
	Params       string `json:"params"`
}

type unlockReply struct {
	UserID     string `json:"user_id"`
	Key        string `json:"key"`
	Kind       string `json:"kind"`
	Params     string `json:"params"`
	KeyVersion int64  `json:"key_version"`
}

type encryptReply struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Used       string `json:"used"`
}

type decryptReply struct {
	Value json.RawMessage `json:"value"`
	Used  string          `json:"used"`
}

type fieldLoadReply struct {
	Value  json.RawMessage `json:"value"`
	Found  bool            `json:"found"`
	Legacy bool            `json:"legacy"`
}

type rotateReply struct {
	Kind         string `json:"kind"`
	KeyVersion   int64  `json:"key_version"`
	RecoveryCode string `json:"recovery_code"`
}

type statusReply struct {
	Service string `json:"service"`
	Version string `json:"version"`
	StoreID string `json:"store_id"`
}

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://nats.internal.meridianfi.dev:4222"
	}

	credsFile := os.Getenv("NATS_CREDS")
	if credsFile == "" {
		credsFile = "/etc/nestvault/nats.creds"
	}

	fmt.Println("=== NestVault Key Manager E2E Test ===")
	fmt.Printf("NATS URL: %s\n", natsURL)
	fmt.Printf("Creds File: %s\n\n", credsFile)

	opts := []nats.Option{nats.Name("nestvault-e2e")}
	if _, err := os.Stat(credsFile); err == nil {
		opts = append(opts, nats.UserCredentials(credsFile))
	} else {
		fmt.Println("⚠ Creds file not found, connecting without credentials")
	}

	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		fmt.Printf("❌ Failed to connect to NATS: %v\n", err)
		os.Exit(1)
	}
	defer nc.Close()
	fmt.Println("✓ Connected to NATS")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	userID := fmt.Sprintf("user-e2e-%d", time.Now().UnixNano())

	passed := 0
	failed := 0

	run := func(ok bool) {
		if ok {
			passed++
		} else {
			failed++
		}
	}

	run(testStatus(ctx, nc))

	var recoveryCode string
	run(testEnroll(ctx, nc, userID, &recoveryCode))

	var sessionKey string
	run(testUnlock(ctx, nc, userID, recoveryCode, &sessionKey))
	run(testValueEncryption(ctx, nc, userID, sessionKey))
	run(testFields(ctx, nc, userID, sessionKey))
	run(testCredentialRotation(ctx, nc, userID, recoveryCode))

	fmt.Println("\n=== Test Summary ===")
	fmt.Printf("Passed: %d\n", passed)
	fmt.Printf("Failed: %d\n", failed)

	if failed > 0 {
		os.Exit(1)
	}
}

// call sends one request and decodes the reply. A reply carrying an
// error field comes back as a Go error.
func call(ctx context.Context, nc *nats.Conn, op string, req, reply any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	msg, err := nc.RequestWithContext(ctx, subjectPrefix+op, payload)
	if err != nil {
		return fmt.Errorf("request %s: %w", op, err)
	}

	var errReply errorReply
	if json.Unmarshal(msg.Data, &errReply) == nil && errReply.Error != "" {
		return fmt.Errorf("%s", errReply.Error)
	}
	if reply == nil {
		return nil
	}
	return json.Unmarshal(msg.Data, reply)
}

// testStatus checks the daemon answers on the admin subject
func testStatus(ctx context.Context, nc *nats.Conn) bool {
	fmt.Println("\n--- Test 1: Daemon Status ---")

	var status statusReply
	if err := call(ctx, nc, "admin.status", struct{}{}, &status); err != nil {
		fmt.Printf("❌ Status request failed: %v\n", err)
		return false
	}
	if status.Service != "nestvault-key-manager" {
		fmt.Printf("❌ Unexpected service name: %s\n", status.Service)
		return false
	}
	fmt.Printf("✓ Daemon %s (version %s, store %s)\n", status.Service, status.Version, status.StoreID)
	return true
}

// testEnroll enrolls a fresh user and verifies re-enrollment is refused
func testEnroll(ctx context.Context, nc *nats.Conn, userID string, recoveryCode *string) bool {
	fmt.Println("\n--- Test 2: Enrollment ---")

	req := map[string]string{
		"user_id":  userID,
		"username": userID,
		"email":    userID + "@example.com",
		"password": "e2e test passphrase",
	}

	var enrolled enrollReply
	fmt.Printf("→ Enrolling %s\n", userID)
	if err := call(ctx, nc, "enroll", req, &enrolled); err != nil {
		fmt.Printf("❌ Enrollment failed: %v\n", err)
		return false
	}
	if enrolled.RecoveryCode == "" {
		fmt.Println("❌ No recovery code returned")
		return false
	}
	*recoveryCode = enrolled.RecoveryCode
	fmt.Printf("✓ Enrolled with params %s\n", enrolled.Params)

	if err := call(ctx, nc, "enroll", req, nil); err == nil {
		fmt.Println("❌ Second enrollment was accepted")
		return false
	}
	fmt.Println("✓ Re-enrollment refused")
	return true
}

// testUnlock exercises password unlock, recovery unlock and rejection of
// a wrong password
func testUnlock(ctx context.Context, nc *nats.Conn, userID, recoveryCode string, sessionKey *string) bool {
	fmt.Println("\n--- Test 3: Unlock ---")

	var viaPassword unlockReply
	if err := call(ctx, nc, "unlock", map[string]string{
		"user_id":  userID,
		"password": "e2e test passphrase",
	}, &viaPassword); err != nil {
		fmt.Printf("❌ Password unlock failed: %v\n", err)
		return false
	}
	if viaPassword.Key == "" || viaPassword.Kind != "password" {
		fmt.Printf("❌ Unexpected unlock reply: kind=%s\n", viaPassword.Kind)
		return false
	}
	*sessionKey = viaPassword.Key
	fmt.Printf("✓ Password unlock (params %s, version %d)\n", viaPassword.Params, viaPassword.KeyVersion)

	if err := call(ctx, nc, "unlock", map[string]string{
		"user_id":  userID,
		"password": "not the passphrase",
	}, nil); err == nil {
		fmt.Println("❌ Wrong password was accepted")
		return false
	}
	fmt.Println("✓ Wrong password refused")

	var viaRecovery unlockReply
	if err := call(ctx, nc, "unlock", map[string]string{
		"user_id":       userID,
		"recovery_code": recoveryCode,
	}, &viaRecovery); err != nil {
		fmt.Printf("❌ Recovery unlock failed: %v\n", err)
		return false
	}
	if viaRecovery.Key != viaPassword.Key {
		fmt.Println("❌ Recovery code unwrapped a different key")
		return false
	}
	fmt.Println("✓ Recovery code unlocks the same key")
	return true
}

// testValueEncryption round-trips a value and verifies tampering is
// rejected
func testValueEncryption(ctx context.Context, nc *nats.Conn, userID, sessionKey string) bool {
	fmt.Println("\n--- Test 4: Value Encryption ---")
	if sessionKey == "" {
		fmt.Println("❌ No session key from unlock")
		return false
	}

	value := json.RawMessage(`{"iban":"DE89370400440532013000","note":"e2e"}`)

	var enc encryptReply
	if err := call(ctx, nc, "encrypt_value", map[string]any{
		"user_id": userID,
		"key":     sessionKey,
		"value":   value,
	}, &enc); err != nil {
		fmt.Printf("❌ Encrypt failed: %v\n", err)
		return false
	}
	if enc.Used != "session" {
		fmt.Printf("❌ Expected session binding, got %s\n", enc.Used)
		return false
	}
	fmt.Printf("✓ Encrypted under %s key\n", enc.Used)

	var dec decryptReply
	if err := call(ctx, nc, "decrypt_value", map[string]any{
		"user_id":    userID,
		"key":        sessionKey,
		"ciphertext": enc.Ciphertext,
		"iv":         enc.IV,
	}, &dec); err != nil {
		fmt.Printf("❌ Decrypt failed: %v\n", err)
		return false
	}
	if !bytes.Equal(dec.Value, value) {
		fmt.Printf("❌ Round trip mismatch: %s\n", dec.Value)
		return false
	}
	fmt.Println("✓ Round trip verified")

	tampered := enc.Ciphertext[:len(enc.Ciphertext)-4] + "AAAA"
	if err := call(ctx, nc, "decrypt_value", map[string]any{
		"user_id":    userID,
		"key":        sessionKey,
		"ciphertext": tampered,
		"iv":         enc.IV,
	}, nil); err == nil {
		fmt.Println("❌ Tampered ciphertext was accepted")
		return false
	}
	fmt.Println("✓ Tampered ciphertext refused")
	return true
}

// testFields saves a field under the session key, reads it back, and
// verifies a keyless read degrades instead of leaking
func testFields(ctx context.Context, nc *nats.Conn, userID, sessionKey string) bool {
	fmt.Println("\n--- Test 5: Entity Fields ---")
	if sessionKey == "" {
		fmt.Println("❌ No session key from unlock")
		return false
	}

	value := json.RawMessage(`{"city":"Frankfurt","plan":"premium"}`)

	if err := call(ctx, nc, "field.save", map[string]any{
		"entity_type": "user",
		"entity_id":   userID,
		"field":       "profile",
		"value":       value,
		"user_id":     userID,
		"key":         sessionKey,
	}, nil); err != nil {
		fmt.Printf("❌ Field save failed: %v\n", err)
		return false
	}
	fmt.Println("✓ Field saved")

	var loaded fieldLoadReply
	if err := call(ctx, nc, "field.load", map[string]any{
		"entity_type": "user",
		"entity_id":   userID,
		"field":       "profile",
		"user_id":     userID,
		"key":         sessionKey,
	}, &loaded); err != nil {
		fmt.Printf("❌ Field load failed: %v\n", err)
		return false
	}
	if !loaded.Found || !bytes.Equal(loaded.Value, value) {
		fmt.Printf("❌ Field round trip mismatch: found=%v value=%s\n", loaded.Found, loaded.Value)
		return false
	}
	fmt.Println("✓ Field round trip verified")

	var keyless fieldLoadReply
	if err := call(ctx, nc, "field.load", map[string]any{
		"entity_type": "user",
		"entity_id":   userID,
		"field":       "profile",
	}, &keyless); err != nil {
		fmt.Printf("❌ Keyless field load errored: %v\n", err)
		return false
	}
	if !keyless.Found || string(keyless.Value) != "null" {
		fmt.Printf("❌ Keyless read leaked data: %s\n", keyless.Value)
		return false
	}
	fmt.Println("✓ Keyless read degraded to null")
	return true
}

// testCredentialRotation rotates the recovery code and verifies the old
// one stops working
func testCredentialRotation(ctx context.Context, nc *nats.Conn, userID, oldCode string) bool {
	fmt.Println("\n--- Test 6: Credential Rotation ---")

	var rotated rotateReply
	if err := call(ctx, nc, "rotate_credential", map[string]string{
		"user_id":  userID,
		"kind":     "recovery_code",
		"password": "e2e test passphrase",
	}, &rotated); err != nil {
		fmt.Printf("❌ Rotation failed: %v\n", err)
		return false
	}
	if rotated.RecoveryCode == "" || rotated.RecoveryCode == oldCode {
		fmt.Println("❌ Rotation did not produce a fresh code")
		return false
	}
	fmt.Printf("✓ Recovery code rotated (version %d)\n", rotated.KeyVersion)

	if err := call(ctx, nc, "unlock", map[string]string{
		"user_id":       userID,
		"recovery_code": oldCode,
	}, nil); err == nil {
		fmt.Println("❌ Old recovery code still works")
		return false
	}
	fmt.Println("✓ Old recovery code refused")

	if err := call(ctx, nc, "unlock", map[string]string{
		"user_id":       userID,
		"recovery_code": rotated.RecoveryCode,
	}, nil); err != nil {
		fmt.Printf("❌ New recovery code failed: %v\n", err)
		return false
	}
	fmt.Println("✓ New recovery code unlocks")
	return true
}
