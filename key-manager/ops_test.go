package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/meridianfi/nestvault/key-manager/keystore"
	"github.com/meridianfi/nestvault/keycrypt"
	"github.com/meridianfi/nestvault/rewrap"
)

// newTestService builds a service over an in-memory keystore with no
// NATS connection. Tests use the legacy parameter set for credentials to
// keep derivation fast.
func newTestService(t *testing.T) *Service {
	t.Helper()

	storeKey := bytes.Repeat([]byte{0x42}, 32)
	provider, err := keycrypt.NewStaticKeyProvider(storeKey)
	if err != nil {
		t.Fatalf("Failed to create store key provider: %v", err)
	}

	store, err := keystore.Open(context.Background(), ":memory:", provider)
	if err != nil {
		t.Fatalf("Failed to open keystore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	deriver := keycrypt.NewDeriver(4)
	secret := []byte("test-fallback-secret")
	fallback, err := keycrypt.NewDerivedKeyProvider(deriver, secret, []byte("test-fallback-salt"))
	if err != nil {
		t.Fatalf("Failed to create fallback provider: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Derivation.CredentialParams = keycrypt.ParamsLegacyV1
	cfg.Rewrap.LockTimeoutMs = 2000

	svc := &Service{
		config:         cfg,
		store:          store,
		deriver:        deriver,
		fallback:       fallback,
		fallbackSecret: secret,
		locks:          rewrap.NewLockManager(store, "instance-test"),
		instanceID:     "instance-test",
		startedAt:      time.Now(),
	}
	svc.audit = NewAuditTrail(store, nil, false)
	return svc
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}
	return data
}

func enrollTestUser(t *testing.T, svc *Service, userID string) *enrollResponse {
	t.Helper()
	resp, err := svc.handleEnroll(context.Background(), mustJSON(t, enrollRequest{
		UserID:   userID,
		Username: userID,
		Email:    userID + "@example.com",
		Password: "correct horse battery staple",
	}))
	if err != nil {
		t.Fatalf("Failed to enroll user: %v", err)
	}
	return resp.(*enrollResponse)
}

func unlockTestUser(t *testing.T, svc *Service, userID, password string) *unlockResponse {
	t.Helper()
	resp, err := svc.handleUnlock(context.Background(), mustJSON(t, unlockRequest{
		UserID:   userID,
		Password: password,
	}))
	if err != nil {
		t.Fatalf("Failed to unlock user: %v", err)
	}
	return resp.(*unlockResponse)
}

func TestEnrollAndUnlock(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	enrolled := enrollTestUser(t, svc, "user-1")
	if enrolled.RecoveryCode == "" {
		t.Fatal("Expected a recovery code")
	}
	if enrolled.Params != keycrypt.ParamsLegacyV1 {
		t.Errorf("Expected params %s, got %s", keycrypt.ParamsLegacyV1, enrolled.Params)
	}
	if enrolled.Escrowed {
		t.Error("Expected no escrow without a configured public key")
	}

	unlocked := unlockTestUser(t, svc, "user-1", "correct horse battery staple")
	if unlocked.Kind != "password" {
		t.Errorf("Expected kind password, got %s", unlocked.Kind)
	}
	dek, err := base64.StdEncoding.DecodeString(unlocked.Key)
	if err != nil || len(dek) != keycrypt.KeySize {
		t.Fatalf("Expected a %d-byte key, got %d bytes (err %v)", keycrypt.KeySize, len(dek), err)
	}

	// Recovery code opens the same DEK
	viaRecovery, err := svc.handleUnlock(ctx, mustJSON(t, unlockRequest{
		UserID:       "user-1",
		RecoveryCode: enrolled.RecoveryCode,
	}))
	if err != nil {
		t.Fatalf("Failed to unlock with recovery code: %v", err)
	}
	if viaRecovery.(*unlockResponse).Key != unlocked.Key {
		t.Error("Recovery code unwrapped a different key")
	}
	if viaRecovery.(*unlockResponse).Kind != "recovery_code" {
		t.Errorf("Expected kind recovery_code, got %s", viaRecovery.(*unlockResponse).Kind)
	}
}

func TestUnlockFailures(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	enrollTestUser(t, svc, "user-1")

	cases := []unlockRequest{
		{UserID: "user-1", Password: "wrong password"},
		{UserID: "user-1", RecoveryCode: "AAAA-BBBB-CCCC-DDDD-EEEE"},
		{UserID: "no-such-user", Password: "whatever"},
	}
	for _, req := range cases {
		_, err := svc.handleUnlock(ctx, mustJSON(t, req))
		if !errors.Is(err, errInvalidCredentials) {
			t.Errorf("Expected invalid credentials for %+v, got %v", req, err)
		}
	}

	// Failures are audited
	events, err := svc.store.ListAuditEvents(keystore.AuditFilter{EventType: EventUserUnlock, Limit: 10})
	if err != nil {
		t.Fatalf("Failed to list audit events: %v", err)
	}
	failures := 0
	for _, ev := range events {
		if ev.Outcome == OutcomeFailure {
			failures++
		}
	}
	if failures != 3 {
		t.Errorf("Expected 3 audited failures, got %d", failures)
	}
}

func TestEnrollTwiceRejected(t *testing.T) {
	svc := newTestService(t)

	enrollTestUser(t, svc, "user-1")
	_, err := svc.handleEnroll(context.Background(), mustJSON(t, enrollRequest{
		UserID:   "user-1",
		Username: "user-1",
		Email:    "user-1@example.com",
		Password: "another password",
	}))
	if err == nil {
		t.Fatal("Expected second enrollment to fail")
	}
}

func TestProvisionThenEnrollKeepsDEK(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	resp, err := svc.handleProvision(ctx, mustJSON(t, provisionRequest{UserID: "user-1"}))
	if err != nil {
		t.Fatalf("Failed to provision: %v", err)
	}
	if !resp.(*provisionResponse).Created {
		t.Fatal("Expected provision to create a key")
	}

	// Unwrap the provisioned DEK directly
	fb, err := svc.store.GetUserKey("user-1", keystore.KindFallback)
	if err != nil {
		t.Fatalf("Failed to load fallback wrap: %v", err)
	}
	params, err := keycrypt.ParamsByName(fb.Params)
	if err != nil {
		t.Fatalf("Unknown params on fallback wrap: %v", err)
	}
	kek, err := svc.fallbackKEK(ctx, fb.Salt, params)
	if err != nil {
		t.Fatalf("Failed to derive fallback KEK: %v", err)
	}
	provisionedDEK, err := keycrypt.UnwrapDEK(fb.Record(), kek)
	if err != nil {
		t.Fatalf("Failed to unwrap provisioned DEK: %v", err)
	}

	// Second provision is a no-op
	again, err := svc.handleProvision(ctx, mustJSON(t, provisionRequest{UserID: "user-1"}))
	if err != nil {
		t.Fatalf("Failed on repeat provision: %v", err)
	}
	if again.(*provisionResponse).Created {
		t.Error("Expected repeat provision to be a no-op")
	}

	// Enrollment wraps the same DEK under credentials
	enrollTestUser(t, svc, "user-1")
	unlocked := unlockTestUser(t, svc, "user-1", "correct horse battery staple")
	unlockedDEK, _ := base64.StdEncoding.DecodeString(unlocked.Key)
	if !bytes.Equal(provisionedDEK, unlockedDEK) {
		t.Error("Enrollment changed the user's DEK")
	}

	// The fallback wrap survives until cleanup decides otherwise
	if _, err := svc.store.GetUserKey("user-1", keystore.KindFallback); err != nil {
		t.Errorf("Expected fallback wrap to remain: %v", err)
	}
}

func TestUnlockLazyUpgrade(t *testing.T) {
	svc := newTestService(t)

	enrollTestUser(t, svc, "user-1")

	// Raise the target parameter set after enrollment
	svc.config.Derivation.CredentialParams = keycrypt.ParamsCredentialV2

	unlocked := unlockTestUser(t, svc, "user-1", "correct horse battery staple")
	if unlocked.Params != keycrypt.ParamsCredentialV2 {
		t.Errorf("Expected upgraded params %s, got %s", keycrypt.ParamsCredentialV2, unlocked.Params)
	}
	if unlocked.KeyVersion != 2 {
		t.Errorf("Expected key version 2 after upgrade, got %d", unlocked.KeyVersion)
	}

	rec, err := svc.store.GetUserKey("user-1", keystore.KindPassword)
	if err != nil {
		t.Fatalf("Failed to load password wrap: %v", err)
	}
	if rec.Params != keycrypt.ParamsCredentialV2 {
		t.Errorf("Stored wrap still has params %s", rec.Params)
	}

	// Second unlock uses the upgraded wrap and does not bump again
	again := unlockTestUser(t, svc, "user-1", "correct horse battery staple")
	if again.KeyVersion != 2 {
		t.Errorf("Expected key version to stay 2, got %d", again.KeyVersion)
	}
	if again.Key != unlocked.Key {
		t.Error("Upgrade changed the DEK")
	}

	events, err := svc.store.ListAuditEvents(keystore.AuditFilter{EventType: EventKeyRewrap, Limit: 10})
	if err != nil {
		t.Fatalf("Failed to list audit events: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("Expected exactly one rewrap audit event, got %d", len(events))
	}
}

func TestRotatePassword(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	enrollTestUser(t, svc, "user-1")
	before := unlockTestUser(t, svc, "user-1", "correct horse battery staple")

	resp, err := svc.handleRotateCredential(ctx, mustJSON(t, rotateCredentialRequest{
		UserID:      "user-1",
		Kind:        "password",
		Password:    "correct horse battery staple",
		NewPassword: "brand new passphrase",
		Username:    "user-1",
		Email:       "user-1@example.com",
	}))
	if err != nil {
		t.Fatalf("Failed to rotate password: %v", err)
	}
	if resp.(*rotateCredentialResponse).KeyVersion != 2 {
		t.Errorf("Expected key version 2, got %d", resp.(*rotateCredentialResponse).KeyVersion)
	}

	if _, err := svc.handleUnlock(ctx, mustJSON(t, unlockRequest{
		UserID:   "user-1",
		Password: "correct horse battery staple",
	})); !errors.Is(err, errInvalidCredentials) {
		t.Errorf("Expected old password to fail, got %v", err)
	}

	after := unlockTestUser(t, svc, "user-1", "brand new passphrase")
	if after.Key != before.Key {
		t.Error("Password rotation changed the DEK")
	}
}

func TestRotateRecoveryCode(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	enrolled := enrollTestUser(t, svc, "user-1")

	resp, err := svc.handleRotateCredential(ctx, mustJSON(t, rotateCredentialRequest{
		UserID:   "user-1",
		Kind:     "recovery_code",
		Password: "correct horse battery staple",
	}))
	if err != nil {
		t.Fatalf("Failed to rotate recovery code: %v", err)
	}
	rotated := resp.(*rotateCredentialResponse)
	if rotated.RecoveryCode == "" {
		t.Fatal("Expected a fresh recovery code")
	}
	if rotated.RecoveryCode == enrolled.RecoveryCode {
		t.Fatal("Expected the recovery code to change")
	}

	if _, err := svc.handleUnlock(ctx, mustJSON(t, unlockRequest{
		UserID:       "user-1",
		RecoveryCode: enrolled.RecoveryCode,
	})); !errors.Is(err, errInvalidCredentials) {
		t.Errorf("Expected old recovery code to fail, got %v", err)
	}

	if _, err := svc.handleUnlock(ctx, mustJSON(t, unlockRequest{
		UserID:       "user-1",
		RecoveryCode: rotated.RecoveryCode,
	})); err != nil {
		t.Errorf("Expected new recovery code to unlock: %v", err)
	}
}

func TestRotateRequiresValidCredential(t *testing.T) {
	svc := newTestService(t)

	enrollTestUser(t, svc, "user-1")
	_, err := svc.handleRotateCredential(context.Background(), mustJSON(t, rotateCredentialRequest{
		UserID:      "user-1",
		Kind:        "password",
		Password:    "wrong password",
		NewPassword: "whatever",
		Username:    "user-1",
		Email:       "user-1@example.com",
	}))
	if !errors.Is(err, errInvalidCredentials) {
		t.Errorf("Expected invalid credentials, got %v", err)
	}
}

func TestEncryptDecryptValue(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	enrollTestUser(t, svc, "user-1")
	unlocked := unlockTestUser(t, svc, "user-1", "correct horse battery staple")

	value := json.RawMessage(`{"iban":"DE89370400440532013000","balance":4200.50}`)
	encResp, err := svc.handleEncryptValue(ctx, mustJSON(t, encryptValueRequest{
		UserID: "user-1",
		Key:    unlocked.Key,
		Value:  value,
	}))
	if err != nil {
		t.Fatalf("Failed to encrypt value: %v", err)
	}
	enc := encResp.(*encryptValueResponse)
	if enc.Used != "session" {
		t.Errorf("Expected session binding, got %s", enc.Used)
	}
	if enc.Ciphertext == "" || enc.IV == "" {
		t.Fatal("Expected ciphertext and IV")
	}

	decResp, err := svc.handleDecryptValue(ctx, mustJSON(t, decryptValueRequest{
		UserID:     "user-1",
		Key:        unlocked.Key,
		Ciphertext: enc.Ciphertext,
		IV:         enc.IV,
	}))
	if err != nil {
		t.Fatalf("Failed to decrypt value: %v", err)
	}
	if !bytes.Equal(decResp.(*decryptValueResponse).Value, value) {
		t.Errorf("Round trip mismatch: got %s", decResp.(*decryptValueResponse).Value)
	}

	// A foreign key must not open the record
	wrongKey := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x13}, 32))
	if _, err := svc.handleDecryptValue(ctx, mustJSON(t, decryptValueRequest{
		Key:        wrongKey,
		Ciphertext: enc.Ciphertext,
		IV:         enc.IV,
	})); err == nil {
		t.Fatal("Expected decryption with a foreign key to fail")
	}

	// Tampered ciphertext is rejected
	tampered := enc.Ciphertext[:len(enc.Ciphertext)-4] + "AAAA"
	if _, err := svc.handleDecryptValue(ctx, mustJSON(t, decryptValueRequest{
		UserID:     "user-1",
		Key:        unlocked.Key,
		Ciphertext: tampered,
		IV:         enc.IV,
	})); err == nil {
		t.Fatal("Expected tampered ciphertext to fail")
	}
}

func TestEncryptValueFallback(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	value := json.RawMessage(`["a","b","c"]`)
	encResp, err := svc.handleEncryptValue(ctx, mustJSON(t, encryptValueRequest{Value: value}))
	if err != nil {
		t.Fatalf("Failed to encrypt with fallback key: %v", err)
	}
	enc := encResp.(*encryptValueResponse)
	if enc.Used != "fallback" {
		t.Errorf("Expected fallback binding, got %s", enc.Used)
	}

	decResp, err := svc.handleDecryptValue(ctx, mustJSON(t, decryptValueRequest{
		Ciphertext: enc.Ciphertext,
		IV:         enc.IV,
	}))
	if err != nil {
		t.Fatalf("Failed to decrypt with fallback key: %v", err)
	}
	if !bytes.Equal(decResp.(*decryptValueResponse).Value, value) {
		t.Error("Fallback round trip mismatch")
	}
}

func TestEncryptNullValue(t *testing.T) {
	svc := newTestService(t)

	encResp, err := svc.handleEncryptValue(context.Background(), mustJSON(t, encryptValueRequest{
		Value: json.RawMessage("null"),
	}))
	if err != nil {
		t.Fatalf("Failed on null value: %v", err)
	}
	enc := encResp.(*encryptValueResponse)
	if enc.Ciphertext != "" || enc.IV != "" {
		t.Error("Expected an empty record for null")
	}
}

func TestFieldSaveLoad(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	enrollTestUser(t, svc, "user-1")
	unlocked := unlockTestUser(t, svc, "user-1", "correct horse battery staple")

	value := json.RawMessage(`{"street":"Mainzer Landstr. 1","city":"Frankfurt"}`)
	if _, err := svc.handleFieldSave(ctx, mustJSON(t, fieldSaveRequest{
		EntityType: "user",
		EntityID:   "user-1",
		Field:      "address",
		Value:      value,
		UserID:     "user-1",
		Key:        unlocked.Key,
	})); err != nil {
		t.Fatalf("Failed to save field: %v", err)
	}

	loadResp, err := svc.handleFieldLoad(ctx, mustJSON(t, fieldLoadRequest{
		EntityType: "user",
		EntityID:   "user-1",
		Field:      "address",
		UserID:     "user-1",
		Key:        unlocked.Key,
	}))
	if err != nil {
		t.Fatalf("Failed to load field: %v", err)
	}
	loaded := loadResp.(*fieldLoadResponse)
	if !loaded.Found {
		t.Fatal("Expected field to be found")
	}
	if loaded.Legacy {
		t.Error("Expected a non-legacy row")
	}
	if !bytes.Equal(loaded.Value, value) {
		t.Errorf("Field round trip mismatch: got %s", loaded.Value)
	}

	// Unknown field
	missing, err := svc.handleFieldLoad(ctx, mustJSON(t, fieldLoadRequest{
		EntityType: "user",
		EntityID:   "user-1",
		Field:      "nope",
	}))
	if err != nil {
		t.Fatalf("Failed on missing field: %v", err)
	}
	if missing.(*fieldLoadResponse).Found {
		t.Error("Expected missing field to report found=false")
	}

	// Null clears the field
	if _, err := svc.handleFieldSave(ctx, mustJSON(t, fieldSaveRequest{
		EntityType: "user",
		EntityID:   "user-1",
		Field:      "address",
		Value:      json.RawMessage("null"),
	})); err != nil {
		t.Fatalf("Failed to clear field: %v", err)
	}
	cleared, err := svc.handleFieldLoad(ctx, mustJSON(t, fieldLoadRequest{
		EntityType: "user",
		EntityID:   "user-1",
		Field:      "address",
	}))
	if err != nil {
		t.Fatalf("Failed to load cleared field: %v", err)
	}
	if string(cleared.(*fieldLoadResponse).Value) != "null" {
		t.Errorf("Expected null after clear, got %s", cleared.(*fieldLoadResponse).Value)
	}
}

func TestFieldLegacyFallback(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	raw := `{"iban":"DE02120300000000202051"}`
	if err := svc.store.ImportLegacyField("user", "user-1", "payment", raw); err != nil {
		t.Fatalf("Failed to import legacy field: %v", err)
	}

	// Legacy disabled: the row degrades to null
	loadResp, err := svc.handleFieldLoad(ctx, mustJSON(t, fieldLoadRequest{
		EntityType: "user",
		EntityID:   "user-1",
		Field:      "payment",
	}))
	if err != nil {
		t.Fatalf("Failed to load with legacy disabled: %v", err)
	}
	if string(loadResp.(*fieldLoadResponse).Value) != "null" {
		t.Errorf("Expected null with legacy disabled, got %s", loadResp.(*fieldLoadResponse).Value)
	}

	// Legacy enabled: the raw row parses and the read is audited
	svc.config.Fields.LegacyPlaintext = true
	loadResp, err = svc.handleFieldLoad(ctx, mustJSON(t, fieldLoadRequest{
		EntityType: "user",
		EntityID:   "user-1",
		Field:      "payment",
	}))
	if err != nil {
		t.Fatalf("Failed to load with legacy enabled: %v", err)
	}
	loaded := loadResp.(*fieldLoadResponse)
	if !loaded.Legacy {
		t.Error("Expected a legacy read")
	}
	if string(loaded.Value) != raw {
		t.Errorf("Expected raw legacy value, got %s", loaded.Value)
	}

	events, err := svc.store.ListAuditEvents(keystore.AuditFilter{EventType: EventFieldLegacyRead, Limit: 10})
	if err != nil {
		t.Fatalf("Failed to list audit events: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("Expected one legacy read audit event, got %d", len(events))
	}
}

func TestFieldDecodeFailureDegrades(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	enrollTestUser(t, svc, "user-1")
	unlocked := unlockTestUser(t, svc, "user-1", "correct horse battery staple")

	if _, err := svc.handleFieldSave(ctx, mustJSON(t, fieldSaveRequest{
		EntityType: "user",
		EntityID:   "user-1",
		Field:      "notes",
		Value:      json.RawMessage(`"private"`),
		UserID:     "user-1",
		Key:        unlocked.Key,
	})); err != nil {
		t.Fatalf("Failed to save field: %v", err)
	}

	// Loading without the session key leaves only the fallback key, which
	// cannot open the record; the field layer degrades to null.
	loadResp, err := svc.handleFieldLoad(ctx, mustJSON(t, fieldLoadRequest{
		EntityType: "user",
		EntityID:   "user-1",
		Field:      "notes",
	}))
	if err != nil {
		t.Fatalf("Expected degrade, got error: %v", err)
	}
	loaded := loadResp.(*fieldLoadResponse)
	if !loaded.Found {
		t.Error("Expected found=true for an existing row")
	}
	if string(loaded.Value) != "null" {
		t.Errorf("Expected null for undecodable row, got %s", loaded.Value)
	}

	events, err := svc.store.ListAuditEvents(keystore.AuditFilter{EventType: EventFieldDecodeFail, Limit: 10})
	if err != nil {
		t.Fatalf("Failed to list audit events: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("Expected one decode failure audit event, got %d", len(events))
	}
}

func TestDeriveAndWrapPrimitives(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	deriveResp, err := svc.handleDeriveKEK(ctx, mustJSON(t, deriveKEKRequest{
		Kind:       "password",
		Credential: "hunter2hunter2",
		Username:   "alice",
		Email:      "alice@example.com",
	}))
	if err != nil {
		t.Fatalf("Failed to derive KEK: %v", err)
	}
	kek := deriveResp.(*deriveKEKResponse).Key
	raw, err := base64.StdEncoding.DecodeString(kek)
	if err != nil || len(raw) != keycrypt.KeySize {
		t.Fatalf("Expected a %d-byte KEK, got %d (err %v)", keycrypt.KeySize, len(raw), err)
	}

	// Same inputs derive the same KEK
	deriveResp2, err := svc.handleDeriveKEK(ctx, mustJSON(t, deriveKEKRequest{
		Kind:       "password",
		Credential: "hunter2hunter2",
		Username:   "alice",
		Email:      "alice@example.com",
	}))
	if err != nil {
		t.Fatalf("Failed to derive KEK again: %v", err)
	}
	if deriveResp2.(*deriveKEKResponse).Key != kek {
		t.Error("Derivation is not deterministic")
	}

	wrapResp, err := svc.handleGenerateAndWrapDEK(ctx, mustJSON(t, generateWrapRequest{KEK: kek}))
	if err != nil {
		t.Fatalf("Failed to generate and wrap: %v", err)
	}
	wrapped := wrapResp.(*generateWrapResponse).Wrapped

	unwrap1, err := svc.handleUnwrapDEK(ctx, mustJSON(t, unwrapDEKRequest{KEK: kek, Wrapped: wrapped}))
	if err != nil {
		t.Fatalf("Failed to unwrap: %v", err)
	}
	unwrap2, err := svc.handleUnwrapDEK(ctx, mustJSON(t, unwrapDEKRequest{KEK: kek, Wrapped: wrapped}))
	if err != nil {
		t.Fatalf("Failed to unwrap again: %v", err)
	}
	if unwrap1.(*unwrapDEKResponse).Key != unwrap2.(*unwrapDEKResponse).Key {
		t.Error("Unwrap is not stable")
	}

	wrongKEK := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x55}, 32))
	if _, err := svc.handleUnwrapDEK(ctx, mustJSON(t, unwrapDEKRequest{KEK: wrongKEK, Wrapped: wrapped})); err == nil {
		t.Fatal("Expected unwrap with wrong KEK to fail")
	}
}

func TestDispatch(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.dispatch(ctx, subjectPrefix+"no_such_op", []byte("{}")); err == nil {
		t.Error("Expected unknown operation error")
	}
	if _, err := svc.dispatch(ctx, "wrong.prefix.enroll", []byte("{}")); err == nil {
		t.Error("Expected unexpected subject error")
	}

	resp, err := svc.dispatch(ctx, subjectPrefix+"admin.status", nil)
	if err != nil {
		t.Fatalf("Failed to dispatch status: %v", err)
	}
	status := resp.(*statusResponse)
	if status.Service != "nestvault-key-manager" {
		t.Errorf("Unexpected service name %s", status.Service)
	}
	if status.StoreID == "" {
		t.Error("Expected a store id")
	}
	if status.NATS != "not configured" {
		t.Errorf("Expected NATS to be unconfigured, got %s", status.NATS)
	}
}

func TestSnapshotRequiresStorage(t *testing.T) {
	svc := newTestService(t)

	if _, err := svc.handleSnapshotCreate(context.Background(), nil); err == nil {
		t.Error("Expected snapshot create to fail without S3")
	}
	if _, err := svc.handleSnapshotRestore(context.Background(), mustJSON(t, snapshotRestoreRequest{Key: "x"})); err == nil {
		t.Error("Expected snapshot restore to fail without S3")
	}
}

func TestRewrapStartRejectsSameParams(t *testing.T) {
	svc := newTestService(t)

	// Default source and the test target are both the legacy set
	_, err := svc.handleRewrapStart(context.Background(), mustJSON(t, rewrapStartRequest{}))
	if err == nil {
		t.Fatal("Expected same-params campaign to be rejected")
	}
}

func TestRewrapStartRejectsConcurrent(t *testing.T) {
	svc := newTestService(t)

	lock, err := svc.locks.AcquireCampaignLock(time.Second)
	if err != nil {
		t.Fatalf("Failed to take campaign lock: %v", err)
	}
	defer lock.Release()

	_, err = svc.handleRewrapStart(context.Background(), mustJSON(t, rewrapStartRequest{
		TargetParams: keycrypt.ParamsCredentialV2,
	}))
	if err == nil {
		t.Fatal("Expected concurrent campaign start to be rejected")
	}
}

func TestRewrapCampaignEndToEnd(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, userID := range []string{"user-a", "user-b"} {
		if _, err := svc.handleProvision(ctx, mustJSON(t, provisionRequest{UserID: userID})); err != nil {
			t.Fatalf("Failed to provision %s: %v", userID, err)
		}
	}

	resp, err := svc.handleRewrapStart(ctx, mustJSON(t, rewrapStartRequest{
		TargetParams: keycrypt.ParamsCredentialV2,
		Workers:      2,
	}))
	if err != nil {
		t.Fatalf("Failed to start campaign: %v", err)
	}
	started := resp.(*rewrapStartResponse)
	if started.UsersSeeded != 2 {
		t.Errorf("Expected 2 users seeded, got %d", started.UsersSeeded)
	}

	waitForCampaign(t, svc)

	stats, err := svc.store.Stats()
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if stats.Complete != 2 {
		t.Errorf("Expected 2 complete users, got %+v", stats)
	}

	for _, userID := range []string{"user-a", "user-b"} {
		rec, err := svc.store.GetUserKey(userID, keystore.KindFallback)
		if err != nil {
			t.Fatalf("Failed to load wrap for %s: %v", userID, err)
		}
		if rec.Params != keycrypt.ParamsCredentialV2 {
			t.Errorf("Expected %s on target params, got %s", userID, rec.Params)
		}
		if rec.KeyVersion != 2 {
			t.Errorf("Expected key version 2 for %s, got %d", userID, rec.KeyVersion)
		}
	}

	// A second campaign over the same range finds nothing to seed
	resp, err = svc.handleRewrapStart(ctx, mustJSON(t, rewrapStartRequest{
		TargetParams: keycrypt.ParamsCredentialV2,
	}))
	if err != nil {
		t.Fatalf("Failed to start follow-up campaign: %v", err)
	}
	if resp.(*rewrapStartResponse).UsersSeeded != 0 {
		t.Errorf("Expected no users seeded, got %d", resp.(*rewrapStartResponse).UsersSeeded)
	}
	waitForCampaign(t, svc)
}

// waitForCampaign polls the campaign status until the runner goroutine
// finishes
func waitForCampaign(t *testing.T, svc *Service) {
	t.Helper()
	deadline := time.Now().Add(60 * time.Second)
	for {
		statusResp, err := svc.handleRewrapStatus(context.Background(), nil)
		if err != nil {
			t.Fatalf("Failed to get campaign status: %v", err)
		}
		if !statusResp.(*rewrapStatusResponse).Running {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("Campaign did not finish in time")
		}
		time.Sleep(50 * time.Millisecond)
	}
}
