package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meridianfi/nestvault/key-manager/keystore"
	"github.com/meridianfi/nestvault/keycrypt"
)

// errInvalidCredentials is the single error returned for every
// authentication failure. Callers never learn whether the user, the
// credential kind, or the secret itself was wrong.
var errInvalidCredentials = errors.New("invalid credentials")

func (s *Service) credentialParams() (keycrypt.DerivationParams, error) {
	return keycrypt.ParamsByName(s.config.Derivation.CredentialParams)
}

func (s *Service) fallbackParams() (keycrypt.DerivationParams, error) {
	return keycrypt.ParamsByName(s.config.Fallback.Params)
}

// fallbackKEK derives the per-user fallback KEK from the service secret
// and the record's salt
func (s *Service) fallbackKEK(ctx context.Context, salt []byte, params keycrypt.DerivationParams) ([]byte, error) {
	return s.deriver.Derive(ctx, s.fallbackSecret, salt, params)
}

type deriveKEKRequest struct {
	Kind       string `json:"kind"`
	Credential string `json:"credential"`
	Salt       string `json:"salt,omitempty"`
	Username   string `json:"username,omitempty"`
	Email      string `json:"email,omitempty"`
	Params     string `json:"params,omitempty"`
}

type deriveKEKResponse struct {
	Key    string `json:"key"`
	Params string `json:"params"`
}

// handleDeriveKEK derives a KEK from a credential. The salt comes either
// base64-encoded or, for passwords, from the username/email digest.
func (s *Service) handleDeriveKEK(ctx context.Context, data []byte) (any, error) {
	var req deriveKEKRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	kind := keycrypt.CredentialKind(req.Kind)
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown credential kind %q", req.Kind)
	}

	paramsName := req.Params
	if paramsName == "" {
		paramsName = s.config.Derivation.CredentialParams
	}
	params, err := keycrypt.ParamsByName(paramsName)
	if err != nil {
		return nil, err
	}

	var salt []byte
	switch {
	case req.Salt != "":
		salt, err = base64.StdEncoding.DecodeString(req.Salt)
		if err != nil {
			return nil, fmt.Errorf("salt is not valid base64: %w", err)
		}
	case kind == keycrypt.CredentialPassword && req.Username != "" && req.Email != "":
		salt = keycrypt.PasswordSalt(req.Username, req.Email)
	default:
		return nil, fmt.Errorf("salt is required")
	}

	kek, err := s.deriver.DeriveKEK(ctx, kind, req.Credential, salt, params)
	if err != nil {
		return nil, err
	}
	defer keycrypt.Wipe(kek)

	return &deriveKEKResponse{
		Key:    base64.StdEncoding.EncodeToString(kek),
		Params: params.Name,
	}, nil
}

type generateWrapRequest struct {
	KEK    string `json:"kek"`
	Kind   string `json:"kind,omitempty"`
	Params string `json:"params,omitempty"`
	Salt   string `json:"salt,omitempty"`
}

type generateWrapResponse struct {
	Wrapped string `json:"wrapped"`
}

// handleGenerateAndWrapDEK generates a fresh DEK and returns it wrapped
// under the supplied KEK, in transport form. The plaintext DEK is wiped;
// only an unwrap with the same KEK recovers it.
func (s *Service) handleGenerateAndWrapDEK(ctx context.Context, data []byte) (any, error) {
	var req generateWrapRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	kek, err := base64.StdEncoding.DecodeString(req.KEK)
	if err != nil {
		return nil, fmt.Errorf("kek is not valid base64: %w", err)
	}
	defer keycrypt.Wipe(kek)

	dek, err := keycrypt.GenerateDEK()
	if err != nil {
		return nil, err
	}
	defer keycrypt.Wipe(dek)

	rec, err := keycrypt.WrapDEK(dek, kek)
	if err != nil {
		return nil, err
	}

	var salt []byte
	if req.Salt != "" {
		salt, err = base64.StdEncoding.DecodeString(req.Salt)
		if err != nil {
			return nil, fmt.Errorf("salt is not valid base64: %w", err)
		}
	}

	wrapped, err := keycrypt.EncodeWrappedKey(&keycrypt.WrappedKey{
		Kind:       keycrypt.CredentialKind(req.Kind),
		Params:     req.Params,
		Salt:       salt,
		Ciphertext: rec.Ciphertext,
		IV:         rec.IV,
		KeyVersion: 1,
		CreatedAt:  time.Now().Unix(),
	})
	if err != nil {
		return nil, err
	}

	return &generateWrapResponse{Wrapped: wrapped}, nil
}

type unwrapDEKRequest struct {
	KEK     string `json:"kek"`
	Wrapped string `json:"wrapped"`
}

type unwrapDEKResponse struct {
	Key string `json:"key"`
}

// handleUnwrapDEK recovers a DEK from its transport form with the
// supplied KEK
func (s *Service) handleUnwrapDEK(ctx context.Context, data []byte) (any, error) {
	var req unwrapDEKRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	kek, err := base64.StdEncoding.DecodeString(req.KEK)
	if err != nil {
		return nil, fmt.Errorf("kek is not valid base64: %w", err)
	}
	defer keycrypt.Wipe(kek)

	w, err := keycrypt.DecodeWrappedKey(req.Wrapped)
	if err != nil {
		return nil, fmt.Errorf("invalid wrapped key: %w", err)
	}

	dek, err := keycrypt.UnwrapDEK(w.Record(), kek)
	if err != nil {
		return nil, err
	}
	defer keycrypt.Wipe(dek)

	return &unwrapDEKResponse{Key: base64.StdEncoding.EncodeToString(dek)}, nil
}

type provisionRequest struct {
	UserID string `json:"user_id"`
}

type provisionResponse struct {
	UserID     string `json:"user_id"`
	Created    bool   `json:"created"`
	Params     string `json:"params"`
	KeyVersion int64  `json:"key_version"`
}

// handleProvision creates a user's DEK before any credential exists,
// wrapped under a KEK derived from the service fallback secret. Platform
// jobs can then encrypt the user's data; enrollment later rewraps the
// same DEK under real credentials.
func (s *Service) handleProvision(ctx context.Context, data []byte) (any, error) {
	var req provisionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	if existing, err := s.store.GetUserKey(req.UserID, keystore.KindFallback); err == nil {
		return &provisionResponse{
			UserID:     req.UserID,
			Created:    false,
			Params:     existing.Params,
			KeyVersion: existing.KeyVersion,
		}, nil
	} else if !errors.Is(err, keystore.ErrKeyNotFound) {
		return nil, fmt.Errorf("failed to check existing key: %w", err)
	}

	params, err := s.fallbackParams()
	if err != nil {
		return nil, err
	}

	salt, err := keycrypt.NewRandomSalt()
	if err != nil {
		return nil, err
	}

	kek, err := s.fallbackKEK(ctx, salt, params)
	if err != nil {
		return nil, err
	}
	defer keycrypt.Wipe(kek)

	dek, err := keycrypt.GenerateDEK()
	if err != nil {
		return nil, err
	}
	defer keycrypt.Wipe(dek)

	rec, err := keycrypt.WrapDEK(dek, kek)
	if err != nil {
		return nil, err
	}

	if err := s.store.PutUserKey(&keystore.UserKeyRecord{
		UserID:     req.UserID,
		Kind:       keystore.KindFallback,
		Params:     params.Name,
		Salt:       salt,
		Ciphertext: rec.Ciphertext,
		IV:         rec.IV,
		KeyVersion: 1,
	}); err != nil {
		return nil, err
	}

	s.audit.Record(EventUserProvision, req.UserID, OutcomeSuccess, map[string]any{
		"params": params.Name,
	})

	return &provisionResponse{
		UserID:     req.UserID,
		Created:    true,
		Params:     params.Name,
		KeyVersion: 1,
	}, nil
}

type enrollRequest struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type enrollResponse struct {
	UserID       string `json:"user_id"`
	RecoveryCode string `json:"recovery_code"`
	Params       string `json:"params"`
	KeyVersion   int64  `json:"key_version"`
	Escrowed     bool   `json:"escrowed"`
}

// handleEnroll sets up a user's credential-wrapped keys: one DEK wrapped
// under the password KEK and under a freshly generated recovery code. The
// recovery code appears in the response exactly once; only its derived
// wrap survives. A previously provisioned fallback-wrapped DEK is reused
// so existing data stays readable.
func (s *Service) handleEnroll(ctx context.Context, data []byte) (any, error) {
	var req enrollRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if req.UserID == "" || req.Username == "" || req.Email == "" || req.Password == "" {
		return nil, fmt.Errorf("user_id, username, email and password are required")
	}

	if _, err := s.store.GetUserKey(req.UserID, keystore.KindPassword); err == nil {
		return nil, fmt.Errorf("user is already enrolled")
	} else if !errors.Is(err, keystore.ErrKeyNotFound) {
		return nil, fmt.Errorf("failed to check existing key: %w", err)
	}

	params, err := s.credentialParams()
	if err != nil {
		return nil, err
	}

	// Reuse a provisioned DEK when one exists
	var dek []byte
	if fb, err := s.store.GetUserKey(req.UserID, keystore.KindFallback); err == nil {
		fbParams, err := keycrypt.ParamsByName(fb.Params)
		if err != nil {
			return nil, err
		}
		fbKEK, err := s.fallbackKEK(ctx, fb.Salt, fbParams)
		if err != nil {
			return nil, err
		}
		dek, err = keycrypt.UnwrapDEK(fb.Record(), fbKEK)
		keycrypt.Wipe(fbKEK)
		if err != nil {
			return nil, fmt.Errorf("failed to unwrap provisioned key: %w", err)
		}
	} else if errors.Is(err, keystore.ErrKeyNotFound) {
		dek, err = keycrypt.GenerateDEK()
		if err != nil {
			return nil, err
		}
	} else {
		return nil, fmt.Errorf("failed to load provisioned key: %w", err)
	}
	defer keycrypt.Wipe(dek)

	// Password wrap, salt re-derivable from the username/email digest
	passwordSalt := keycrypt.PasswordSalt(req.Username, req.Email)
	passwordKEK, err := s.deriver.DeriveKEK(ctx, keycrypt.CredentialPassword, req.Password, passwordSalt, params)
	if err != nil {
		return nil, err
	}
	passwordRec, err := keycrypt.WrapDEK(dek, passwordKEK)
	keycrypt.Wipe(passwordKEK)
	if err != nil {
		return nil, err
	}

	// Recovery wrap under a fresh code and random salt
	recoveryCode, err := keycrypt.NewRecoveryCode()
	if err != nil {
		return nil, err
	}
	recoverySalt, err := keycrypt.NewRandomSalt()
	if err != nil {
		return nil, err
	}
	recoveryKEK, err := s.deriver.DeriveKEK(ctx, keycrypt.CredentialRecoveryCode, recoveryCode, recoverySalt, params)
	if err != nil {
		return nil, err
	}
	recoveryRec, err := keycrypt.WrapDEK(dek, recoveryKEK)
	keycrypt.Wipe(recoveryKEK)
	if err != nil {
		return nil, err
	}

	if err := s.store.PutUserKey(&keystore.UserKeyRecord{
		UserID:     req.UserID,
		Kind:       keystore.KindPassword,
		Params:     params.Name,
		Salt:       passwordSalt,
		Ciphertext: passwordRec.Ciphertext,
		IV:         passwordRec.IV,
		KeyVersion: 1,
	}); err != nil {
		return nil, err
	}
	if err := s.store.PutUserKey(&keystore.UserKeyRecord{
		UserID:     req.UserID,
		Kind:       keystore.KindRecoveryCode,
		Params:     params.Name,
		Salt:       recoverySalt,
		Ciphertext: recoveryRec.Ciphertext,
		IV:         recoveryRec.IV,
		KeyVersion: 1,
	}); err != nil {
		return nil, err
	}

	escrowed := false
	if len(s.escrowPublic) > 0 {
		blob, err := keycrypt.EscrowWrap(s.escrowPublic, dek)
		if err != nil {
			return nil, fmt.Errorf("failed to escrow key: %w", err)
		}
		encoded, err := keycrypt.EncodeEscrowBlob(blob)
		if err != nil {
			return nil, err
		}
		if err := s.store.PutEscrowBlob(req.UserID, []byte(encoded)); err != nil {
			return nil, err
		}
		escrowed = true
	}

	s.audit.Record(EventUserEnroll, req.UserID, OutcomeSuccess, map[string]any{
		"params":   params.Name,
		"escrowed": escrowed,
	})

	return &enrollResponse{
		UserID:       req.UserID,
		RecoveryCode: recoveryCode,
		Params:       params.Name,
		KeyVersion:   1,
		Escrowed:     escrowed,
	}, nil
}

type unlockRequest struct {
	UserID       string `json:"user_id"`
	Password     string `json:"password,omitempty"`
	RecoveryCode string `json:"recovery_code,omitempty"`
}

type unlockResponse struct {
	UserID     string `json:"user_id"`
	Key        string `json:"key"`
	Kind       string `json:"kind"`
	Params     string `json:"params"`
	KeyVersion int64  `json:"key_version"`
}

// handleUnlock authenticates a credential and returns the unwrapped DEK
// for the caller's session. The password is tried first; the recovery
// code only when the password is absent or fails. Every failure surfaces
// as the same invalid-credentials error.
func (s *Service) handleUnlock(ctx context.Context, data []byte) (any, error) {
	var req unlockRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if req.Password == "" && req.RecoveryCode == "" {
		return nil, fmt.Errorf("a credential is required")
	}

	dek, rec, err := s.unlockWithCredentials(ctx, req.UserID, req.Password, req.RecoveryCode)
	if err != nil {
		if errors.Is(err, errInvalidCredentials) {
			s.audit.Record(EventUserUnlock, req.UserID, OutcomeFailure, nil)
		}
		return nil, err
	}
	defer keycrypt.Wipe(dek)

	rec = s.maybeUpgradeWrap(ctx, rec, req.Password, req.RecoveryCode, dek)

	s.audit.Record(EventUserUnlock, req.UserID, OutcomeSuccess, map[string]any{
		"kind":   string(rec.Kind),
		"params": rec.Params,
	})

	return &unlockResponse{
		UserID:     req.UserID,
		Key:        base64.StdEncoding.EncodeToString(dek),
		Kind:       string(rec.Kind),
		Params:     rec.Params,
		KeyVersion: rec.KeyVersion,
	}, nil
}

// unlockWithCredentials tries each supplied credential against its
// wrapped DEK row. Auth failures of any shape collapse into
// errInvalidCredentials; only infrastructure errors pass through.
func (s *Service) unlockWithCredentials(ctx context.Context, userID, password, recoveryCode string) ([]byte, *keystore.UserKeyRecord, error) {
	if password != "" {
		dek, rec, err := s.tryCredential(ctx, userID, keystore.KindPassword, keycrypt.CredentialPassword, password)
		if err == nil {
			return dek, rec, nil
		}
		if !errors.Is(err, errInvalidCredentials) {
			return nil, nil, err
		}
	}

	if recoveryCode != "" {
		dek, rec, err := s.tryCredential(ctx, userID, keystore.KindRecoveryCode, keycrypt.CredentialRecoveryCode, recoveryCode)
		if err == nil {
			return dek, rec, nil
		}
		if !errors.Is(err, errInvalidCredentials) {
			return nil, nil, err
		}
	}

	return nil, nil, errInvalidCredentials
}

// tryCredential unwraps one credential kind's DEK row
func (s *Service) tryCredential(ctx context.Context, userID string, kind keystore.KeyKind, credKind keycrypt.CredentialKind, raw string) ([]byte, *keystore.UserKeyRecord, error) {
	rec, err := s.store.GetUserKey(userID, kind)
	if errors.Is(err, keystore.ErrKeyNotFound) {
		return nil, nil, errInvalidCredentials
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load user key: %w", err)
	}

	params, err := keycrypt.ParamsByName(rec.Params)
	if err != nil {
		return nil, nil, fmt.Errorf("stored key has unknown params: %w", err)
	}

	kek, err := s.deriver.DeriveKEK(ctx, credKind, raw, rec.Salt, params)
	if err != nil {
		if keycrypt.IsDerivationFailure(err) {
			return nil, nil, errInvalidCredentials
		}
		return nil, nil, err
	}
	defer keycrypt.Wipe(kek)

	dek, err := keycrypt.UnwrapDEK(rec.Record(), kek)
	if err != nil {
		if keycrypt.IsDecryptionFailure(err) {
			return nil, nil, errInvalidCredentials
		}
		return nil, nil, err
	}
	return dek, rec, nil
}

// maybeUpgradeWrap rewraps a DEK under current derivation parameters
// after a successful unlock with an older set. Passwords keep their
// digest salt; recovery codes get a fresh random salt. An upgrade
// failure never fails the unlock.
func (s *Service) maybeUpgradeWrap(ctx context.Context, rec *keystore.UserKeyRecord, password, recoveryCode string, dek []byte) *keystore.UserKeyRecord {
	target, err := s.credentialParams()
	if err != nil || rec.Params == target.Name {
		return rec
	}

	var raw string
	var credKind keycrypt.CredentialKind
	salt := rec.Salt
	switch rec.Kind {
	case keystore.KindPassword:
		raw, credKind = password, keycrypt.CredentialPassword
	case keystore.KindRecoveryCode:
		raw, credKind = recoveryCode, keycrypt.CredentialRecoveryCode
		fresh, err := keycrypt.NewRandomSalt()
		if err != nil {
			return rec
		}
		salt = fresh
	default:
		return rec
	}

	kek, err := s.deriver.DeriveKEK(ctx, credKind, raw, salt, target)
	if err != nil {
		log.Warn().Err(err).Str("user_id", rec.UserID).Msg("Parameter upgrade derivation failed")
		return rec
	}
	defer keycrypt.Wipe(kek)

	wrapped, err := keycrypt.WrapDEK(dek, kek)
	if err != nil {
		log.Warn().Err(err).Str("user_id", rec.UserID).Msg("Parameter upgrade wrap failed")
		return rec
	}

	upgraded := &keystore.UserKeyRecord{
		UserID:     rec.UserID,
		Kind:       rec.Kind,
		Params:     target.Name,
		Salt:       salt,
		Ciphertext: wrapped.Ciphertext,
		IV:         wrapped.IV,
		KeyVersion: rec.KeyVersion + 1,
		CreatedAt:  rec.CreatedAt,
	}
	if err := s.store.PutUserKey(upgraded); err != nil {
		log.Warn().Err(err).Str("user_id", rec.UserID).Msg("Parameter upgrade store failed")
		return rec
	}

	s.audit.Record(EventKeyRewrap, rec.UserID, OutcomeSuccess, map[string]any{
		"mode":        "lazy",
		"kind":        string(rec.Kind),
		"from_params": rec.Params,
		"to_params":   target.Name,
	})
	log.Info().
		Str("user_id", rec.UserID).
		Str("kind", string(rec.Kind)).
		Str("from", rec.Params).
		Str("to", target.Name).
		Msg("Upgraded wrapped key to current parameters")

	return upgraded
}

type rotateCredentialRequest struct {
	UserID       string `json:"user_id"`
	Kind         string `json:"kind"`
	Password     string `json:"password,omitempty"`
	RecoveryCode string `json:"recovery_code,omitempty"`
	NewPassword  string `json:"new_password,omitempty"`
	NewEmail     string `json:"new_email,omitempty"`
	Username     string `json:"username,omitempty"`
	Email        string `json:"email,omitempty"`
}

type rotateCredentialResponse struct {
	UserID       string `json:"user_id"`
	Kind         string `json:"kind"`
	KeyVersion   int64  `json:"key_version"`
	RecoveryCode string `json:"recovery_code,omitempty"`
}

// handleRotateCredential replaces one credential wrap after the caller
// proves an existing credential. The DEK itself never changes, so the
// user's data needs no re-encryption. Rotating the recovery code
// generates a fresh one server-side and returns it exactly once.
func (s *Service) handleRotateCredential(ctx context.Context, data []byte) (any, error) {
	var req rotateCredentialRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	kind := keystore.KeyKind(req.Kind)
	switch kind {
	case keystore.KindPassword, keystore.KindRecoveryCode, keystore.KindEmail:
	default:
		return nil, fmt.Errorf("unknown credential kind %q", req.Kind)
	}

	dek, _, err := s.unlockWithCredentials(ctx, req.UserID, req.Password, req.RecoveryCode)
	if err != nil {
		if errors.Is(err, errInvalidCredentials) {
			s.audit.Record(EventCredentialRotate, req.UserID, OutcomeFailure, map[string]any{
				"kind": req.Kind,
			})
		}
		return nil, err
	}
	defer keycrypt.Wipe(dek)

	params, err := s.credentialParams()
	if err != nil {
		return nil, err
	}

	var raw string
	var salt []byte
	var credKind keycrypt.CredentialKind
	var newRecoveryCode string

	switch kind {
	case keystore.KindPassword:
		if req.NewPassword == "" || req.Username == "" || req.Email == "" {
			return nil, fmt.Errorf("new_password, username and email are required")
		}
		raw = req.NewPassword
		salt = keycrypt.PasswordSalt(req.Username, req.Email)
		credKind = keycrypt.CredentialPassword

	case keystore.KindRecoveryCode:
		newRecoveryCode, err = keycrypt.NewRecoveryCode()
		if err != nil {
			return nil, err
		}
		raw = newRecoveryCode
		salt, err = keycrypt.NewRandomSalt()
		if err != nil {
			return nil, err
		}
		credKind = keycrypt.CredentialRecoveryCode

	case keystore.KindEmail:
		if req.NewEmail == "" {
			return nil, fmt.Errorf("new_email is required")
		}
		raw = req.NewEmail
		salt, err = keycrypt.NewRandomSalt()
		if err != nil {
			return nil, err
		}
		credKind = keycrypt.CredentialEmail
	}

	kek, err := s.deriver.DeriveKEK(ctx, credKind, raw, salt, params)
	if err != nil {
		return nil, err
	}
	defer keycrypt.Wipe(kek)

	wrapped, err := keycrypt.WrapDEK(dek, kek)
	if err != nil {
		return nil, err
	}

	version := int64(1)
	if existing, err := s.store.GetUserKey(req.UserID, kind); err == nil {
		version = existing.KeyVersion + 1
	} else if !errors.Is(err, keystore.ErrKeyNotFound) {
		return nil, fmt.Errorf("failed to load existing key: %w", err)
	}

	if err := s.store.PutUserKey(&keystore.UserKeyRecord{
		UserID:     req.UserID,
		Kind:       kind,
		Params:     params.Name,
		Salt:       salt,
		Ciphertext: wrapped.Ciphertext,
		IV:         wrapped.IV,
		KeyVersion: version,
	}); err != nil {
		return nil, err
	}

	s.audit.Record(EventCredentialRotate, req.UserID, OutcomeSuccess, map[string]any{
		"kind":        req.Kind,
		"key_version": version,
	})

	return &rotateCredentialResponse{
		UserID:       req.UserID,
		Kind:         req.Kind,
		KeyVersion:   version,
		RecoveryCode: newRecoveryCode,
	}, nil
}
