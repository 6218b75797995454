package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/meridianfi/nestvault/key-manager/keystore"
	"github.com/meridianfi/nestvault/keycrypt"
)

type encryptValueRequest struct {
	UserID string          `json:"user_id,omitempty"`
	Key    string          `json:"key,omitempty"`
	Value  json.RawMessage `json:"value"`
}

type encryptValueResponse struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Used       string `json:"used"`
}

// handleEncryptValue seals a JSON value under the caller's session DEK,
// or the process fallback key when no key accompanies the request. Null
// values produce an empty record.
func (s *Service) handleEncryptValue(ctx context.Context, data []byte) (any, error) {
	var req encryptValueRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	res, session, err := s.resolutionFor(req.UserID, req.Key)
	if err != nil {
		return nil, err
	}
	if session != nil {
		defer session.Zero()
	}

	codec := s.newFieldCodec(res)
	rec, err := codec.SaveRaw(ctx, req.Value)
	if err != nil {
		return nil, err
	}

	return &encryptValueResponse{
		Ciphertext: rec.Ciphertext,
		IV:         rec.IV,
		Used:       res.State().String(),
	}, nil
}

type decryptValueRequest struct {
	UserID     string `json:"user_id,omitempty"`
	Key        string `json:"key,omitempty"`
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
}

type decryptValueResponse struct {
	Value json.RawMessage `json:"value"`
	Used  string          `json:"used"`
}

// handleDecryptValue opens a sealed record. Unlike the field layer this
// is strict: a record that fails to decrypt is an error, not a null.
func (s *Service) handleDecryptValue(ctx context.Context, data []byte) (any, error) {
	var req decryptValueRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	res, session, err := s.resolutionFor(req.UserID, req.Key)
	if err != nil {
		return nil, err
	}
	if session != nil {
		defer session.Zero()
	}

	codec := s.newFieldCodec(res)
	value, err := codec.LoadRaw(ctx, "value", keycrypt.Record{Ciphertext: req.Ciphertext, IV: req.IV})
	if err != nil {
		return nil, err
	}

	return &decryptValueResponse{
		Value: nullableValue(value),
		Used:  res.State().String(),
	}, nil
}

// newFieldCodec builds a codec with the configured legacy policy
func (s *Service) newFieldCodec(res *keycrypt.Resolution) *keycrypt.FieldCodec {
	if s.config.Fields.LegacyPlaintext {
		return keycrypt.NewFieldCodec(res, keycrypt.WithLegacyPlaintext())
	}
	return keycrypt.NewFieldCodec(res)
}

func nullableValue(v json.RawMessage) json.RawMessage {
	if len(v) == 0 {
		return json.RawMessage("null")
	}
	return v
}

type fieldSaveRequest struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Field      string          `json:"field"`
	Value      json.RawMessage `json:"value"`
	UserID     string          `json:"user_id,omitempty"`
	Key        string          `json:"key,omitempty"`
	KeyVersion int64           `json:"key_version,omitempty"`
}

type fieldSaveResponse struct {
	UpdatedAt int64  `json:"updated_at"`
	Used      string `json:"used"`
}

// handleFieldSave encrypts and persists one entity field. A null value
// clears the field. Every save writes fresh ciphertext and IV.
func (s *Service) handleFieldSave(ctx context.Context, data []byte) (any, error) {
	var req fieldSaveRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if req.EntityType == "" || req.EntityID == "" || req.Field == "" {
		return nil, fmt.Errorf("entity_type, entity_id and field are required")
	}

	res, session, err := s.resolutionFor(req.UserID, req.Key)
	if err != nil {
		return nil, err
	}
	if session != nil {
		defer session.Zero()
	}

	codec := s.newFieldCodec(res)
	rec, err := codec.SaveRaw(ctx, req.Value)
	if err != nil {
		return nil, err
	}

	version := req.KeyVersion
	if version == 0 {
		version = 1
	}

	fieldRec := &keystore.EntityFieldRecord{
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Field:      req.Field,
		Ciphertext: rec.Ciphertext,
		IV:         rec.IV,
		KeyVersion: version,
	}
	if err := s.store.PutEntityField(fieldRec); err != nil {
		return nil, err
	}

	return &fieldSaveResponse{
		UpdatedAt: fieldRec.UpdatedAt,
		Used:      res.State().String(),
	}, nil
}

type fieldLoadRequest struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Field      string `json:"field"`
	UserID     string `json:"user_id,omitempty"`
	Key        string `json:"key,omitempty"`
}

type fieldLoadResponse struct {
	Value  json.RawMessage `json:"value"`
	Found  bool            `json:"found"`
	Legacy bool            `json:"legacy"`
	Used   string          `json:"used"`
}

// handleFieldLoad reads one entity field back. The field layer degrades:
// a row that fails to decode returns null rather than blocking the rest
// of the entity, with the failure logged and audited. Key-provider
// errors still propagate.
func (s *Service) handleFieldLoad(ctx context.Context, data []byte) (any, error) {
	var req fieldLoadRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if req.EntityType == "" || req.EntityID == "" || req.Field == "" {
		return nil, fmt.Errorf("entity_type, entity_id and field are required")
	}

	rec, err := s.store.GetEntityField(req.EntityType, req.EntityID, req.Field)
	if errors.Is(err, keystore.ErrKeyNotFound) {
		return &fieldLoadResponse{Value: json.RawMessage("null"), Found: false}, nil
	}
	if err != nil {
		return nil, err
	}

	res, session, err := s.resolutionFor(req.UserID, req.Key)
	if err != nil {
		return nil, err
	}
	if session != nil {
		defer session.Zero()
	}

	value, legacy, err := s.loadFieldValue(ctx, res, rec)
	if err != nil {
		if !keycrypt.IsDecryptionFailure(err) && !keycrypt.IsDecodeFailure(err) {
			return nil, err
		}
		log.Warn().
			Str("entity_type", req.EntityType).
			Str("entity_id", req.EntityID).
			Str("field", req.Field).
			Err(err).
			Msg("Field decode failed, returning null")
		s.audit.Record(EventFieldDecodeFail, req.UserID, OutcomeFailure, map[string]any{
			"entity_type": req.EntityType,
			"entity_id":   req.EntityID,
			"field":       req.Field,
		})
		return &fieldLoadResponse{Value: json.RawMessage("null"), Found: true}, nil
	}

	if legacy {
		s.audit.Record(EventFieldLegacyRead, req.UserID, OutcomeSuccess, map[string]any{
			"entity_type": req.EntityType,
			"entity_id":   req.EntityID,
			"field":       req.Field,
		})
	}

	return &fieldLoadResponse{
		Value:  nullableValue(value),
		Found:  true,
		Legacy: legacy,
		Used:   res.State().String(),
	}, nil
}

// loadFieldValue decodes a stored field row: decrypt first, then the
// legacy plaintext path when enabled. Reports whether the legacy path
// produced the value.
func (s *Service) loadFieldValue(ctx context.Context, res *keycrypt.Resolution, rec *keystore.EntityFieldRecord) (json.RawMessage, bool, error) {
	r := rec.Record()
	if r.IsZero() {
		return nil, false, nil
	}

	if rec.Legacy() {
		if !s.config.Fields.LegacyPlaintext {
			return nil, false, fmt.Errorf("%w: %w", keycrypt.ErrDecryptionFailed, keycrypt.ErrInconsistentRecord)
		}
		raw := []byte(rec.Ciphertext)
		if !json.Valid(raw) {
			return nil, false, fmt.Errorf("%w: legacy row is not JSON", keycrypt.ErrDecryptionFailed)
		}
		log.Warn().
			Str("entity_type", rec.EntityType).
			Str("entity_id", rec.EntityID).
			Str("field", rec.Field).
			Msg("Read pre-encryption plaintext row via legacy fallback")
		return raw, true, nil
	}

	plaintext, err := res.Decrypt(ctx, r)
	if err == nil {
		if !json.Valid(plaintext) {
			return nil, false, &keycrypt.DecodeError{Field: rec.Field, Err: fmt.Errorf("decrypted payload is not valid JSON")}
		}
		return plaintext, false, nil
	}
	if !keycrypt.IsDecryptionFailure(err) {
		return nil, false, err
	}

	if s.config.Fields.LegacyPlaintext {
		raw := []byte(rec.Ciphertext)
		if json.Valid(raw) {
			log.Warn().
				Str("entity_type", rec.EntityType).
				Str("entity_id", rec.EntityID).
				Str("field", rec.Field).
				Msg("Decryption failed, raw column parsed as legacy plaintext")
			return raw, true, nil
		}
	}
	return nil, false, err
}
