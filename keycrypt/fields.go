package keycrypt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
)

// FieldCodec persists JSON-serializable domain values as encrypted
// records through a Resolution. Every save produces fresh ciphertext and
// IV, even for unchanged content; there is no IV caching across saves.
//
// The legacy plaintext mode covers rows written before encryption was
// introduced: when decryption fails, the raw stored ciphertext column is
// parsed as plaintext JSON instead. The mode is opt-in and every
// invocation is logged, so corrupted ciphertext cannot silently read as
// "no data" in deployments that have no legacy rows.
type FieldCodec struct {
	res             *Resolution
	legacyPlaintext bool
}

// FieldOption configures a FieldCodec.
type FieldOption func(*FieldCodec)

// WithLegacyPlaintext enables the plaintext-JSON fallback for rows that
// predate encryption.
func WithLegacyPlaintext() FieldOption {
	return func(c *FieldCodec) { c.legacyPlaintext = true }
}

// NewFieldCodec builds a codec over a resolution.
func NewFieldCodec(res *Resolution, opts ...FieldOption) *FieldCodec {
	c := &FieldCodec{res: res}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LegacyEnabled reports whether the plaintext fallback is active.
func (c *FieldCodec) LegacyEnabled() bool { return c.legacyPlaintext }

// SaveMap encrypts a map value for storage. Nil and empty maps
// short-circuit to a zero record without touching the cipher.
func (c *FieldCodec) SaveMap(ctx context.Context, m map[string]any) (Record, error) {
	if len(m) == 0 {
		return Record{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal field: %w", err)
	}
	return c.res.Encrypt(ctx, data)
}

// SaveSlice encrypts a list value for storage.
func (c *FieldCodec) SaveSlice(ctx context.Context, s []any) (Record, error) {
	if len(s) == 0 {
		return Record{}, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal field: %w", err)
	}
	return c.res.Encrypt(ctx, data)
}

// LoadMap reads a map field back. Decode order: decrypt and JSON-parse;
// then, when legacy mode is on, parse the raw ciphertext column as
// plaintext JSON; a record holding ciphertext with no IV skips the cipher
// entirely. Failure of all applicable paths yields a DecodeError.
func (c *FieldCodec) LoadMap(ctx context.Context, field string, rec Record) (map[string]any, error) {
	data, err := c.load(ctx, field, rec)
	if err != nil || data == nil {
		return nil, err
	}
	var m map[string]any
	if jerr := json.Unmarshal(data, &m); jerr != nil {
		return nil, &DecodeError{Field: field, Err: fmt.Errorf("decrypted payload is not a JSON object: %w", jerr)}
	}
	return m, nil
}

// LoadSlice reads a list field back with the same decode order as LoadMap.
func (c *FieldCodec) LoadSlice(ctx context.Context, field string, rec Record) ([]any, error) {
	data, err := c.load(ctx, field, rec)
	if err != nil || data == nil {
		return nil, err
	}
	var s []any
	if jerr := json.Unmarshal(data, &s); jerr != nil {
		return nil, &DecodeError{Field: field, Err: fmt.Errorf("decrypted payload is not a JSON array: %w", jerr)}
	}
	return s, nil
}

// SaveRaw encrypts a pre-marshaled JSON value. JSON null and empty values
// short-circuit to a zero record.
func (c *FieldCodec) SaveRaw(ctx context.Context, raw json.RawMessage) (Record, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return Record{}, nil
	}
	if !json.Valid(raw) {
		return Record{}, fmt.Errorf("value is not valid JSON")
	}
	return c.res.Encrypt(ctx, raw)
}

// LoadRaw reads a field back as raw JSON with the same decode order as
// LoadMap. An empty record yields nil.
func (c *FieldCodec) LoadRaw(ctx context.Context, field string, rec Record) (json.RawMessage, error) {
	data, err := c.load(ctx, field, rec)
	if err != nil || data == nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, &DecodeError{Field: field, Err: fmt.Errorf("decrypted payload is not valid JSON")}
	}
	return json.RawMessage(data), nil
}

// LoadRawLenient applies the degrade policy to raw JSON fields.
func (c *FieldCodec) LoadRawLenient(ctx context.Context, field string, rec Record) (json.RawMessage, error) {
	raw, err := c.LoadRaw(ctx, field, rec)
	if err != nil {
		if !IsDecodeFailure(err) {
			return nil, err
		}
		log.Warn().Str("field", field).Err(err).Msg("Field decode failed, returning empty value")
		return nil, nil
	}
	return raw, nil
}

// LoadMapLenient is LoadMap with the field-layer degrade policy applied:
// a decode failure logs and returns nil so one corrupted field never
// blocks loading the rest of an entity. Errors other than decode failures
// (e.g. an unreachable key provider) still propagate.
func (c *FieldCodec) LoadMapLenient(ctx context.Context, field string, rec Record) (map[string]any, error) {
	m, err := c.LoadMap(ctx, field, rec)
	if err != nil {
		if !IsDecodeFailure(err) {
			return nil, err
		}
		log.Warn().Str("field", field).Err(err).Msg("Field decode failed, returning empty value")
		return nil, nil
	}
	return m, nil
}

// LoadSliceLenient applies the degrade policy to list fields.
func (c *FieldCodec) LoadSliceLenient(ctx context.Context, field string, rec Record) ([]any, error) {
	s, err := c.LoadSlice(ctx, field, rec)
	if err != nil {
		if !IsDecodeFailure(err) {
			return nil, err
		}
		log.Warn().Str("field", field).Err(err).Msg("Field decode failed, returning empty value")
		return nil, nil
	}
	return s, nil
}

// load returns the plaintext JSON bytes for a record, or nil for an empty
// record.
func (c *FieldCodec) load(ctx context.Context, field string, rec Record) ([]byte, error) {
	if rec.IsZero() {
		return nil, nil
	}

	// A record with ciphertext but no IV cannot be decrypted at all; only
	// the legacy path can apply.
	if rec.Ciphertext != "" && rec.IV == "" {
		if !c.legacyPlaintext {
			return nil, &DecodeError{Field: field, Err: fmt.Errorf("%w: %w", ErrDecryptionFailed, ErrInconsistentRecord)}
		}
		return c.legacyParse(field, rec, ErrInconsistentRecord)
	}

	plaintext, err := c.res.Decrypt(ctx, rec)
	if err == nil {
		return plaintext, nil
	}
	if !IsDecryptionFailure(err) {
		return nil, err
	}
	if !c.legacyPlaintext {
		return nil, &DecodeError{Field: field, Err: err}
	}
	return c.legacyParse(field, rec, err)
}

// legacyParse treats the raw ciphertext column as plaintext JSON written
// before encryption existed. Always logged for audit.
func (c *FieldCodec) legacyParse(field string, rec Record, cause error) ([]byte, error) {
	raw := []byte(rec.Ciphertext)
	if !json.Valid(raw) {
		return nil, &DecodeError{Field: field, Err: fmt.Errorf("decryption failed and raw column is not JSON: %w", cause)}
	}
	log.Warn().
		Str("field", field).
		Msg("Read pre-encryption plaintext row via legacy fallback")
	return raw, nil
}
