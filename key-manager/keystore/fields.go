package keystore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/meridianfi/nestvault/keycrypt"
)

// EntityFieldRecord is one encrypted field column for a domain entity.
// IV is empty only on legacy rows imported from before encryption; every
// fresh write carries both halves.
type EntityFieldRecord struct {
	EntityType string
	EntityID   string
	Field      string
	Ciphertext string
	IV         string
	KeyVersion int64
	UpdatedAt  int64
}

// Record returns the stored pair as a cipher record.
func (r *EntityFieldRecord) Record() keycrypt.Record {
	return keycrypt.Record{Ciphertext: r.Ciphertext, IV: r.IV}
}

// Legacy reports whether the row predates encryption.
func (r *EntityFieldRecord) Legacy() bool {
	return r.Ciphertext != "" && r.IV == ""
}

// PutEntityField writes an encrypted field. Both ciphertext and iv must
// be present, or both empty to clear the field.
func (s *Keystore) PutEntityField(rec *EntityFieldRecord) error {
	if (rec.Ciphertext == "") != (rec.IV == "") {
		return ErrInconsistentField
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec.UpdatedAt = time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT INTO entity_fields (entity_type, entity_id, field, ciphertext, iv, key_version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id, field) DO UPDATE SET
			ciphertext  = excluded.ciphertext,
			iv          = excluded.iv,
			key_version = excluded.key_version,
			updated_at  = excluded.updated_at
	`, rec.EntityType, rec.EntityID, rec.Field, rec.Ciphertext, nullableIV(rec.IV),
		rec.KeyVersion, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to store entity field: %w", err)
	}

	s.bumpRollbackCounter()
	return nil
}

// ImportLegacyField inserts a plaintext row as-is, with no IV. This is
// the only path that writes a row without both halves; it exists for
// migrating stores that still carry pre-encryption data.
func (s *Keystore) ImportLegacyField(entityType, entityID, field, raw string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO entity_fields (entity_type, entity_id, field, ciphertext, iv, key_version, updated_at)
		VALUES (?, ?, ?, ?, NULL, 0, ?)
		ON CONFLICT(entity_type, entity_id, field) DO UPDATE SET
			ciphertext  = excluded.ciphertext,
			iv          = NULL,
			key_version = 0,
			updated_at  = excluded.updated_at
	`, entityType, entityID, field, raw, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to import legacy field: %w", err)
	}

	s.bumpRollbackCounter()
	return nil
}

// GetEntityField loads one field row. Returns ErrKeyNotFound when the
// field has never been written.
func (s *Keystore) GetEntityField(entityType, entityID, field string) (*EntityFieldRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return scanEntityField(s.db.QueryRow(`
		SELECT entity_type, entity_id, field, ciphertext, iv, key_version, updated_at
		FROM entity_fields WHERE entity_type = ? AND entity_id = ? AND field = ?
	`, entityType, entityID, field))
}

// ListEntityFields returns every stored field for one entity.
func (s *Keystore) ListEntityFields(entityType, entityID string) ([]*EntityFieldRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT entity_type, entity_id, field, ciphertext, iv, key_version, updated_at
		FROM entity_fields WHERE entity_type = ? AND entity_id = ? ORDER BY field
	`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list entity fields: %w", err)
	}
	defer rows.Close()

	var recs []*EntityFieldRecord
	for rows.Next() {
		rec, err := scanEntityField(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// CountLegacyFields reports how many rows still lack an IV.
func (s *Keystore) CountLegacyFields() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM entity_fields WHERE iv IS NULL OR iv = ''
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count legacy fields: %w", err)
	}
	return n, nil
}

// DeleteEntityFields removes every field row for one entity.
func (s *Keystore) DeleteEntityFields(entityType, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		DELETE FROM entity_fields WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID)
	if err != nil {
		return fmt.Errorf("failed to delete entity fields: %w", err)
	}

	s.bumpRollbackCounter()
	return nil
}

func scanEntityField(row rowScanner) (*EntityFieldRecord, error) {
	var rec EntityFieldRecord
	var iv sql.NullString
	err := row.Scan(&rec.EntityType, &rec.EntityID, &rec.Field,
		&rec.Ciphertext, &iv, &rec.KeyVersion, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan entity field: %w", err)
	}
	if iv.Valid {
		rec.IV = iv.String
	}
	return &rec, nil
}

func nullableIV(iv string) any {
	if iv == "" {
		return nil
	}
	return iv
}
