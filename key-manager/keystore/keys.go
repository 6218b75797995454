package keystore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/meridianfi/nestvault/keycrypt"
)

// KeyKind names which KEK a wrapped DEK row is under: one of the user
// credential kinds, or the service-level fallback key.
type KeyKind string

const (
	KindPassword     = KeyKind(keycrypt.CredentialPassword)
	KindRecoveryCode = KeyKind(keycrypt.CredentialRecoveryCode)
	KindEmail        = KeyKind(keycrypt.CredentialEmail)
	KindFallback     KeyKind = "fallback"
)

// UserKeyRecord is one wrapped DEK row: the user's data key encrypted
// under the KEK derived from one credential kind. Salt is the derivation
// salt for that kind and Params names the derivation parameter set the
// wrap was made with.
type UserKeyRecord struct {
	UserID     string
	Kind       KeyKind
	Params     string
	Salt       []byte
	Ciphertext string
	IV         string
	KeyVersion int64
	CreatedAt  int64
	UpdatedAt  int64
}

// Record returns the ciphertext/iv pair as a cipher record.
func (r *UserKeyRecord) Record() keycrypt.Record {
	return keycrypt.Record{Ciphertext: r.Ciphertext, IV: r.IV}
}

// WrappedKey converts the row to the transport form.
func (r *UserKeyRecord) WrappedKey() *keycrypt.WrappedKey {
	return &keycrypt.WrappedKey{
		Kind:       keycrypt.CredentialKind(r.Kind),
		Params:     r.Params,
		Salt:       r.Salt,
		Ciphertext: r.Ciphertext,
		IV:         r.IV,
		KeyVersion: r.KeyVersion,
		CreatedAt:  r.CreatedAt,
	}
}

// PutUserKey inserts or replaces the wrapped DEK row for (user, kind).
func (s *Keystore) PutUserKey(rec *UserKeyRecord) error {
	if rec.Ciphertext == "" || rec.IV == "" {
		return ErrInconsistentField
	}

	sealedSalt, err := s.sealBlob(rec.Salt)
	if err != nil {
		return fmt.Errorf("failed to seal salt: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err = s.db.Exec(`
		INSERT INTO user_keys (user_id, kind, params, salt, ciphertext, iv, key_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, kind) DO UPDATE SET
			params      = excluded.params,
			salt        = excluded.salt,
			ciphertext  = excluded.ciphertext,
			iv          = excluded.iv,
			key_version = excluded.key_version,
			updated_at  = excluded.updated_at
	`, rec.UserID, string(rec.Kind), rec.Params, sealedSalt, rec.Ciphertext, rec.IV,
		rec.KeyVersion, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to store user key: %w", err)
	}

	s.bumpRollbackCounter()
	s.keyCache.invalidate(keyCacheID(rec.UserID, rec.Kind))
	return nil
}

// GetUserKey loads the wrapped DEK row for (user, kind). Returns
// ErrKeyNotFound when no row exists.
func (s *Keystore) GetUserKey(userID string, kind KeyKind) (*UserKeyRecord, error) {
	if rec, ok := s.keyCache.get(keyCacheID(userID, kind)); ok {
		return rec, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := s.scanUserKey(s.db.QueryRow(`
		SELECT user_id, kind, params, salt, ciphertext, iv, key_version, created_at, updated_at
		FROM user_keys WHERE user_id = ? AND kind = ?
	`, userID, string(kind)))
	if err != nil {
		return nil, err
	}

	s.keyCache.put(keyCacheID(userID, kind), rec)
	return rec, nil
}

// ListUserKeys returns all wrapped DEK rows for a user, one per
// credential kind.
func (s *Keystore) ListUserKeys(userID string) ([]*UserKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT user_id, kind, params, salt, ciphertext, iv, key_version, created_at, updated_at
		FROM user_keys WHERE user_id = ? ORDER BY kind
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user keys: %w", err)
	}
	defer rows.Close()

	var recs []*UserKeyRecord
	for rows.Next() {
		rec, err := s.scanUserKey(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ListUsersWithParams returns user ids holding at least one wrapped key
// under the named parameter set. Rewrap campaigns use it to find work.
func (s *Keystore) ListUsersWithParams(params string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT DISTINCT user_id FROM user_keys WHERE params = ? ORDER BY user_id LIMIT ?
	`, params, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list users by params: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// DeleteUserKeys removes every wrapped DEK row for a user.
func (s *Keystore) DeleteUserKeys(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM user_keys WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete user keys: %w", err)
	}

	s.bumpRollbackCounter()
	for _, kind := range []KeyKind{KindPassword, KindRecoveryCode, KindEmail, KindFallback} {
		s.keyCache.invalidate(keyCacheID(userID, kind))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Keystore) scanUserKey(row rowScanner) (*UserKeyRecord, error) {
	var rec UserKeyRecord
	var kind string
	var sealedSalt []byte
	err := row.Scan(&rec.UserID, &kind, &rec.Params, &sealedSalt,
		&rec.Ciphertext, &rec.IV, &rec.KeyVersion, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user key: %w", err)
	}

	salt, err := s.openBlob(sealedSalt)
	if err != nil {
		return nil, fmt.Errorf("failed to open salt: %w", err)
	}
	rec.Kind = KeyKind(kind)
	rec.Salt = salt
	return &rec, nil
}

// PutEscrowBlob stores the escrow-sealed DEK for a user.
func (s *Keystore) PutEscrowBlob(userID string, blob []byte) error {
	sealed, err := s.sealBlob(blob)
	if err != nil {
		return fmt.Errorf("failed to seal escrow blob: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO escrow_keys (user_id, blob, created_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET blob = excluded.blob, created_at = excluded.created_at
	`, userID, sealed, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store escrow blob: %w", err)
	}

	s.bumpRollbackCounter()
	return nil
}

// GetEscrowBlob loads the escrow-sealed DEK for a user.
func (s *Keystore) GetEscrowBlob(userID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sealed []byte
	err := s.db.QueryRow(`SELECT blob FROM escrow_keys WHERE user_id = ?`, userID).Scan(&sealed)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load escrow blob: %w", err)
	}
	return s.openBlob(sealed)
}

func keyCacheID(userID string, kind KeyKind) string {
	return userID + "|" + string(kind)
}
