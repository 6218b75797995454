package keystore

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ErrSnapshotRollback rejects restoring a snapshot older than the
// store's current state.
var ErrSnapshotRollback = fmt.Errorf("snapshot is older than current store state")

// ErrSnapshotForeign rejects restoring a snapshot taken from a different
// store onto one that already has state.
var ErrSnapshotForeign = fmt.Errorf("snapshot belongs to a different store")

// ErrSnapshotIntegrity rejects a snapshot whose HMAC does not verify.
var ErrSnapshotIntegrity = fmt.Errorf("snapshot integrity check failed")

const snapshotVersion = 1

// Snapshot is a portable, authenticated copy of the store. Payload is
// the CBOR table dump sealed under the at-rest key; HMAC covers the
// header and sealed payload so tampering with either is detected before
// any decryption is attempted.
type Snapshot struct {
	Version         int       `cbor:"version"`
	StoreID         string    `cbor:"store_id"`
	RollbackCounter int64     `cbor:"rollback_counter"`
	CreatedAt       time.Time `cbor:"created_at"`
	Payload         []byte    `cbor:"payload"`
	HMAC            []byte    `cbor:"hmac"`
}

type snapshotPayload struct {
	UserKeys     []snapUserKey     `cbor:"user_keys"`
	EscrowKeys   []snapEscrow      `cbor:"escrow_keys"`
	EntityFields []snapEntityField `cbor:"entity_fields"`
	RewrapStates []snapRewrapState `cbor:"rewrap_states"`
	AuditSeq     int64             `cbor:"audit_seq"`
}

type snapUserKey struct {
	UserID     string `cbor:"user_id"`
	Kind       string `cbor:"kind"`
	Params     string `cbor:"params"`
	Salt       []byte `cbor:"salt"`
	Ciphertext string `cbor:"ciphertext"`
	IV         string `cbor:"iv"`
	KeyVersion int64  `cbor:"key_version"`
	CreatedAt  int64  `cbor:"created_at"`
	UpdatedAt  int64  `cbor:"updated_at"`
}

type snapEscrow struct {
	UserID    string `cbor:"user_id"`
	Blob      []byte `cbor:"blob"`
	CreatedAt int64  `cbor:"created_at"`
}

type snapEntityField struct {
	EntityType string `cbor:"entity_type"`
	EntityID   string `cbor:"entity_id"`
	Field      string `cbor:"field"`
	Ciphertext string `cbor:"ciphertext"`
	IV         string `cbor:"iv"`
	Legacy     bool   `cbor:"legacy"`
	KeyVersion int64  `cbor:"key_version"`
	UpdatedAt  int64  `cbor:"updated_at"`
}

type snapRewrapState struct {
	UserID       string `cbor:"user_id"`
	Status       string `cbor:"status"`
	SourceParams string `cbor:"source_params"`
	TargetParams string `cbor:"target_params"`
	Attempts     int    `cbor:"attempts"`
	LastError    string `cbor:"last_error"`
	UpdatedAt    int64  `cbor:"updated_at"`
}

// CreateSnapshot exports the store into an authenticated snapshot.
func (s *Keystore) CreateSnapshot() (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payload, err := s.exportPayload()
	if err != nil {
		return nil, err
	}

	raw, err := cbor.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot payload: %w", err)
	}
	sealed, err := s.sealBlob(raw)
	wipe(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to seal snapshot payload: %w", err)
	}

	snap := &Snapshot{
		Version:         snapshotVersion,
		StoreID:         s.storeID,
		RollbackCounter: s.rollbackCounter,
		CreatedAt:       time.Now().UTC(),
		Payload:         sealed,
	}
	snap.HMAC = s.snapshotMAC(snap)
	return snap, nil
}

// RestoreSnapshot replaces the store contents with the snapshot's after
// verifying integrity, ownership, and that the snapshot is not older
// than the current state. A fresh store adopts the snapshot's identity;
// that is the disaster-recovery path.
func (s *Keystore) RestoreSnapshot(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.Version != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	if !hmac.Equal(snap.HMAC, s.snapshotMAC(snap)) {
		return ErrSnapshotIntegrity
	}
	if snap.StoreID != s.storeID {
		if s.rollbackCounter != 0 {
			return ErrSnapshotForeign
		}
		// Fresh store: adopt the snapshot's identity.
		if err := s.setMeta(metaStoreID, snap.StoreID); err != nil {
			return fmt.Errorf("failed to adopt store id: %w", err)
		}
		s.storeID = snap.StoreID
	} else if snap.RollbackCounter < s.rollbackCounter {
		return fmt.Errorf("%w: snapshot counter %d, store counter %d",
			ErrSnapshotRollback, snap.RollbackCounter, s.rollbackCounter)
	}

	raw, err := s.openBlob(snap.Payload)
	if err != nil {
		return fmt.Errorf("failed to open snapshot payload: %w", err)
	}
	defer wipe(raw)

	var payload snapshotPayload
	if err := cbor.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("failed to decode snapshot payload: %w", err)
	}

	if err := s.importPayload(&payload); err != nil {
		return err
	}

	s.rollbackCounter = snap.RollbackCounter
	if err := s.setMeta(metaRollbackCounter, fmt.Sprintf("%d", s.rollbackCounter)); err != nil {
		return fmt.Errorf("failed to persist rollback counter: %w", err)
	}
	if err := s.setMeta(metaAuditSequence, fmt.Sprintf("%d", payload.AuditSeq)); err != nil {
		return fmt.Errorf("failed to persist audit sequence: %w", err)
	}
	s.keyCache.purge()
	return nil
}

// snapshotMAC authenticates the snapshot header and sealed payload.
func (s *Keystore) snapshotMAC(snap *Snapshot) []byte {
	mac := hmac.New(sha256.New, s.macKey)
	fmt.Fprintf(mac, "%d|%s|%d|%d|", snap.Version, snap.StoreID,
		snap.RollbackCounter, snap.CreatedAt.Unix())
	mac.Write(snap.Payload)
	return mac.Sum(nil)
}

func (s *Keystore) exportPayload() (*snapshotPayload, error) {
	payload := &snapshotPayload{}

	rows, err := s.db.Query(`
		SELECT user_id, kind, params, salt, ciphertext, iv, key_version, created_at, updated_at
		FROM user_keys ORDER BY user_id, kind
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to export user keys: %w", err)
	}
	for rows.Next() {
		var r snapUserKey
		var sealedSalt []byte
		if err := rows.Scan(&r.UserID, &r.Kind, &r.Params, &sealedSalt,
			&r.Ciphertext, &r.IV, &r.KeyVersion, &r.CreatedAt, &r.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		salt, err := s.openBlob(sealedSalt)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to open salt for export: %w", err)
		}
		r.Salt = salt
		payload.UserKeys = append(payload.UserKeys, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(`SELECT user_id, blob, created_at FROM escrow_keys ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to export escrow keys: %w", err)
	}
	for rows.Next() {
		var r snapEscrow
		var sealed []byte
		if err := rows.Scan(&r.UserID, &sealed, &r.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		blob, err := s.openBlob(sealed)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to open escrow blob for export: %w", err)
		}
		r.Blob = blob
		payload.EscrowKeys = append(payload.EscrowKeys, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(`
		SELECT entity_type, entity_id, field, ciphertext, COALESCE(iv, ''), iv IS NULL, key_version, updated_at
		FROM entity_fields ORDER BY entity_type, entity_id, field
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to export entity fields: %w", err)
	}
	for rows.Next() {
		var r snapEntityField
		if err := rows.Scan(&r.EntityType, &r.EntityID, &r.Field,
			&r.Ciphertext, &r.IV, &r.Legacy, &r.KeyVersion, &r.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		payload.EntityFields = append(payload.EntityFields, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(`
		SELECT user_id, status, source_params, target_params, attempts, last_error, updated_at
		FROM rewrap_state ORDER BY user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to export rewrap state: %w", err)
	}
	for rows.Next() {
		var r snapRewrapState
		if err := rows.Scan(&r.UserID, &r.Status, &r.SourceParams, &r.TargetParams,
			&r.Attempts, &r.LastError, &r.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		payload.RewrapStates = append(payload.RewrapStates, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	raw, err := s.getMeta(metaAuditSequence)
	if err != nil {
		return nil, err
	}
	fmt.Sscanf(raw, "%d", &payload.AuditSeq)

	return payload, nil
}

func (s *Keystore) importPayload(payload *snapshotPayload) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin restore: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"user_keys", "escrow_keys", "entity_fields", "rewrap_state", "leases"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	for _, r := range payload.UserKeys {
		sealedSalt, err := s.sealBlob(r.Salt)
		if err != nil {
			return fmt.Errorf("failed to seal salt for import: %w", err)
		}
		_, err = tx.Exec(`
			INSERT INTO user_keys (user_id, kind, params, salt, ciphertext, iv, key_version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, r.UserID, r.Kind, r.Params, sealedSalt, r.Ciphertext, r.IV,
			r.KeyVersion, r.CreatedAt, r.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to import user key: %w", err)
		}
	}

	for _, r := range payload.EscrowKeys {
		sealed, err := s.sealBlob(r.Blob)
		if err != nil {
			return fmt.Errorf("failed to seal escrow blob for import: %w", err)
		}
		_, err = tx.Exec(`
			INSERT INTO escrow_keys (user_id, blob, created_at) VALUES (?, ?, ?)
		`, r.UserID, sealed, r.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to import escrow blob: %w", err)
		}
	}

	for _, r := range payload.EntityFields {
		iv := any(r.IV)
		if r.Legacy {
			iv = nil
		}
		_, err = tx.Exec(`
			INSERT INTO entity_fields (entity_type, entity_id, field, ciphertext, iv, key_version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, r.EntityType, r.EntityID, r.Field, r.Ciphertext, iv, r.KeyVersion, r.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to import entity field: %w", err)
		}
	}

	for _, r := range payload.RewrapStates {
		_, err = tx.Exec(`
			INSERT INTO rewrap_state (user_id, status, source_params, target_params, attempts, last_error, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, r.UserID, r.Status, r.SourceParams, r.TargetParams, r.Attempts, r.LastError, r.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to import rewrap state: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit restore: %w", err)
	}
	return nil
}

// EncodeSnapshot serializes a snapshot for transport or object storage.
func EncodeSnapshot(snap *Snapshot) ([]byte, error) {
	data, err := cbor.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses a serialized snapshot.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}
