// Package keystore provides the encrypted SQLite persistence for the key
// manager: wrapped per-user DEK records, entity field columns, escrow
// blobs, audit events, and rewrap campaign state.
//
// Sensitive blob columns are encrypted at rest with XChaCha20-Poly1305
// under keys expanded from a provisioned root key. Field ciphertext/iv
// columns are stored as provided; they are already authenticated
// ciphertext produced by the field cipher, and legacy rows predating
// encryption keep their raw text.
package keystore

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	_ "modernc.org/sqlite"

	"github.com/google/uuid"
	"github.com/meridianfi/nestvault/keycrypt"
)

// HKDF info strings binding the expanded subkeys to their purpose.
const (
	encKeyInfo = "nestvault/keystore/enc/v1"
	macKeyInfo = "nestvault/keystore/mac/v1"
)

// Meta keys in store_meta.
const (
	metaStoreID         = "store_id"
	metaSchemaVersion   = "schema_version"
	metaRollbackCounter = "rollback_counter"
	metaAuditSequence   = "audit_sequence"
)

const schemaVersion = "1"

// ErrKeyNotFound is returned when a requested record does not exist.
var ErrKeyNotFound = fmt.Errorf("key not found")

// ErrInconsistentField rejects writes carrying exactly one of
// ciphertext/iv. Legacy rows enter only through ImportLegacyField.
var ErrInconsistentField = fmt.Errorf("field record must carry ciphertext and iv together")

// Keystore is the encrypted SQLite store owned by the key-manager daemon.
type Keystore struct {
	db      *sql.DB
	path    string
	storeID string

	aead   cipher.AEAD
	macKey []byte

	// Incremented on every write; snapshots carry it so a restore can
	// never silently roll the store back to an older state.
	rollbackCounter int64

	keyCache *recordCache

	mu sync.RWMutex
}

// Open opens (or creates) the keystore at path. The root key comes from
// the provider and is expanded into independent encryption and MAC
// subkeys; the root itself is wiped before Open returns. Use ":memory:"
// for tests.
func Open(ctx context.Context, path string, provider keycrypt.KeyProvider) (*Keystore, error) {
	root, err := provider.Key(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain store key: %w", err)
	}
	defer wipe(root)
	if len(root) != keycrypt.KeySize {
		return nil, keycrypt.ErrInvalidKeySize
	}

	encKey, err := expandSubkey(root, encKeyInfo)
	if err != nil {
		return nil, err
	}
	macKey, err := expandSubkey(root, macKeyInfo)
	if err != nil {
		wipe(encKey)
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(encKey)
	wipe(encKey)
	if err != nil {
		wipe(macKey)
		return nil, fmt.Errorf("failed to initialize at-rest cipher: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		wipe(macKey)
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and
	// SQLite has a single writer anyway.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			wipe(macKey)
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &Keystore{
		db:       db,
		path:     path,
		aead:     aead,
		macKey:   macKey,
		keyCache: newRecordCache(256),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		wipe(macKey)
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *Keystore) initSchema() error {
	schema := `
	-- Wrapped per-user DEK records, one row per credential kind.
	-- The plaintext DEK never appears here; ciphertext/iv is the wrap
	-- record, salt is the derivation salt (encrypted at rest), params
	-- names the derivation parameter set.
	CREATE TABLE IF NOT EXISTS user_keys (
		user_id     TEXT NOT NULL,
		kind        TEXT NOT NULL CHECK(kind IN ('password', 'recovery_code', 'email', 'fallback')),
		params      TEXT NOT NULL,
		salt        BLOB NOT NULL,
		ciphertext  TEXT NOT NULL CHECK(ciphertext != ''),
		iv          TEXT NOT NULL CHECK(iv != ''),
		key_version INTEGER NOT NULL DEFAULT 1,
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL,
		PRIMARY KEY (user_id, kind)
	);
	CREATE INDEX IF NOT EXISTS idx_user_keys_params ON user_keys(params);

	-- Escrowed DEK blobs, sealed to the operator escrow public key.
	CREATE TABLE IF NOT EXISTS escrow_keys (
		user_id    TEXT PRIMARY KEY,
		blob       BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);

	-- Encrypted entity field columns. iv is NULL only for legacy rows
	-- written before encryption existed; fresh writes always carry both.
	CREATE TABLE IF NOT EXISTS entity_fields (
		entity_type TEXT NOT NULL,
		entity_id   TEXT NOT NULL,
		field       TEXT NOT NULL,
		ciphertext  TEXT NOT NULL,
		iv          TEXT,
		key_version INTEGER NOT NULL DEFAULT 1,
		updated_at  INTEGER NOT NULL,
		PRIMARY KEY (entity_type, entity_id, field)
	);
	CREATE INDEX IF NOT EXISTS idx_entity_fields_entity ON entity_fields(entity_type, entity_id);

	-- Security audit trail. detail is an encrypted JSON payload.
	CREATE TABLE IF NOT EXISTS audit_events (
		event_id   TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		user_id    TEXT DEFAULT '',
		outcome    TEXT NOT NULL,
		detail     BLOB,
		seq        INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_type ON audit_events(event_type, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_events(user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_seq ON audit_events(seq);

	-- Per-user rewrap campaign state.
	CREATE TABLE IF NOT EXISTS rewrap_state (
		user_id       TEXT PRIMARY KEY,
		status        TEXT NOT NULL,
		source_params TEXT NOT NULL DEFAULT '',
		target_params TEXT NOT NULL DEFAULT '',
		locked_by     TEXT NOT NULL DEFAULT '',
		locked_at     INTEGER,
		attempts      INTEGER NOT NULL DEFAULT 0,
		last_error    TEXT NOT NULL DEFAULT '',
		started_at    INTEGER,
		completed_at  INTEGER,
		updated_at    INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rewrap_status ON rewrap_state(status);

	-- Campaign leases. A row is the current lease for its key; expired
	-- rows are overwritten on the next acquire.
	CREATE TABLE IF NOT EXISTS leases (
		key         TEXT PRIMARY KEY,
		holder      TEXT NOT NULL,
		acquired_at INTEGER NOT NULL,
		expires_at  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS store_meta (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	now := time.Now().Unix()
	init := [][2]string{
		{metaStoreID, uuid.NewString()},
		{metaSchemaVersion, schemaVersion},
		{metaRollbackCounter, "0"},
		{metaAuditSequence, "0"},
	}
	for _, kv := range init {
		_, err := s.db.Exec(`
			INSERT OR IGNORE INTO store_meta (key, value, updated_at)
			VALUES (?, ?, ?)
		`, kv[0], kv[1], now)
		if err != nil {
			return fmt.Errorf("failed to initialize metadata %s: %w", kv[0], err)
		}
	}

	storeID, err := s.getMeta(metaStoreID)
	if err != nil {
		return fmt.Errorf("failed to load store id: %w", err)
	}
	s.storeID = storeID

	counter, err := s.getMeta(metaRollbackCounter)
	if err != nil {
		return fmt.Errorf("failed to load rollback counter: %w", err)
	}
	fmt.Sscanf(counter, "%d", &s.rollbackCounter)

	return nil
}

// StoreID returns the stable identifier assigned when the store was first
// created. Snapshots carry it so a restore never crosses stores.
func (s *Keystore) StoreID() string { return s.storeID }

// RollbackCounter returns the current write counter.
func (s *Keystore) RollbackCounter() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rollbackCounter
}

// Close closes the database and releases key material.
func (s *Keystore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wipe(s.macKey)
	return s.db.Close()
}

func (s *Keystore) getMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM store_meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (s *Keystore) setMeta(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO store_meta (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	return err
}

// bumpRollbackCounter advances the write counter. Caller holds the lock.
func (s *Keystore) bumpRollbackCounter() {
	s.rollbackCounter++
	s.db.Exec(`
		UPDATE store_meta SET value = ?, updated_at = ? WHERE key = ?
	`, fmt.Sprintf("%d", s.rollbackCounter), time.Now().Unix(), metaRollbackCounter)
}

// sealBlob encrypts a sensitive blob column, nonce-prefixed.
func (s *Keystore) sealBlob(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// openBlob decrypts a nonce-prefixed blob column.
func (s *Keystore) openBlob(sealed []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("sealed blob too short")
	}
	plaintext, err := s.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("at-rest decryption failed: %w", err)
	}
	return plaintext, nil
}

func expandSubkey(root []byte, info string) ([]byte, error) {
	key := make([]byte, keycrypt.KeySize)
	r := hkdf.New(sha256.New, root, nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to expand store subkey: %w", err)
	}
	return key, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
