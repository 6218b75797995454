package keystore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/meridianfi/nestvault/rewrap"
)

// The keystore backs the campaign engine's persistence interfaces.
var (
	_ rewrap.StateStore   = (*Keystore)(nil)
	_ rewrap.LockStore    = (*Keystore)(nil)
	_ rewrap.CleanupStore = (*Keystore)(nil)
)

// GetUserState loads a user's campaign state.
func (s *Keystore) GetUserState(userID string) (*rewrap.UserState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var state rewrap.UserState
	var status string
	var lockedAt, startedAt, completedAt sql.NullInt64
	var updatedAt int64

	err := s.db.QueryRow(`
		SELECT user_id, status, source_params, target_params, locked_by, locked_at,
		       attempts, last_error, started_at, completed_at, updated_at
		FROM rewrap_state WHERE user_id = ?
	`, userID).Scan(&state.UserID, &status, &state.SourceParams, &state.TargetParams,
		&state.LockedBy, &lockedAt, &state.Attempts, &state.LastError,
		&startedAt, &completedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", rewrap.ErrStateNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load rewrap state: %w", err)
	}

	state.Status = rewrap.Status(status)
	state.LockedAt = unixPtr(lockedAt)
	state.StartedAt = unixPtr(startedAt)
	state.CompletedAt = unixPtr(completedAt)
	state.UpdatedAt = time.Unix(updatedAt, 0)
	return &state, nil
}

// SaveUserState upserts a user's campaign state.
func (s *Keystore) SaveUserState(state *rewrap.UserState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO rewrap_state (user_id, status, source_params, target_params, locked_by,
			locked_at, attempts, last_error, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			status        = excluded.status,
			source_params = excluded.source_params,
			target_params = excluded.target_params,
			locked_by     = excluded.locked_by,
			locked_at     = excluded.locked_at,
			attempts      = excluded.attempts,
			last_error    = excluded.last_error,
			started_at    = excluded.started_at,
			completed_at  = excluded.completed_at,
			updated_at    = excluded.updated_at
	`, state.UserID, string(state.Status), state.SourceParams, state.TargetParams,
		state.LockedBy, ptrUnix(state.LockedAt), state.Attempts, state.LastError,
		ptrUnix(state.StartedAt), ptrUnix(state.CompletedAt), state.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save rewrap state: %w", err)
	}

	s.bumpRollbackCounter()
	return nil
}

// ListUsersNeedingRewrap returns users in pending or failed state.
func (s *Keystore) ListUsersNeedingRewrap() ([]string, error) {
	return s.listRewrapUsers(`status IN ('pending', 'failed')`)
}

// ListUsersInState returns users in the given state.
func (s *Keystore) ListUsersInState(status rewrap.Status) ([]string, error) {
	return s.listRewrapUsers(`status = ?`, string(status))
}

func (s *Keystore) listRewrapUsers(where string, args ...any) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT user_id FROM rewrap_state WHERE `+where+` ORDER BY user_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rewrap users: %w", err)
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

// Stats aggregates campaign state counts.
func (s *Keystore) Stats() (*rewrap.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM rewrap_state GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate rewrap stats: %w", err)
	}
	defer rows.Close()

	stats := &rewrap.Stats{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats.TotalUsers += n
		switch rewrap.Status(status) {
		case rewrap.StatusPending:
			stats.Pending = n
		case rewrap.StatusRunning:
			stats.Running = n
		case rewrap.StatusVerifying:
			stats.Verifying = n
		case rewrap.StatusComplete:
			stats.Complete = n
		case rewrap.StatusFailed:
			stats.Failed = n
		case rewrap.StatusSkipped:
			stats.Skipped = n
		}
	}
	return stats, rows.Err()
}

// TryAcquire takes a lease unless a live one is held by someone else.
// The conditional upsert is the compare-and-swap: zero rows affected
// means another holder still owns the lease.
func (s *Keystore) TryAcquire(key, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	res, err := s.db.Exec(`
		INSERT INTO leases (key, holder, acquired_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			holder      = excluded.holder,
			acquired_at = excluded.acquired_at,
			expires_at  = excluded.expires_at
		WHERE leases.expires_at < ? OR leases.holder = excluded.holder
	`, key, holder, now.Unix(), now.Add(ttl).Unix(), now.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Release drops a lease held by holder.
func (s *Keystore) Release(key, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM leases WHERE key = ? AND holder = ?`, key, holder)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var other string
		if err := s.db.QueryRow(`SELECT holder FROM leases WHERE key = ?`, key).Scan(&other); err == nil {
			return fmt.Errorf("lock held by different holder: %s", other)
		}
	}
	return nil
}

// Refresh extends a held lease.
func (s *Keystore) Refresh(key, holder string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE leases SET expires_at = ? WHERE key = ? AND holder = ?
	`, time.Now().Add(ttl).Unix(), key, holder)
	if err != nil {
		return fmt.Errorf("failed to refresh lease: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("lock not held by %s: %s", holder, key)
	}
	return nil
}

// GetLockInfo returns the current lease for key, or nil.
func (s *Keystore) GetLockInfo(key string) (*rewrap.LockInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var info rewrap.LockInfo
	var acquiredAt, expiresAt int64
	err := s.db.QueryRow(`
		SELECT key, holder, acquired_at, expires_at FROM leases WHERE key = ?
	`, key).Scan(&info.Key, &info.Holder, &acquiredAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load lease: %w", err)
	}
	info.AcquiredAt = time.Unix(acquiredAt, 0)
	info.ExpiresAt = time.Unix(expiresAt, 0)
	return &info, nil
}

// ListSupersededFallbacks returns users holding both a fallback wrap and
// at least one credential wrap.
func (s *Keystore) ListSupersededFallbacks(limit int) ([]rewrap.SupersededRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT f.user_id, f.created_at, MAX(c.updated_at)
		FROM user_keys f
		JOIN user_keys c ON c.user_id = f.user_id AND c.kind != 'fallback'
		WHERE f.kind = 'fallback'
		GROUP BY f.user_id, f.created_at
		ORDER BY f.created_at
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list superseded fallbacks: %w", err)
	}
	defer rows.Close()

	var recs []rewrap.SupersededRecord
	for rows.Next() {
		var userID string
		var fallbackAt, credentialAt int64
		if err := rows.Scan(&userID, &fallbackAt, &credentialAt); err != nil {
			return nil, err
		}
		recs = append(recs, rewrap.SupersededRecord{
			UserID:              userID,
			FallbackCreatedAt:   time.Unix(fallbackAt, 0),
			CredentialUpdatedAt: time.Unix(credentialAt, 0),
		})
	}
	return recs, rows.Err()
}

// DeleteFallbackKey removes the fallback wrap for a user.
func (s *Keystore) DeleteFallbackKey(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		DELETE FROM user_keys WHERE user_id = ? AND kind = 'fallback'
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete fallback wrap: %w", err)
	}

	s.bumpRollbackCounter()
	s.keyCache.invalidate(keyCacheID(userID, KindFallback))
	return nil
}

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

func ptrUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
