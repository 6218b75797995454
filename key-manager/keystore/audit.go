package keystore

import (
	"fmt"
	"time"
)

// AuditRecord is one security event row. Detail holds an encrypted JSON
// payload; Seq is a gapless per-store sequence assigned on append.
type AuditRecord struct {
	EventID   string
	EventType string
	UserID    string
	Outcome   string
	Detail    []byte
	Seq       int64
	CreatedAt int64
}

// AuditFilter narrows ListAuditEvents. Zero values are ignored.
type AuditFilter struct {
	EventType string
	UserID    string
	Since     int64
	Until     int64
	Limit     int
	Offset    int
}

// AppendAuditEvent stores an event, assigning it the next sequence
// number and sealing the detail payload at rest.
func (s *Keystore) AppendAuditEvent(rec *AuditRecord) error {
	var sealed []byte
	if len(rec.Detail) > 0 {
		var err error
		sealed, err = s.sealBlob(rec.Detail)
		if err != nil {
			return fmt.Errorf("failed to seal audit detail: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := s.nextAuditSeq()
	if err != nil {
		return err
	}
	rec.Seq = seq
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}

	_, err = s.db.Exec(`
		INSERT INTO audit_events (event_id, event_type, user_id, outcome, detail, seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.EventID, rec.EventType, rec.UserID, rec.Outcome, sealed, rec.Seq, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store audit event: %w", err)
	}

	s.bumpRollbackCounter()
	return nil
}

// nextAuditSeq advances the audit sequence. Caller holds the lock.
func (s *Keystore) nextAuditSeq() (int64, error) {
	raw, err := s.getMeta(metaAuditSequence)
	if err != nil {
		return 0, fmt.Errorf("failed to load audit sequence: %w", err)
	}
	var seq int64
	fmt.Sscanf(raw, "%d", &seq)
	seq++
	if err := s.setMeta(metaAuditSequence, fmt.Sprintf("%d", seq)); err != nil {
		return 0, fmt.Errorf("failed to advance audit sequence: %w", err)
	}
	return seq, nil
}

// ListAuditEvents returns events matching the filter, newest first.
func (s *Keystore) ListAuditEvents(filter AuditFilter) ([]*AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT event_id, event_type, user_id, outcome, detail, seq, created_at
		FROM audit_events WHERE 1=1`
	var args []any

	if filter.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, filter.EventType)
	}
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.Since > 0 {
		query += ` AND created_at >= ?`
		args = append(args, filter.Since)
	}
	if filter.Until > 0 {
		query += ` AND created_at <= ?`
		args = append(args, filter.Until)
	}

	query += ` ORDER BY seq DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var recs []*AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var sealed []byte
		if err := rows.Scan(&rec.EventID, &rec.EventType, &rec.UserID,
			&rec.Outcome, &sealed, &rec.Seq, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if len(sealed) > 0 {
			detail, err := s.openBlob(sealed)
			if err != nil {
				return nil, fmt.Errorf("failed to open audit detail: %w", err)
			}
			rec.Detail = detail
		}
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

// CountAuditEvents returns the total number of stored events.
func (s *Keystore) CountAuditEvents() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count audit events: %w", err)
	}
	return n, nil
}

// CleanupAuditEvents deletes events older than the retention cutoff and
// returns how many were removed.
func (s *Keystore) CleanupAuditEvents(retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-retention).Unix()
	res, err := s.db.Exec(`DELETE FROM audit_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up audit events: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.bumpRollbackCounter()
	}
	return n, nil
}
