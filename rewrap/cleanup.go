package rewrap

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// SupersededRecord is a fallback-wrapped key that newer credential wraps
// have replaced and that may now be deletable.
type SupersededRecord struct {
	UserID string

	// FallbackCreatedAt is when the fallback wrap was written.
	FallbackCreatedAt time.Time

	// CredentialUpdatedAt is the newest credential wrap for the user.
	CredentialUpdatedAt time.Time
}

// CleanupStore lists and removes superseded fallback wraps. The daemon
// backs it with the keystore.
type CleanupStore interface {
	// ListSupersededFallbacks returns users holding both a fallback wrap
	// and at least one credential wrap.
	ListSupersededFallbacks(limit int) ([]SupersededRecord, error)

	// DeleteFallbackKey removes the fallback wrap for a user.
	DeleteFallbackKey(userID string) error
}

// CleanerConfig tunes the cleanup pass.
type CleanerConfig struct {
	// MinRetention keeps superseded fallback wraps around at least this
	// long. Default 7 days.
	MinRetention time.Duration

	// SafetyAge requires the replacing credential wrap to be at least
	// this old, so a just-enrolled user keeps their fallback escape
	// hatch for a while. Default 24 hours.
	SafetyAge time.Duration

	// BatchSize caps records per run. Default 1000.
	BatchSize int

	// Workers is the number of concurrent deletion workers. Default 4.
	Workers int
}

// DefaultCleanerConfig returns the defaults used by the daemon.
func DefaultCleanerConfig() *CleanerConfig {
	return &CleanerConfig{
		MinRetention: 7 * 24 * time.Hour,
		SafetyAge:    24 * time.Hour,
		BatchSize:    1000,
		Workers:      4,
	}
}

// Cleaner removes fallback wraps that verified credential wraps have
// superseded, after the retention window.
type Cleaner struct {
	store  CleanupStore
	states StateStore
	config *CleanerConfig

	onDeleted func(userID string)
	onSkipped func(userID string, reason string)

	deletedCount int64
	skippedCount int64
}

// NewCleaner creates a cleaner over the store.
func NewCleaner(store CleanupStore, states StateStore, config *CleanerConfig) *Cleaner {
	if config == nil {
		config = DefaultCleanerConfig()
	}
	return &Cleaner{
		store:  store,
		states: states,
		config: config,
	}
}

// SetCallbacks installs progress callbacks.
func (c *Cleaner) SetCallbacks(onDeleted func(userID string), onSkipped func(userID, reason string)) {
	c.onDeleted = onDeleted
	c.onSkipped = onSkipped
}

// CleanupDetail describes the action taken for one record.
type CleanupDetail struct {
	UserID string
	Action string // "deleted", "skipped", "error"
	Reason string
}

// CleanupResult aggregates one Run.
type CleanupResult struct {
	TotalScanned int
	Deleted      int
	Skipped      int
	Errors       int
	Duration     time.Duration
	Details      []CleanupDetail
}

// Run performs one cleanup pass.
func (c *Cleaner) Run(ctx context.Context) (*CleanupResult, error) {
	start := time.Now()
	result := &CleanupResult{Details: make([]CleanupDetail, 0)}

	records, err := c.store.ListSupersededFallbacks(c.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list superseded fallbacks: %w", err)
	}
	result.TotalScanned = len(records)
	if len(records) == 0 {
		result.Duration = time.Since(start)
		return result, nil
	}

	log.Info().Int("count", len(records)).Msg("Found superseded fallback wraps")

	workChan := make(chan SupersededRecord, len(records))
	resultChan := make(chan CleanupDetail, len(records))
	for _, rec := range records {
		workChan <- rec
	}
	close(workChan)

	var wg sync.WaitGroup
	var deleted, skipped, errors int32

	for i := 0; i < c.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range workChan {
				select {
				case <-ctx.Done():
					return
				default:
				}

				detail := c.processRecord(rec)
				resultChan <- detail

				switch detail.Action {
				case "deleted":
					atomic.AddInt32(&deleted, 1)
				case "skipped":
					atomic.AddInt32(&skipped, 1)
				case "error":
					atomic.AddInt32(&errors, 1)
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	for detail := range resultChan {
		result.Details = append(result.Details, detail)
	}

	result.Deleted = int(deleted)
	result.Skipped = int(skipped)
	result.Errors = int(errors)
	result.Duration = time.Since(start)

	atomic.AddInt64(&c.deletedCount, int64(result.Deleted))
	atomic.AddInt64(&c.skippedCount, int64(result.Skipped))

	log.Info().
		Int("deleted", result.Deleted).
		Int("skipped", result.Skipped).
		Int("errors", result.Errors).
		Dur("duration", result.Duration).
		Msg("Fallback cleanup completed")

	return result, nil
}

// processRecord applies the safety checks to one record.
func (c *Cleaner) processRecord(rec SupersededRecord) CleanupDetail {
	detail := CleanupDetail{UserID: rec.UserID}

	state, err := c.states.GetUserState(rec.UserID)
	if err != nil || state.Status != StatusComplete {
		detail.Action = "skipped"
		detail.Reason = "rewrap not verified complete"
		c.notifySkipped(rec.UserID, detail.Reason)
		return detail
	}

	if age := time.Since(rec.FallbackCreatedAt); age < c.config.MinRetention {
		detail.Action = "skipped"
		detail.Reason = fmt.Sprintf("within retention window (%v left)",
			(c.config.MinRetention - age).Round(time.Hour))
		c.notifySkipped(rec.UserID, detail.Reason)
		return detail
	}

	if since := time.Since(rec.CredentialUpdatedAt); since < c.config.SafetyAge {
		detail.Action = "skipped"
		detail.Reason = fmt.Sprintf("credential wrap only %v old (min: %v)",
			since.Round(time.Hour), c.config.SafetyAge)
		c.notifySkipped(rec.UserID, detail.Reason)
		return detail
	}

	if err := c.store.DeleteFallbackKey(rec.UserID); err != nil {
		detail.Action = "error"
		detail.Reason = err.Error()
		log.Error().Err(err).
			Str("user_id", rec.UserID).
			Msg("Failed to delete superseded fallback wrap")
		return detail
	}

	detail.Action = "deleted"
	detail.Reason = "superseded"

	log.Info().
		Str("user_id", rec.UserID).
		Time("fallback_created", rec.FallbackCreatedAt).
		Msg("Deleted superseded fallback wrap")

	if c.onDeleted != nil {
		c.onDeleted(rec.UserID)
	}
	return detail
}

func (c *Cleaner) notifySkipped(userID, reason string) {
	log.Debug().
		Str("user_id", userID).
		Str("reason", reason).
		Msg("Skipped fallback cleanup")

	if c.onSkipped != nil {
		c.onSkipped(userID, reason)
	}
}

// ReclaimStale moves running users whose lease lapsed back to failed so
// the next pass retries them. Returns how many were reclaimed.
func (c *Cleaner) ReclaimStale(olderThan time.Duration) (int, error) {
	users, err := c.states.ListUsersInState(StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to list running users: %w", err)
	}

	reclaimed := 0
	cutoff := time.Now().Add(-olderThan)
	for _, userID := range users {
		state, err := c.states.GetUserState(userID)
		if err != nil {
			continue
		}
		if state.LockedAt == nil || state.LockedAt.After(cutoff) {
			continue
		}

		state.Status = StatusFailed
		state.LastError = "lease expired mid-rewrap"
		state.LockedAt = nil
		state.LockedBy = ""
		state.UpdatedAt = time.Now()
		if err := c.states.SaveUserState(state); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("Failed to reclaim stale state")
			continue
		}

		log.Warn().Str("user_id", userID).Msg("Reclaimed stale rewrap state")
		reclaimed++
	}
	return reclaimed, nil
}

// Stats returns lifetime deleted and skipped counters.
func (c *Cleaner) Stats() (deleted, skipped int64) {
	return atomic.LoadInt64(&c.deletedCount), atomic.LoadInt64(&c.skippedCount)
}

// RunScheduled runs cleanup passes at the interval until the context
// ends. The first pass runs immediately.
func (c *Cleaner) RunScheduled(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("Starting scheduled fallback cleanup")

	if _, err := c.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Initial cleanup failed")
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Scheduled cleanup stopped")
			return
		case <-ticker.C:
			if _, err := c.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Scheduled cleanup failed")
			}
		}
	}
}
