package rewrap

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Outcome reports what one user's rewrap changed.
type Outcome struct {
	// KeysRewrapped counts wrapped DEK records moved to the target
	// parameter set.
	KeysRewrapped int

	// FieldsReencrypted counts legacy plaintext fields that became
	// encrypted records.
	FieldsReencrypted int

	// Skipped is set when the user had nothing eligible. Credential
	// wraps without the user present are reported here; they upgrade at
	// next login instead.
	Skipped bool

	// SourceParams is the parameter set the user's records were found
	// under, for state bookkeeping.
	SourceParams string
}

// Rewrapper performs the key operations for one user. The runner owns
// scheduling, locking, and state; implementations own key material and
// must never return it.
type Rewrapper interface {
	// RewrapUser re-wraps the user's eligible records under the target
	// parameter set.
	RewrapUser(ctx context.Context, userID string) (*Outcome, error)

	// VerifyUser proves the rewrapped records unwrap under the target
	// parameter set. Called after RewrapUser, before the user is marked
	// complete.
	VerifyUser(ctx context.Context, userID string) error
}

// Config tunes a campaign run.
type Config struct {
	// TargetParams is the derivation parameter set being rolled out.
	TargetParams string

	// InstanceID uniquely identifies this process for lock ownership.
	InstanceID string

	// LockTimeout bounds waiting for per-user leases.
	LockTimeout time.Duration

	// MaxRetries caps attempts per user before the user stays failed.
	MaxRetries int

	// Workers is the number of concurrent rewrap workers.
	Workers int

	// BatchSize caps how many users one RunAll pass processes.
	BatchSize int
}

// DefaultConfig returns the defaults used by the daemon.
func DefaultConfig() *Config {
	return &Config{
		LockTimeout: 5 * time.Minute,
		MaxRetries:  3,
		Workers:     4,
		BatchSize:   100,
	}
}

// Runner drives a rewrap campaign across users.
type Runner struct {
	config    *Config
	locks     *LockManager
	states    StateStore
	rewrapper Rewrapper

	onUserStart    func(userID string)
	onUserComplete func(userID string, success bool, err error)
	onProgress     func(stats *Stats)
}

// NewRunner assembles a campaign runner.
func NewRunner(config *Config, locks *LockManager, states StateStore, rewrapper Rewrapper) *Runner {
	if config == nil {
		config = DefaultConfig()
	}
	return &Runner{
		config:    config,
		locks:     locks,
		states:    states,
		rewrapper: rewrapper,
	}
}

// SetCallbacks installs progress callbacks.
func (r *Runner) SetCallbacks(
	onStart func(userID string),
	onComplete func(userID string, success bool, err error),
	onProgress func(stats *Stats),
) {
	r.onUserStart = onStart
	r.onUserComplete = onComplete
	r.onProgress = onProgress
}

// RunAll processes every user needing rewrap, up to the batch size.
// Per-user failures are recorded in state and do not stop the pass; only
// context cancellation does.
func (r *Runner) RunAll(ctx context.Context) (*Stats, error) {
	if r.config.TargetParams == "" {
		return nil, fmt.Errorf("target parameter set not configured")
	}

	users, err := r.states.ListUsersNeedingRewrap()
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	if len(users) == 0 {
		log.Info().Msg("No users need rewrap")
		return r.states.Stats()
	}
	if len(users) > r.config.BatchSize {
		users = users[:r.config.BatchSize]
	}

	log.Info().
		Int("users", len(users)).
		Int("workers", r.config.Workers).
		Str("target_params", r.config.TargetParams).
		Msg("Starting rewrap pass")

	userChan := make(chan string, len(users))
	for _, u := range users {
		userChan <- u
	}
	close(userChan)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.config.Workers; i++ {
		g.Go(func() error {
			return r.worker(gctx, userChan)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	stats, err := r.states.Stats()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to get final rewrap stats")
		return nil, err
	}

	log.Info().
		Int("complete", stats.Complete).
		Int("verifying", stats.Verifying).
		Int("failed", stats.Failed).
		Int("skipped", stats.Skipped).
		Msg("Rewrap pass completed")

	return stats, nil
}

// worker drains users from the channel until it closes or the context
// ends.
func (r *Runner) worker(ctx context.Context, users <-chan string) error {
	for userID := range users {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if r.onUserStart != nil {
			r.onUserStart(userID)
		}

		err := r.RewrapUser(ctx, userID)

		if r.onUserComplete != nil {
			r.onUserComplete(userID, err == nil, err)
		}
		if r.onProgress != nil {
			if stats, serr := r.states.Stats(); serr == nil {
				r.onProgress(stats)
			}
		}
	}
	return nil
}

// RewrapUser processes a single user: lease, rewrap, verify, and record
// the outcome in state.
func (r *Runner) RewrapUser(ctx context.Context, userID string) error {
	state, err := r.states.GetUserState(userID)
	if err != nil {
		state = &UserState{
			UserID:       userID,
			TargetParams: r.config.TargetParams,
			Status:       StatusPending,
			UpdatedAt:    time.Now(),
		}
	}

	if state.Status == StatusComplete || state.Status == StatusSkipped {
		return nil
	}
	if state.Attempts >= r.config.MaxRetries {
		return fmt.Errorf("max retries exceeded (%d attempts)", state.Attempts)
	}

	lock, err := r.locks.AcquireUserLock(userID, r.config.LockTimeout)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer lock.Release()

	now := time.Now()
	state.Status = StatusRunning
	state.TargetParams = r.config.TargetParams
	state.LockedAt = &now
	state.LockedBy = r.config.InstanceID
	state.Attempts++
	state.StartedAt = &now
	state.UpdatedAt = now
	state.LastError = ""
	if err := r.states.SaveUserState(state); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}

	outcome, err := r.rewrapper.RewrapUser(ctx, userID)
	if err != nil {
		r.markFailed(state, err)
		log.Error().Err(err).
			Str("user_id", userID).
			Int("attempt", state.Attempts).
			Msg("Rewrap failed")
		return err
	}

	if outcome.SourceParams != "" {
		state.SourceParams = outcome.SourceParams
	}

	if outcome.Skipped {
		state.Status = StatusSkipped
		state.LockedAt = nil
		state.LockedBy = ""
		state.UpdatedAt = time.Now()
		if err := r.states.SaveUserState(state); err != nil {
			return fmt.Errorf("failed to save skip state: %w", err)
		}
		log.Debug().Str("user_id", userID).Msg("Nothing to rewrap, awaiting next login")
		return nil
	}

	// Records are written; persist the intermediate state so a crash
	// here leaves the user visible to the verification sweep.
	state.Status = StatusVerifying
	state.UpdatedAt = time.Now()
	if err := r.states.SaveUserState(state); err != nil {
		return fmt.Errorf("failed to save verifying state: %w", err)
	}

	if err := r.rewrapper.VerifyUser(ctx, userID); err != nil {
		r.markFailed(state, fmt.Errorf("verification failed: %w", err))
		return fmt.Errorf("verification failed: %w", err)
	}

	completedAt := time.Now()
	state.Status = StatusComplete
	state.CompletedAt = &completedAt
	state.UpdatedAt = completedAt
	state.LockedAt = nil
	state.LockedBy = ""
	if err := r.states.SaveUserState(state); err != nil {
		return fmt.Errorf("failed to save completion state: %w", err)
	}

	log.Info().
		Str("user_id", userID).
		Int("keys", outcome.KeysRewrapped).
		Int("fields", outcome.FieldsReencrypted).
		Str("target_params", r.config.TargetParams).
		Msg("User rewrap completed")

	return nil
}

func (r *Runner) markFailed(state *UserState, cause error) {
	state.Status = StatusFailed
	state.LastError = cause.Error()
	state.LockedAt = nil
	state.LockedBy = ""
	state.UpdatedAt = time.Now()
	if err := r.states.SaveUserState(state); err != nil {
		log.Error().Err(err).Str("user_id", state.UserID).Msg("Failed to save failed state")
	}
}

// Stats returns current campaign statistics.
func (r *Runner) Stats() (*Stats, error) {
	return r.states.Stats()
}
