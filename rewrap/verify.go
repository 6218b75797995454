package rewrap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Verifier sweeps users left in verifying state, typically after a crash
// between rewrap and verification, and re-proves their records unwrap
// under the target parameter set.
type Verifier struct {
	rewrapper Rewrapper
	states    StateStore
	workers   int

	onUserVerified func(userID string, success bool, err error)
	onProgress     func(verified, failed, remaining int)
}

// VerifierConfig configures the sweep.
type VerifierConfig struct {
	// Workers is the number of parallel verification workers.
	Workers int
}

// DefaultVerifierConfig returns the defaults used by the daemon.
func DefaultVerifierConfig() *VerifierConfig {
	return &VerifierConfig{Workers: 4}
}

// NewVerifier creates a verification sweep over the state store.
func NewVerifier(rewrapper Rewrapper, states StateStore, config *VerifierConfig) *Verifier {
	if config == nil {
		config = DefaultVerifierConfig()
	}
	return &Verifier{
		rewrapper: rewrapper,
		states:    states,
		workers:   config.Workers,
	}
}

// SetCallbacks installs progress callbacks.
func (v *Verifier) SetCallbacks(
	onUserVerified func(userID string, success bool, err error),
	onProgress func(verified, failed, remaining int),
) {
	v.onUserVerified = onUserVerified
	v.onProgress = onProgress
}

// Result is the outcome of verifying a single user.
type Result struct {
	UserID   string
	Success  bool
	Error    error
	Duration time.Duration
}

// SweepResult aggregates a VerifyAll pass.
type SweepResult struct {
	TotalUsers int
	Verified   int
	Failed     int
	Results    []Result
	Duration   time.Duration
}

// VerifyUser verifies one user and moves them verifying -> complete.
func (v *Verifier) VerifyUser(ctx context.Context, userID string) (*Result, error) {
	start := time.Now()
	result := &Result{UserID: userID}

	state, err := v.states.GetUserState(userID)
	if err != nil {
		result.Error = fmt.Errorf("failed to get user state: %w", err)
		return result, result.Error
	}

	if state.Status == StatusComplete {
		result.Success = true
		result.Duration = time.Since(start)
		return result, nil
	}
	if state.Status != StatusVerifying {
		result.Error = fmt.Errorf("unexpected status: %s", state.Status)
		return result, result.Error
	}

	if err := v.rewrapper.VerifyUser(ctx, userID); err != nil {
		result.Error = err
		state.Status = StatusFailed
		state.LastError = err.Error()
		state.UpdatedAt = time.Now()
		if serr := v.states.SaveUserState(state); serr != nil {
			log.Error().Err(serr).Str("user_id", userID).Msg("Failed to save failed state")
		}
		return result, result.Error
	}

	completedAt := time.Now()
	state.Status = StatusComplete
	state.CompletedAt = &completedAt
	state.UpdatedAt = completedAt
	if err := v.states.SaveUserState(state); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Failed to update state to complete")
	}

	result.Success = true
	result.Duration = time.Since(start)

	log.Info().
		Str("user_id", userID).
		Dur("duration", result.Duration).
		Msg("Rewrap verification successful")

	return result, nil
}

// VerifyAll sweeps every user in verifying state.
func (v *Verifier) VerifyAll(ctx context.Context) (*SweepResult, error) {
	start := time.Now()

	users, err := v.states.ListUsersInState(StatusVerifying)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	result := &SweepResult{
		TotalUsers: len(users),
		Results:    make([]Result, 0, len(users)),
	}
	if len(users) == 0 {
		result.Duration = time.Since(start)
		return result, nil
	}

	log.Info().Int("users", len(users)).Msg("Starting verification sweep")

	userChan := make(chan string, len(users))
	resultChan := make(chan Result, len(users))
	for _, u := range users {
		userChan <- u
	}
	close(userChan)

	var wg sync.WaitGroup
	var verified, failed int32

	for i := 0; i < v.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for userID := range userChan {
				select {
				case <-ctx.Done():
					return
				default:
				}

				vr, _ := v.VerifyUser(ctx, userID)
				resultChan <- *vr

				if vr.Success {
					atomic.AddInt32(&verified, 1)
				} else {
					atomic.AddInt32(&failed, 1)
				}

				if v.onUserVerified != nil {
					v.onUserVerified(userID, vr.Success, vr.Error)
				}
				if v.onProgress != nil {
					done := int(atomic.LoadInt32(&verified)) + int(atomic.LoadInt32(&failed))
					v.onProgress(
						int(atomic.LoadInt32(&verified)),
						int(atomic.LoadInt32(&failed)),
						len(users)-done,
					)
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	for vr := range resultChan {
		result.Results = append(result.Results, vr)
	}

	result.Verified = int(verified)
	result.Failed = int(failed)
	result.Duration = time.Since(start)

	log.Info().
		Int("verified", result.Verified).
		Int("failed", result.Failed).
		Dur("duration", result.Duration).
		Msg("Verification sweep completed")

	return result, nil
}

// KeyDigest returns a short hex digest of key material for comparing a
// rewrapped key against the original without logging either.
func KeyDigest(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:8])
}
