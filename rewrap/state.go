// Package rewrap coordinates background campaigns that move wrapped user
// keys from an old derivation parameter set to the current one. The
// runner owns scheduling, locking, and state transitions; the actual key
// operations are injected, so no key material ever lives in this package.
package rewrap

import (
	"fmt"
	"sync"
	"time"
)

// Status is the state of one user's rewrap.
type Status string

const (
	StatusPending   Status = "pending"   // waiting to be processed
	StatusRunning   Status = "running"   // rewrap in progress
	StatusVerifying Status = "verifying" // rewrapped, awaiting unwrap verification
	StatusComplete  Status = "complete"  // rewrapped and verified
	StatusFailed    Status = "failed"    // last attempt failed
	StatusSkipped   Status = "skipped"   // nothing to rewrap for this user
)

// UserState tracks the campaign state for a single user.
type UserState struct {
	UserID       string     `json:"user_id"`
	SourceParams string     `json:"source_params,omitempty"`
	TargetParams string     `json:"target_params,omitempty"`
	Status       Status     `json:"status"`
	LockedAt     *time.Time `json:"locked_at,omitempty"`
	LockedBy     string     `json:"locked_by,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	Attempts     int        `json:"attempts"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// StateStore persists per-user campaign states.
type StateStore interface {
	// GetUserState retrieves the state for a user, or ErrStateNotFound.
	GetUserState(userID string) (*UserState, error)

	// SaveUserState persists the state for a user.
	SaveUserState(state *UserState) error

	// ListUsersNeedingRewrap returns users in pending or failed state.
	ListUsersNeedingRewrap() ([]string, error)

	// ListUsersInState returns users currently in the given state.
	ListUsersInState(status Status) ([]string, error)

	// Stats returns aggregate campaign statistics.
	Stats() (*Stats, error)
}

// ErrStateNotFound is returned when a user has no campaign state yet.
var ErrStateNotFound = fmt.Errorf("rewrap state not found")

// Stats aggregates campaign progress.
type Stats struct {
	TotalUsers int `json:"total_users"`
	Pending    int `json:"pending"`
	Running    int `json:"running"`
	Verifying  int `json:"verifying"`
	Complete   int `json:"complete"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// InMemoryStateStore is a map-backed state store for tests and
// single-process runs.
type InMemoryStateStore struct {
	states map[string]*UserState
	mu     sync.RWMutex
}

// NewInMemoryStateStore creates an empty in-memory state store.
func NewInMemoryStateStore() *InMemoryStateStore {
	return &InMemoryStateStore{states: make(map[string]*UserState)}
}

func (s *InMemoryStateStore) GetUserState(userID string) (*UserState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStateNotFound, userID)
	}
	out := *state
	return &out, nil
}

func (s *InMemoryStateStore) SaveUserState(state *UserState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := *state
	s.states[state.UserID] = &out
	return nil
}

func (s *InMemoryStateStore) ListUsersNeedingRewrap() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var users []string
	for userID, state := range s.states {
		if state.Status == StatusPending || state.Status == StatusFailed {
			users = append(users, userID)
		}
	}
	return users, nil
}

func (s *InMemoryStateStore) ListUsersInState(status Status) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var users []string
	for userID, state := range s.states {
		if state.Status == status {
			users = append(users, userID)
		}
	}
	return users, nil
}

func (s *InMemoryStateStore) Stats() (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{TotalUsers: len(s.states)}
	for _, state := range s.states {
		switch state.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusVerifying:
			stats.Verifying++
		case StatusComplete:
			stats.Complete++
		case StatusFailed:
			stats.Failed++
		case StatusSkipped:
			stats.Skipped++
		}
	}
	return stats, nil
}

// AddPendingUser seeds a user in pending state.
func (s *InMemoryStateStore) AddPendingUser(userID, sourceParams, targetParams string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[userID] = &UserState{
		UserID:       userID,
		SourceParams: sourceParams,
		TargetParams: targetParams,
		Status:       StatusPending,
		UpdatedAt:    time.Now(),
	}
}
