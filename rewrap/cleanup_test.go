package rewrap

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// mockCleanupStore implements CleanupStore for testing.
type mockCleanupStore struct {
	records    []SupersededRecord
	listFunc   func(limit int) ([]SupersededRecord, error)
	deleteFunc func(userID string) error

	mu      sync.Mutex
	deleted []string
}

func (m *mockCleanupStore) ListSupersededFallbacks(limit int) ([]SupersededRecord, error) {
	if m.listFunc != nil {
		return m.listFunc(limit)
	}
	if len(m.records) > limit {
		return m.records[:limit], nil
	}
	return m.records, nil
}

func (m *mockCleanupStore) DeleteFallbackKey(userID string) error {
	if m.deleteFunc != nil {
		return m.deleteFunc(userID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, userID)
	return nil
}

func (m *mockCleanupStore) deletedUsers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.deleted))
	copy(out, m.deleted)
	return out
}

func supersededRecord(userID string, fallbackAge, credentialAge time.Duration) SupersededRecord {
	return SupersededRecord{
		UserID:              userID,
		FallbackCreatedAt:   time.Now().Add(-fallbackAge),
		CredentialUpdatedAt: time.Now().Add(-credentialAge),
	}
}

func TestCleaner_DeletesSuperseded(t *testing.T) {
	store := &mockCleanupStore{
		records: []SupersededRecord{
			supersededRecord("user-1", 30*24*time.Hour, 48*time.Hour),
		},
	}
	states := NewInMemoryStateStore()
	seedState(states, "user-1", StatusComplete)

	cleaner := NewCleaner(store, states, nil)

	result, err := cleaner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Deleted != 1 {
		t.Errorf("Expected 1 deleted, got %d", result.Deleted)
	}
	if result.Skipped != 0 || result.Errors != 0 {
		t.Errorf("Unexpected result: %+v", result)
	}

	deleted := store.deletedUsers()
	if len(deleted) != 1 || deleted[0] != "user-1" {
		t.Errorf("Expected user-1 deleted, got %v", deleted)
	}
}

func TestCleaner_SkipsUnverifiedRewrap(t *testing.T) {
	store := &mockCleanupStore{
		records: []SupersededRecord{
			supersededRecord("user-pending", 30*24*time.Hour, 48*time.Hour),
			supersededRecord("user-unknown", 30*24*time.Hour, 48*time.Hour),
		},
	}
	states := NewInMemoryStateStore()
	seedState(states, "user-pending", StatusPending)
	// user-unknown has no state at all

	cleaner := NewCleaner(store, states, nil)

	result, err := cleaner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Skipped != 2 {
		t.Errorf("Expected 2 skipped, got %d", result.Skipped)
	}
	if result.Deleted != 0 {
		t.Errorf("Expected 0 deleted, got %d", result.Deleted)
	}
	if len(store.deletedUsers()) != 0 {
		t.Error("Nothing should be deleted without verified rewrap")
	}
}

func TestCleaner_SkipsWithinRetention(t *testing.T) {
	store := &mockCleanupStore{
		records: []SupersededRecord{
			supersededRecord("user-1", 24*time.Hour, 48*time.Hour),
		},
	}
	states := NewInMemoryStateStore()
	seedState(states, "user-1", StatusComplete)

	var skipReason string
	cleaner := NewCleaner(store, states, nil)
	cleaner.SetCallbacks(nil, func(userID, reason string) {
		skipReason = reason
	})

	result, err := cleaner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Skipped != 1 {
		t.Errorf("Expected 1 skipped, got %d", result.Skipped)
	}
	if skipReason == "" {
		t.Error("Skip callback not invoked")
	}
}

func TestCleaner_SkipsFreshCredentialWrap(t *testing.T) {
	store := &mockCleanupStore{
		records: []SupersededRecord{
			supersededRecord("user-1", 30*24*time.Hour, 1*time.Hour),
		},
	}
	states := NewInMemoryStateStore()
	seedState(states, "user-1", StatusComplete)

	cleaner := NewCleaner(store, states, nil)

	result, err := cleaner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Skipped != 1 {
		t.Errorf("Expected 1 skipped, got %d", result.Skipped)
	}
	if len(store.deletedUsers()) != 0 {
		t.Error("Fresh credential wrap should block deletion")
	}
}

func TestCleaner_DeleteError(t *testing.T) {
	store := &mockCleanupStore{
		records: []SupersededRecord{
			supersededRecord("user-1", 30*24*time.Hour, 48*time.Hour),
		},
		deleteFunc: func(userID string) error {
			return fmt.Errorf("database locked")
		},
	}
	states := NewInMemoryStateStore()
	seedState(states, "user-1", StatusComplete)

	cleaner := NewCleaner(store, states, nil)

	result, err := cleaner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Errors != 1 {
		t.Errorf("Expected 1 error, got %d", result.Errors)
	}
	if result.Deleted != 0 {
		t.Errorf("Expected 0 deleted, got %d", result.Deleted)
	}
}

func TestCleaner_BatchLimit(t *testing.T) {
	var records []SupersededRecord
	for i := 0; i < 10; i++ {
		records = append(records,
			supersededRecord(fmt.Sprintf("user-%d", i), 30*24*time.Hour, 48*time.Hour))
	}
	store := &mockCleanupStore{records: records}
	states := NewInMemoryStateStore()
	for i := 0; i < 10; i++ {
		seedState(states, fmt.Sprintf("user-%d", i), StatusComplete)
	}

	config := DefaultCleanerConfig()
	config.BatchSize = 3
	cleaner := NewCleaner(store, states, config)

	result, err := cleaner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.TotalScanned != 3 {
		t.Errorf("Expected batch of 3, got %d", result.TotalScanned)
	}
}

func TestCleaner_ReclaimStale(t *testing.T) {
	states := NewInMemoryStateStore()

	staleLock := time.Now().Add(-1 * time.Hour)
	states.SaveUserState(&UserState{
		UserID:    "user-stale",
		Status:    StatusRunning,
		LockedAt:  &staleLock,
		LockedBy:  "instance-dead",
		UpdatedAt: staleLock,
	})

	freshLock := time.Now().Add(-1 * time.Minute)
	states.SaveUserState(&UserState{
		UserID:    "user-active",
		Status:    StatusRunning,
		LockedAt:  &freshLock,
		LockedBy:  "instance-live",
		UpdatedAt: freshLock,
	})

	cleaner := NewCleaner(&mockCleanupStore{}, states, nil)

	reclaimed, err := cleaner.ReclaimStale(30 * time.Minute)
	if err != nil {
		t.Fatalf("ReclaimStale failed: %v", err)
	}
	if reclaimed != 1 {
		t.Errorf("Expected 1 reclaimed, got %d", reclaimed)
	}

	state, _ := states.GetUserState("user-stale")
	if state.Status != StatusFailed {
		t.Errorf("Expected stale user failed, got %s", state.Status)
	}
	if state.LockedAt != nil || state.LockedBy != "" {
		t.Error("Lock fields should be cleared on reclaim")
	}

	state, _ = states.GetUserState("user-active")
	if state.Status != StatusRunning {
		t.Errorf("Active user should stay running, got %s", state.Status)
	}
}
