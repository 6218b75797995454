package keystore

import (
	"errors"
	"testing"
	"time"

	"github.com/meridianfi/nestvault/rewrap"
)

func TestRewrapStateRoundTrip(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetUserState("user-1"); !errors.Is(err, rewrap.ErrStateNotFound) {
		t.Fatalf("Expected ErrStateNotFound, got %v", err)
	}

	now := time.Now().Truncate(time.Second)
	state := &rewrap.UserState{
		UserID:       "user-1",
		Status:       rewrap.StatusRunning,
		SourceParams: "pbkdf2-sha256-100k",
		TargetParams: "pbkdf2-sha256-600k",
		LockedBy:     "instance-a",
		LockedAt:     &now,
		Attempts:     1,
		StartedAt:    &now,
		UpdatedAt:    now,
	}
	if err := store.SaveUserState(state); err != nil {
		t.Fatalf("Failed to save state: %v", err)
	}

	got, err := store.GetUserState("user-1")
	if err != nil {
		t.Fatalf("Failed to get state: %v", err)
	}
	if got.Status != rewrap.StatusRunning {
		t.Errorf("Expected running, got %s", got.Status)
	}
	if got.LockedBy != "instance-a" || got.LockedAt == nil || !got.LockedAt.Equal(now) {
		t.Error("Lock fields not persisted")
	}
	if got.CompletedAt != nil {
		t.Error("CompletedAt should be nil")
	}

	// Clearing the lock persists NULLs.
	got.Status = rewrap.StatusComplete
	got.LockedAt = nil
	got.LockedBy = ""
	done := now.Add(time.Minute)
	got.CompletedAt = &done
	got.UpdatedAt = done
	if err := store.SaveUserState(got); err != nil {
		t.Fatalf("Failed to update state: %v", err)
	}

	final, err := store.GetUserState("user-1")
	if err != nil {
		t.Fatalf("Failed to reload state: %v", err)
	}
	if final.LockedAt != nil {
		t.Error("LockedAt should be cleared")
	}
	if final.CompletedAt == nil || !final.CompletedAt.Equal(done) {
		t.Error("CompletedAt not persisted")
	}
}

func TestRewrapStateListing(t *testing.T) {
	store := newTestStore(t)

	seed := map[string]rewrap.Status{
		"user-a": rewrap.StatusPending,
		"user-b": rewrap.StatusFailed,
		"user-c": rewrap.StatusComplete,
		"user-d": rewrap.StatusVerifying,
	}
	for id, status := range seed {
		if err := store.SaveUserState(&rewrap.UserState{
			UserID:    id,
			Status:    status,
			UpdatedAt: time.Now(),
		}); err != nil {
			t.Fatalf("Failed to seed %s: %v", id, err)
		}
	}

	needing, err := store.ListUsersNeedingRewrap()
	if err != nil {
		t.Fatalf("Failed to list users needing rewrap: %v", err)
	}
	if len(needing) != 2 {
		t.Fatalf("Expected 2 users needing rewrap, got %d", len(needing))
	}
	if needing[0] != "user-a" || needing[1] != "user-b" {
		t.Errorf("Unexpected list: %v", needing)
	}

	verifying, err := store.ListUsersInState(rewrap.StatusVerifying)
	if err != nil {
		t.Fatalf("Failed to list verifying users: %v", err)
	}
	if len(verifying) != 1 || verifying[0] != "user-d" {
		t.Errorf("Unexpected verifying list: %v", verifying)
	}

	stats, err := store.Stats()
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if stats.TotalUsers != 4 || stats.Pending != 1 || stats.Failed != 1 ||
		stats.Complete != 1 || stats.Verifying != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestLeaseAcquireReleaseRefresh(t *testing.T) {
	store := newTestStore(t)

	ok, err := store.TryAcquire("rewrap:user:u1", "holder-a", time.Minute)
	if err != nil {
		t.Fatalf("Failed to acquire lease: %v", err)
	}
	if !ok {
		t.Fatal("Expected first acquire to succeed")
	}

	// Another holder is blocked while the lease lives.
	ok, err = store.TryAcquire("rewrap:user:u1", "holder-b", time.Minute)
	if err != nil {
		t.Fatalf("Failed to try acquire: %v", err)
	}
	if ok {
		t.Fatal("Expected second holder to be blocked")
	}

	// The same holder re-acquires its own lease.
	ok, err = store.TryAcquire("rewrap:user:u1", "holder-a", time.Minute)
	if err != nil {
		t.Fatalf("Failed to re-acquire: %v", err)
	}
	if !ok {
		t.Fatal("Expected holder to re-acquire its own lease")
	}

	info, err := store.GetLockInfo("rewrap:user:u1")
	if err != nil {
		t.Fatalf("Failed to get lock info: %v", err)
	}
	if info == nil || info.Holder != "holder-a" {
		t.Fatalf("Unexpected lock info: %+v", info)
	}

	if err := store.Refresh("rewrap:user:u1", "holder-b", time.Minute); err == nil {
		t.Fatal("Expected refresh by non-holder to fail")
	}
	if err := store.Refresh("rewrap:user:u1", "holder-a", time.Minute); err != nil {
		t.Fatalf("Failed to refresh held lease: %v", err)
	}

	if err := store.Release("rewrap:user:u1", "holder-b"); err == nil {
		t.Fatal("Expected release by non-holder to fail")
	}
	if err := store.Release("rewrap:user:u1", "holder-a"); err != nil {
		t.Fatalf("Failed to release lease: %v", err)
	}

	info, err = store.GetLockInfo("rewrap:user:u1")
	if err != nil {
		t.Fatalf("Failed to get lock info after release: %v", err)
	}
	if info != nil {
		t.Error("Expected no lease after release")
	}
}

func TestLeaseExpiryAllowsTakeover(t *testing.T) {
	store := newTestStore(t)

	// A negative TTL writes an already-expired lease.
	ok, err := store.TryAcquire("rewrap:campaign", "holder-a", -time.Second)
	if err != nil || !ok {
		t.Fatalf("Failed to seed expired lease: ok=%v err=%v", ok, err)
	}

	ok, err = store.TryAcquire("rewrap:campaign", "holder-b", time.Minute)
	if err != nil {
		t.Fatalf("Failed to take over expired lease: %v", err)
	}
	if !ok {
		t.Fatal("Expected takeover of expired lease")
	}

	info, _ := store.GetLockInfo("rewrap:campaign")
	if info == nil || info.Holder != "holder-b" {
		t.Fatalf("Expected holder-b to own the lease, got %+v", info)
	}
}

func TestSupersededFallbacks(t *testing.T) {
	store := newTestStore(t)

	salt := []byte("0123456789abcdef")
	put := func(userID string, kind KeyKind) {
		t.Helper()
		if err := store.PutUserKey(&UserKeyRecord{
			UserID: userID, Kind: kind,
			Params: "pbkdf2-sha256-600k", Salt: salt,
			Ciphertext: "Y3Q=", IV: "aXY=",
		}); err != nil {
			t.Fatalf("Failed to put %s/%s: %v", userID, kind, err)
		}
	}

	// user-a enrolled after starting on the fallback key; user-b never
	// enrolled; user-c has only credential wraps.
	put("user-a", KindFallback)
	put("user-a", KindPassword)
	put("user-b", KindFallback)
	put("user-c", KindPassword)

	recs, err := store.ListSupersededFallbacks(10)
	if err != nil {
		t.Fatalf("Failed to list superseded fallbacks: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("Expected 1 superseded fallback, got %d", len(recs))
	}
	if recs[0].UserID != "user-a" {
		t.Errorf("Expected user-a, got %s", recs[0].UserID)
	}
	if recs[0].FallbackCreatedAt.IsZero() || recs[0].CredentialUpdatedAt.IsZero() {
		t.Error("Timestamps not populated")
	}

	if err := store.DeleteFallbackKey("user-a"); err != nil {
		t.Fatalf("Failed to delete fallback key: %v", err)
	}
	if _, err := store.GetUserKey("user-a", KindFallback); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("Expected fallback wrap gone, got %v", err)
	}
	if _, err := store.GetUserKey("user-a", KindPassword); err != nil {
		t.Fatalf("Credential wrap should survive: %v", err)
	}

	recs, _ = store.ListSupersededFallbacks(10)
	if len(recs) != 0 {
		t.Errorf("Expected no superseded fallbacks left, got %d", len(recs))
	}
}
