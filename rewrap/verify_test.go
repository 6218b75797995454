package rewrap

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func seedState(states *InMemoryStateStore, userID string, status Status) {
	states.SaveUserState(&UserState{
		UserID:       userID,
		TargetParams: "pbkdf2-sha256-600k",
		Status:       status,
		UpdatedAt:    time.Now(),
	})
}

func TestVerifier_VerifyUser(t *testing.T) {
	rewrapper := &mockRewrapper{}
	states := NewInMemoryStateStore()
	verifier := NewVerifier(rewrapper, states, nil)

	seedState(states, "user-1", StatusVerifying)

	result, err := verifier.VerifyUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("VerifyUser failed: %v", err)
	}
	if !result.Success {
		t.Error("Expected success")
	}

	state, _ := states.GetUserState("user-1")
	if state.Status != StatusComplete {
		t.Errorf("Expected complete, got %s", state.Status)
	}
	if state.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
}

func TestVerifier_VerifyUserFailure(t *testing.T) {
	rewrapper := &mockRewrapper{
		verifyFunc: func(ctx context.Context, userID string) error {
			return fmt.Errorf("digest mismatch")
		},
	}
	states := NewInMemoryStateStore()
	verifier := NewVerifier(rewrapper, states, nil)

	seedState(states, "user-1", StatusVerifying)

	result, err := verifier.VerifyUser(context.Background(), "user-1")
	if err == nil {
		t.Fatal("Expected verification error")
	}
	if result.Success {
		t.Error("Result should not be success")
	}

	state, _ := states.GetUserState("user-1")
	if state.Status != StatusFailed {
		t.Errorf("Expected failed, got %s", state.Status)
	}
	if state.LastError == "" {
		t.Error("LastError not recorded")
	}
}

func TestVerifier_AlreadyComplete(t *testing.T) {
	rewrapper := &mockRewrapper{}
	states := NewInMemoryStateStore()
	verifier := NewVerifier(rewrapper, states, nil)

	seedState(states, "user-1", StatusComplete)

	result, err := verifier.VerifyUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("VerifyUser failed: %v", err)
	}
	if !result.Success {
		t.Error("Expected success for already complete user")
	}
	if atomic.LoadInt32(&rewrapper.verifyCalls) != 0 {
		t.Error("Complete users should not be re-verified")
	}
}

func TestVerifier_UnexpectedStatus(t *testing.T) {
	rewrapper := &mockRewrapper{}
	states := NewInMemoryStateStore()
	verifier := NewVerifier(rewrapper, states, nil)

	seedState(states, "user-1", StatusPending)

	if _, err := verifier.VerifyUser(context.Background(), "user-1"); err == nil {
		t.Fatal("Expected error for pending user")
	}
}

func TestVerifier_VerifyAll(t *testing.T) {
	rewrapper := &mockRewrapper{
		verifyFunc: func(ctx context.Context, userID string) error {
			if userID == "user-bad" {
				return fmt.Errorf("digest mismatch")
			}
			return nil
		},
	}
	states := NewInMemoryStateStore()
	verifier := NewVerifier(rewrapper, states, &VerifierConfig{Workers: 2})

	seedState(states, "user-1", StatusVerifying)
	seedState(states, "user-2", StatusVerifying)
	seedState(states, "user-bad", StatusVerifying)
	seedState(states, "user-pending", StatusPending)
	seedState(states, "user-done", StatusComplete)

	sweep, err := verifier.VerifyAll(context.Background())
	if err != nil {
		t.Fatalf("VerifyAll failed: %v", err)
	}
	if sweep.TotalUsers != 3 {
		t.Errorf("Expected 3 users swept, got %d", sweep.TotalUsers)
	}
	if sweep.Verified != 2 {
		t.Errorf("Expected 2 verified, got %d", sweep.Verified)
	}
	if sweep.Failed != 1 {
		t.Errorf("Expected 1 failed, got %d", sweep.Failed)
	}

	state, _ := states.GetUserState("user-bad")
	if state.Status != StatusFailed {
		t.Errorf("Expected user-bad failed, got %s", state.Status)
	}
	state, _ = states.GetUserState("user-pending")
	if state.Status != StatusPending {
		t.Errorf("Pending user should be untouched, got %s", state.Status)
	}
}

func TestVerifier_VerifyAllEmpty(t *testing.T) {
	verifier := NewVerifier(&mockRewrapper{}, NewInMemoryStateStore(), nil)

	sweep, err := verifier.VerifyAll(context.Background())
	if err != nil {
		t.Fatalf("VerifyAll failed: %v", err)
	}
	if sweep.TotalUsers != 0 || sweep.Verified != 0 || sweep.Failed != 0 {
		t.Errorf("Expected empty sweep, got %+v", sweep)
	}
}

func TestKeyDigest(t *testing.T) {
	key1 := []byte("0123456789abcdef0123456789abcdef")
	key2 := []byte("fedcba9876543210fedcba9876543210")

	d1 := KeyDigest(key1)
	if len(d1) != 16 {
		t.Errorf("Expected 16 hex chars, got %d", len(d1))
	}
	if d1 != KeyDigest(key1) {
		t.Error("Digest should be deterministic")
	}
	if d1 == KeyDigest(key2) {
		t.Error("Different keys should have different digests")
	}
}
