package main

import (
	"encoding/json"
	"testing"

	"github.com/meridianfi/nestvault/key-manager/keystore"
)

func TestAuditTrailRecord(t *testing.T) {
	svc := newTestService(t)

	svc.audit.Record(EventUserUnlock, "user-1", OutcomeSuccess, map[string]any{
		"kind": "password",
	})
	svc.audit.Record(EventUserUnlock, "user-1", OutcomeFailure, nil)
	svc.audit.Record(EventUserEnroll, "user-2", OutcomeSuccess, nil)

	events, err := svc.store.ListAuditEvents(keystore.AuditFilter{UserID: "user-1", Limit: 10})
	if err != nil {
		t.Fatalf("Failed to list audit events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events for user-1, got %d", len(events))
	}

	// Newest first
	if events[0].Outcome != OutcomeFailure || events[1].Outcome != OutcomeSuccess {
		t.Errorf("Unexpected ordering: %s then %s", events[0].Outcome, events[1].Outcome)
	}
	if events[0].Seq <= events[1].Seq {
		t.Errorf("Expected descending sequence, got %d then %d", events[0].Seq, events[1].Seq)
	}

	var detail map[string]any
	if err := json.Unmarshal(events[1].Detail, &detail); err != nil {
		t.Fatalf("Failed to decode detail: %v", err)
	}
	if detail["kind"] != "password" {
		t.Errorf("Unexpected detail %v", detail)
	}

	total, err := svc.store.CountAuditEvents()
	if err != nil {
		t.Fatalf("Failed to count audit events: %v", err)
	}
	if total != 3 {
		t.Errorf("Expected 3 events total, got %d", total)
	}
}

func TestAuditTrailSurvivesOperations(t *testing.T) {
	svc := newTestService(t)

	enrollTestUser(t, svc, "user-1")
	unlockTestUser(t, svc, "user-1", "correct horse battery staple")

	for _, eventType := range []string{EventUserEnroll, EventUserUnlock} {
		events, err := svc.store.ListAuditEvents(keystore.AuditFilter{EventType: eventType, Limit: 10})
		if err != nil {
			t.Fatalf("Failed to list %s events: %v", eventType, err)
		}
		if len(events) != 1 {
			t.Errorf("Expected one %s event, got %d", eventType, len(events))
		}
	}
}
