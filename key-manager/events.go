package main

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meridianfi/nestvault/key-manager/keystore"
)

// Audit event types
const (
	EventUserProvision    = "user.provision"
	EventUserEnroll       = "user.enroll"
	EventUserUnlock       = "user.unlock"
	EventCredentialRotate = "credential.rotate"
	EventKeyRewrap        = "key.rewrap"
	EventFieldLegacyRead  = "field.legacy_read"
	EventFieldDecodeFail  = "field.decode_failure"
	EventSnapshotCreate   = "snapshot.create"
	EventSnapshotRestore  = "snapshot.restore"
	EventRewrapCampaign   = "rewrap.campaign"
)

// Audit outcomes
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// auditSubjectPrefix is where audit events are mirrored on the bus
const auditSubjectPrefix = "nestvault.audit."

// AuditTrail appends tamper-evident audit events to the keystore and
// optionally mirrors them onto NATS. Recording never fails the calling
// operation; storage errors are logged.
type AuditTrail struct {
	store   *keystore.Keystore
	nats    *NATSClient
	publish bool
}

// NewAuditTrail creates an audit trail. The NATS client may be nil; events
// are then stored without being published.
func NewAuditTrail(store *keystore.Keystore, nats *NATSClient, publish bool) *AuditTrail {
	return &AuditTrail{
		store:   store,
		nats:    nats,
		publish: publish,
	}
}

// auditEventEnvelope is the published form of an audit event
type auditEventEnvelope struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	UserID    string          `json:"user_id,omitempty"`
	Outcome   string          `json:"outcome"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt int64           `json:"created_at"`
}

// Record stores an audit event and mirrors it to the bus when publishing
// is enabled
func (a *AuditTrail) Record(eventType, userID, outcome string, detail map[string]any) {
	var detailJSON []byte
	if len(detail) > 0 {
		var err error
		detailJSON, err = json.Marshal(detail)
		if err != nil {
			log.Error().Err(err).Str("event_type", eventType).Msg("Failed to marshal audit detail")
			detailJSON = nil
		}
	}

	rec := &keystore.AuditRecord{
		EventID:   uuid.NewString(),
		EventType: eventType,
		UserID:    userID,
		Outcome:   outcome,
		Detail:    detailJSON,
		CreatedAt: time.Now().Unix(),
	}

	if err := a.store.AppendAuditEvent(rec); err != nil {
		log.Error().Err(err).
			Str("event_type", eventType).
			Str("user_id", userID).
			Msg("Failed to store audit event")
		return
	}

	if a.publish && a.nats != nil && a.nats.IsConnected() {
		payload, err := json.Marshal(auditEventEnvelope{
			EventID:   rec.EventID,
			EventType: rec.EventType,
			UserID:    rec.UserID,
			Outcome:   rec.Outcome,
			Detail:    detailJSON,
			CreatedAt: rec.CreatedAt,
		})
		if err == nil {
			if err := a.nats.Publish(auditSubjectPrefix+eventType, payload); err != nil {
				log.Warn().Err(err).Str("event_type", eventType).Msg("Failed to publish audit event")
			}
		}
	}

	log.Debug().
		Str("event_id", rec.EventID).
		Str("event_type", eventType).
		Str("outcome", outcome).
		Int64("seq", rec.Seq).
		Msg("Audit event recorded")
}

// RunRetention deletes audit events older than the configured retention
// on a fixed schedule
func (a *AuditTrail) RunRetention(done <-chan struct{}, retention time.Duration, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			n, err := a.store.CleanupAuditEvents(retention)
			if err != nil {
				log.Error().Err(err).Msg("Audit retention sweep failed")
				continue
			}
			if n > 0 {
				log.Info().Int64("deleted", n).Msg("Audit retention sweep completed")
			}
		}
	}
}
