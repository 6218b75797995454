package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meridianfi/nestvault/key-manager/keystore"
	"github.com/meridianfi/nestvault/keycrypt"
	"github.com/meridianfi/nestvault/rewrap"
)

type statusResponse struct {
	Service         string        `json:"service"`
	Version         string        `json:"version"`
	StoreID         string        `json:"store_id"`
	RollbackCounter int64         `json:"rollback_counter"`
	UptimeSeconds   int64         `json:"uptime_seconds"`
	NATS            string        `json:"nats"`
	Hardening       string        `json:"hardening"`
	LegacyFields    int64         `json:"legacy_fields"`
	AuditEvents     int64         `json:"audit_events"`
	CampaignRunning bool          `json:"campaign_running"`
	Rewrap          *rewrap.Stats `json:"rewrap"`
}

// handleStatus reports service health: store identity, rollback counter,
// outstanding legacy rows, and campaign progress
func (s *Service) handleStatus(ctx context.Context, data []byte) (any, error) {
	legacyCount, err := s.store.CountLegacyFields()
	if err != nil {
		return nil, err
	}
	auditCount, err := s.store.CountAuditEvents()
	if err != nil {
		return nil, err
	}
	stats, err := s.store.Stats()
	if err != nil {
		return nil, err
	}

	natsStatus := "not configured"
	if s.nats != nil {
		natsStatus = s.nats.Status()
	}

	hardening := "ok"
	if err := VerifyHardening(); err != nil {
		hardening = fmt.Sprintf("degraded: %v", err)
	}

	s.mu.Lock()
	running := s.campaignRunning
	s.mu.Unlock()

	return &statusResponse{
		Service:         "nestvault-key-manager",
		Version:         Version,
		StoreID:         s.store.StoreID(),
		RollbackCounter: s.store.RollbackCounter(),
		UptimeSeconds:   int64(time.Since(s.startedAt).Seconds()),
		NATS:            natsStatus,
		Hardening:       hardening,
		LegacyFields:    legacyCount,
		AuditEvents:     auditCount,
		CampaignRunning: running,
		Rewrap:          stats,
	}, nil
}

type snapshotCreateResponse struct {
	Key             string `json:"key"`
	Bytes           int    `json:"bytes"`
	StoreID         string `json:"store_id"`
	RollbackCounter int64  `json:"rollback_counter"`
}

// handleSnapshotCreate exports an authenticated snapshot of the store to
// S3. The payload is sealed under the store root key; the object key
// embeds the store identity and timestamp.
func (s *Service) handleSnapshotCreate(ctx context.Context, data []byte) (any, error) {
	if s.s3 == nil {
		return nil, fmt.Errorf("snapshot storage is not configured")
	}

	snap, err := s.store.CreateSnapshot()
	if err != nil {
		return nil, err
	}
	encoded, err := keystore.EncodeSnapshot(snap)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s/%s.cbor", snap.StoreID, snap.CreatedAt.UTC().Format("20060102T150405Z"))
	if err := s.s3.Put(ctx, key, encoded); err != nil {
		return nil, err
	}

	s.audit.Record(EventSnapshotCreate, "", OutcomeSuccess, map[string]any{
		"key":              key,
		"bytes":            len(encoded),
		"rollback_counter": snap.RollbackCounter,
	})
	log.Info().
		Str("key", key).
		Int("bytes", len(encoded)).
		Msg("Snapshot stored")

	return &snapshotCreateResponse{
		Key:             key,
		Bytes:           len(encoded),
		StoreID:         snap.StoreID,
		RollbackCounter: snap.RollbackCounter,
	}, nil
}

type snapshotRestoreRequest struct {
	Key string `json:"key"`
}

type snapshotRestoreResponse struct {
	StoreID         string `json:"store_id"`
	RollbackCounter int64  `json:"rollback_counter"`
}

// handleSnapshotRestore loads a snapshot from S3 and restores it. The
// store rejects rollbacks, foreign snapshots, and integrity failures.
func (s *Service) handleSnapshotRestore(ctx context.Context, data []byte) (any, error) {
	var req snapshotRestoreRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if req.Key == "" {
		return nil, fmt.Errorf("key is required")
	}
	if s.s3 == nil {
		return nil, fmt.Errorf("snapshot storage is not configured")
	}

	encoded, err := s.s3.Get(ctx, req.Key)
	if err != nil {
		return nil, err
	}
	snap, err := keystore.DecodeSnapshot(encoded)
	if err != nil {
		return nil, err
	}

	if err := s.store.RestoreSnapshot(snap); err != nil {
		s.audit.Record(EventSnapshotRestore, "", OutcomeFailure, map[string]any{
			"key":   req.Key,
			"error": err.Error(),
		})
		return nil, err
	}

	s.audit.Record(EventSnapshotRestore, "", OutcomeSuccess, map[string]any{
		"key":              req.Key,
		"rollback_counter": snap.RollbackCounter,
	})
	log.Info().Str("key", req.Key).Msg("Snapshot restored")

	return &snapshotRestoreResponse{
		StoreID:         s.store.StoreID(),
		RollbackCounter: s.store.RollbackCounter(),
	}, nil
}

type rewrapStartRequest struct {
	TargetParams string `json:"target_params,omitempty"`
	SourceParams string `json:"source_params,omitempty"`
	Workers      int    `json:"workers,omitempty"`
	BatchSize    int    `json:"batch_size,omitempty"`
}

type rewrapStartResponse struct {
	Started      bool   `json:"started"`
	TargetParams string `json:"target_params"`
	SourceParams string `json:"source_params"`
	UsersSeeded  int    `json:"users_seeded"`
}

// handleRewrapStart seeds and launches a rewrap campaign: every user
// still holding a wrap under the source parameter set gets a pending
// state, then the runner works through them in the background. The
// campaign lock rejects a second start while one is in flight.
func (s *Service) handleRewrapStart(ctx context.Context, data []byte) (any, error) {
	var req rewrapStartRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("invalid request: %w", err)
		}
	}

	targetName := req.TargetParams
	if targetName == "" {
		targetName = s.config.Derivation.CredentialParams
	}
	target, err := keycrypt.ParamsByName(targetName)
	if err != nil {
		return nil, err
	}

	sourceName := req.SourceParams
	if sourceName == "" {
		sourceName = keycrypt.ParamsLegacyV1
	}
	if sourceName == target.Name {
		return nil, fmt.Errorf("source and target params are the same")
	}

	campaignLock, err := s.locks.AcquireCampaignLock(2 * time.Second)
	if err != nil {
		return nil, fmt.Errorf("a rewrap campaign is already running: %w", err)
	}

	seeded, err := s.seedCampaign(sourceName, target.Name)
	if err != nil {
		campaignLock.Release()
		return nil, err
	}

	runner := s.newRunner(target, req.Workers, req.BatchSize)
	runner.SetCallbacks(nil, func(userID string, success bool, err error) {
		if !success {
			log.Warn().Err(err).Str("user_id", userID).Msg("Rewrap failed for user")
		}
	}, func(stats *rewrap.Stats) {
		s.mu.Lock()
		s.campaignStats = stats
		s.mu.Unlock()
	})

	s.mu.Lock()
	s.campaignRunning = true
	s.mu.Unlock()

	s.audit.Record(EventRewrapCampaign, "", OutcomeSuccess, map[string]any{
		"action":        "start",
		"source_params": sourceName,
		"target_params": target.Name,
		"users_seeded":  seeded,
	})

	go func() {
		defer campaignLock.Release()
		stats, err := runner.RunAll(ctx)

		s.mu.Lock()
		s.campaignRunning = false
		if stats != nil {
			s.campaignStats = stats
		}
		s.mu.Unlock()

		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Rewrap campaign ended with error")
			return
		}
		if stats != nil {
			log.Info().
				Int("complete", stats.Complete).
				Int("failed", stats.Failed).
				Int("skipped", stats.Skipped).
				Msg("Rewrap campaign finished")
		}
	}()

	return &rewrapStartResponse{
		Started:      true,
		TargetParams: target.Name,
		SourceParams: sourceName,
		UsersSeeded:  seeded,
	}, nil
}

// seedCampaign creates pending states for users still wrapped under the
// source parameter set. Users already complete for this target keep
// their state.
func (s *Service) seedCampaign(sourceParams, targetParams string) (int, error) {
	users, err := s.store.ListUsersWithParams(sourceParams, 100000)
	if err != nil {
		return 0, err
	}

	seeded := 0
	for _, userID := range users {
		state, err := s.store.GetUserState(userID)
		if err == nil && state.TargetParams == targetParams &&
			(state.Status == rewrap.StatusComplete || state.Status == rewrap.StatusSkipped) {
			continue
		}
		if err != nil && !errors.Is(err, rewrap.ErrStateNotFound) {
			return seeded, err
		}

		if err := s.store.SaveUserState(&rewrap.UserState{
			UserID:       userID,
			SourceParams: sourceParams,
			TargetParams: targetParams,
			Status:       rewrap.StatusPending,
			UpdatedAt:    time.Now(),
		}); err != nil {
			return seeded, err
		}
		seeded++
	}
	return seeded, nil
}

type rewrapStatusResponse struct {
	Running      bool          `json:"running"`
	States       *rewrap.Stats `json:"states"`
	LastCampaign *rewrap.Stats `json:"last_campaign,omitempty"`
}

// handleRewrapStatus reports live campaign state from the store plus the
// most recent runner counters
func (s *Service) handleRewrapStatus(ctx context.Context, data []byte) (any, error) {
	stats, err := s.store.Stats()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	running := s.campaignRunning
	last := s.campaignStats
	s.mu.Unlock()

	return &rewrapStatusResponse{
		Running:      running,
		States:       stats,
		LastCampaign: last,
	}, nil
}
