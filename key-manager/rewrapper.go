package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meridianfi/nestvault/key-manager/keystore"
	"github.com/meridianfi/nestvault/keycrypt"
	"github.com/meridianfi/nestvault/rewrap"
)

// storeRewrapper upgrades one user's key material to the target
// derivation parameters: the fallback-wrapped DEK is rewrapped under a
// freshly salted KEK, and legacy plaintext field rows are re-encrypted
// under the process fallback key. Credential wraps are not touched here;
// those upgrade lazily at unlock, when the credential is in hand.
type storeRewrapper struct {
	store        *keystore.Keystore
	deriver      *keycrypt.Deriver
	fallback     keycrypt.KeyProvider
	secret       []byte
	targetParams keycrypt.DerivationParams
	legacyFields bool

	mu      sync.Mutex
	digests map[string]string
}

func newStoreRewrapper(store *keystore.Keystore, deriver *keycrypt.Deriver, fallback keycrypt.KeyProvider, secret []byte, target keycrypt.DerivationParams, legacyFields bool) *storeRewrapper {
	return &storeRewrapper{
		store:        store,
		deriver:      deriver,
		fallback:     fallback,
		secret:       secret,
		targetParams: target,
		legacyFields: legacyFields,
		digests:      make(map[string]string),
	}
}

// RewrapUser upgrades one user's fallback wrap and legacy fields.
// Users with only credential wraps are skipped.
func (r *storeRewrapper) RewrapUser(ctx context.Context, userID string) (*rewrap.Outcome, error) {
	rec, err := r.store.GetUserKey(userID, keystore.KindFallback)
	if errors.Is(err, keystore.ErrKeyNotFound) {
		return &rewrap.Outcome{Skipped: true}, nil
	}
	if err != nil {
		return nil, err
	}

	outcome := &rewrap.Outcome{SourceParams: rec.Params}

	if rec.Params != r.targetParams.Name {
		if err := r.rewrapFallbackKey(ctx, rec); err != nil {
			return nil, err
		}
		outcome.KeysRewrapped = 1
	}

	if r.legacyFields {
		n, err := r.reencryptLegacyFields(ctx, userID)
		if err != nil {
			return nil, err
		}
		outcome.FieldsReencrypted = n
	}

	if outcome.KeysRewrapped == 0 && outcome.FieldsReencrypted == 0 {
		outcome.Skipped = true
	}
	return outcome, nil
}

// rewrapFallbackKey moves one fallback wrap to the target parameter set
// with a fresh salt. The DEK digest is remembered so verification can
// prove the same key survived the rewrap.
func (r *storeRewrapper) rewrapFallbackKey(ctx context.Context, rec *keystore.UserKeyRecord) error {
	oldParams, err := keycrypt.ParamsByName(rec.Params)
	if err != nil {
		return fmt.Errorf("stored key has unknown params: %w", err)
	}

	oldKEK, err := r.deriver.Derive(ctx, r.secret, rec.Salt, oldParams)
	if err != nil {
		return err
	}
	dek, err := keycrypt.UnwrapDEK(rec.Record(), oldKEK)
	keycrypt.Wipe(oldKEK)
	if err != nil {
		return fmt.Errorf("failed to unwrap with source params: %w", err)
	}
	defer keycrypt.Wipe(dek)

	newSalt, err := keycrypt.NewRandomSalt()
	if err != nil {
		return err
	}
	newKEK, err := r.deriver.Derive(ctx, r.secret, newSalt, r.targetParams)
	if err != nil {
		return err
	}
	wrapped, err := keycrypt.WrapDEK(dek, newKEK)
	keycrypt.Wipe(newKEK)
	if err != nil {
		return err
	}

	if err := r.store.PutUserKey(&keystore.UserKeyRecord{
		UserID:     rec.UserID,
		Kind:       keystore.KindFallback,
		Params:     r.targetParams.Name,
		Salt:       newSalt,
		Ciphertext: wrapped.Ciphertext,
		IV:         wrapped.IV,
		KeyVersion: rec.KeyVersion + 1,
		CreatedAt:  rec.CreatedAt,
	}); err != nil {
		return err
	}

	r.mu.Lock()
	r.digests[rec.UserID] = rewrap.KeyDigest(dek)
	r.mu.Unlock()

	log.Info().
		Str("user_id", rec.UserID).
		Str("from", rec.Params).
		Str("to", r.targetParams.Name).
		Msg("Rewrapped fallback key")
	return nil
}

// reencryptLegacyFields encrypts a user's pre-encryption plaintext rows
// under the process fallback key
func (r *storeRewrapper) reencryptLegacyFields(ctx context.Context, userID string) (int, error) {
	recs, err := r.store.ListEntityFields("user", userID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, rec := range recs {
		if !rec.Legacy() {
			continue
		}
		res := keycrypt.NewResolution(nil, r.fallback)
		enc, err := res.Encrypt(ctx, []byte(rec.Ciphertext))
		if err != nil {
			return count, fmt.Errorf("failed to re-encrypt field %s: %w", rec.Field, err)
		}
		if err := r.store.PutEntityField(&keystore.EntityFieldRecord{
			EntityType: rec.EntityType,
			EntityID:   rec.EntityID,
			Field:      rec.Field,
			Ciphertext: enc.Ciphertext,
			IV:         enc.IV,
			KeyVersion: 1,
		}); err != nil {
			return count, err
		}
		count++
	}

	if count > 0 {
		log.Info().
			Str("user_id", userID).
			Int("fields", count).
			Msg("Re-encrypted legacy plaintext fields")
	}
	return count, nil
}

// VerifyUser proves the rewrapped key is usable: the KEK is re-derived
// from the stored salt and target parameters, the DEK unwraps, and when
// this process performed the rewrap the key digest must match.
func (r *storeRewrapper) VerifyUser(ctx context.Context, userID string) error {
	rec, err := r.store.GetUserKey(userID, keystore.KindFallback)
	if errors.Is(err, keystore.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if rec.Params != r.targetParams.Name {
		return fmt.Errorf("wrap still uses params %s", rec.Params)
	}

	kek, err := r.deriver.Derive(ctx, r.secret, rec.Salt, r.targetParams)
	if err != nil {
		return err
	}
	dek, err := keycrypt.UnwrapDEK(rec.Record(), kek)
	keycrypt.Wipe(kek)
	if err != nil {
		return fmt.Errorf("rewrapped key does not unwrap: %w", err)
	}
	digest := rewrap.KeyDigest(dek)
	keycrypt.Wipe(dek)

	r.mu.Lock()
	defer r.mu.Unlock()
	if want, ok := r.digests[userID]; ok {
		if want != digest {
			return fmt.Errorf("key digest mismatch after rewrap")
		}
		delete(r.digests, userID)
	}
	return nil
}

// newRewrapper builds the rewrapper for a campaign targeting the given
// parameter set
func (s *Service) newRewrapper(target keycrypt.DerivationParams) *storeRewrapper {
	return newStoreRewrapper(s.store, s.deriver, s.fallback, s.fallbackSecret, target, s.config.Fields.LegacyPlaintext)
}

// newRunner builds a campaign runner over the keystore-backed state and
// lock stores
func (s *Service) newRunner(target keycrypt.DerivationParams, workers, batchSize int) *rewrap.Runner {
	cfg := rewrap.DefaultConfig()
	cfg.TargetParams = target.Name
	cfg.InstanceID = s.instanceID
	cfg.LockTimeout = time.Duration(s.config.Rewrap.LockTimeoutMs) * time.Millisecond
	cfg.MaxRetries = s.config.Rewrap.MaxRetries
	if workers > 0 {
		cfg.Workers = workers
	} else if s.config.Rewrap.Workers > 0 {
		cfg.Workers = s.config.Rewrap.Workers
	}
	if batchSize > 0 {
		cfg.BatchSize = batchSize
	} else if s.config.Rewrap.BatchSize > 0 {
		cfg.BatchSize = s.config.Rewrap.BatchSize
	}

	return rewrap.NewRunner(cfg, s.locks, s.store, s.newRewrapper(target))
}

// newCleaner builds the retention-windowed cleaner for superseded
// fallback wraps
func (s *Service) newCleaner() *rewrap.Cleaner {
	cfg := &rewrap.CleanerConfig{
		MinRetention: time.Duration(s.config.Rewrap.Cleanup.MinRetentionDays) * 24 * time.Hour,
		SafetyAge:    time.Duration(s.config.Rewrap.Cleanup.SafetyAgeHours) * time.Hour,
		BatchSize:    s.config.Rewrap.BatchSize,
		Workers:      s.config.Rewrap.Workers,
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return rewrap.NewCleaner(s.store, s.store, cfg)
}
