package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/meridianfi/nestvault/key-manager/keystore"
	"github.com/meridianfi/nestvault/keycrypt"
	"github.com/meridianfi/nestvault/rewrap"
)

// subjectPrefix is the versioned NATS namespace for key manager requests
const subjectPrefix = "nestvault.v1."

// msgChanSize bounds in-flight requests before backpressure drops
const msgChanSize = 256

// Service is the key manager daemon. It owns the keystore, the deriver,
// and the process fallback key, and serves requests over NATS. The
// daemon itself is stateless between requests: callers hold unlocked
// DEKs, not the service.
type Service struct {
	config         *Config
	store          *keystore.Keystore
	deriver        *keycrypt.Deriver
	fallback       keycrypt.KeyProvider
	fallbackSecret []byte
	audit          *AuditTrail
	nats           *NATSClient
	s3             *S3Client
	kms            *KMSClient
	escrowPublic   []byte
	locks          *rewrap.LockManager
	instanceID     string
	startedAt      time.Time

	mu              sync.Mutex
	campaignRunning bool
	campaignStats   *rewrap.Stats
}

// NewService wires up the daemon from configuration: AWS clients as
// needed, the keystore under its root key, the fallback key material,
// and the NATS connection.
func NewService(ctx context.Context, cfg *Config) (*Service, error) {
	deriver := keycrypt.NewDeriver(cfg.Derivation.MaxConcurrent)

	var ssmClient *SSMClient
	if cfg.StoreKey.Source == "ssm" || cfg.Fallback.SSMParameter != "" {
		var err error
		ssmClient, err = NewSSMClient(cfg.KMS.Region)
		if err != nil {
			return nil, fmt.Errorf("failed to create SSM client: %w", err)
		}
	}

	var kmsClient *KMSClient
	if cfg.StoreKey.Source == "kms" || cfg.KMS.KeyARN != "" {
		var err error
		kmsClient, err = NewKMSClient(cfg.KMS.Region, cfg.KMS.KeyARN)
		if err != nil {
			return nil, fmt.Errorf("failed to create KMS client: %w", err)
		}
	}

	var s3Client *S3Client
	if cfg.S3.Bucket != "" {
		var err error
		s3Client, err = NewS3Client(cfg.S3.Region, cfg.S3.Bucket, cfg.S3.KeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 client: %w", err)
		}
	}

	storeProvider, err := buildStoreKeyProvider(cfg, ssmClient, kmsClient)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve store key: %w", err)
	}

	store, err := keystore.Open(ctx, cfg.Keystore.Path, storeProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to open keystore: %w", err)
	}

	fallbackSecret, err := resolveFallbackSecret(ctx, cfg, ssmClient)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to resolve fallback secret: %w", err)
	}

	fallback, err := keycrypt.NewDerivedKeyProvider(deriver, fallbackSecret, []byte(cfg.Fallback.Salt))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to build fallback key provider: %w", err)
	}

	var escrowPublic []byte
	if cfg.Escrow.PublicKey != "" {
		escrowPublic, err = base64.StdEncoding.DecodeString(cfg.Escrow.PublicKey)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("escrow.public_key is not valid base64: %w", err)
		}
	}

	natsClient, err := NewNATSClient(&cfg.NATS)
	if err != nil {
		store.Close()
		return nil, err
	}

	hostname, _ := os.Hostname()
	instanceID := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	svc := &Service{
		config:         cfg,
		store:          store,
		deriver:        deriver,
		fallback:       fallback,
		fallbackSecret: fallbackSecret,
		nats:           natsClient,
		s3:             s3Client,
		kms:            kmsClient,
		escrowPublic:   escrowPublic,
		locks:          rewrap.NewLockManager(store, instanceID),
		instanceID:     instanceID,
		startedAt:      time.Now(),
	}
	svc.audit = NewAuditTrail(store, natsClient, cfg.Audit.Publish)

	log.Info().
		Str("store_id", store.StoreID()).
		Str("instance_id", instanceID).
		Str("keystore_path", cfg.Keystore.Path).
		Msg("Service initialized")

	return svc, nil
}

// Run subscribes to the request namespace and serves until the context
// is cancelled
func (s *Service) Run(ctx context.Context) error {
	msgChan := make(chan *NATSMessage, msgChanSize)
	if err := s.nats.Subscribe(subjectPrefix+">", msgChan); err != nil {
		return err
	}

	go s.recoverCampaigns(ctx)

	if s.config.Audit.RetentionDays > 0 {
		retention := time.Duration(s.config.Audit.RetentionDays) * 24 * time.Hour
		go s.audit.RunRetention(ctx.Done(), retention, time.Hour)
	}

	if s.config.Rewrap.Cleanup.Enabled {
		cleaner := s.newCleaner()
		interval := time.Duration(s.config.Rewrap.Cleanup.IntervalMinutes) * time.Minute
		go cleaner.RunScheduled(ctx, interval)
	}

	workers := s.config.Service.Workers
	if workers <= 0 {
		workers = 8
	}
	log.Info().
		Int("workers", workers).
		Str("subject", subjectPrefix+">").
		Msg("Serving requests")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case msg := <-msgChan:
					s.handleMessage(gctx, msg)
				}
			}
		})
	}
	return g.Wait()
}

// recoverCampaigns picks up campaign work an earlier process left
// behind. Users whose lease lapsed mid-rewrap go back to failed so the
// next pass retries them; users stranded between rewrap and verification
// are re-verified against the configured target parameters.
func (s *Service) recoverCampaigns(ctx context.Context) {
	staleAfter := 2 * time.Duration(s.config.Rewrap.LockTimeoutMs) * time.Millisecond
	if staleAfter < 10*time.Minute {
		staleAfter = 10 * time.Minute
	}
	if n, err := s.newCleaner().ReclaimStale(staleAfter); err != nil {
		log.Warn().Err(err).Msg("Failed to reclaim stale rewrap states")
	} else if n > 0 {
		log.Warn().Int("users", n).Msg("Reclaimed rewrap states from a previous run")
	}

	target, err := keycrypt.ParamsByName(s.config.Derivation.CredentialParams)
	if err != nil {
		log.Warn().Err(err).Msg("Skipping verification sweep")
		return
	}
	verifier := rewrap.NewVerifier(s.newRewrapper(target), s.store, nil)
	sweep, err := verifier.VerifyAll(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Verification sweep failed")
		return
	}
	if sweep.TotalUsers > 0 {
		log.Info().
			Int("verified", sweep.Verified).
			Int("failed", sweep.Failed).
			Msg("Swept users left in verifying state")
	}
}

// Close releases the NATS connection and the keystore
func (s *Service) Close() {
	if s.nats != nil {
		s.nats.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close keystore")
		}
	}
	keycrypt.Wipe(s.fallbackSecret)
}

// errorResponse is the reply shape for failed requests
type errorResponse struct {
	Error string `json:"error"`
}

// handleMessage dispatches one request and publishes the reply
func (s *Service) handleMessage(ctx context.Context, msg *NATSMessage) {
	start := time.Now()
	resp, err := s.dispatch(ctx, msg.Subject, msg.Data)
	if err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("Request failed")
	}

	if msg.Reply == "" {
		return
	}

	var payload []byte
	if err != nil {
		payload, _ = json.Marshal(errorResponse{Error: err.Error()})
	} else {
		payload, err = json.Marshal(resp)
		if err != nil {
			log.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to encode response")
			payload, _ = json.Marshal(errorResponse{Error: "internal encoding error"})
		}
	}

	if pubErr := s.nats.Publish(msg.Reply, payload); pubErr != nil {
		log.Error().Err(pubErr).Str("subject", msg.Subject).Msg("Failed to publish reply")
		return
	}

	log.Debug().
		Str("subject", msg.Subject).
		Dur("elapsed", time.Since(start)).
		Msg("Request handled")
}

// dispatch routes a request subject to its handler
func (s *Service) dispatch(ctx context.Context, subject string, data []byte) (any, error) {
	op := strings.TrimPrefix(subject, subjectPrefix)
	if op == subject || op == "" {
		return nil, fmt.Errorf("unexpected subject %q", subject)
	}

	switch op {
	case "derive_kek":
		return s.handleDeriveKEK(ctx, data)
	case "generate_and_wrap_dek":
		return s.handleGenerateAndWrapDEK(ctx, data)
	case "unwrap_dek":
		return s.handleUnwrapDEK(ctx, data)
	case "encrypt_value":
		return s.handleEncryptValue(ctx, data)
	case "decrypt_value":
		return s.handleDecryptValue(ctx, data)
	case "provision":
		return s.handleProvision(ctx, data)
	case "enroll":
		return s.handleEnroll(ctx, data)
	case "unlock":
		return s.handleUnlock(ctx, data)
	case "rotate_credential":
		return s.handleRotateCredential(ctx, data)
	case "field.save":
		return s.handleFieldSave(ctx, data)
	case "field.load":
		return s.handleFieldLoad(ctx, data)
	case "admin.status":
		return s.handleStatus(ctx, data)
	case "admin.snapshot.create":
		return s.handleSnapshotCreate(ctx, data)
	case "admin.snapshot.restore":
		return s.handleSnapshotRestore(ctx, data)
	case "admin.rewrap.start":
		return s.handleRewrapStart(ctx, data)
	case "admin.rewrap.status":
		return s.handleRewrapStatus(ctx, data)
	default:
		return nil, fmt.Errorf("unknown operation %q", op)
	}
}

// resolutionFor builds the key resolution for one request. A caller
// holding an unlocked DEK passes it base64-encoded; otherwise the
// process fallback key applies.
func (s *Service) resolutionFor(userID, keyB64 string) (*keycrypt.Resolution, *keycrypt.SessionKey, error) {
	if keyB64 == "" {
		return keycrypt.NewResolution(nil, s.fallback), nil, nil
	}
	dek, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, nil, fmt.Errorf("key is not valid base64: %w", err)
	}
	session, err := keycrypt.NewSessionKey(userID, dek)
	keycrypt.Wipe(dek)
	if err != nil {
		return nil, nil, err
	}
	return keycrypt.NewResolution(session, s.fallback), session, nil
}
