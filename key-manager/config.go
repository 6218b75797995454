package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/meridianfi/nestvault/keycrypt"
)

// Config holds the key-manager daemon configuration
type Config struct {
	// DevMode relaxes process hardening and switches logs to console output
	DevMode bool `yaml:"dev_mode"`

	// LogLevel sets the global zerolog level (trace..panic)
	LogLevel string `yaml:"log_level"`

	// NATS configuration
	NATS NATSConfig `yaml:"nats"`

	// Keystore configuration
	Keystore KeystoreConfig `yaml:"keystore"`

	// StoreKey selects where the keystore root key comes from
	StoreKey KeySourceConfig `yaml:"store_key"`

	// Fallback configures the process-wide fallback key material
	Fallback FallbackConfig `yaml:"fallback"`

	// Derivation tunes credential key derivation
	Derivation DerivationConfig `yaml:"derivation"`

	// Fields configures the entity-field layer
	Fields FieldsConfig `yaml:"fields"`

	// Escrow configures optional DEK escrow to an operator key
	Escrow EscrowConfig `yaml:"escrow"`

	// KMS configuration
	KMS KMSConfig `yaml:"kms"`

	// S3 configuration for snapshot storage
	S3 S3Config `yaml:"s3"`

	// Rewrap tunes derivation-parameter upgrade campaigns
	Rewrap RewrapConfig `yaml:"rewrap"`

	// Audit configures the audit trail
	Audit AuditConfig `yaml:"audit"`

	// Service tunes the request-handling loop
	Service ServiceConfig `yaml:"service"`
}

// NATSConfig holds NATS connection settings
type NATSConfig struct {
	URL             string `yaml:"url"`
	CredentialsFile string `yaml:"credentials_file"`
	ReconnectWait   int    `yaml:"reconnect_wait_ms"`
	MaxReconnects   int    `yaml:"max_reconnects"`
}

// KeystoreConfig holds keystore settings
type KeystoreConfig struct {
	Path string `yaml:"path"`
}

// KeySourceConfig selects one key source for the keystore root key.
// Sources: "env" (base64 in an environment variable), "ssm" (SecureString
// parameter), "kms" (sealed blob file decrypted via KMS), "passphrase"
// (Argon2id over an operator passphrase).
type KeySourceConfig struct {
	Source         string `yaml:"source"`
	EnvVar         string `yaml:"env_var"`
	SSMParameter   string `yaml:"ssm_parameter"`
	SealedKeyFile  string `yaml:"sealed_key_file"`
	PassphraseEnv  string `yaml:"passphrase_env"`
	PassphraseSalt string `yaml:"passphrase_salt"`
}

// FallbackConfig holds the fallback key material settings. The secret is
// a UTF-8 string provisioned by the operator; per-user fallback KEKs and
// the process-wide field key are both derived from it.
type FallbackConfig struct {
	SecretEnv    string `yaml:"secret_env"`
	SSMParameter string `yaml:"ssm_parameter"`
	Salt         string `yaml:"salt"`
	Params       string `yaml:"params"`
}

// DerivationConfig tunes credential key derivation
type DerivationConfig struct {
	// CredentialParams names the parameter set for new credential KEKs
	CredentialParams string `yaml:"credential_params"`

	// MaxConcurrent bounds concurrent PBKDF2 derivations (0 = GOMAXPROCS)
	MaxConcurrent int64 `yaml:"max_concurrent"`
}

// FieldsConfig configures the entity-field layer
type FieldsConfig struct {
	// LegacyPlaintext enables reading pre-encryption plaintext rows.
	// Off by default; every use is logged and audited.
	LegacyPlaintext bool `yaml:"legacy_plaintext"`
}

// EscrowConfig configures DEK escrow. Escrow is disabled unless a public
// key is set.
type EscrowConfig struct {
	// PublicKey is the operator's base64 X25519 public key
	PublicKey string `yaml:"public_key"`
}

// KMSConfig holds KMS settings
type KMSConfig struct {
	Region string `yaml:"region"`
	KeyARN string `yaml:"key_arn"`
}

// S3Config holds S3 snapshot storage settings
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RewrapConfig tunes upgrade campaigns
type RewrapConfig struct {
	Workers       int           `yaml:"workers"`
	BatchSize     int           `yaml:"batch_size"`
	MaxRetries    int           `yaml:"max_retries"`
	LockTimeoutMs int           `yaml:"lock_timeout_ms"`
	Cleanup       CleanupConfig `yaml:"cleanup"`
}

// CleanupConfig tunes retention-windowed cleanup of superseded fallback
// wraps
type CleanupConfig struct {
	Enabled          bool `yaml:"enabled"`
	IntervalMinutes  int  `yaml:"interval_minutes"`
	MinRetentionDays int  `yaml:"min_retention_days"`
	SafetyAgeHours   int  `yaml:"safety_age_hours"`
}

// AuditConfig configures the audit trail
type AuditConfig struct {
	// Publish mirrors audit events onto the bus (fire-and-forget)
	Publish bool `yaml:"publish"`

	// RetentionDays bounds how long audit rows are kept
	RetentionDays int `yaml:"retention_days"`
}

// ServiceConfig tunes the request loop
type ServiceConfig struct {
	Workers int `yaml:"workers"`
}

// LoadConfig loads configuration from a YAML file. A missing file is not
// an error; defaults apply.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides lets deployment secrets override file values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NESTVAULT_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("NESTVAULT_NATS_CREDS"); v != "" {
		cfg.NATS.CredentialsFile = v
	}
	if v := os.Getenv("NESTVAULT_KEYSTORE_PATH"); v != "" {
		cfg.Keystore.Path = v
	}
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DevMode:  false,
		LogLevel: "info",
		NATS: NATSConfig{
			URL:             "nats://nats.internal.meridianfi.dev:4222",
			CredentialsFile: "/etc/nestvault/nats.creds",
			ReconnectWait:   2000,
			MaxReconnects:   -1, // Unlimited
		},
		Keystore: KeystoreConfig{
			Path: "/var/lib/nestvault/keystore.db",
		},
		StoreKey: KeySourceConfig{
			Source: "env",
			EnvVar: "NESTVAULT_STORE_KEY",
		},
		Fallback: FallbackConfig{
			SecretEnv: "NESTVAULT_FALLBACK_SECRET",
			Salt:      "nestvault-fallback-v1",
			Params:    keycrypt.ParamsLegacyV1,
		},
		Derivation: DerivationConfig{
			CredentialParams: keycrypt.ParamsCredentialV2,
			MaxConcurrent:    0,
		},
		Fields: FieldsConfig{
			LegacyPlaintext: false,
		},
		KMS: KMSConfig{
			Region: "us-east-1",
		},
		S3: S3Config{
			Bucket:    "",
			Region:    "us-east-1",
			KeyPrefix: "snapshots/",
		},
		Rewrap: RewrapConfig{
			Workers:       4,
			BatchSize:     100,
			MaxRetries:    3,
			LockTimeoutMs: 5000,
			Cleanup: CleanupConfig{
				Enabled:          false,
				IntervalMinutes:  60,
				MinRetentionDays: 7,
				SafetyAgeHours:   24,
			},
		},
		Audit: AuditConfig{
			Publish:       true,
			RetentionDays: 90,
		},
		Service: ServiceConfig{
			Workers: 8,
		},
	}
}
