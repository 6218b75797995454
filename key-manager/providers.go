package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/meridianfi/nestvault/keycrypt"
)

// SSMKeyProvider reads a base64 32-byte key from an SSM SecureString
// parameter on each call.
type SSMKeyProvider struct {
	client    *SSMClient
	parameter string
}

// Key fetches and decodes the parameter value
func (p *SSMKeyProvider) Key(ctx context.Context) ([]byte, error) {
	value, err := p.client.GetParameter(ctx, p.parameter)
	if err != nil {
		return nil, err
	}
	key, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("parameter %s is not valid base64: %w", p.parameter, err)
	}
	if len(key) != keycrypt.KeySize {
		return nil, fmt.Errorf("parameter %s: %w", p.parameter, keycrypt.ErrInvalidKeySize)
	}
	return key, nil
}

// KMSKeyProvider unseals a KMS-sealed data key on each call. The sealed
// blob sits on disk; only KMS can recover the plaintext.
type KMSKeyProvider struct {
	client *KMSClient
	sealed []byte
}

// Key decrypts the sealed blob via KMS
func (p *KMSKeyProvider) Key(ctx context.Context) ([]byte, error) {
	key, err := p.client.Decrypt(ctx, p.sealed)
	if err != nil {
		return nil, err
	}
	if len(key) != keycrypt.KeySize {
		return nil, fmt.Errorf("sealed key: %w", keycrypt.ErrInvalidKeySize)
	}
	return key, nil
}

// buildStoreKeyProvider resolves the configured keystore root key source.
// The SSM and KMS clients may be nil when the corresponding source is not
// selected.
func buildStoreKeyProvider(cfg *Config, ssmClient *SSMClient, kmsClient *KMSClient) (keycrypt.KeyProvider, error) {
	switch cfg.StoreKey.Source {
	case "env":
		if cfg.StoreKey.EnvVar == "" {
			return nil, fmt.Errorf("store_key.env_var is required for the env source")
		}
		return &keycrypt.EnvKeyProvider{Var: cfg.StoreKey.EnvVar}, nil

	case "ssm":
		if cfg.StoreKey.SSMParameter == "" {
			return nil, fmt.Errorf("store_key.ssm_parameter is required for the ssm source")
		}
		if ssmClient == nil {
			return nil, fmt.Errorf("ssm client is not configured")
		}
		return &SSMKeyProvider{client: ssmClient, parameter: cfg.StoreKey.SSMParameter}, nil

	case "kms":
		if cfg.StoreKey.SealedKeyFile == "" {
			return nil, fmt.Errorf("store_key.sealed_key_file is required for the kms source")
		}
		if kmsClient == nil {
			return nil, fmt.Errorf("kms client is not configured")
		}
		encoded, err := os.ReadFile(cfg.StoreKey.SealedKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read sealed key file: %w", err)
		}
		sealed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encoded)))
		if err != nil {
			return nil, fmt.Errorf("sealed key file is not valid base64: %w", err)
		}
		return &KMSKeyProvider{client: kmsClient, sealed: sealed}, nil

	case "passphrase":
		if cfg.StoreKey.PassphraseEnv == "" {
			return nil, fmt.Errorf("store_key.passphrase_env is required for the passphrase source")
		}
		passphrase := os.Getenv(cfg.StoreKey.PassphraseEnv)
		if passphrase == "" {
			return nil, fmt.Errorf("environment variable %s is not set", cfg.StoreKey.PassphraseEnv)
		}
		return keycrypt.NewPassphraseKeyProvider([]byte(passphrase), []byte(cfg.StoreKey.PassphraseSalt))

	default:
		return nil, fmt.Errorf("unknown store_key.source %q", cfg.StoreKey.Source)
	}
}

// resolveFallbackSecret loads the fallback secret material, preferring the
// environment over SSM. The secret is an operator-provisioned UTF-8 string.
func resolveFallbackSecret(ctx context.Context, cfg *Config, ssmClient *SSMClient) ([]byte, error) {
	if cfg.Fallback.SecretEnv != "" {
		if v := os.Getenv(cfg.Fallback.SecretEnv); v != "" {
			return []byte(v), nil
		}
	}
	if cfg.Fallback.SSMParameter != "" {
		if ssmClient == nil {
			return nil, fmt.Errorf("ssm client is not configured")
		}
		v, err := ssmClient.GetParameter(ctx, cfg.Fallback.SSMParameter)
		if err != nil {
			return nil, err
		}
		return []byte(v), nil
	}
	return nil, fmt.Errorf("no fallback secret configured (set %s or fallback.ssm_parameter)", cfg.Fallback.SecretEnv)
}
