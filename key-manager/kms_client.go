package main

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

const kmsRequestTimeout = 10 * time.Second

// KMSClient handles KMS operations for sealed key material
type KMSClient struct {
	client        *kms.Client
	sealingKeyARN string
}

// NewKMSClient creates a new KMS client
func NewKMSClient(region, sealingKeyARN string) (*KMSClient, error) {
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &KMSClient{
		client:        kms.NewFromConfig(cfg),
		sealingKeyARN: sealingKeyARN,
	}, nil
}

// Encrypt encrypts plaintext under the sealing key
func (k *KMSClient) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	result, err := k.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     &k.sealingKeyARN,
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS encrypt failed: %w", err)
	}
	return result.CiphertextBlob, nil
}

// Decrypt decrypts a blob sealed under the sealing key
func (k *KMSClient) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	result, err := k.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          &k.sealingKeyARN,
		CiphertextBlob: ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS decrypt failed: %w", err)
	}
	return result.Plaintext, nil
}

// GenerateDataKey generates a new 256-bit data key. Returns both the
// plaintext key and the sealed ciphertext blob.
func (k *KMSClient) GenerateDataKey(ctx context.Context) ([]byte, []byte, error) {
	result, err := k.client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   &k.sealingKeyARN,
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("KMS generate data key failed: %w", err)
	}
	return result.Plaintext, result.CiphertextBlob, nil
}
