package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// SSMClient reads secrets from SSM Parameter Store
type SSMClient struct {
	client *ssm.Client
}

// NewSSMClient creates a new SSM client
func NewSSMClient(region string) (*SSMClient, error) {
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &SSMClient{
		client: ssm.NewFromConfig(cfg),
	}, nil
}

// GetParameter retrieves a parameter value, decrypting SecureString
// parameters
func (c *SSMClient) GetParameter(ctx context.Context, name string) (string, error) {
	withDecryption := true
	result, err := c.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get parameter %s: %w", name, err)
	}
	if result.Parameter == nil || result.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s has no value", name)
	}
	return *result.Parameter.Value, nil
}
