package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Client handles snapshot storage in S3
type S3Client struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
}

// NewS3Client creates a new S3 client
func NewS3Client(region, bucket, keyPrefix string) (*S3Client, error) {
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &S3Client{
		client:    s3.NewFromConfig(cfg),
		bucket:    bucket,
		keyPrefix: keyPrefix,
	}, nil
}

// Get retrieves an object
func (s *S3Client) Get(ctx context.Context, key string) ([]byte, error) {
	fullKey := s.keyPrefix + key
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &fullKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", s.bucket, fullKey, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	return data, nil
}

// Put stores an object
func (s *S3Client) Put(ctx context.Context, key string, data []byte) error {
	fullKey := s.keyPrefix + key
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &fullKey,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to put s3://%s/%s: %w", s.bucket, fullKey, err)
	}
	return nil
}

// Delete removes an object
func (s *S3Client) Delete(ctx context.Context, key string) error {
	fullKey := s.keyPrefix + key
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &fullKey,
	})
	if err != nil {
		return fmt.Errorf("failed to delete s3://%s/%s: %w", s.bucket, fullKey, err)
	}
	return nil
}

// List returns object keys under the given prefix, with the client's
// key prefix stripped
func (s *S3Client) List(ctx context.Context, prefix string) ([]string, error) {
	fullPrefix := s.keyPrefix + prefix
	var keys []string

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &fullPrefix,
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list s3://%s/%s: %w", s.bucket, fullPrefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, (*obj.Key)[len(s.keyPrefix):])
			}
		}
	}

	return keys, nil
}

// Exists checks whether an object exists
func (s *S3Client) Exists(ctx context.Context, key string) (bool, error) {
	fullKey := s.keyPrefix + key
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &fullKey,
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to head s3://%s/%s: %w", s.bucket, fullKey, err)
	}
	return true, nil
}
