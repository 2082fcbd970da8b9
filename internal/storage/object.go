/*
Copyright (C) 2026 Streamhost Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/streamhost/streamhost/internal/config"
)

// Client stages remote media objects into the local staging directory so the
// pipeline always reads from disk. Storage keys use s3://bucket/key form.
type Client struct {
	s3         *s3.Client
	stagingDir string
	logger     zerolog.Logger
}

// NewClient builds an S3-compatible storage client. A custom endpoint with
// path-style addressing covers MinIO and friends.
func NewClient(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3UsePathStyle
	})

	if err := os.MkdirAll(cfg.StagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	return &Client{
		s3:         client,
		stagingDir: cfg.StagingDir,
		logger:     logger.With().Str("component", "storage").Logger(),
	}, nil
}

// Fetch downloads the object behind an s3://bucket/key storage key into the
// staging directory and returns the local path. An already staged copy is
// reused.
func (c *Client) Fetch(ctx context.Context, storageKey string) (string, error) {
	bucket, key, err := splitKey(storageKey)
	if err != nil {
		return "", err
	}

	local := filepath.Join(c.stagingDir, filepath.Base(key))
	if info, err := os.Stat(local); err == nil && info.Size() > 0 {
		return local, nil
	}

	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("get object %s: %w", storageKey, err)
	}
	defer out.Body.Close()

	// Download to a temp name so a partial fetch never looks staged.
	tmp, err := os.CreateTemp(c.stagingDir, ".fetch-*")
	if err != nil {
		return "", fmt.Errorf("create staging file: %w", err)
	}
	defer os.Remove(tmp.Name())

	written, err := io.Copy(tmp, out.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("download %s: %w", storageKey, err)
	}

	if err := os.Rename(tmp.Name(), local); err != nil {
		return "", fmt.Errorf("finalize staging file: %w", err)
	}

	c.logger.Info().
		Str("key", storageKey).
		Str("path", local).
		Int64("bytes", written).
		Msg("staged remote media")
	return local, nil
}

// Evict removes a staged copy, e.g. after its entry finished.
func (c *Client) Evict(storageKey string) error {
	_, key, err := splitKey(storageKey)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(c.stagingDir, filepath.Base(key)))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func splitKey(storageKey string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(storageKey, "s3://")
	if !ok {
		return "", "", fmt.Errorf("storage key %q is not s3://bucket/key", storageKey)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("storage key %q is not s3://bucket/key", storageKey)
	}
	return bucket, key, nil
}
