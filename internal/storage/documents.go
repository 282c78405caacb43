package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"verification_pipeline/internal/config"
)

// DocumentStore resolves stored document references to short-lived retrieval
// URLs. Raw storage keys never leave the service; every external consumer
// (the analyzer, the admin document view) goes through a presigned URL.
type DocumentStore interface {
	PresignGet(ctx context.Context, storageKey string, ttl time.Duration) (string, error)
}

type minioStore struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

// New connects to the S3-compatible object store holding verification
// documents.
func New(cfg config.StorageConfig, logger *zap.Logger) (DocumentStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	logger.Info("connected to object store",
		zap.String("endpoint", cfg.Endpoint), zap.String("bucket", cfg.Bucket))
	return &minioStore{
		client: client,
		bucket: cfg.Bucket,
		logger: logger,
	}, nil
}

func (s *minioStore) PresignGet(ctx context.Context, storageKey string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, storageKey, ttl, nil)
	if err != nil {
		s.logger.Error("failed to presign document URL", zap.Error(err), zap.String("key", storageKey))
		return "", fmt.Errorf("failed to presign document URL: %w", err)
	}
	return u.String(), nil
}
