package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"inkline/internal/config"
	"inkline/internal/domain"
)

// Store keeps document and artifact bytes in an object bucket. The engine
// only ever sees the opaque object names returned here.
type Store struct {
	client     *minio.Client
	bucket     string
	expireDays int
}

func New(cfg *config.Config) (*Store, error) {
	client, err := minio.New(cfg.Storage.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Storage.AccessKey, cfg.Storage.SecretKey, ""),
		Secure: cfg.Storage.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	return &Store{
		client:     client,
		bucket:     cfg.Storage.Bucket,
		expireDays: cfg.Storage.ExpireDays,
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
	}
	return nil
}

// StoreDocument uploads source document bytes and returns an opaque handle.
func (s *Store) StoreDocument(ctx context.Context, r io.Reader, size int64, contentType string) (string, error) {
	name := "documents/" + uuid.New().String()
	if _, err := s.client.PutObject(ctx, s.bucket, name, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	}); err != nil {
		return "", fmt.Errorf("store document: %w", err)
	}
	return name, nil
}

// StoreArtifact uploads a signature image or seal and returns an opaque reference.
func (s *Store) StoreArtifact(ctx context.Context, r io.Reader, size int64, kind domain.FieldKind, contentType string) (string, error) {
	name := fmt.Sprintf("artifacts/%s/%s", kind, uuid.New().String())
	if _, err := s.client.PutObject(ctx, s.bucket, name, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	}); err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}
	return name, nil
}

// PresignedURL generates a time-limited download URL for a stored object.
func (s *Store) PresignedURL(ctx context.Context, ref string) (string, error) {
	expiry := time.Duration(s.expireDays) * 24 * time.Hour
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	url, err := s.client.PresignedGetObject(ctx, s.bucket, ref, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", ref, err)
	}
	return url.String(), nil
}

// Delete removes a stored object.
func (s *Store) Delete(ctx context.Context, ref string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, ref, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s: %w", ref, err)
	}
	return nil
}
