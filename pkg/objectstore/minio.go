package objectstore

import (
	"context"
	"fmt"
	"github.com/minio/minio-go/v7"
)

// Store reads and writes job audio in a single MinIO/S3 bucket.
type Store struct {
	client *minio.Client
	bucket string
}

func New(client *minio.Client, bucket string) *Store {
	return &Store{client: client, bucket: bucket}
}

// Fetch streams the object straight to disk; the body is never held in memory.
func (s *Store) Fetch(ctx context.Context, key, path string) error {
	err := s.client.FGetObject(ctx, s.bucket, key, path, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("fetch %s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func (s *Store) Store(ctx context.Context, path, key, contentType string) error {
	_, err := s.client.FPutObject(ctx, s.bucket, key, path, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("store %s/%s: %w", s.bucket, key, err)
	}
	return nil
}

// Ping fails when the bucket is unreachable or does not exist.
func (s *Store) Ping(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}
