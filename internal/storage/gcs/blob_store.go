// Package gcs archives raw artifacts in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// CacheControl is applied to every object; archives are immutable so the
	// default is a long max-age.
	CacheControl string
}

// objectWriter is the subset of storage.Writer the store relies on.
type objectWriter interface {
	io.Writer
	Close() error
}

// BlobStore writes artifacts to a configured GCS bucket.
type BlobStore struct {
	bucket    string
	cache     string
	newWriter func(ctx context.Context, path, contentType, cacheControl string) objectWriter
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	store, err := newStore(cfg)
	if err != nil {
		return nil, err
	}
	handle := client.Bucket(cfg.Bucket)
	store.newWriter = func(ctx context.Context, path, contentType, cacheControl string) objectWriter {
		w := handle.Object(path).NewWriter(ctx)
		w.ContentType = contentType
		w.CacheControl = cacheControl
		return w
	}
	return store, nil
}

func newStore(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	cache := cfg.CacheControl
	if cache == "" {
		cache = "private, max-age=31536000, immutable"
	}
	return &BlobStore{bucket: cfg.Bucket, cache: cache}, nil
}

// PutObject uploads data to the configured bucket and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	path = strings.TrimPrefix(strings.TrimSpace(path), "/")
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	writer := s.newWriter(ctx, path, contentType, s.cache)
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}
