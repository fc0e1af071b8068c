// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/meridian-data/chatfeed/internal/hash/sha256"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// BlobStore writes media payloads to a configured GCS bucket. Object names
// are derived from the SHA-256 of the content, so storing the same bytes
// twice lands on the same object and returns the same reference.
type BlobStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "media"
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
	}, nil
}

// Put uploads the payload and returns its gs:// URI.
func (s *BlobStore) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("payload is empty")
	}
	path := ObjectPath(s.prefix, data)

	writer := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}

// ObjectPath derives the content-addressed object name for a payload.
func ObjectPath(prefix string, data []byte) string {
	digest := sha256.Sum(data)
	return fmt.Sprintf("%s/%s/%s", prefix, digest[:2], digest)
}
