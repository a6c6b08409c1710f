// Package gcs mirrors artifacts into a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
)

// Config names the bucket and an optional object prefix.
type Config struct {
	Bucket string
	Prefix string
}

// BlobStore uploads objects to one bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New builds a BlobStore on an existing client.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("bucket name is required")
	}
	return &BlobStore{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

// ObjectName returns the object key used for p.
func (s *BlobStore) ObjectName(p string) string {
	return objectName(s.prefix, p)
}

func objectName(prefix, p string) string {
	p = strings.TrimLeft(p, "/")
	if prefix == "" {
		return p
	}
	return path.Join(prefix, p)
}

// PutObject streams r into the bucket and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, p string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", errors.New("path is required")
	}
	name := s.ObjectName(p)
	w := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, r); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return "", fmt.Errorf("upload %s: %w (close writer: %v)", name, err, closeErr)
		}
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", name, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, name), nil
}
