package storage

import (
	"context"
	"io"
)

// ObjectStorage is the subset of an S3-compatible bucket the upload flow needs.
type ObjectStorage interface {
	// Upload stores size bytes from reader under key.
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// GetURL returns the public URL of key.
	GetURL(key string) string

	// Exists reports whether key is already stored.
	Exists(ctx context.Context, key string) (bool, error)
}
