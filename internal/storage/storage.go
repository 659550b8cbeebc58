package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrObjectNotFound = errors.New("object not found")

// BlobStore holds the original and processed images. Keys are opaque to
// callers.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	URL(ctx context.Context, key string) (string, error)
}

// GenerateKey returns a fresh key under prefix, e.g. "original/<uuid>".
func GenerateKey(prefix string) string {
	return prefix + "/" + uuid.NewString()
}

const (
	BackendS3    = "s3"
	BackendLocal = "local"
)

type Config struct {
	Backend      string
	S3           S3Config
	LocalDir     string
	LocalBaseURL string
}

// New builds the blob store selected by cfg.Backend.
func New(ctx context.Context, cfg Config) (BlobStore, error) {
	switch cfg.Backend {
	case BackendS3:
		return NewS3Store(ctx, cfg.S3)
	case BackendLocal, "":
		return NewLocalStore(cfg.LocalDir, cfg.LocalBaseURL)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
