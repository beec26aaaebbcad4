package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"offlinehub/internal/circuitbreaker"
	"offlinehub/internal/config"
	"offlinehub/internal/metrics"
)

// ErrObjectMissing is returned when the backing object does not exist.
var ErrObjectMissing = errors.New("object missing")

// Provider defines the interface for storage backends. Backends are
// read-only: ingestion of game files is another system's responsibility.
type Provider interface {
	// GetObjectRange opens a reader over bytes [offset, offset+length) of
	// the object. length < 0 reads to the end of the object.
	// bucket: the bucket name (S3) or base path prefix (local)
	// key: the object key/path
	GetObjectRange(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error)

	// ObjectSize returns the object's size in bytes, or ErrObjectMissing.
	ObjectSize(ctx context.Context, bucket, key string) (int64, error)

	// HealthCheck performs a lightweight connectivity check
	HealthCheck(ctx context.Context) error
}

// New creates a new storage provider based on configuration
func New(ctx context.Context, cfg *config.Config, m *metrics.Metrics, cb *circuitbreaker.Breaker) (Provider, error) {
	switch cfg.StorageType {
	case "s3":
		return NewS3Provider(ctx, cfg, m, cb)
	case "local":
		if cfg.StoragePath == "" {
			return nil, fmt.Errorf("STORAGE_PATH required for local storage")
		}
		return NewLocalProvider(cfg.StoragePath, m, cb, cfg.StorageFetchTimeout, cfg.StorageMaxRetries, cfg.StorageRetryDelay)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.StorageType)
	}
}
