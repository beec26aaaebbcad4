package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"offlinehub/internal/circuitbreaker"
	"offlinehub/internal/metrics"
)

// LocalProvider implements Provider for local filesystem storage
type LocalProvider struct {
	basePath       string
	circuitBreaker *circuitbreaker.Breaker
	metrics        *metrics.Metrics
	fetchTimeout   time.Duration
	maxRetries     int
	retryDelay     time.Duration
}

// NewLocalProvider creates a new local filesystem storage provider
func NewLocalProvider(basePath string, m *metrics.Metrics, cb *circuitbreaker.Breaker, fetchTimeout time.Duration, maxRetries int, retryDelay time.Duration) (*LocalProvider, error) {
	// Ensure base path exists and is a directory
	info, err := os.Stat(basePath)
	if err != nil {
		return nil, fmt.Errorf("base path error: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("base path is not a directory: %s", basePath)
	}

	// Get absolute path for security checks
	absPath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base path: %w", err)
	}

	return &LocalProvider{
		basePath:       absPath,
		circuitBreaker: cb,
		metrics:        m,
		fetchTimeout:   fetchTimeout,
		maxRetries:     maxRetries,
		retryDelay:     retryDelay,
	}, nil
}

// resolve builds the full path for (bucket, key) and rejects traversal out
// of the base path.
func (l *LocalProvider) resolve(bucket, key string) (string, error) {
	pathComponents := []string{l.basePath}
	if bucket != "" {
		pathComponents = append(pathComponents, bucket)
	}
	pathComponents = append(pathComponents, key)
	fullPath := filepath.Clean(filepath.Join(pathComponents...))

	if !strings.HasPrefix(fullPath, l.basePath) {
		return "", fmt.Errorf("path traversal attempt detected: bucket=%s, key=%s", bucket, key)
	}
	return fullPath, nil
}

// sectionReadCloser reads a bounded section of an open file.
type sectionReadCloser struct {
	io.Reader
	f *os.File
}

func (s *sectionReadCloser) Close() error {
	return s.f.Close()
}

// GetObjectRange opens a file section from the local filesystem.
// bucket: optional path prefix within basePath (can be empty)
// key: file path relative to bucket (or basePath if bucket is empty)
func (l *LocalProvider) GetObjectRange(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error) {
	start := time.Now()
	var resultLabel string
	defer func() {
		duration := time.Since(start)
		l.metrics.StorageFetchDuration.WithLabelValues("local", resultLabel).Observe(duration.Seconds())
	}()

	// Track open storage reads
	l.metrics.ActiveStorageReads.Inc()
	defer l.metrics.ActiveStorageReads.Dec()

	// Execute with circuit breaker
	result, err := l.circuitBreaker.Execute(func() (interface{}, error) {
		fullPath, err := l.resolve(bucket, key)
		if err != nil {
			resultLabel = "error"
			return nil, err
		}

		// Retry loop with exponential backoff
		var lastErr error
		for attempt := 0; attempt <= l.maxRetries; attempt++ {
			if attempt > 0 {
				// Exponential backoff: retryDelay * 2^(attempt-1)
				delay := l.retryDelay * time.Duration(1<<(attempt-1))
				time.Sleep(delay)
			}

			// Check context cancellation
			select {
			case <-ctx.Done():
				resultLabel = "error"
				return nil, ctx.Err()
			default:
			}

			file, err := l.open(fullPath, offset, length)
			if err == nil {
				resultLabel = "success"
				return file, nil
			}

			lastErr = err

			// Check if error is retryable
			if !isLocalRetryableError(err) || attempt == l.maxRetries {
				break
			}
		}

		resultLabel = "error"
		if os.IsNotExist(lastErr) {
			return nil, fmt.Errorf("%s: %w", key, ErrObjectMissing)
		}
		return nil, fmt.Errorf("failed to open file: %w", lastErr)
	})

	if err != nil {
		return nil, err
	}

	return result.(io.ReadCloser), nil
}

func (l *LocalProvider) open(fullPath string, offset, length int64) (io.ReadCloser, error) {
	file, err := os.Open(fullPath)
	if err != nil {
		return nil, err
	}

	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			file.Close()
			return nil, err
		}
	}

	if length < 0 {
		return file, nil
	}
	return &sectionReadCloser{Reader: io.LimitReader(file, length), f: file}, nil
}

// ObjectSize stats the backing file.
func (l *LocalProvider) ObjectSize(ctx context.Context, bucket, key string) (int64, error) {
	fullPath, err := l.resolve(bucket, key)
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%s: %w", key, ErrObjectMissing)
		}
		return 0, err
	}
	return info.Size(), nil
}

// isLocalRetryableError determines if a local filesystem error should trigger a retry
func isLocalRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Context errors are not retryable
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	// File not found is not retryable
	if os.IsNotExist(err) {
		return false
	}

	// Permission errors are not retryable
	if os.IsPermission(err) {
		return false
	}

	// Temporary errors (network filesystem issues) are retryable
	// Most other errors (like I/O errors) might be transient
	return true
}

// HealthCheck verifies the base path is still accessible
func (l *LocalProvider) HealthCheck(ctx context.Context) error {
	// Stat the base path to ensure mount is still accessible
	_, err := os.Stat(l.basePath)
	if err != nil {
		return fmt.Errorf("base path unavailable: %w", err)
	}
	return nil
}
