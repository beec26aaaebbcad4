package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"

	"offlinehub/internal/circuitbreaker"
	appconfig "offlinehub/internal/config"
	"offlinehub/internal/metrics"
)

// S3Provider implements Provider for S3-compatible storage
type S3Provider struct {
	client         *s3.Client
	circuitBreaker *circuitbreaker.Breaker
	metrics        *metrics.Metrics
	fetchTimeout   time.Duration
	maxRetries     int
	retryDelay     time.Duration
}

// NewS3Provider creates a new S3-compatible storage provider
func NewS3Provider(ctx context.Context, cfg *appconfig.Config, m *metrics.Metrics, cb *circuitbreaker.Breaker) (*S3Provider, error) {
	region := cfg.S3Region
	if region == "" {
		// Reasonable default; works for MinIO and AWS if caller doesn't care.
		region = "us-east-1"
	}

	cfgOpts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	// Static credentials (typical for MinIO and many S3-compatible providers)
	if cfg.S3AccessKeyID != "" && cfg.S3SecretAccessKey != "" {
		cfgOpts = append(cfgOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.S3AccessKeyID,
				cfg.S3SecretAccessKey,
				"",
			),
		))
	}

	// Custom endpoint (MinIO, Wasabi, etc.)
	if cfg.S3Endpoint != "" {
		endpoint := cfg.S3Endpoint
		cfgOpts = append(cfgOpts, config.WithEndpointResolverWithOptions(
			aws.EndpointResolverWithOptionsFunc(
				func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
					if service == s3.ServiceID {
						return aws.Endpoint{
							URL:               endpoint,
							HostnameImmutable: true, // don't rewrite host when using a custom endpoint
						}, nil
					}
					return aws.Endpoint{}, &aws.EndpointNotFoundError{}
				},
			),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, err
	}

	usePathStyle := cfg.S3UsePathStyle

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
	})

	return &S3Provider{
		client:         client,
		circuitBreaker: cb,
		metrics:        m,
		fetchTimeout:   cfg.StorageFetchTimeout,
		maxRetries:     cfg.StorageMaxRetries,
		retryDelay:     cfg.StorageRetryDelay,
	}, nil
}

// rangeHeader renders the RFC 7233 byte range for [offset, offset+length).
func rangeHeader(offset, length int64) *string {
	if offset == 0 && length < 0 {
		return nil
	}
	if length < 0 {
		return aws.String(fmt.Sprintf("bytes=%d-", offset))
	}
	return aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
}

// GetObjectRange retrieves a byte range of an object from S3
func (s *S3Provider) GetObjectRange(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error) {
	start := time.Now()
	var resultLabel string
	defer func() {
		duration := time.Since(start)
		s.metrics.StorageFetchDuration.WithLabelValues("s3", resultLabel).Observe(duration.Seconds())
	}()

	// Track open storage reads
	s.metrics.ActiveStorageReads.Inc()
	defer s.metrics.ActiveStorageReads.Dec()

	// Execute with circuit breaker
	result, err := s.circuitBreaker.Execute(func() (interface{}, error) {
		// Retry loop with exponential backoff
		var lastErr error
		for attempt := 0; attempt <= s.maxRetries; attempt++ {
			if attempt > 0 {
				// Exponential backoff: retryDelay * 2^(attempt-1)
				delay := s.retryDelay * time.Duration(1<<(attempt-1))
				time.Sleep(delay)
			}

			// Apply timeout to this attempt
			fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
			defer cancel()

			output, err := s.client.GetObject(fetchCtx, &s3.GetObjectInput{
				Bucket: aws.String(bucket),
				Key:    aws.String(key),
				Range:  rangeHeader(offset, length),
			})

			if err == nil {
				resultLabel = "success"
				return output.Body, nil
			}

			lastErr = err

			// Check if error is retryable
			if !isRetryableError(err) || attempt == s.maxRetries {
				break
			}
		}

		resultLabel = "error"
		if isMissingObjectError(lastErr) {
			return nil, fmt.Errorf("%s: %w", key, ErrObjectMissing)
		}
		return nil, lastErr
	})

	if err != nil {
		return nil, err
	}

	return result.(io.ReadCloser), nil
}

// ObjectSize returns the size of an object via HeadObject.
func (s *S3Provider) ObjectSize(ctx context.Context, bucket, key string) (int64, error) {
	headCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	output, err := s.client.HeadObject(headCtx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isMissingObjectError(err) {
			return 0, fmt.Errorf("%s: %w", key, ErrObjectMissing)
		}
		return 0, err
	}
	return aws.ToInt64(output.ContentLength), nil
}

// isMissingObjectError classifies NoSuchKey / NotFound API responses.
func isMissingObjectError(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	return false
}

// isRetryableError determines if an error should trigger a retry
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Check for context errors (timeout/cancellation)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	// Missing objects will not appear on retry
	if isMissingObjectError(err) {
		return false
	}

	// Most other S3 errors are retryable (network issues, throttling, etc.)
	return true
}

// HealthCheck performs a lightweight connectivity check to S3
func (s *S3Provider) HealthCheck(ctx context.Context) error {
	// Use ListBuckets as a lightweight operation to verify S3 connectivity
	// This doesn't require knowing a specific bucket name
	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, err := s.client.ListBuckets(checkCtx, &s3.ListBucketsInput{})
	if err != nil {
		return fmt.Errorf("s3 connectivity check failed: %w", err)
	}
	return nil
}
