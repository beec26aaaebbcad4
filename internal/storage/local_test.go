package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"offlinehub/internal/circuitbreaker"
	"offlinehub/internal/config"
	"offlinehub/internal/metrics"
)

// Shared metrics instance to avoid duplicate registration
var sharedMetrics = metrics.New()

func newTestLocalProvider(t *testing.T, baseDir string) *LocalProvider {
	t.Helper()

	cfg := &config.Config{
		CircuitBreakerThreshold:   5,
		CircuitBreakerTimeout:     10 * time.Second,
		CircuitBreakerMaxRequests: 2,
	}
	cb := circuitbreaker.New("test-storage-"+t.Name(), cfg, sharedMetrics)

	provider, err := NewLocalProvider(baseDir, sharedMetrics, cb, 5*time.Second, 1, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewLocalProvider() error = %v", err)
	}
	return provider
}

func TestLocalProvider_GetObjectRange(t *testing.T) {
	tmpDir := t.TempDir()

	content := make([]byte, 1000)
	for i := range content {
		content[i] = byte(i % 251)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "game.bin"), content, 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	subDir := filepath.Join(tmpDir, "games")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatalf("failed to create subdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(subDir, "nested.bin"), content, 0644); err != nil {
		t.Fatalf("failed to create subdir file: %v", err)
	}

	provider := newTestLocalProvider(t, tmpDir)
	ctx := context.Background()

	tests := []struct {
		name     string
		bucket   string
		key      string
		offset   int64
		length   int64
		wantData []byte
	}{
		{
			name:     "whole file",
			key:      "game.bin",
			offset:   0,
			length:   -1,
			wantData: content,
		},
		{
			name:     "bounded range",
			key:      "game.bin",
			offset:   100,
			length:   100,
			wantData: content[100:200],
		},
		{
			name:     "tail from offset",
			key:      "game.bin",
			offset:   900,
			length:   -1,
			wantData: content[900:],
		},
		{
			name:     "file under bucket prefix",
			bucket:   "games",
			key:      "nested.bin",
			offset:   0,
			length:   10,
			wantData: content[:10],
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader, err := provider.GetObjectRange(ctx, tt.bucket, tt.key, tt.offset, tt.length)
			if err != nil {
				t.Fatalf("GetObjectRange() error = %v", err)
			}
			defer reader.Close()

			got, err := io.ReadAll(reader)
			if err != nil {
				t.Fatalf("ReadAll() error = %v", err)
			}
			if len(got) != len(tt.wantData) {
				t.Fatalf("read %d bytes, want %d", len(got), len(tt.wantData))
			}
			for i := range got {
				if got[i] != tt.wantData[i] {
					t.Fatalf("byte %d = %d, want %d", i, got[i], tt.wantData[i])
				}
			}
		})
	}
}

func TestLocalProvider_GetObjectRange_Errors(t *testing.T) {
	tmpDir := t.TempDir()
	provider := newTestLocalProvider(t, tmpDir)
	ctx := context.Background()

	tests := []struct {
		name        string
		bucket      string
		key         string
		wantMissing bool
		errContains string
	}{
		{
			name:        "file not found",
			key:         "nonexistent.bin",
			wantMissing: true,
		},
		{
			name:        "path traversal attempt",
			key:         "../../../etc/passwd",
			errContains: "path traversal",
		},
		{
			name:        "path traversal with bucket",
			bucket:      "../../../",
			key:         "etc/passwd",
			errContains: "path traversal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := provider.GetObjectRange(ctx, tt.bucket, tt.key, 0, -1)
			if err == nil {
				t.Fatal("GetObjectRange() error = nil, want error")
			}
			if tt.wantMissing && !errors.Is(err, ErrObjectMissing) {
				t.Errorf("GetObjectRange() error = %v, want ErrObjectMissing", err)
			}
			if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("GetObjectRange() error = %v, want error containing %q", err, tt.errContains)
			}
		})
	}
}

func TestLocalProvider_ObjectSize(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmpDir, "game.bin"), make([]byte, 4096), 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	provider := newTestLocalProvider(t, tmpDir)
	ctx := context.Background()

	size, err := provider.ObjectSize(ctx, "", "game.bin")
	if err != nil {
		t.Fatalf("ObjectSize() error = %v", err)
	}
	if size != 4096 {
		t.Errorf("ObjectSize() = %d, want 4096", size)
	}

	if _, err := provider.ObjectSize(ctx, "", "missing.bin"); !errors.Is(err, ErrObjectMissing) {
		t.Errorf("ObjectSize(missing) error = %v, want ErrObjectMissing", err)
	}
}

func TestLocalProvider_HealthCheck(t *testing.T) {
	tmpDir := t.TempDir()
	provider := newTestLocalProvider(t, tmpDir)

	if err := provider.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v, want nil", err)
	}
}

func TestNewLocalProvider_InvalidPath(t *testing.T) {
	cfg := &config.Config{
		CircuitBreakerThreshold:   5,
		CircuitBreakerTimeout:     10 * time.Second,
		CircuitBreakerMaxRequests: 2,
	}
	cb := circuitbreaker.New("test-storage-invalid", cfg, sharedMetrics)

	if _, err := NewLocalProvider("/nonexistent/path/that/does/not/exist", sharedMetrics, cb, 5*time.Second, 3, time.Second); err == nil {
		t.Error("NewLocalProvider() error = nil, want error for missing base path")
	}
}
