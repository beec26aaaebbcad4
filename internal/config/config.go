package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Database
	DBURL            string
	DBEngine         string
	DBMaxConnections int // connection pool size (default: 20)

	// Guard (redis)
	RedisURL       string
	GuardKeyPrefix string
	GuardLockTTL   time.Duration

	// Storage
	StorageType string // "s3" or "local"
	StoragePath string // For local filesystem storage

	// S3
	S3Endpoint        string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3UsePathStyle    bool

	// Security
	EnforceSigning bool
	SigningSecret  []byte

	// Timeouts (in seconds)
	DatabaseQueryTimeout time.Duration
	StorageFetchTimeout  time.Duration
	StallTimeout         time.Duration

	// Transfer tuning
	MaxActiveTransfers int64 // max concurrent streamed transfers
	ProgressFlushBytes int64 // commit progress to the registry every N bytes
	TransferChunkBytes int   // copy buffer size

	// Resource Limits
	RateLimitPerIP float64 // requests per second per IP, 0 = unlimited

	// Retries
	StorageMaxRetries int
	StorageRetryDelay time.Duration

	// Circuit Breaker
	CircuitBreakerThreshold   int           // failures before opening
	CircuitBreakerTimeout     time.Duration // time to wait before half-open
	CircuitBreakerMaxRequests int           // max requests in half-open state

	// Pagination
	DefaultPageSize int
	MaxPageSize     int

	// Server
	Port        string
	EnableHTTPS bool

	// Let's Encrypt
	LetsEncryptDomains  []string
	LetsEncryptCacheDir string
	LetsEncryptEmail    string

	// Metrics
	MetricsUsername string
	MetricsPassword string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	dbURL := os.Getenv("DB_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DB_URL required")
	}

	u, err := url.Parse(dbURL)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_URL: %w", err)
	}

	enforceSigning, _ := strconv.ParseBool(os.Getenv("ENFORCE_SIGNING"))
	enableHTTPS, _ := strconv.ParseBool(os.Getenv("ENABLE_HTTPS"))

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	s3Region := os.Getenv("S3_REGION")
	if s3Region == "" {
		s3Region = "auto"
	}

	s3UsePathStyle := false
	if v := os.Getenv("S3_USE_PATH_STYLE"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			s3UsePathStyle = parsed
		}
	}

	var letsEncryptDomains []string
	if enableHTTPS {
		domains := strings.Split(os.Getenv("LETSENCRYPT_DOMAINS"), ",")
		if len(domains) == 0 || domains[0] == "" {
			return nil, fmt.Errorf("LETSENCRYPT_DOMAINS required when ENABLE_HTTPS=true")
		}
		letsEncryptDomains = domains
	}

	letsEncryptCacheDir := os.Getenv("LETSENCRYPT_CACHE_DIR")
	if letsEncryptCacheDir == "" {
		letsEncryptCacheDir = "./certs"
	}

	// Determine storage type
	storageType := os.Getenv("STORAGE_TYPE")
	storagePath := os.Getenv("STORAGE_PATH")

	// Auto-detect storage type if not specified
	if storageType == "" {
		if storagePath != "" {
			storageType = "local"
		} else {
			storageType = "s3"
		}
	}

	// Parse database settings
	dbMaxConnections := parseInt(os.Getenv("DB_MAX_CONNECTIONS"), 20)

	// Parse timeouts
	dbTimeout := parseDuration(os.Getenv("DATABASE_QUERY_TIMEOUT"), 5*time.Second)
	storageTimeout := parseDuration(os.Getenv("STORAGE_FETCH_TIMEOUT"), 60*time.Second)
	stallTimeout := parseDuration(os.Getenv("STALL_TIMEOUT"), 30*time.Second)

	// Parse transfer tuning
	maxActiveTransfers := int64(parseInt(os.Getenv("MAX_ACTIVE_TRANSFERS"), 64))
	if maxActiveTransfers < 1 {
		return nil, fmt.Errorf("invalid MAX_ACTIVE_TRANSFERS: must be >= 1")
	}
	progressFlushBytes := parseInt64(os.Getenv("PROGRESS_FLUSH_BYTES"), 4<<20) // 4 MiB
	transferChunkBytes := parseInt(os.Getenv("TRANSFER_CHUNK_BYTES"), 64*1024)

	// Parse resource limits
	rateLimitPerIP := parseFloat(os.Getenv("RATE_LIMIT_PER_IP"), 0)

	// Parse retry settings
	storageMaxRetries := parseInt(os.Getenv("STORAGE_MAX_RETRIES"), 3)
	storageRetryDelay := parseDuration(os.Getenv("STORAGE_RETRY_DELAY"), 1*time.Second)

	// Parse circuit breaker settings
	cbThreshold := parseInt(os.Getenv("CIRCUIT_BREAKER_THRESHOLD"), 5)
	cbTimeout := parseDuration(os.Getenv("CIRCUIT_BREAKER_TIMEOUT"), 60*time.Second)
	cbMaxRequests := parseInt(os.Getenv("CIRCUIT_BREAKER_MAX_REQUESTS"), 2)

	// Parse guard settings
	guardLockTTL := parseDuration(os.Getenv("GUARD_LOCK_TTL"), 10*time.Second)
	guardKeyPrefix := os.Getenv("GUARD_KEY_PREFIX")
	if guardKeyPrefix == "" {
		guardKeyPrefix = "offlinehub:initiate:"
	}

	// Parse pagination settings
	defaultPageSize := parseInt(os.Getenv("DEFAULT_PAGE_SIZE"), 20)
	maxPageSize := parseInt(os.Getenv("MAX_PAGE_SIZE"), 100)

	return &Config{
		DBURL:            dbURL,
		DBEngine:         u.Scheme,
		DBMaxConnections: dbMaxConnections,

		RedisURL:       os.Getenv("REDIS_URL"),
		GuardKeyPrefix: guardKeyPrefix,
		GuardLockTTL:   guardLockTTL,

		StorageType:       storageType,
		StoragePath:       storagePath,
		S3Endpoint:        os.Getenv("S3_ENDPOINT"),
		S3Region:          s3Region,
		S3AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		S3UsePathStyle:    s3UsePathStyle,

		EnforceSigning: enforceSigning,
		SigningSecret:  []byte(os.Getenv("SIGNING_SECRET")),

		DatabaseQueryTimeout: dbTimeout,
		StorageFetchTimeout:  storageTimeout,
		StallTimeout:         stallTimeout,
		MaxActiveTransfers:   maxActiveTransfers,
		ProgressFlushBytes:   progressFlushBytes,
		TransferChunkBytes:   transferChunkBytes,
		RateLimitPerIP:       rateLimitPerIP,
		StorageMaxRetries:    storageMaxRetries,
		StorageRetryDelay:    storageRetryDelay,

		CircuitBreakerThreshold:   cbThreshold,
		CircuitBreakerTimeout:     cbTimeout,
		CircuitBreakerMaxRequests: cbMaxRequests,

		DefaultPageSize: defaultPageSize,
		MaxPageSize:     maxPageSize,

		Port:                port,
		EnableHTTPS:         enableHTTPS,
		LetsEncryptDomains:  letsEncryptDomains,
		LetsEncryptCacheDir: letsEncryptCacheDir,
		LetsEncryptEmail:    os.Getenv("LETSENCRYPT_EMAIL"),
		MetricsUsername:     os.Getenv("METRICS_USERNAME"),
		MetricsPassword:     os.Getenv("METRICS_PASSWORD"),
	}, nil
}

// Helper functions for parsing configuration values

func parseDuration(s string, defaultValue time.Duration) time.Duration {
	if s == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

func parseInt(s string, defaultValue int) int {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return val
}

func parseInt64(s string, defaultValue int64) int64 {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return defaultValue
	}
	return val
}

func parseFloat(s string, defaultValue float64) float64 {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return defaultValue
	}
	return val
}
