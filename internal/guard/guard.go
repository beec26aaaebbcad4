package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"offlinehub/internal/config"
	"offlinehub/internal/metrics"
)

// Guard serializes download initiations for a (user, game) pair across
// service instances. The database constraint is the authoritative dedup; the
// guard exists to turn a double submission into a fast rejection instead of
// two transactions racing for the same advisory lock.
//
// Locks live in redis with a TTL so a crashed instance can never leave a
// user's slot held forever.
type Guard interface {
	// Acquire takes the initiation lock for (user, game). The returned
	// release func is safe to call more than once.
	Acquire(ctx context.Context, userID, gameID string) (release func(), err error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// ErrLockHeld is returned when another initiation for the same (user, game)
// is already in flight.
var ErrLockHeld = fmt.Errorf("initiation already in progress")

// RedisGuard implements Guard on a redis SET NX with TTL.
type RedisGuard struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	metrics   *metrics.Metrics
}

// NewRedisGuard connects to redis and returns a guard.
func NewRedisGuard(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*RedisGuard, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis parse url error: %w", err)
	}

	opts.MinIdleConns = 2
	opts.ConnMaxLifetime = 1 * time.Hour
	opts.ConnMaxIdleTime = 30 * time.Minute

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connect error: %w", err)
	}

	return &RedisGuard{
		client:    client,
		keyPrefix: cfg.GuardKeyPrefix,
		ttl:       cfg.GuardLockTTL,
		metrics:   m,
	}, nil
}

func (g *RedisGuard) key(userID, gameID string) string {
	return g.keyPrefix + userID + ":" + gameID
}

// Acquire takes the (user, game) initiation lock.
func (g *RedisGuard) Acquire(ctx context.Context, userID, gameID string) (func(), error) {
	key := g.key(userID, gameID)

	ok, err := g.client.SetNX(ctx, key, "1", g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("guard acquire: %w", err)
	}
	if !ok {
		g.metrics.GuardContention.Inc()
		return nil, ErrLockHeld
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		// Best effort; the TTL reclaims the slot if this fails.
		g.client.Del(context.Background(), key)
	}
	return release, nil
}

// HealthCheck verifies redis connectivity.
func (g *RedisGuard) HealthCheck(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return g.client.Ping(checkCtx).Err()
}

// Close closes the redis connection.
func (g *RedisGuard) Close() error {
	return g.client.Close()
}

// NopGuard is used when no REDIS_URL is configured (single-instance
// deployments, tests). The database constraint still enforces dedup.
type NopGuard struct{}

func (NopGuard) Acquire(ctx context.Context, userID, gameID string) (func(), error) {
	return func() {}, nil
}

func (NopGuard) HealthCheck(ctx context.Context) error { return nil }

func (NopGuard) Close() error { return nil }

// New returns a redis-backed guard when configured, a no-op guard otherwise.
func New(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (Guard, error) {
	if cfg.RedisURL == "" {
		return NopGuard{}, nil
	}
	return NewRedisGuard(ctx, cfg, m)
}
