package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a Redis-backed implementation of Cache.
type RedisCache struct {
	client   *redis.Client
	config   *CacheConfig
	logger   *slog.Logger
	isClosed bool
}

// NewRedisCache builds a new Redis cache client.
func NewRedisCache(config *CacheConfig, logger *slog.Logger) (*RedisCache, error) {
	if config == nil {
		config = &CacheConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:            config.Addr,
		Password:        config.Password,
		DB:              config.DB,
		PoolSize:        config.PoolSize,
		MinIdleConns:    config.MinIdleConns,
		DialTimeout:     config.DialTimeout,
		ReadTimeout:     config.ReadTimeout,
		WriteTimeout:    config.WriteTimeout,
		MaxRetries:      config.MaxRetries,
		MinRetryBackoff: config.MinRetryBackoff,
		MaxRetryBackoff: config.MaxRetryBackoff,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to redis", "error", err, "addr", config.Addr)
		return nil, NewCacheError("failed to connect to Redis", "CONNECTION_ERROR").WithCause(err)
	}

	logger.Info("connected to redis", "addr", config.Addr, "db", config.DB)

	return &RedisCache{
		client: client,
		config: config,
		logger: logger,
	}, nil
}

// Get fetches a value by key and unmarshals it into dest.
func (rc *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	if rc.isClosed {
		return ErrConnectionFailed
	}

	rc.logger.Debug("cache get", "key", key)

	val, err := rc.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			rc.logger.Debug("cache miss", "key", key)
			return ErrNotFound
		}
		rc.logger.Error("cache get failed", "key", key, "error", err)
		return NewCacheError("failed to get value from cache", "GET_ERROR").WithCause(err)
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		rc.logger.Error("cache value unmarshal failed", "key", key, "error", err)
		return NewCacheError("failed to unmarshal cache value", "UNMARSHAL_ERROR").WithCause(err)
	}

	return nil
}

// Set stores a value with the given TTL.
func (rc *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if rc.isClosed {
		return ErrConnectionFailed
	}

	data, err := json.Marshal(value)
	if err != nil {
		rc.logger.Error("cache value marshal failed", "key", key, "error", err)
		return NewCacheError("failed to marshal cache value", "MARSHAL_ERROR").WithCause(err)
	}

	if err := rc.client.Set(ctx, key, data, ttl).Err(); err != nil {
		rc.logger.Error("cache set failed", "key", key, "error", err)
		return NewCacheError("failed to set value in cache", "SET_ERROR").WithCause(err)
	}

	return nil
}

// Delete removes a value by key.
func (rc *RedisCache) Delete(ctx context.Context, key string) error {
	if rc.isClosed {
		return ErrConnectionFailed
	}

	result, err := rc.client.Del(ctx, key).Result()
	if err != nil {
		rc.logger.Error("cache delete failed", "key", key, "error", err)
		return NewCacheError("failed to delete value from cache", "DELETE_ERROR").WithCause(err)
	}

	if result == 0 {
		return ErrNotFound
	}

	return nil
}

// Exists reports whether a key is present.
func (rc *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	if rc.isClosed {
		return false, ErrConnectionFailed
	}

	result, err := rc.client.Exists(ctx, key).Result()
	if err != nil {
		rc.logger.Error("cache exists check failed", "key", key, "error", err)
		return false, NewCacheError("failed to check key existence", "EXISTS_ERROR").WithCause(err)
	}

	return result > 0, nil
}

// TTL returns the remaining time-to-live for a key.
func (rc *RedisCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	if rc.isClosed {
		return 0, ErrConnectionFailed
	}

	ttl, err := rc.client.TTL(ctx, key).Result()
	if err != nil {
		rc.logger.Error("cache ttl lookup failed", "key", key, "error", err)
		return 0, NewCacheError("failed to get TTL", "TTL_ERROR").WithCause(err)
	}

	return ttl, nil
}

// Expire sets a TTL on an existing key.
func (rc *RedisCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if rc.isClosed {
		return ErrConnectionFailed
	}

	result, err := rc.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		rc.logger.Error("cache expire failed", "key", key, "error", err)
		return NewCacheError("failed to set TTL", "EXPIRE_ERROR").WithCause(err)
	}

	if !result {
		return ErrNotFound
	}

	return nil
}

// HealthCheck verifies the cache backend is reachable.
func (rc *RedisCache) HealthCheck(ctx context.Context) error {
	if rc.isClosed {
		return ErrConnectionFailed
	}

	if err := rc.client.Ping(ctx).Err(); err != nil {
		rc.logger.Error("cache health check failed", "error", err)
		return NewCacheError("cache health check failed", "HEALTH_CHECK_ERROR").WithCause(err)
	}

	return nil
}

// Ping verifies connectivity to the cache backend.
func (rc *RedisCache) Ping(ctx context.Context) error {
	if rc.isClosed {
		return ErrConnectionFailed
	}

	return rc.client.Ping(ctx).Err()
}

// Flush clears the entire cache.
func (rc *RedisCache) Flush(ctx context.Context) error {
	if rc.isClosed {
		return ErrConnectionFailed
	}

	rc.logger.Warn("flushing entire cache")

	if err := rc.client.FlushAll(ctx).Err(); err != nil {
		rc.logger.Error("cache flush failed", "error", err)
		return NewCacheError("failed to flush cache", "FLUSH_ERROR").WithCause(err)
	}

	return nil
}

// Close closes the connection to Redis.
func (rc *RedisCache) Close() error {
	if rc.isClosed {
		return nil
	}

	rc.isClosed = true

	if err := rc.client.Close(); err != nil {
		rc.logger.Error("failed to close redis connection", "error", err)
		return NewCacheError("failed to close Redis connection", "CLOSE_ERROR").WithCause(err)
	}

	return nil
}

// GetClient returns the underlying Redis client for advanced operations.
func (rc *RedisCache) GetClient() *redis.Client {
	return rc.client
}

// GetStats returns cache usage statistics.
func (rc *RedisCache) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	poolStats := rc.client.PoolStats()
	stats["pool_size"] = poolStats.TotalConns
	stats["idle_conns"] = poolStats.IdleConns
	stats["stale_conns"] = poolStats.StaleConns

	info, err := rc.client.Info(ctx, "server").Result()
	if err == nil {
		stats["redis_info"] = info
	}

	stats["healthy"] = true
	if err := rc.HealthCheck(ctx); err != nil {
		stats["healthy"] = false
		stats["health_error"] = err.Error()
	}

	return stats, nil
}

// SAdd adds one or more members to a SET — used to index which clients
// currently desire a given query hash.
func (rc *RedisCache) SAdd(ctx context.Context, key string, members ...interface{}) error {
	if rc.isClosed {
		return ErrConnectionFailed
	}

	if err := rc.client.SAdd(ctx, key, members...).Err(); err != nil {
		rc.logger.Error("cache sadd failed", "key", key, "error", err)
		return NewCacheError("failed to add members to set", "SADD_ERROR").WithCause(err)
	}

	return nil
}

// SMembers returns all members of a SET.
func (rc *RedisCache) SMembers(ctx context.Context, key string) ([]string, error) {
	if rc.isClosed {
		return nil, ErrConnectionFailed
	}

	members, err := rc.client.SMembers(ctx, key).Result()
	if err != nil {
		rc.logger.Error("cache smembers failed", "key", key, "error", err)
		return nil, NewCacheError("failed to read set members", "SMEMBERS_ERROR").WithCause(err)
	}

	return members, nil
}

// SRem removes one or more members from a SET.
func (rc *RedisCache) SRem(ctx context.Context, key string, members ...interface{}) error {
	if rc.isClosed {
		return ErrConnectionFailed
	}

	if err := rc.client.SRem(ctx, key, members...).Err(); err != nil {
		rc.logger.Error("cache srem failed", "key", key, "error", err)
		return NewCacheError("failed to remove members from set", "SREM_ERROR").WithCause(err)
	}

	return nil
}

// SCard returns the cardinality of a SET.
func (rc *RedisCache) SCard(ctx context.Context, key string) (int64, error) {
	if rc.isClosed {
		return 0, ErrConnectionFailed
	}

	n, err := rc.client.SCard(ctx, key).Result()
	if err != nil {
		rc.logger.Error("cache scard failed", "key", key, "error", err)
		return 0, NewCacheError("failed to get set cardinality", "SCARD_ERROR").WithCause(err)
	}

	return n, nil
}

// WithCause attaches a cause to a CacheError.
func (e *CacheError) WithCause(cause error) *CacheError {
	e.Cause = cause
	return e
}

// NewRedisCacheFromURL builds a Redis cache from a connection URL.
func NewRedisCacheFromURL(url string, logger *slog.Logger) (*RedisCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, NewCacheError("failed to parse Redis URL", "PARSE_URL_ERROR").WithCause(err)
	}

	config := &CacheConfig{
		Addr:     opt.Addr,
		Password: opt.Password,
		DB:       opt.DB,
		PoolSize: 10,
	}

	return NewRedisCache(config, logger)
}
