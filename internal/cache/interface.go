package cache

import (
	"context"
	"time"
)

// Cache defines the interface used for CVR snapshot caching (cvr.CachedStore).
type Cache interface {
	// Get fetches a value by key and unmarshals it into dest.
	Get(ctx context.Context, key string, dest interface{}) error

	// Set stores a value with the given TTL.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Delete removes a value by key.
	Delete(ctx context.Context, key string) error

	// Exists reports whether a key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// TTL returns the remaining time-to-live for a key.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Expire sets a TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// HealthCheck verifies the cache backend is reachable.
	HealthCheck(ctx context.Context) error

	// Ping verifies connectivity to the cache backend.
	Ping(ctx context.Context) error

	// Flush clears the entire cache.
	Flush(ctx context.Context) error

	// --- Redis SET operations (membership sets) ---

	// SAdd adds one or more members to a SET.
	SAdd(ctx context.Context, key string, members ...interface{}) error

	// SMembers returns all members of a SET.
	SMembers(ctx context.Context, key string) ([]string, error)

	// SRem removes one or more members from a SET.
	SRem(ctx context.Context, key string, members ...interface{}) error

	// SCard returns the cardinality of a SET.
	SCard(ctx context.Context, key string) (int64, error)
}

// CacheStats holds cache usage statistics.
type CacheStats struct {
	Hits        int64
	Misses      int64
	Sets        int64
	Deletes     int64
	Errors      int64
	Connections int
	Uptime      time.Duration
}

// CacheConfig configures a Redis-backed Cache.
type CacheConfig struct {
	// Redis connection settings
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// Pool settings
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxConnAge   time.Duration `mapstructure:"max_conn_age"`

	// Timeout settings
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// Retry settings
	MaxRetries      int           `mapstructure:"max_retries"`
	MinRetryBackoff time.Duration `mapstructure:"min_retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff"`

	// Circuit breaker settings
	CircuitBreakerEnabled bool          `mapstructure:"circuit_breaker_enabled"`
	CircuitBreakerTimeout time.Duration `mapstructure:"circuit_breaker_timeout"`

	// Monitoring
	MetricsEnabled bool `mapstructure:"metrics_enabled"`
}

// Validate checks that the configuration is sane.
func (c *CacheConfig) Validate() error {
	if c.Addr == "" {
		return ErrInvalidConfig
	}
	if c.PoolSize <= 0 {
		return ErrInvalidConfig
	}
	if c.DialTimeout <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// ErrNotFound is returned when a key is absent from the cache.
var ErrNotFound = NewCacheError("key not found", "NOT_FOUND")

// ErrInvalidConfig is returned for an invalid configuration.
var ErrInvalidConfig = NewCacheError("invalid cache configuration", "CONFIG_ERROR")

// ErrConnectionFailed is returned on connectivity failures.
var ErrConnectionFailed = NewCacheError("connection failed", "CONNECTION_ERROR")

// CacheError represents a cache-layer error.
type CacheError struct {
	Message string
	Code    string
	Cause   error
}

func (e *CacheError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *CacheError) Unwrap() error {
	return e.Cause
}

// NewCacheError builds a new CacheError.
func NewCacheError(message, code string) *CacheError {
	return &CacheError{
		Message: message,
		Code:    code,
	}
}

// IsNotFound reports whether err is a "not found" cache error.
func IsNotFound(err error) bool {
	if cacheErr, ok := err.(*CacheError); ok {
		return cacheErr.Code == "NOT_FOUND"
	}
	return false
}

// IsConnectionError reports whether err is a connection-failure cache error.
func IsConnectionError(err error) bool {
	if cacheErr, ok := err.(*CacheError); ok {
		return cacheErr.Code == "CONNECTION_ERROR"
	}
	return false
}
