package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete view syncer configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	ViewSyncer ViewSyncerConfig `mapstructure:"view_syncer"`
}

// ServerConfig holds the operational HTTP surface settings.
type ServerConfig struct {
	Port                    int           `mapstructure:"port"`
	Host                    string        `mapstructure:"host"`
	ReadTimeout             time.Duration `mapstructure:"read_timeout"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout"`
	IdleTimeout             time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
}

// DatabaseConfig holds the Postgres CVR store settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int32         `mapstructure:"max_connections"`
	MinConnections  int32         `mapstructure:"min_connections"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

// DSN builds a libpq connection string from the configuration.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.Username, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

// RedisConfig holds the group-coordination lease and CVR snapshot cache settings.
type RedisConfig struct {
	Addr            string        `mapstructure:"addr"`
	Password        string        `mapstructure:"password"`
	DB              int           `mapstructure:"db"`
	PoolSize        int           `mapstructure:"pool_size"`
	MinIdleConns    int           `mapstructure:"min_idle_conns"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	MinRetryBackoff time.Duration `mapstructure:"min_retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff"`
}

// LogConfig configures the slog + lumberjack logging pipeline.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig configures the Prometheus metrics surface.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

// ViewSyncerConfig holds the view syncer's domain-specific tuning knobs.
type ViewSyncerConfig struct {
	KeepaliveMs        int64    `mapstructure:"keepalive_ms"`
	CursorPageSize     int      `mapstructure:"cursor_page_size"`
	HydrationBatchSize int      `mapstructure:"hydration_batch_size"`
	RowCacheSize       int      `mapstructure:"row_cache_size"`
	GroupIDs           []string `mapstructure:"group_ids"`
	IdleSweepInterval  time.Duration `mapstructure:"idle_sweep_interval"`
	IdleSweepThreshold time.Duration `mapstructure:"idle_sweep_threshold"`

	Lease      ViewSyncerLeaseConfig `mapstructure:"lease"`
	Compaction CompactionConfig      `mapstructure:"compaction"`
}

// CompactionConfig tunes the optional snapshot-compaction proposal job.
type CompactionConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Interval           time.Duration `mapstructure:"interval"`
	MinRowsForProposal int           `mapstructure:"min_rows_for_proposal"`
}

// ViewSyncerLeaseConfig holds the Redis group-lease tuning knobs.
type ViewSyncerLeaseConfig struct {
	TTL            time.Duration `mapstructure:"ttl"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryRateLimit float64       `mapstructure:"retry_rate_limit"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	ReleaseTimeout time.Duration `mapstructure:"release_timeout"`
	ValuePrefix    string        `mapstructure:"value_prefix"`
}

// Load reads configuration from an optional YAML file, environment
// variables (VIEWSYNCER_ prefixed), and built-in defaults, in that order
// of increasing precedence for env vars over file values.
func Load(configPath string) (*Config, error) {
	setDefaults()

	viper.SetEnvPrefix("viewsyncer")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		viper.SetConfigFile(configPath)
		viper.SetConfigType("yaml")

		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.graceful_shutdown_timeout", "30s")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.database", "viewsyncer")
	viper.SetDefault("database.username", "viewsyncer")
	viper.SetDefault("database.password", "viewsyncer")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_connections", 25)
	viper.SetDefault("database.min_connections", 5)
	viper.SetDefault("database.max_conn_lifetime", "1h")
	viper.SetDefault("database.max_conn_idle_time", "30m")
	viper.SetDefault("database.connect_timeout", "10s")

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.min_idle_conns", 5)
	viper.SetDefault("redis.dial_timeout", "5s")
	viper.SetDefault("redis.read_timeout", "3s")
	viper.SetDefault("redis.write_timeout", "3s")
	viper.SetDefault("redis.max_retries", 3)
	viper.SetDefault("redis.min_retry_backoff", "100ms")
	viper.SetDefault("redis.max_retry_backoff", "500ms")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("metrics.namespace", "viewsyncer")

	viper.SetDefault("view_syncer.keepalive_ms", 30000)
	viper.SetDefault("view_syncer.cursor_page_size", 10000)
	viper.SetDefault("view_syncer.hydration_batch_size", 1000)
	viper.SetDefault("view_syncer.row_cache_size", 10000)
	viper.SetDefault("view_syncer.idle_sweep_interval", "5m")
	viper.SetDefault("view_syncer.idle_sweep_threshold", "24h")

	viper.SetDefault("view_syncer.compaction.enabled", false)
	viper.SetDefault("view_syncer.compaction.interval", "1h")
	viper.SetDefault("view_syncer.compaction.min_rows_for_proposal", 1000)

	viper.SetDefault("view_syncer.lease.ttl", "30s")
	viper.SetDefault("view_syncer.lease.max_retries", 5)
	viper.SetDefault("view_syncer.lease.retry_rate_limit", 4.0)
	viper.SetDefault("view_syncer.lease.acquire_timeout", "5s")
	viper.SetDefault("view_syncer.lease.release_timeout", "2s")
	viper.SetDefault("view_syncer.lease.value_prefix", "lease")
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database host cannot be empty")
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database name cannot be empty")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr cannot be empty")
	}
	if c.ViewSyncer.CursorPageSize <= 0 {
		return fmt.Errorf("view_syncer.cursor_page_size must be positive")
	}
	if c.ViewSyncer.KeepaliveMs <= 0 {
		return fmt.Errorf("view_syncer.keepalive_ms must be positive")
	}
	return nil
}
