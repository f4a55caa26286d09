// Package groupcoord provides the cross-process and in-process coordination
// primitives that let a fleet of View Syncer processes partition client
// groups: a Redis-backed Lease decides which process owns a given group, and
// the fair in-process Mutex (mutex.go) serializes that process's own access
// to the group's CVR.
package groupcoord

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/viewsyncd/viewsyncer/internal/metrics"
)

// Lease is a Redis-backed, TTL-bounded ownership token for one clientGroupID.
// A process must hold a group's Lease before running that group's View
// Syncer service. The lease lapses after its TTL unless Extend renews it;
// nothing in this package renews it automatically.
type Lease struct {
	redis    *redis.Client
	key      string
	value    string
	ttl      time.Duration
	logger   *slog.Logger
	metrics  *metrics.LockMetrics
	limiter  *rate.Limiter
	acquired bool
}

// LeaseConfig configures lease acquisition and renewal.
type LeaseConfig struct {
	TTL            time.Duration `mapstructure:"ttl" default:"30s"`
	MaxRetries     int           `mapstructure:"max_retries" default:"3"`
	RetryRateLimit float64       `mapstructure:"retry_rate_limit" default:"10"` // acquire attempts/sec ceiling
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" default:"5s"`
	ReleaseTimeout time.Duration `mapstructure:"release_timeout" default:"2s"`
	ValuePrefix    string        `mapstructure:"value_prefix" default:"viewsyncer-lease"`
}

func defaultLeaseConfig() *LeaseConfig {
	return &LeaseConfig{
		TTL:            30 * time.Second,
		MaxRetries:     3,
		RetryRateLimit: 10,
		AcquireTimeout: 5 * time.Second,
		ReleaseTimeout: 2 * time.Second,
		ValuePrefix:    "viewsyncer-lease",
	}
}

func leaseKey(clientGroupID string) string {
	return fmt.Sprintf("viewsyncer:lease:%s", clientGroupID)
}

// NewLease builds a Lease for the given client group. metrics may be nil.
func NewLease(redisClient *redis.Client, clientGroupID string, cfg *LeaseConfig, logger *slog.Logger, m *metrics.LockMetrics) *Lease {
	if cfg == nil {
		cfg = defaultLeaseConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	value := generateLeaseValue(cfg.ValuePrefix)

	// RetryRateLimit attempts/sec with a burst of one lets a single caller's
	// AcquireWithRetry loop back off steadily without a hand-rolled jitter sleep.
	limiter := rate.NewLimiter(rate.Limit(cfg.RetryRateLimit), 1)

	return &Lease{
		redis:   redisClient,
		key:     leaseKey(clientGroupID),
		value:   value,
		ttl:     cfg.TTL,
		logger:  logger.With("component", "groupcoord.lease", "group_id", clientGroupID),
		metrics: m,
		limiter: limiter,
	}
}

func generateLeaseValue(prefix string) string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(buf))
}

// Acquire attempts a single, non-retrying lease acquisition.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	return l.AcquireWithRetry(ctx, 0)
}

// AcquireWithRetry attempts to acquire the lease, retrying up to maxRetries
// times with the configured rate limiter governing the retry cadence.
func (l *Lease) AcquireWithRetry(ctx context.Context, maxRetries int) (bool, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}

	l.logger.Debug("acquiring lease", "key", l.key, "ttl", l.ttl)

	for attempt := 0; attempt <= maxRetries; attempt++ {
		start := time.Now()
		acquireCtx, cancel := context.WithTimeout(ctx, l.ttl)
		ok, err := l.redis.SetNX(acquireCtx, l.key, l.value, l.ttl).Result()
		cancel()

		if err != nil {
			l.recordAcquire("error")
			if attempt == maxRetries {
				return false, fmt.Errorf("acquire lease after %d attempts: %w", maxRetries+1, err)
			}
			if waitErr := l.limiter.Wait(ctx); waitErr != nil {
				return false, waitErr
			}
			continue
		}

		if ok {
			l.acquired = true
			l.recordAcquire("acquired")
			if l.metrics != nil {
				l.metrics.AcquireLatency.Observe(time.Since(start).Seconds())
				l.metrics.HeldGauge.Inc()
			}
			l.logger.Info("lease acquired", "key", l.key, "ttl", l.ttl)
			return true, nil
		}

		l.recordAcquire("contended")
		if attempt == maxRetries {
			return false, nil
		}
		if waitErr := l.limiter.Wait(ctx); waitErr != nil {
			return false, waitErr
		}
	}

	return false, nil
}

func (l *Lease) recordAcquire(outcome string) {
	if l.metrics != nil {
		l.metrics.AcquireTotal.WithLabelValues(outcome).Inc()
	}
}

// releaseScript deletes the key only if its value still matches ours, so a
// process can never release a lease that expired and was re-acquired by
// someone else.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Release gives up the lease if still held by this instance.
func (l *Lease) Release(ctx context.Context) error {
	if !l.acquired {
		l.logger.Warn("release called without an acquired lease", "key", l.key)
		return nil
	}

	releaseCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	result, err := l.redis.Eval(releaseCtx, releaseScript, []string{l.key}, l.value).Result()
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}

	l.acquired = false
	if l.metrics != nil {
		l.metrics.HeldGauge.Dec()
	}

	if n, _ := result.(int64); n == 1 {
		l.logger.Info("lease released", "key", l.key)
	} else {
		l.logger.Warn("lease already expired or held elsewhere", "key", l.key)
	}
	return nil
}

// extendScript refreshes TTL only if the value still matches ours.
const extendScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("expire", KEYS[1], ARGV[2])
else
	return 0
end
`

// Extend renews the lease's TTL. Callers run this on a ticker; failure means
// the lease has been lost to another process and the owning group's service
// must stop (Fatal, per the error taxonomy).
func (l *Lease) Extend(ctx context.Context, newTTL time.Duration) error {
	if !l.acquired {
		return fmt.Errorf("cannot extend a lease that was not acquired")
	}

	extendCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	result, err := l.redis.Eval(extendCtx, extendScript, []string{l.key}, l.value, int(newTTL.Seconds())).Result()
	if err != nil {
		if l.metrics != nil {
			l.metrics.ExtendTotal.WithLabelValues("error").Inc()
		}
		return fmt.Errorf("extend lease: %w", err)
	}

	if n, _ := result.(int64); n == 1 {
		l.ttl = newTTL
		if l.metrics != nil {
			l.metrics.ExtendTotal.WithLabelValues("extended").Inc()
		}
		return nil
	}

	l.acquired = false
	if l.metrics != nil {
		l.metrics.ExtendTotal.WithLabelValues("lost").Inc()
		l.metrics.HeldGauge.Dec()
	}
	return fmt.Errorf("lease lost: held by another process or expired")
}

func (l *Lease) IsAcquired() bool        { return l.acquired }
func (l *Lease) Key() string             { return l.key }
func (l *Lease) Value() string           { return l.value }
func (l *Lease) TTL() time.Duration      { return l.ttl }

// Manager tracks the leases a process currently holds across client groups,
// so a process-wide shutdown can release every group it owns.
type Manager struct {
	redis   *redis.Client
	cfg     *LeaseConfig
	logger  *slog.Logger
	metrics *metrics.LockMetrics
	leases  map[string]*Lease
}

// NewManager builds a lease Manager. metrics may be nil.
func NewManager(redisClient *redis.Client, cfg *LeaseConfig, logger *slog.Logger, m *metrics.LockMetrics) *Manager {
	if cfg == nil {
		cfg = defaultLeaseConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		redis:   redisClient,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		leases:  make(map[string]*Lease),
	}
}

// Acquire acquires and tracks a lease for clientGroupID.
func (m *Manager) Acquire(ctx context.Context, clientGroupID string) (*Lease, error) {
	lease := NewLease(m.redis, clientGroupID, m.cfg, m.logger, m.metrics)

	ok, err := lease.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("group %s is owned by another process", clientGroupID)
	}

	m.leases[clientGroupID] = lease
	return lease, nil
}

// Release releases and untracks the lease for clientGroupID.
func (m *Manager) Release(ctx context.Context, clientGroupID string) error {
	lease, ok := m.leases[clientGroupID]
	if !ok {
		return nil
	}
	if err := lease.Release(ctx); err != nil {
		return err
	}
	delete(m.leases, clientGroupID)
	return nil
}

// ReleaseAll releases every lease this manager holds, for process shutdown.
func (m *Manager) ReleaseAll(ctx context.Context) error {
	var lastErr error
	for groupID, lease := range m.leases {
		if err := lease.Release(ctx); err != nil {
			m.logger.Error("failed to release lease during shutdown", "group_id", groupID, "error", err)
			lastErr = err
		}
	}
	m.leases = make(map[string]*Lease)
	return lastErr
}

// Get returns the lease held for clientGroupID, if any.
func (m *Manager) Get(clientGroupID string) (*Lease, bool) {
	lease, ok := m.leases[clientGroupID]
	return lease, ok
}

// Owned lists the client group IDs this process currently holds leases for.
func (m *Manager) Owned() []string {
	ids := make([]string, 0, len(m.leases))
	for id := range m.leases {
		ids = append(ids, id)
	}
	return ids
}
