package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/viewsyncd/viewsyncer/internal/cache"
	"github.com/viewsyncd/viewsyncer/internal/config"
	"github.com/viewsyncd/viewsyncer/internal/cvr"
	"github.com/viewsyncd/viewsyncer/internal/cvr/compactor"
	"github.com/viewsyncd/viewsyncer/internal/cvr/cvrpostgres"
	"github.com/viewsyncd/viewsyncer/internal/groupcoord"
	"github.com/viewsyncd/viewsyncer/internal/httpapi"
	"github.com/viewsyncd/viewsyncer/internal/metrics"
	"github.com/viewsyncd/viewsyncer/internal/pipeline/memdriver"
	"github.com/viewsyncd/viewsyncer/internal/resilience"
	"github.com/viewsyncd/viewsyncer/internal/viewsyncer"
	"github.com/viewsyncd/viewsyncer/pkg/logger"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the View Syncer fleet for this process's configured groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	retryPolicy := resilience.DefaultRetryPolicy()
	retryPolicy.Logger = log
	retryPolicy.OperationName = "postgres_connect"
	if err := resilience.WithRetry(ctx, retryPolicy, func() error {
		p, err := pgxpool.New(ctx, cfg.Database.DSN())
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	}); err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:            cfg.Redis.Addr,
		Password:        cfg.Redis.Password,
		DB:              cfg.Redis.DB,
		PoolSize:        cfg.Redis.PoolSize,
		MinIdleConns:    cfg.Redis.MinIdleConns,
		DialTimeout:     cfg.Redis.DialTimeout,
		ReadTimeout:     cfg.Redis.ReadTimeout,
		WriteTimeout:    cfg.Redis.WriteTimeout,
		MaxRetries:      cfg.Redis.MaxRetries,
		MinRetryBackoff: cfg.Redis.MinRetryBackoff,
		MaxRetryBackoff: cfg.Redis.MaxRetryBackoff,
	})
	defer redisClient.Close()

	lockMetrics := metrics.NewLockMetrics(cfg.Metrics.Namespace)
	cacheMetrics := metrics.NewCacheMetrics(cfg.Metrics.Namespace)
	syncerMetrics := metrics.NewViewSyncerMetrics(cfg.Metrics.Namespace)

	rowCache, err := cache.NewRedisCache(&cache.CacheConfig{
		Addr:            cfg.Redis.Addr,
		Password:        cfg.Redis.Password,
		DB:              cfg.Redis.DB,
		PoolSize:        cfg.Redis.PoolSize,
		MinIdleConns:    cfg.Redis.MinIdleConns,
		DialTimeout:     cfg.Redis.DialTimeout,
		ReadTimeout:     cfg.Redis.ReadTimeout,
		WriteTimeout:    cfg.Redis.WriteTimeout,
		MaxRetries:      cfg.Redis.MaxRetries,
		MinRetryBackoff: cfg.Redis.MinRetryBackoff,
		MaxRetryBackoff: cfg.Redis.MaxRetryBackoff,
	}, log)
	if err != nil {
		return fmt.Errorf("build redis cache: %w", err)
	}

	baseStore := cvrpostgres.New(pool, log)
	store := cvr.NewCachedStore(baseStore, rowCache, 5*time.Minute, log, cacheMetrics)

	leaseCfg := &groupcoord.LeaseConfig{
		TTL:            cfg.ViewSyncer.Lease.TTL,
		MaxRetries:     cfg.ViewSyncer.Lease.MaxRetries,
		RetryRateLimit: cfg.ViewSyncer.Lease.RetryRateLimit,
		AcquireTimeout: cfg.ViewSyncer.Lease.AcquireTimeout,
		ReleaseTimeout: cfg.ViewSyncer.Lease.ReleaseTimeout,
		ValuePrefix:    cfg.ViewSyncer.Lease.ValuePrefix,
	}
	leases := groupcoord.NewManager(redisClient, leaseCfg, log, lockMetrics)

	registry := viewsyncer.NewRegistry()

	sweeper := viewsyncer.NewIdleSweeper(baseStore, viewsyncer.IdleSweepConfig{
		Interval:  cfg.ViewSyncer.IdleSweepInterval,
		Threshold: cfg.ViewSyncer.IdleSweepThreshold,
	}, log)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	compact := compactor.New(baseStore, cfg.ViewSyncer.GroupIDs, compactor.Config{
		Enabled:            cfg.ViewSyncer.Compaction.Enabled,
		Interval:           cfg.ViewSyncer.Compaction.Interval,
		MinRowsForProposal: cfg.ViewSyncer.Compaction.MinRowsForProposal,
	}, log)
	compact.Start(ctx)
	defer compact.Stop()

	srv := httpapi.NewServer(registry, log)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	go func() {
		log.Info("http server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "error", err)
		}
	}()

	runner := newGroupRunner(store, leases, registry, syncerMetrics, cacheMetrics, cfg, log)
	runner.startAll(ctx)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown failed", "error", err)
	}

	runner.stopAll(shutdownCtx)
	if err := leases.ReleaseAll(shutdownCtx); err != nil {
		log.Error("failed to release leases during shutdown", "error", err)
	}

	return nil
}

// groupRunner owns the per-group Service instances this process currently
// runs, each gated by a groupcoord.Lease so no two processes serve the same
// group at once.
type groupRunner struct {
	store   cvr.Store
	leases  *groupcoord.Manager
	reg     *viewsyncer.Registry
	metrics *metrics.ViewSyncerMetrics
	cache   *metrics.CacheMetrics
	cfg     *config.Config
	logger  *slog.Logger
}

func newGroupRunner(store cvr.Store, leases *groupcoord.Manager, reg *viewsyncer.Registry, m *metrics.ViewSyncerMetrics, cm *metrics.CacheMetrics, cfg *config.Config, logger *slog.Logger) *groupRunner {
	return &groupRunner{store: store, leases: leases, reg: reg, metrics: m, cache: cm, cfg: cfg, logger: logger}
}

// startAll acquires a lease and starts a Service for every configured
// group. A group whose lease is already held elsewhere is logged and
// skipped rather than failing the whole process.
func (g *groupRunner) startAll(ctx context.Context) {
	for _, groupID := range g.cfg.ViewSyncer.GroupIDs {
		groupID := groupID
		if _, err := g.leases.Acquire(ctx, groupID); err != nil {
			g.logger.Warn("skipping group, lease unavailable", "group_id", groupID, "error", err)
			continue
		}

		driver, err := memdriver.New(g.cfg.ViewSyncer.RowCacheSize, g.cache)
		if err != nil {
			g.logger.Error("failed to build pipeline driver", "group_id", groupID, "error", err)
			_ = g.leases.Release(ctx, groupID)
			continue
		}

		svc, err := viewsyncer.NewService(viewsyncer.Config{
			ClientGroupID: groupID,
			Pipeline:      driver,
			Store:         g.store,
			KeepaliveMs:   time.Duration(g.cfg.ViewSyncer.KeepaliveMs) * time.Millisecond,
			Logger:        g.logger,
			Metrics:       g.metrics,
		})
		if err != nil {
			g.logger.Error("failed to build service", "group_id", groupID, "error", err)
			_ = g.leases.Release(ctx, groupID)
			continue
		}

		g.reg.Register(svc)
		go func() {
			if err := svc.Run(ctx); err != nil {
				g.logger.Error("group service stopped with error", "group_id", groupID, "error", err)
			}
			g.reg.Unregister(groupID)
		}()
	}
}

// stopAll calls Stop on every registered service and returns without
// waiting for their run loops to exit.
func (g *groupRunner) stopAll(ctx context.Context) {
	for _, groupID := range g.reg.ClientGroupIDs() {
		if svc, ok := g.reg.Get(groupID); ok {
			svc.Stop()
		}
	}
}
