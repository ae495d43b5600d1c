package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/rag-gateway/internal/api"
	"github.com/felipepmaragno/rag-gateway/internal/catalog"
	"github.com/felipepmaragno/rag-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/rag-gateway/internal/config"
	"github.com/felipepmaragno/rag-gateway/internal/notifications"
	"github.com/felipepmaragno/rag-gateway/internal/provider"
	"github.com/felipepmaragno/rag-gateway/internal/quota"
	"github.com/felipepmaragno/rag-gateway/internal/ratelimit"
	"github.com/felipepmaragno/rag-gateway/internal/secrets"
	"github.com/felipepmaragno/rag-gateway/internal/usage"
)

func buildSecrets(ctx context.Context, cfg *config.Config) (secrets.Resolver, error) {
	env := secrets.EnvResolver{}
	if cfg.SecretsBackend != "aws" {
		slog.Info("resolving credentials from environment")
		return env, nil
	}

	sm, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion, cfg.SecretsPrefix)
	if err != nil {
		return nil, fmt.Errorf("secrets manager: %w", err)
	}
	slog.Info("resolving credentials from environment and secrets manager", "prefix", cfg.SecretsPrefix)
	return secrets.Chain{env, sm}, nil
}

func buildRegistry(cfg *config.Config) (*provider.Registry, error) {
	reg := catalog.Default(catalog.Options{})

	overrides, err := config.LoadCatalog(cfg.ModelCatalog)
	if err != nil {
		return nil, err
	}
	if err := catalog.Apply(reg, overrides); err != nil {
		return nil, err
	}
	return reg, nil
}

// backends holds the stateful dependencies opened for the server.
type backends struct {
	quota    *quota.Engine
	breakers *circuitbreaker.Set
	limiter  ratelimit.Limiter
	usage    usage.Tracker
	checkers []api.HealthChecker
	closers  []func() error
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
}

func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		b.closers = append(b.closers, db.Close)
		b.checkers = append(b.checkers, api.NewDBHealthChecker("postgres", db))
	}

	var (
		store       quota.Store
		redisClient *redis.Client
		err         error
	)
	switch cfg.QuotaStore {
	case config.StoreRedis:
		var rs *quota.RedisStore
		rs, err = quota.NewRedisStore(cfg.RedisURL)
		if err == nil {
			redisClient = rs.Client()
			b.checkers = append(b.checkers, api.NewRedisHealthChecker(redisClient))
			store = rs
		}
	case config.StorePostgres:
		store, err = quota.NewPostgresStore(ctx, db)
	case config.StoreSQLite:
		var ss *quota.SQLiteStore
		ss, err = quota.NewSQLiteStore(cfg.SQLitePath)
		if err == nil {
			b.checkers = append(b.checkers, api.NewDBHealthChecker("sqlite", ss.DB()))
			store = ss
		}
	default:
		store = quota.NewInMemoryStore()
	}
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("quota store: %w", err)
	}
	slog.Info("quota store ready", "store", cfg.QuotaStore, "period_tokens", cfg.QuotaPeriodTokens, "reset_hours", cfg.QuotaResetHours)

	var dedup quota.AlertDeduplicator = quota.NewInMemoryDeduplicator()
	if redisClient != nil {
		dedup = quota.NewRedisDeduplicator(redisClient, time.Duration(cfg.QuotaResetHours)*time.Hour)
	}
	monitor := quota.NewMonitor(quota.DefaultThresholds(), dedup)
	monitor.OnAlert(quota.LogAlertHandler)
	if cfg.SNSTopicARN != "" {
		notifier, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
		if err != nil {
			store.Close()
			b.Close()
			return nil, fmt.Errorf("sns notifier: %w", err)
		}
		monitor.OnAlert(quota.NotifyHandler(notifier))
		slog.Info("quota alerts published to sns", "topic", cfg.SNSTopicARN)
	}

	if cfg.BreakerFailures > 0 {
		bc := circuitbreaker.DefaultConfig()
		bc.FailureThreshold = cfg.BreakerFailures
		bc.Timeout = cfg.BreakerTimeout
		var opts []circuitbreaker.SetOption
		if redisClient != nil {
			opts = append(opts, circuitbreaker.WithRedis(redisClient))
		}
		b.breakers = circuitbreaker.NewSet(bc, opts...)
	}

	if cfg.RateLimitRPM > 0 {
		if redisClient != nil {
			b.limiter = ratelimit.NewRedisLimiter(redisClient, cfg.RateLimitRPM)
		} else {
			b.limiter = ratelimit.NewInMemoryLimiter(cfg.RateLimitRPM)
		}
		slog.Info("rate limiting enabled", "rpm", cfg.RateLimitRPM)
	}

	b.quota = quota.NewEngine(store, cfg.QuotaPeriodTokens, cfg.QuotaResetHours, quota.WithMonitor(monitor))
	b.closers = append(b.closers, b.quota.Close)

	if db != nil {
		tracker, err := usage.NewPostgresTracker(ctx, db)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("usage tracker: %w", err)
		}
		b.usage = tracker
	} else {
		b.usage = usage.NewInMemoryTrackerWithLimit(cfg.UsageMaxRecords)
	}

	return b, nil
}
