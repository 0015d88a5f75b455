// Package app wires configuration, storage, and components into a runnable
// server process.
package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/apimeter/apimeter/internal/billing"
	"github.com/apimeter/apimeter/internal/config"
	"github.com/apimeter/apimeter/internal/credential"
	"github.com/apimeter/apimeter/internal/db"
	"github.com/apimeter/apimeter/internal/kv"
	"github.com/apimeter/apimeter/internal/ratelimit"
	"github.com/apimeter/apimeter/internal/server"
	"github.com/apimeter/apimeter/internal/usage"
)

// Migrate opens the database and runs migrations.
func Migrate(cfg *config.Config) error {
	conn, err := db.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	return db.Migrate(conn)
}

// RunServer boots the gateway: relational store, expiring KV store,
// credential resolver, admission control, usage recorder, billing, and the
// HTTP front. It blocks until ctx is canceled.
func RunServer(ctx context.Context, cfg *config.Config) error {
	conn, err := db.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	var store kv.Store
	if cfg.Redis.Addr != "" {
		redisStore, errRedis := kv.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if errRedis != nil {
			return errRedis
		}
		defer func() { _ = redisStore.Close() }()
		store = redisStore
		log.Infof("using redis kv store at %s", cfg.Redis.Addr)
	} else {
		store = kv.NewMemory()
		log.Warn("no redis configured, using in-process kv store (single node only)")
	}

	policy, errPolicy := ratelimit.ParsePolicy(cfg.RateLimit.FailPolicy)
	if errPolicy != nil {
		return errPolicy
	}

	resolver := credential.NewResolver(conn, store)
	limiter := ratelimit.NewLimiter(resolver, store, policy)

	recorder := usage.NewRecorder(conn, resolver, cfg.Usage.QueueSize, cfg.Usage.Workers)
	recorder.Start()
	defer recorder.Close()

	usage.NewRetentionCleaner(conn, cfg.Usage.RetentionDays).Start(ctx)

	aggregator := billing.NewAggregator(conn)
	if cfg.Billing.CronSpec != "" {
		scheduler := billing.NewScheduler(conn, aggregator, cfg.Billing.CronSpec)
		if errStart := scheduler.Start(); errStart != nil {
			return errStart
		}
		defer scheduler.Stop()
	}

	srv := server.New(cfg, conn, resolver, limiter, recorder, aggregator)
	if errRun := srv.Run(ctx); errRun != nil {
		return fmt.Errorf("app: server: %w", errRun)
	}
	return nil
}
