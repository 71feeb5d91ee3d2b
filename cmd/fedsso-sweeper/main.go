package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/fedsso/pkg/audit"
	"github.com/platinummonkey/fedsso/pkg/config"
	"github.com/platinummonkey/fedsso/pkg/observability"
	"github.com/platinummonkey/fedsso/pkg/sso"
	"github.com/platinummonkey/fedsso/pkg/storage/postgres"
)

var (
	sessionSchedule = flag.String("session-schedule", "*/15 * * * *", "Cron schedule for the expired-session sweep")
	replaySchedule  = flag.String("replay-schedule", "0 * * * *", "Cron schedule for purging consumed assertion ids past their window")
	certSchedule    = flag.String("cert-schedule", "0 */6 * * *", "Cron schedule for certificate expiry checks")
	runOnce         = flag.Bool("run-once", false, "Run every sweep once and exit")
	leaseTTL        = flag.Duration("lease-ttl", 10*time.Minute, "Redis lease duration; sweeps are skipped while another instance holds the lease")
)

const leaseKey = "fedsso:sweeper:lease"

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	connMgr, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
		PrimaryURL: cfg.Storage.PostgresURL,
		MaxConns:   cfg.Storage.PostgresMaxConns,
		MinConns:   cfg.Storage.PostgresMinConns,
		Timeout:    cfg.Storage.PostgresTimeout,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("failed to connect to database")
		os.Exit(1)
	}
	defer connMgr.Close()
	db := connMgr.Primary()

	var redisClient *postgres.RedisClient
	if cfg.Storage.RedisURL != "" {
		redisClient, err = postgres.NewRedisClient(cfg.Storage)
		if err != nil {
			logger.WithError(err).Error("failed to connect to redis")
			os.Exit(1)
		}
		defer redisClient.Close()
	}

	security, err := audit.NewDBLogger(db)
	if err != nil {
		logger.WithError(err).Error("failed to initialize audit log")
		os.Exit(1)
	}

	configs := sso.NewConfigStore(db)
	guard := sso.NewReplayGuard(db)
	sessions := sso.NewSessionManager(db, configs, sso.NewMappingStore(db), guard, sso.NewProvisioner(db, nil), security, logger)
	monitor := sso.NewHealthMonitor(configs, security, logger)

	sweeper := &sweeper{
		instanceID: uuid.NewString(),
		guard:      guard,
		sessions:   sessions,
		monitor:    monitor,
		redis:      redisClient,
		logger:     logger,
	}

	if *runOnce {
		ctx := context.Background()
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return sweeper.sweepSessions(gctx) })
		g.Go(func() error { return sweeper.purgeReplayRecords(gctx) })
		g.Go(func() error { return sweeper.checkCertificates(gctx) })
		if err := g.Wait(); err != nil {
			logger.WithError(err).Error("run-once sweep failed")
			os.Exit(1)
		}
		return
	}

	c := cron.New()

	if _, err := c.AddFunc(*sessionSchedule, sweeper.withLease("session sweep", sweeper.sweepSessions)); err != nil {
		logger.WithError(err).Error("failed to schedule session sweep")
		os.Exit(1)
	}
	if _, err := c.AddFunc(*replaySchedule, sweeper.withLease("replay purge", sweeper.purgeReplayRecords)); err != nil {
		logger.WithError(err).Error("failed to schedule replay purge")
		os.Exit(1)
	}
	if _, err := c.AddFunc(*certSchedule, sweeper.withLease("certificate check", sweeper.checkCertificates)); err != nil {
		logger.WithError(err).Error("failed to schedule certificate check")
		os.Exit(1)
	}

	c.Start()
	logger.WithFields(map[string]interface{}{
		"session_schedule": *sessionSchedule,
		"replay_schedule":  *replaySchedule,
		"cert_schedule":    *certSchedule,
	}).Info("fedsso sweeper started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	<-c.Stop().Done()
}

type sweeper struct {
	instanceID string
	guard      *sso.ReplayGuard
	sessions   *sso.SessionManager
	monitor    *sso.HealthMonitor
	redis      *postgres.RedisClient
	logger     *observability.Logger
}

// withLease wraps a sweep so only one instance runs it at a time.
// Without Redis the lease is skipped and the sweep always runs.
func (s *sweeper) withLease(name string, sweep func(ctx context.Context) error) func() {
	return func() {
		defer observability.RecoverPanic(s.logger, name)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		if s.redis != nil {
			acquired, err := s.redis.AcquireLease(ctx, leaseKey, s.instanceID, *leaseTTL)
			if err != nil {
				s.logger.WithError(err).Warn("lease acquisition failed, skipping sweep")
				return
			}
			if !acquired {
				s.logger.Debug("another instance holds the sweep lease")
				return
			}
			defer func() {
				if err := s.redis.ReleaseLease(ctx, leaseKey, s.instanceID); err != nil {
					s.logger.WithError(err).Warn("failed to release sweep lease")
				}
			}()
		}

		if err := sweep(ctx); err != nil {
			s.logger.WithError(err).WithField("sweep", name).Error("sweep failed")
		}
	}
}

func (s *sweeper) sweepSessions(ctx context.Context) error {
	removed, err := s.sessions.ExpireSweep(ctx)
	if err != nil {
		return fmt.Errorf("session sweep: %w", err)
	}
	if removed > 0 {
		s.logger.WithField("expired", removed).Info("swept expired sessions")
	}
	return nil
}

func (s *sweeper) purgeReplayRecords(ctx context.Context) error {
	purged, err := s.guard.PurgeExpired(ctx)
	if err != nil {
		return fmt.Errorf("replay record purge: %w", err)
	}
	if purged > 0 {
		s.logger.WithField("purged", purged).Info("purged consumed assertion records")
	}
	return nil
}

func (s *sweeper) checkCertificates(ctx context.Context) error {
	report, err := s.monitor.EvaluateCertificates(ctx)
	if err != nil {
		return fmt.Errorf("certificate check: %w", err)
	}
	if report.Expiring > 0 || report.Expired > 0 {
		s.logger.WithFields(map[string]interface{}{
			"checked":  report.Checked,
			"expiring": report.Expiring,
			"expired":  report.Expired,
		}).Warn("certificate issues detected")
	}
	return nil
}
