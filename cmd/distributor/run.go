package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relay-distribution/internal/ao"
	"relay-distribution/internal/archive"
	"relay-distribution/internal/cluster"
	"relay-distribution/internal/config"
	"relay-distribution/internal/distribution"
	"relay-distribution/internal/geo"
	"relay-distribution/internal/jobs"
	"relay-distribution/internal/ledger"
	"relay-distribution/internal/logger"
	"relay-distribution/internal/metrics"
	"relay-distribution/internal/registry"
	"relay-distribution/internal/relays"
	"relay-distribution/internal/scheduler"
	"relay-distribution/internal/scoring"
	"relay-distribution/internal/signer"
	"relay-distribution/internal/tui"
	"relay-distribution/internal/uptime"

	dbpkg "relay-distribution/internal/db"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
	"gorm.io/gorm"
)

const (
	logFileName          = "distributor.log"
	distributionQueue    = "distribution-queue"
	tasksQueue           = "tasks-queue"
	tuiBufferSize        = 256
	campaignInterval     = 15 * time.Second
	scheduleRefreshEvery = time.Second
)

func run(c *cli.Context) error {
	// .env is optional; the environment is used as-is otherwise
	if envFile := c.String("env-file"); envFile != "" {
		if _, statErr := os.Stat(envFile); statErr == nil {
			_ = godotenv.Load(envFile)
		}
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return xerrors.Errorf("load config: %w", err)
	}
	if c.Bool("debug") {
		cfg.Debug = true
	}
	withTUI := c.Bool("tui")

	// the dashboard owns the terminal, logs go to a file
	var logWriter io.Writer = os.Stderr
	if withTUI {
		logFile, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return xerrors.Errorf("open log file: %w", err)
		}
		defer logFile.Close()
		logWriter = logFile
	}
	var log zerolog.Logger
	if cfg.LogFormat == "json" {
		log = logger.NewJSON(cfg.Debug, logWriter)
	} else {
		log = logger.NewWithWriter(cfg.Debug, logWriter)
	}
	log.Info().Str("config", cfg.DebugString()).Msg("relay distributor starting")

	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gormDB, err := dbpkg.Open(ctx, cfg, log)
	if err != nil {
		return xerrors.Errorf("connect database: %w", err)
	}
	if gormDB != nil {
		defer dbpkg.Close(gormDB)
		if err := dbpkg.AutoMigrate(gormDB); err != nil {
			return xerrors.Errorf("run migrations: %w", err)
		}
		log.Info().Msg("database connected, migrations applied")
	} else {
		log.Warn().Msg("DATABASE_URL not provided, rounds and uptime kept in memory")
	}

	locator, err := geo.NewLocator(cfg.GeoIPDatabasePath, config.GeoResolution, logger.Component(log, "geo"))
	if err != nil {
		log.Error().Err(err).Msg("failed opening geo-ip database, locations unknown")
		locator, _ = geo.NewLocator("", config.GeoResolution, logger.Component(log, "geo"))
	}
	defer locator.Close()

	rewardsSigner := loadSigner(log, "relay rewards", cfg.RelayRewardsControllerKey)
	bundlerSigner := loadSigner(log, "bundler", cfg.BundlerControllerKey)

	aoClient := ao.NewClient(cfg.AOMessengerURL, cfg.AOComputeURL, rewardsSigner)
	gateway := ledger.NewGateway(aoClient, cfg.RelayRewardsProcessID, cfg.IsLive, logger.Component(log, "ledger"))
	publisher := archive.NewPublisher(cfg.BundlerNode, bundlerSigner, logger.Component(log, "archive"))

	engine := scoring.NewEngine(
		relays.NewFetcher(cfg.DetailsURI, cfg.DetailsAuth, logger.Component(log, "relays")),
		registry.NewClient(aoClient, cfg.OperatorRegistryProcessID, logger.Component(log, "registry")),
		locator,
		uptime.NewTracker(uptimeStore(gormDB), cfg.MaxDailyTicks(), config.UptimeTickRatio, config.UptimeWriteBatch, logger.Component(log, "uptime")),
		logger.Component(log, "scoring"),
	)

	jobDefaults := jobs.Options{Attempts: cfg.JobAttempts, Backoff: cfg.JobBackoff, Timeout: cfg.JobTimeout}
	distQueue := jobs.NewQueue(distributionQueue, jobs.Config{
		Defaults:    jobDefaults,
		KeepFailed:  config.KeepFailedJobs,
		Concurrency: cfg.JobConcurrency,
	}, logger.Component(log, "jobs"))
	defer distQueue.Close()
	taskQueue := jobs.NewQueue(tasksQueue, jobs.Config{
		Defaults:    jobDefaults,
		KeepFailed:  config.KeepFailedJobs,
		Concurrency: 1,
	}, logger.Component(log, "jobs"))
	defer taskQueue.Close()

	var dashboard *tui.Dashboard
	deps := distribution.Deps{
		Engine:    engine,
		Gateway:   gateway,
		Publisher: publisher,
		Flows:     distQueue,
		Rounds:    roundStore(gormDB),
	}
	if withTUI {
		dashboard = tui.NewDashboard(tuiBufferSize)
		deps.Observer = dashboard
	}
	service := distribution.NewService(distribution.Config{
		Live:      cfg.IsLive,
		BatchSize: config.ScoresPerBatch,
	}, deps, logger.Component(log, "distribution"))

	if _, err := service.RestoreLastRound(ctx); err != nil {
		log.Warn().Err(err).Msg("failed restoring last round")
	}

	state, closeState, err := schedulerState(gormDB, cfg.StatePath)
	if err != nil {
		return err
	}
	defer closeState()

	g, gctx := errgroup.WithContext(ctx)

	var leader scheduler.Leader
	var campaign func(ctx context.Context, elected func(ctx context.Context)) error
	switch cfg.LeaderMode {
	case config.LeaderModePostgres:
		lock, err := cluster.NewAdvisoryLock(gormDB, cfg.LeaderLockKey, logger.Component(log, "cluster"))
		if err != nil {
			return xerrors.Errorf("leader election: %w", err)
		}
		leader = lock
		campaign = func(ctx context.Context, elected func(ctx context.Context)) error {
			return lock.Campaign(ctx, campaignInterval, elected)
		}
	default:
		static := cluster.NewStatic(cfg.IsLeader)
		leader = static
		campaign = func(ctx context.Context, elected func(ctx context.Context)) error {
			if static.IsLeader() {
				elected(ctx)
			}
			return nil
		}
	}

	sched := scheduler.New(scheduler.Config{
		MinRoundLength: cfg.MinRoundLength,
		DoClean:        cfg.DoClean,
	}, taskQueue, distQueue, leader, state, logger.Component(log, "scheduler"))

	g.Go(func() error { return metrics.Serve(gctx, cfg.MetricsAddr, logger.Component(log, "metrics")) })
	g.Go(func() error { return distQueue.Run(gctx, service.Process) })
	g.Go(func() error { return taskQueue.Run(gctx, sched.Process) })
	g.Go(func() error {
		if err := locator.Watch(gctx); err != nil {
			log.Warn().Err(err).Msg("geo-ip database watch stopped")
		}
		return nil
	})
	g.Go(func() error {
		return campaign(gctx, func(ctx context.Context) {
			if err := sched.Bootstrap(ctx); err != nil {
				log.Error().Err(err).Msg("failed bootstrapping scheduler")
			}
		})
	})

	if dashboard != nil {
		go func() {
			if err := tui.Run(dashboard.Updates()); err != nil {
				log.Error().Err(err).Msg("TUI error")
			}
			// TUI exited, shut down
			cancel()
		}()
		g.Go(func() error {
			ticker := time.NewTicker(scheduleRefreshEvery)
			defer ticker.Stop()
			for {
				dashboard.ScheduleUpdated(tui.ScheduleInfo{
					Leader:    leader.IsLeader(),
					Live:      cfg.IsLive,
					LastRunAt: sched.LastRunAt(),
					NextCheck: sched.NextCheck(),
				})
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}

	err = g.Wait()
	log.Info().Msg("shutting down")
	if dashboard != nil {
		dashboard.Close()
	}
	for _, q := range []*jobs.Queue{distQueue, taskQueue} {
		if failed := q.Failed(); len(failed) > 0 {
			log.Warn().Str("queue", q.Name()).Int("failed", len(failed)).Msg("failed jobs retained at shutdown")
		}
	}
	return err
}

func loadSigner(log zerolog.Logger, name, key string) *signer.Signer {
	if key == "" {
		log.Error().Str("signer", name).Msg("missing controller key")
		return nil
	}
	s, err := signer.FromHex(key)
	if err != nil {
		log.Error().Err(err).Str("signer", name).Msg("invalid controller key")
		return nil
	}
	log.Info().Str("signer", name).Str("address", s.Address().Hex()).Msg("bootstrapped controller")
	return s
}

func uptimeStore(db *gorm.DB) uptime.Store {
	if db == nil {
		return uptime.NewMemoryStore()
	}
	return uptime.NewGormStore(db)
}

func roundStore(db *gorm.DB) distribution.RoundStore {
	if db == nil {
		return distribution.NewMemoryRoundStore()
	}
	return distribution.NewGormRoundStore(db)
}

// schedulerState prefers the database so every instance shares the round
// cadence; the bolt file and memory only serve single-instance setups.
func schedulerState(db *gorm.DB, path string) (scheduler.StateStore, func(), error) {
	if db != nil {
		return scheduler.NewGormState(db, scheduler.DefaultStateName), func() {}, nil
	}
	if path == "" {
		return &scheduler.MemoryState{}, func() {}, nil
	}
	state, err := scheduler.OpenBoltState(path)
	if err != nil {
		return nil, nil, xerrors.Errorf("open scheduler state: %w", err)
	}
	return state, func() { _ = state.Close() }, nil
}
