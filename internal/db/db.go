// Package db provides database connection and migration functionality.
package db

import (
	"context"
	stdlog "log"
	"time"

	"relay-distribution/internal/config"
	"relay-distribution/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	slowQueryThreshold = 2 * time.Second
	pingTimeout        = 10 * time.Second
	maxOpenConns       = 10
	maxIdleConns       = 2
	connMaxLifetime    = 30 * time.Minute
)

// Open connects to the configured database and checks it is reachable.
// It returns a nil handle when no database is configured.
func Open(ctx context.Context, cfg config.Config, log zerolog.Logger) (*gorm.DB, error) {
	if cfg.DBDialect == "" || cfg.DBDsn == "" {
		return nil, nil
	}

	// slow queries and errors only, written through the service logger
	gormLogger := logger.New(
		stdlog.New(log.With().Str("component", "gorm").Logger(), "", 0),
		logger.Config{
			SlowThreshold:             slowQueryThreshold,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	var dialector gorm.Dialector
	switch cfg.DBDialect {
	case config.DatabaseSchemePostgres:
		dialector = postgres.Open(cfg.DBDsn)
	default:
		return nil, xerrors.Errorf("unsupported DB_DIALECT: %s", cfg.DBDialect)
	}

	gormDB, err := gorm.Open(dialector, &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, xerrors.Errorf("open %s: %w", cfg.DBDialect, err)
	}

	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, xerrors.Errorf("connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, xerrors.Errorf("ping %s: %w", cfg.DBDialect, err)
	}
	return gormDB, nil
}

// AutoMigrate creates or updates the uptime, round and scheduler tables.
func AutoMigrate(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	if err := db.AutoMigrate(
		&models.UptimeTick{},
		&models.UptimeStreak{},
		&models.Round{},
		&models.SchedulerState{},
	); err != nil {
		return xerrors.Errorf("auto migrate: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
