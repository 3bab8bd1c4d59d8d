package db

import (
	"context"
	"errors"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// slowQuery is the duration after which a query is logged as slow.
const slowQuery = 200 * time.Millisecond

// NewDatabase initializes a new GORM database connection and runs auto-migrations.
func NewDatabase(dsn string, log *zap.SugaredLogger) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: newGormLogger(log, logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// between the poll workers and API handlers.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	log.Infow("Running database migrations", "dsn", dsn)
	err = db.AutoMigrate(
		&User{},
		&Server{},
		&ProvisioningLog{},
	)
	if err != nil {
		return nil, err
	}

	log.Info("Database connection established and migrations completed.")
	return db, nil
}

// gormLogger sends GORM's query log to zap. Missing records are expected
// lookups and never logged as errors.
type gormLogger struct {
	log   *zap.SugaredLogger
	level logger.LogLevel
}

func newGormLogger(log *zap.SugaredLogger, level logger.LogLevel) logger.Interface {
	return gormLogger{log: log.With("component", "gorm"), level: level}
}

func (l gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	l.level = level
	return l
}

func (l gormLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Info {
		l.log.Infof(msg, args...)
	}
}

func (l gormLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Warn {
		l.log.Warnf(msg, args...)
	}
}

func (l gormLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Error {
		l.log.Errorf(msg, args...)
	}
}

func (l gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && l.level >= logger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		l.log.Errorw("Query failed", "sql", sql, "rows", rows, "elapsed", elapsed, "error", err)
	case elapsed > slowQuery && l.level >= logger.Warn:
		sql, rows := fc()
		l.log.Warnw("Slow query", "sql", sql, "rows", rows, "elapsed", elapsed)
	case l.level >= logger.Info:
		sql, rows := fc()
		l.log.Debugw("Query", "sql", sql, "rows", rows, "elapsed", elapsed)
	}
}
