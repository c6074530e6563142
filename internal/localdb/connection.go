// Package localdb provides the optional MySQL-backed shipment audit log
// described in SPEC_FULL.md §3.1: a durable history of every shipment
// attempt, distinct from state.Store's per-call progress tracking. It
// reuses the same MySQL instance as the CDR/CEL source when one is
// configured, adapted from the teacher's internal/db/connection.go pool +
// health-check + retrying-transaction pattern.
package localdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/hamzaKhattat/asterisk-call-agent/pkg/errors"
	"github.com/hamzaKhattat/asterisk-call-agent/pkg/logger"
)

type Config struct {
	Driver          string
	Host            string
	Port            int
	Username        string
	Password        string
	Database        string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	RetryAttempts   int
	RetryDelay      time.Duration
}

// DB wraps *sql.DB with a background health flag and retrying transactions.
type DB struct {
	*sql.DB
	cfg    Config
	mu     sync.RWMutex
	health bool
	stop   chan struct{}
}

// Open connects to MySQL with retry, configures the connection pool, and
// starts a background health checker. Unlike the teacher's package-level
// singleton (Initialize/GetDB/sync.Once), this agent may run with or
// without an audit log enabled, so Open returns an instance the caller
// owns rather than installing a global.
func Open(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true&interpolateParams=true",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	var db *sql.DB
	var err error

	for i := 0; i <= cfg.RetryAttempts; i++ {
		db, err = sql.Open(cfg.Driver, dsn)
		if err == nil {
			err = db.Ping()
			if err == nil {
				break
			}
		}

		if i < cfg.RetryAttempts {
			logger.WithField("attempt", i+1).WithError(err).Warn("shipment audit log connection failed, retrying")
			time.Sleep(cfg.RetryDelay * time.Duration(i+1))
		}
	}

	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabase, "failed to connect to shipment audit log database")
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	wrapper := &DB{
		DB:     db,
		cfg:    cfg,
		health: true,
		stop:   make(chan struct{}),
	}

	go wrapper.healthCheck()

	logger.Info("shipment audit log database connection established")
	return wrapper, nil
}

func (db *DB) healthCheck() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-db.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := db.PingContext(ctx)
			cancel()

			db.mu.Lock()
			oldHealth := db.health
			db.health = err == nil
			db.mu.Unlock()

			if oldHealth != db.health {
				if db.health {
					logger.Info("shipment audit log database connection recovered")
				} else {
					logger.WithError(err).Error("shipment audit log database connection lost")
				}
			}
		}
	}
}

func (db *DB) IsHealthy() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.health
}

// Close stops the health checker and closes the pool.
func (db *DB) Close() error {
	close(db.stop)
	return db.DB.Close()
}

// Transaction retries the given function on a retryable error, the same
// classification the teacher's connection.go uses.
func (db *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	var err error
	for i := 0; i <= db.cfg.RetryAttempts; i++ {
		err = db.transaction(ctx, fn)
		if err == nil {
			return nil
		}

		if !isRetryableError(err) {
			return err
		}

		if i < db.cfg.RetryAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(db.cfg.RetryDelay * time.Duration(i+1)):
				logger.WithField("attempt", i+1).WithError(err).Warn("shipment audit log transaction failed, retrying")
			}
		}
	}

	return errors.Wrap(err, errors.ErrDatabase, "transaction failed after retries")
}

func (db *DB) transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	retryableErrors := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"deadlock",
		"try restarting transaction",
	}

	for _, e := range retryableErrors {
		if strings.Contains(errStr, e) {
			return true
		}
	}
	return false
}
