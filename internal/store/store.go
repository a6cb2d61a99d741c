// Package store is the record store client: typed collections on top of gorm
// with conditional writes, paginated reads and a transactional change log
// that feeds the CDC stream.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gigboard/project/internal/contracts"
	"github.com/gigboard/project/internal/platform/dbpool"
	"github.com/gigboard/project/internal/platform/retry"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/nats-io/nuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrConditionFailed = errors.New("conditional check failed")
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Store struct {
	DB         *gorm.DB
	Now        func() time.Time
	NewEventID func() string
	Retry      retry.Policy

	closers []func()
}

func New(db *gorm.DB) *Store {
	policy := retry.Default
	policy.Retryable = Transient
	return &Store{
		DB:         db,
		Now:        func() time.Time { return time.Now().UTC() },
		NewEventID: nuid.Next,
		Retry:      policy,
	}
}

// Transient reports whether err is worth retrying. Conditional failures and
// missing records are final answers from the store.
func Transient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrConditionFailed), errors.Is(err, ErrNotFound), errors.Is(err, gorm.ErrDuplicatedKey):
		return false
	}
	return true
}

// Open selects the backend by driver name.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case DriverPostgres, "":
		return OpenPostgres(ctx, dsn)
	case DriverSQLite:
		return OpenSQLite(dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}

// OpenPostgres bridges the shared pgx pool into gorm.
func OpenPostgres(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := dbpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	sqlDB := stdlib.OpenDBFromPool(pool)
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), gormConfig())
	if err != nil {
		_ = sqlDB.Close()
		pool.Close()
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}
	s := New(db)
	s.closers = append(s.closers, func() { _ = sqlDB.Close() }, pool.Close)
	return s, nil
}

// OpenSQLite is used by tests and single-node local runs. A single connection
// keeps ":memory:" databases shared and serializes writers.
func OpenSQLite(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("open gorm sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	s := New(db)
	s.closers = append(s.closers, func() { _ = sqlDB.Close() })
	return s, nil
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		TranslateError: true,
		Logger: logger.New(log.New(os.Stderr, "", log.LstdFlags), logger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	}
}

// EnsureSchema creates tables and secondary indexes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.DB.WithContext(ctx).AutoMigrate(
		&contracts.Task{},
		&contracts.Transaction{},
		&contracts.Profile{},
		&contracts.Card{},
		&contracts.Notification{},
		&ChangeRecord{},
	)
}

// WaitReady pings and migrates until both succeed or timeout passes.
func (s *Store) WaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = s.Ping(attemptCtx)
		if lastErr == nil {
			lastErr = s.EnsureSchema(attemptCtx)
		}
		cancel()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("waiting for store readiness: %v", lastErr)
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// Tables groups the collections used across the services.
type Tables struct {
	Tasks         *Table[contracts.Task]
	Transactions  *Table[contracts.Transaction]
	Profiles      *Table[contracts.Profile]
	Cards         *Table[contracts.Card]
	Notifications *Table[contracts.Notification]
	Changes       *ChangeLog
}

func (s *Store) Tables() Tables {
	return Tables{
		Tasks:         NewTable[contracts.Task](s, contracts.CollectionTask, true),
		Transactions:  NewTable[contracts.Transaction](s, contracts.CollectionTransaction, true),
		Profiles:      NewTable[contracts.Profile](s, contracts.CollectionProfile, true),
		Cards:         NewTable[contracts.Card](s, "card", false),
		Notifications: NewTable[contracts.Notification](s, "notification", false),
		Changes:       &ChangeLog{s: s},
	}
}

var _ Collection[contracts.Transaction] = (*Table[contracts.Transaction])(nil)
