package metadatastore

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Driver selects which SQL dialect a Store dials.
type Driver string

const (
	SQLite   Driver = "sqlite"
	MySQL    Driver = "mysql"
	Postgres Driver = "postgres"
)

// Store is a pooled connection to the relational metadata database, with
// Run/Transaction/Begin as the only ways application code touches
// *gorm.DB: every unit of work goes through one of the three so that
// context propagation and (for Transaction) commit/rollback discipline
// live in one place.
type Store struct {
	db *gorm.DB
}

// Open dials driver at dsn and runs AutoMigrate against every model this
// package defines.
func Open(driver Driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case SQLite:
		dialector = sqlite.Open(dsn)
	case MySQL:
		dialector = mysql.Open(dsn)
	case Postgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, errors.Errorf("unknown metadata store driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s metadata store", driver)
	}
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, errors.Wrap(err, "migrating metadata store schema")
	}
	return &Store{db: db}, nil
}

// Run executes f against the store's *gorm.DB, scoped to ctx, outside of
// any transaction. Use this for read-only queries and single-row writes
// that don't need atomicity with anything else.
func (s *Store) Run(ctx context.Context, f func(*gorm.DB) error) error {
	return f(s.db.WithContext(ctx))
}

// Transaction executes f inside a database transaction scoped to ctx,
// committing if f returns nil and rolling back otherwise.
func (s *Store) Transaction(ctx context.Context, f func(*gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(f)
}

// Begin opens a transaction scoped to ctx and returns the live handle
// uncommitted. Unlike Transaction, the caller controls commit/rollback
// directly; use this only when a unit of work must stay open across
// non-SQL steps (the publish coordinator's index append and blob write)
// that Transaction's automatic commit-on-return can't straddle.
func (s *Store) Begin(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Begin()
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "accessing underlying sql.DB")
	}
	return errors.Wrap(sqlDB.Close(), "closing metadata store")
}
