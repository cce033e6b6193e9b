package db

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Database is the storage surface the rest of the app depends on. Queries
// are written with $N placeholders and args in placeholder order.
type Database interface {
	QueryFirst(ctx context.Context, query string, args ...any) *sql.Row
	QueryAll(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	EnsureSchema(ctx context.Context) error
	Ping(ctx context.Context) error
	Dialect() Dialect
	Close() error
}

type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

var placeholderPattern = regexp.MustCompile(`\$\d+`)

type sqlDatabase struct {
	db      *sql.DB
	dialect Dialect
	rebind  func(string) string

	schemaMu    sync.Mutex
	schemaReady bool
}

// NewPostgres wraps an already opened pgx-backed *sql.DB.
func NewPostgres(database *sql.DB) Database {
	return &sqlDatabase{
		db:      database,
		dialect: DialectPostgres,
		rebind:  func(query string) string { return query },
	}
}

// NewSQLite wraps an already opened modernc-backed *sql.DB.
func NewSQLite(database *sql.DB) Database {
	return &sqlDatabase{
		db:      database,
		dialect: DialectSQLite,
		rebind: func(query string) string {
			return placeholderPattern.ReplaceAllString(query, "?")
		},
	}
}

// Open picks the backend from the URL scheme and applies pool settings.
func Open(ctx context.Context, databaseURL string, pool PoolConfig) (Database, error) {
	dialect, dsn, err := ParseURL(databaseURL)
	if err != nil {
		return nil, err
	}

	switch dialect {
	case DialectPostgres:
		database, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if pool.MaxOpenConns > 0 {
			database.SetMaxOpenConns(pool.MaxOpenConns)
		}
		if pool.MaxIdleConns > 0 {
			database.SetMaxIdleConns(pool.MaxIdleConns)
		}
		if pool.ConnMaxLifetime > 0 {
			database.SetConnMaxLifetime(pool.ConnMaxLifetime)
		}
		if pool.ConnMaxIdleTime > 0 {
			database.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
		}
		if err := database.PingContext(ctx); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return NewPostgres(database), nil

	default:
		database, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// SQLite serializes writers, and every :memory: connection is a
		// separate database.
		database.SetMaxOpenConns(1)
		if _, err := database.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("configure sqlite: %w", err)
		}
		return NewSQLite(database), nil
	}
}

// ParseURL maps a DATABASE_URL to a dialect and driver DSN.
func ParseURL(databaseURL string) (Dialect, string, error) {
	value := strings.TrimSpace(databaseURL)
	switch {
	case value == "":
		return "", "", fmt.Errorf("empty database url")
	case strings.HasPrefix(value, "postgres://"), strings.HasPrefix(value, "postgresql://"):
		return DialectPostgres, value, nil
	case value == ":memory:":
		return DialectSQLite, value, nil
	case strings.HasPrefix(value, "sqlite://"):
		return DialectSQLite, strings.TrimPrefix(value, "sqlite://"), nil
	case strings.HasPrefix(value, "sqlite:"):
		return DialectSQLite, strings.TrimPrefix(value, "sqlite:"), nil
	case strings.HasPrefix(value, "file:"):
		return DialectSQLite, value, nil
	default:
		return "", "", fmt.Errorf("unsupported database url scheme")
	}
}

func (d *sqlDatabase) QueryFirst(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, d.rebind(query), args...)
}

func (d *sqlDatabase) QueryAll(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, d.rebind(query), args...)
}

func (d *sqlDatabase) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, d.rebind(query), args...)
}

func (d *sqlDatabase) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *sqlDatabase) Dialect() Dialect {
	return d.dialect
}

func (d *sqlDatabase) Close() error {
	return d.db.Close()
}

// EnsureSchema applies pending migrations once per process. A failed
// attempt leaves the flag unset so the next caller retries.
func (d *sqlDatabase) EnsureSchema(ctx context.Context) error {
	d.schemaMu.Lock()
	defer d.schemaMu.Unlock()

	if d.schemaReady {
		return nil
	}
	if err := RunMigrations(ctx, d.db, d.dialect); err != nil {
		return err
	}
	d.schemaReady = true
	return nil
}
