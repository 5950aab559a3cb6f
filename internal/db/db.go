package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
	_ "github.com/tursodatabase/libsql-client-go/libsql"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "postgres"
)

// Conn is the shared store handle. It is built once at startup and passed to every repo.
type Conn struct {
	SQL     *sql.DB
	Dialect string
}

func (c *Conn) Goqu() *goqu.Database {
	return goqu.New(c.Dialect, c.SQL)
}

func (c *Conn) Close() error {
	return c.SQL.Close()
}

// Open picks a driver from the DSN: postgres:// URLs use pgx, libsql:// URLs use the Turso
// client, anything else is treated as a local SQLite file path.
func Open(ctx context.Context, dsn string) (*Conn, error) {
	driver, dialect, source := driverFor(dsn)

	sqlDB, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == DialectSQLite {
		// single writer; concurrent writers on one file only produce SQLITE_BUSY
		sqlDB.SetMaxOpenConns(1)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Debug().Str("driver", driver).Msg("database connection successful")

	conn := &Conn{SQL: sqlDB, Dialect: dialect}
	if err := migrate(ctx, conn); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info().Str("driver", driver).Msg("migrations completed successfully")

	return conn, nil
}

func driverFor(dsn string) (driver, dialect, source string) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "pgx", DialectPostgres, dsn
	case strings.HasPrefix(dsn, "libsql://"), strings.HasPrefix(dsn, "wss://"):
		return "libsql", DialectSQLite, dsn
	default:
		return "sqlite", DialectSQLite, formatDBPath(dsn)
	}
}

func formatDBPath(path string) string {
	path = strings.TrimPrefix(path, "file:")
	if path == "" {
		path = "qrlinked.db"
	}

	// Add pragmas for better performance and safety
	// See: https://pkg.go.dev/modernc.org/sqlite#pkg-overview
	params := url.Values{}
	params.Set("mode", "rwc")
	params.Set("_time_format", "sqlite")
	params.Set("_pragma", "foreign_keys(1)")
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "synchronous(NORMAL)")
	params.Add("_pragma", "busy_timeout(5000)")

	return "file:" + path + "?" + params.Encode()
}

// IsUniqueViolation reports whether err came from a UNIQUE or PRIMARY KEY constraint.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}

	// libsql reports constraint failures as plain text
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func migrate(ctx context.Context, conn *Conn) error {
	// Portable between SQLite and Postgres: ids are uuid strings and timestamps are
	// RFC 3339 text, so no AUTOINCREMENT/SERIAL or dialect-specific types are needed.
	statements := []string{
		`CREATE TABLE IF NOT EXISTS links (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			slug TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			design TEXT NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]',
			current_target_id TEXT,
			archived_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS targets (
			id TEXT PRIMARY KEY,
			link_id TEXT NOT NULL REFERENCES links(id),
			version INTEGER NOT NULL,
			url TEXT NOT NULL,
			utm TEXT,
			created_at TEXT NOT NULL,
			UNIQUE (link_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS scans (
			id TEXT PRIMARY KEY,
			link_id TEXT NOT NULL REFERENCES links(id),
			target_id TEXT NOT NULL REFERENCES targets(id),
			target_version INTEGER NOT NULL,
			scanned_at TEXT NOT NULL,
			ip_address TEXT,
			user_agent TEXT,
			device TEXT,
			os TEXT,
			browser TEXT,
			country TEXT,
			region TEXT,
			city TEXT,
			lat REAL,
			lon REAL,
			language TEXT,
			referer TEXT,
			utm TEXT,
			is_prefetch INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_links_owner_id ON links(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_targets_link_id ON targets(link_id)`,
		`CREATE INDEX IF NOT EXISTS idx_scans_link_id ON scans(link_id)`,
		`CREATE INDEX IF NOT EXISTS idx_scans_scanned_at ON scans(scanned_at)`,
	}

	for _, stmt := range statements {
		if _, err := conn.SQL.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
