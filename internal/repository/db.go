package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

var (
	// ErrStateChanged means a compare-and-set update found the row in a
	// different state than the caller observed.
	ErrStateChanged = errors.New("row changed concurrently")
	ErrDuplicate    = errors.New("duplicate key")
)

// DB wraps *sql.DB so the repositories can write SQLite-style "?"
// placeholders against either driver.
type DB struct {
	*sql.DB
	driver string
}

// InitDB opens the database for driver and ensures all required tables
// exist. For SQLite pass ":memory:" for an in-memory database.
func InitDB(driver, dsn string) (*DB, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db := &DB{DB: sqlDB, driver: driver}

	if driver == DriverSQLite {
		// One connection serialises writers and keeps ":memory:" a single
		// database.
		sqlDB.SetMaxOpenConns(1)
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
		} {
			if _, err := sqlDB.Exec(pragma); err != nil {
				sqlDB.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	} else {
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := createTables(db); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return db, nil
}

func (db *DB) Driver() string { return db.driver }

// Rebind rewrites "?" placeholders to "$n" for Postgres.
func (db *DB) Rebind(query string) string {
	return rebind(db.driver, query)
}

func rebind(driver, query string) string {
	if driver != DriverPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.DB.ExecContext(ctx, db.Rebind(query), args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.DB.QueryContext(ctx, db.Rebind(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.DB.QueryRowContext(ctx, db.Rebind(query), args...)
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{Tx: tx, driver: db.driver}, nil
}

type Tx struct {
	*sql.Tx
	driver string
}

func (tx *Tx) PrepareContext(ctx context.Context, query string) (*sql.Stmt, error) {
	return tx.Tx.PrepareContext(ctx, rebind(tx.driver, query))
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.Tx.ExecContext(ctx, rebind(tx.driver, query), args...)
}

func createTables(db *DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			external_id TEXT UNIQUE,
			reference_id TEXT,
			product_ref TEXT NOT NULL DEFAULT '',
			amount TEXT NOT NULL,
			original_amount TEXT,
			discount_percent TEXT,
			coupon_code TEXT,
			customer_name TEXT NOT NULL DEFAULT '',
			customer_email TEXT,
			customer_phone TEXT NOT NULL DEFAULT '',
			customer_address TEXT,
			customer_city TEXT,
			customer_country TEXT,
			customer_ip TEXT,
			user_agent TEXT,
			device TEXT,
			browser TEXT,
			payment_method TEXT NOT NULL DEFAULT '',
			payment_status TEXT NOT NULL,
			status TEXT NOT NULL,
			gateway_name TEXT,
			gateway_reference TEXT,
			fee TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			lease_until TEXT,
			processed_at TEXT,
			created_at TEXT NOT NULL,
			delivered_at TEXT,
			notes TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_created_at ON transactions(created_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_payment_status ON transactions(payment_status)`,

		`CREATE TABLE IF NOT EXISTS products (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			price TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			sales_count INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS charge_attempts (
			id TEXT PRIMARY KEY,
			external_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			method TEXT NOT NULL,
			gross TEXT NOT NULL,
			fee TEXT NOT NULL,
			net TEXT NOT NULL,
			provider_ref TEXT,
			outcome TEXT NOT NULL,
			error_code TEXT,
			attempted_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_charge_attempts_external_id ON charge_attempts(external_id)`,

		`CREATE TABLE IF NOT EXISTS review_items (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			transaction_id TEXT,
			external_id TEXT,
			severity TEXT NOT NULL,
			description TEXT NOT NULL,
			detected_at TEXT NOT NULL,
			resolved_at TEXT,
			resolved_by TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_review_items_kind ON review_items(kind)`,
		`CREATE INDEX IF NOT EXISTS idx_review_items_detected_at ON review_items(detected_at)`,
	}

	for _, stmt := range stmts {
		if _, err := db.DB.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}

	return nil
}

// Timestamps are stored as fixed-width UTC text so that string order is
// time order, which the keyset scan relies on.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

var parseLayouts = []string{
	timeLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

func parseNullableTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
