package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"greenhouse/go-iot-stack/internal/model"
)

// Supported dialects.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	// ErrUnavailable wraps every failure of the underlying database.
	ErrUnavailable = errors.New("store unavailable")
	// ErrDeviceNotRegistered is returned when a cursor write targets an unknown device.
	ErrDeviceNotRegistered = errors.New("device not registered")

	errNotInitialized = fmt.Errorf("%w: store not initialized", ErrUnavailable)
)

// Store wraps the relational database holding the command log, device
// registrations and readings.
type Store struct {
	db      *sql.DB
	dialect string
}

// Open initializes the database connection for driver ("sqlite" or "postgres").
// For sqlite, dsn is a file path and missing directories are created.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite, "":
		return openSQLite(dsn)
	case DriverPostgres:
		return openPostgres(dsn)
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}

func openSQLite(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	if path != ":memory:" {
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	return &Store{db: db, dialect: DriverSQLite}, nil
}

func openPostgres(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db, dialect: DriverPostgres}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errNotInitialized
	}
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Dialect returns the configured SQL dialect.
func (s *Store) Dialect() string {
	return s.dialect
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	if s.db == nil {
		return errNotInitialized
	}

	stmts := sqliteSchema
	if s.dialect == DriverPostgres {
		stmts = postgresSchema
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// InsertIngestionError records a payload that failed decoding or validation.
func (s *Store) InsertIngestionError(ctx context.Context, e model.IngestionError) error {
	if s.db == nil {
		return errNotInitialized
	}

	_, err := s.exec(ctx,
		`INSERT INTO ingestion_errors (source, payload, error, created_at) VALUES (?, ?, ?, ?);`,
		e.Source,
		e.Payload,
		e.Error,
		model.FormatTime(time.Now()),
	)
	if err != nil {
		return unavailable("insert ingestion error", err)
	}
	return nil
}

// RecentIngestionErrors returns the newest rejected payloads first.
func (s *Store) RecentIngestionErrors(ctx context.Context, limit int) ([]model.IngestionError, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}

	rows, err := s.query(ctx,
		`SELECT id, COALESCE(source, ''), COALESCE(payload, ''), error, created_at
		 FROM ingestion_errors ORDER BY id DESC LIMIT ?;`,
		limit,
	)
	if err != nil {
		return nil, unavailable("query ingestion errors", err)
	}
	defer rows.Close()

	out := make([]model.IngestionError, 0)
	for rows.Next() {
		var (
			e  model.IngestionError
			at string
		)
		if err := rows.Scan(&e.ID, &e.Source, &e.Payload, &e.Error, &at); err != nil {
			return nil, fmt.Errorf("scan ingestion error: %w", err)
		}
		if e.CreatedAt, err = parseStoredTime(at); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate ingestion errors", err)
	}
	return out, nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// rebind rewrites ? placeholders into $n for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != DriverPostgres || !strings.Contains(query, "?") {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func parseStoredTime(s string) (time.Time, error) {
	ts, err := model.ParseTime(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("stored timestamp: %w", err)
	}
	return ts, nil
}
