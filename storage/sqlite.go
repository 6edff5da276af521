package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite holds the database connections. WAL mode supports unlimited
// concurrent readers plus a single writer, so reads and writes run on
// separate pools: the write pool is pinned to one connection, the read
// pool fans out.
type SQLite struct {
	WriteDB *sql.DB
	ReadDB  *sql.DB
	Path    string
	Logger  *zap.SugaredLogger

	busyRetries int
	busyBackoff time.Duration
}

// Option tunes a SQLite instance at construction.
type Option func(*SQLite)

// WithBusyRetry sets how write statements behave under SQLITE_BUSY:
// retries attempts with backoff between them, on top of the driver's
// busy_timeout.
func WithBusyRetry(retries int, backoff time.Duration) Option {
	return func(s *SQLite) {
		s.busyRetries = retries
		s.busyBackoff = backoff
	}
}

func configureConnection(db *sql.DB, dbPath string) error {
	// Connection-string pragmas are unreliable with this driver; set
	// them explicitly.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	// In-memory databases report "memory", not "wal".
	if dbPath != ":memory:" && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled (got %q)", journalMode)
	}
	return nil
}

// NewSQLite opens the database, configures both pools and runs the
// schema migration.
func NewSQLite(dbPath string, logger *zap.SugaredLogger, opts ...Option) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Each sql.Open(":memory:") would otherwise create its own empty
	// database; shared cache makes both pools see the same one.
	actualPath := dbPath
	if dbPath == ":memory:" {
		actualPath = "file::memory:?cache=shared"
	}

	writeDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite write database: %w", err)
	}
	if err := configureConnection(writeDB, dbPath); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to configure write connection: %w", err)
	}
	// Single writer, as WAL requires.
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)
	writeDB.SetConnMaxIdleTime(10 * time.Minute)

	readDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to open SQLite read database: %w", err)
	}
	if err := configureConnection(readDB, dbPath); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to configure read connection: %w", err)
	}
	if _, err := readDB.Exec("PRAGMA query_only=ON"); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to enable query_only mode on read pool: %w", err)
	}
	readDB.SetMaxOpenConns(10)
	readDB.SetMaxIdleConns(5)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	readDB.SetConnMaxIdleTime(10 * time.Minute)

	s := &SQLite{
		WriteDB:     writeDB,
		ReadDB:      readDB,
		Path:        dbPath,
		Logger:      logger,
		busyRetries: 3,
		busyBackoff: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.createTables(); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Infow("SQLite database initialized", "path", dbPath)
	return s, nil
}

// Close closes both pools.
func (s *SQLite) Close() error {
	rErr := s.ReadDB.Close()
	wErr := s.WriteDB.Close()
	if wErr != nil {
		return wErr
	}
	return rErr
}

// WithTransaction executes fn in a write transaction, rolling back on
// error or panic.
func (s *SQLite) WithTransaction(fn func(*sql.Tx) error) error {
	tx, err := s.WriteDB.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("failed to rollback transaction (original error: %w, rollback error: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// execWrite runs a write statement with busy retry on top of the
// driver-level busy timeout.
func (s *SQLite) execWrite(query string, args ...any) (sql.Result, error) {
	var res sql.Result
	var err error
	for attempt := 0; ; attempt++ {
		res, err = s.WriteDB.Exec(query, args...)
		if err == nil || !isBusy(err) || attempt >= s.busyRetries {
			return res, err
		}
		s.Logger.Warnw("SQLite busy, retrying write", "attempt", attempt+1, "error", err)
		time.Sleep(s.busyBackoff * time.Duration(attempt+1))
	}
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// Time columns are stored as fixed-width RFC3339 text in UTC. The
// fractional part is always 9 digits so lexicographic order on the
// column equals chronological order, which the event cursor relies on.
const timeColumnLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeColumnLayout)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored timestamp %q: %w", value, err)
	}
	return t.UTC(), nil
}
