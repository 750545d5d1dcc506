// Package store persists events and derived state in a single-file
// embedded SQLite database. All writes serialize through a single writer
// mutex; reads run concurrently on the connection pool.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	// Pure-Go SQLite driver.
	_ "modernc.org/sqlite"
)

// Sentinel errors for persistence failures.
var (
	// ErrStoreFull indicates the byte budget is exceeded and reclamation
	// yielded no space.
	ErrStoreFull = errors.New("store full")
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("store closed")
)

// driverName is the database/sql driver registered by modernc.org/sqlite.
const driverName = "sqlite"

// dsnOptions enables WAL and a busy timeout so concurrent readers do not
// fail while the writer holds the lock.
const dsnOptions = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

// Options configures a Store.
type Options struct {
	// Path is the database file location.
	Path string

	// MaxBytes bounds the database file size. Zero disables the budget.
	MaxBytes int64

	// Logger is the structured logger. Nil uses slog.Default.
	Logger *slog.Logger
}

// Store owns the embedded database. Safe for concurrent use.
type Store struct {
	db       *sql.DB
	path     string
	maxBytes int64
	log      *slog.Logger

	// writeMu serializes all writes: SQLite allows a single writer, and
	// serializing in-process avoids SQLITE_BUSY churn under load.
	writeMu sync.Mutex

	closed   atomic.Bool
	degraded atomic.Bool
}

// Open opens (creating if needed) the database at opts.Path and applies
// any pending migrations.
func Open(opts Options) (*Store, error) {
	db, err := sql.Open(driverName, opts.Path+dsnOptions)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	st := &Store{
		db:       db,
		path:     opts.Path,
		maxBytes: opts.MaxBytes,
		log:      logger,
	}

	migrateErr := st.migrate()
	if migrateErr != nil {
		closeErr := db.Close()

		return nil, errors.Join(fmt.Errorf("apply migrations: %w", migrateErr), closeErr)
	}

	return st, nil
}

// Close releases the database handle. Further calls fail with ErrClosed.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	err := s.db.Close()
	if err != nil {
		return fmt.Errorf("close database: %w", err)
	}

	return nil
}

// Degraded reports whether a previous write failed in a way that left the
// store in degraded mode.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

// markDegraded latches degraded mode; the engine escalates when appends
// keep failing.
func (s *Store) markDegraded() {
	s.degraded.Store(true)
}

// clearDegraded resets degraded mode after a successful write.
func (s *Store) clearDegraded() {
	s.degraded.Store(false)
}

// fileSize returns the current size of the database file in bytes.
func (s *Store) fileSize() int64 {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0
	}

	return info.Size()
}

// overBudget reports whether the configured byte budget is exhausted.
func (s *Store) overBudget() bool {
	return s.maxBytes > 0 && s.fileSize() >= s.maxBytes
}
