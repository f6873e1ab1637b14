package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// dataDirName is the per-source directory holding the analysis database.
const dataDirName = ".cratedig"

// openRetryDelay is the pause before the single reopen attempt when a
// database fails to open, typically because another process holds a lock
// mid-checkpoint.
const openRetryDelay = 50 * time.Millisecond

// Store manages analysis-job persistence for one source root.
type Store struct {
	db   *sql.DB
	path string
	root string
}

// DBPath returns the database location for a source root.
func DBPath(root string) string {
	return filepath.Join(root, dataDirName, "analysis.db")
}

// Open initializes or connects to the analysis database for a source root.
func Open(root string) (*Store, error) {
	dbPath := DBPath(root)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("ensure data directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath, root: root}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// OpenWithRetry opens the store, retrying once after a short delay. Used on
// paths where a transient lock during open must not fail a job.
func OpenWithRetry(root string) (*Store, error) {
	store, err := Open(root)
	if err == nil {
		return store, nil
	}
	time.Sleep(openRetryDelay)
	store, retryErr := Open(root)
	if retryErr != nil {
		return nil, fmt.Errorf("open after retry: %w", errors.Join(err, retryErr))
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Root returns the source root this store serves.
func (s *Store) Root() string {
	if s == nil {
		return ""
	}
	return s.root
}

// Path returns the database file location.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// withImmediate runs fn on a dedicated connection inside a BEGIN IMMEDIATE
// transaction, so the write lock is taken up front instead of at the first
// write. fn must issue its statements through the provided connection.
func (s *Store) withImmediate(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("begin immediate: %w", err)
	}
	if err := fn(conn); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableFloat(value *float64) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableInt(value *int) any {
	if value == nil {
		return nil
	}
	return *value
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
