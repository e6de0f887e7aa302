package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	defaultBusyTimeoutMs = 5000
	defaultRetryAttempts = 3
	defaultRetryBackoff  = 50 * time.Millisecond
)

// SQLiteBackend stores records in a single sqlite table.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (and creates) the database at path.
func OpenSQLite(path string, busyTimeoutMs int) (*SQLiteBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path required")
	}
	if busyTimeoutMs <= 0 {
		busyTimeoutMs = defaultBusyTimeoutMs
	}
	if err := os.MkdirAll(filepath.Dir(path), recordDirPerm); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path, busyTimeoutMs)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open record database: %w", err)
	}
	return initSQLite(db)
}

// OpenSQLiteInMemory opens a private in-memory database.
func OpenSQLiteInMemory() (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open record database: %w", err)
	}
	// Every pooled connection to :memory: would see a different database.
	db.SetMaxOpenConns(1)
	return initSQLite(db)
}

func initSQLite(db *sql.DB) (*SQLiteBackend, error) {
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to record database: %w", err)
	}
	backend := &SQLiteBackend{db: db}
	if err := backend.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return backend, nil
}

func (s *SQLiteBackend) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS records (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize record schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	var value string
	err := withRetry(ctx, defaultRetryAttempts, defaultRetryBackoff, func() error {
		return s.db.QueryRowContext(ctx, `SELECT value FROM records WHERE key = ?`, key).Scan(&value)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, mapClosed(fmt.Errorf("failed to read record %s: %w", key, err))
	}
	return []byte(value), nil
}

func (s *SQLiteBackend) Put(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	updatedAt := time.Now().UTC().Format(time.RFC3339Nano)
	err := withRetry(ctx, defaultRetryAttempts, defaultRetryBackoff, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO records (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, key, string(value), updatedAt)
		return err
	})
	if err != nil {
		return mapClosed(fmt.Errorf("failed to write record %s: %w", key, err))
	}
	return nil
}

// Update runs the read and the write in one transaction, retried as a
// whole when the database is busy.
func (s *SQLiteBackend) Update(ctx context.Context, key string, fn func([]byte) ([]byte, error)) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	err := withRetry(ctx, defaultRetryAttempts, defaultRetryBackoff, func() error {
		return s.transaction(ctx, func(tx *sql.Tx) error {
			var current []byte
			var value string
			err := tx.QueryRowContext(ctx, `SELECT value FROM records WHERE key = ?`, key).Scan(&value)
			switch {
			case err == nil:
				current = []byte(value)
			case errors.Is(err, sql.ErrNoRows):
			default:
				return err
			}

			next, err := fn(current)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO records (key, value, updated_at) VALUES (?, ?, ?)
				ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
			`, key, string(next), time.Now().UTC().Format(time.RFC3339Nano))
			return err
		})
	})
	if err != nil {
		return mapClosed(fmt.Errorf("failed to update record %s: %w", key, err))
	}
	return nil
}

func (s *SQLiteBackend) transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteBackend) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	err := withRetry(ctx, defaultRetryAttempts, defaultRetryBackoff, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key)
		return err
	})
	if err != nil {
		return mapClosed(fmt.Errorf("failed to delete record %s: %w", key, err))
	}
	return nil
}

func (s *SQLiteBackend) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func mapClosed(err error) error {
	if err != nil && strings.Contains(err.Error(), "sql: database is closed") {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}

func withRetry(ctx context.Context, maxAttempts int, baseBackoff time.Duration, fn func() error) error {
	attempt := 0
	backoff := baseBackoff

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := fn()
		if err == nil {
			return nil
		}

		attempt++
		if !isBusyError(err) || attempt >= maxAttempts {
			return err
		}

		if err := sleepWithContext(ctx, backoff); err != nil {
			return err
		}

		backoff *= 2
	}
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	message := strings.ToLower(err.Error())
	return strings.Contains(message, "database is locked") ||
		strings.Contains(message, "database is busy") ||
		strings.Contains(message, "sqlite_busy")
}

func sleepWithContext(ctx context.Context, duration time.Duration) error {
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
