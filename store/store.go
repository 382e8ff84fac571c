// Package store is the persistent layer: skills, sessions, scheduled
// tasks, run logs and preferences in one SQLite database, with dated
// backups.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// backupRetention is how long dated backups are kept.
const backupRetention = 30 * 24 * time.Hour

// Store wraps the SQLite database. sql.DB handles pooling; multi-step
// operations run in transactions.
type Store struct {
	db        *sql.DB
	backupDir string
	logger    *zap.Logger
	stop      chan struct{}
	done      chan struct{}
}

// Open opens or creates the database at path, creating parent
// directories as needed.
func Open(path, backupDir string, logger *zap.Logger) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return newStore(db, backupDir, logger)
}

// OpenInMemory creates an in-memory database for tests.
func OpenInMemory() (*Store, error) {
	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open in-memory database: %w", err)
	}
	// In-memory databases vanish per connection; keep exactly one.
	db.SetMaxOpenConns(1)
	return newStore(db, "", zap.NewNop())
}

func newStore(db *sql.DB, backupDir string, logger *zap.Logger) (*Store, error) {
	s := &Store{
		db:        db,
		backupDir: backupDir,
		logger:    logger.Named("store"),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// Close stops maintenance and closes the database.
func (s *Store) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	return s.db.Close()
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS skills (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			version TEXT NOT NULL DEFAULT '',
			author TEXT NOT NULL DEFAULT '',
			command TEXT NOT NULL,
			parameters TEXT NOT NULL DEFAULT '[]',
			knowledge TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			use_count INTEGER NOT NULL DEFAULT 0,
			last_used_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_skills_name
		ON skills(lower(name));

		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS session_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			turn_id TEXT NOT NULL DEFAULT '',
			position INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			has_image INTEGER NOT NULL DEFAULT 0,
			token_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_session_messages_session
		ON session_messages(session_id, position);

		CREATE INDEX IF NOT EXISTS idx_session_messages_turn
		ON session_messages(session_id, turn_id);

		CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			cron_expression TEXT NOT NULL,
			command TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			run_count INTEGER NOT NULL DEFAULT 0,
			success_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0,
			last_run_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS task_run_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id INTEGER NOT NULL,
			started_at INTEGER NOT NULL,
			ended_at INTEGER NOT NULL,
			status TEXT NOT NULL,
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL,
			FOREIGN KEY (task_id) REFERENCES scheduled_tasks(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_task_run_logs_task
		ON task_run_logs(task_id, started_at DESC);

		CREATE TABLE IF NOT EXISTS user_preferences (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			value_type TEXT NOT NULL DEFAULT 'string',
			updated_at INTEGER NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Backup snapshots the database into a dated file under the backup
// directory and returns its path.
func (s *Store) Backup(ctx context.Context) (string, error) {
	if s.backupDir == "" {
		return "", fmt.Errorf("no backup directory configured")
	}
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}

	path := filepath.Join(s.backupDir, "lavis-"+time.Now().Format("20060102")+".db")
	// VACUUM INTO refuses to overwrite; replace any same-day snapshot.
	_ = os.Remove(path)

	quoted := strings.ReplaceAll(path, "'", "''")
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", quoted)); err != nil {
		return "", fmt.Errorf("vacuum into backup: %w", err)
	}
	return path, nil
}

// PruneBackups removes dated backups older than the retention window.
func (s *Store) PruneBackups() error {
	if s.backupDir == "" {
		return nil
	}
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read backup directory: %w", err)
	}

	cutoff := time.Now().Add(-backupRetention)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "lavis-") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.backupDir, entry.Name())); err != nil {
				s.logger.Warn("prune backup failed", zap.String("file", entry.Name()), zap.Error(err))
			}
		}
	}
	return nil
}

// StartMaintenance runs the daily 03:00 backup-and-prune loop until the
// store closes.
func (s *Store) StartMaintenance() {
	go func() {
		defer close(s.done)
		for {
			timer := time.NewTimer(untilNextMaintenance(time.Now()))
			select {
			case <-s.stop:
				timer.Stop()
				return
			case <-timer.C:
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			if path, err := s.Backup(ctx); err != nil {
				s.logger.Error("daily backup failed", zap.Error(err))
			} else {
				s.logger.Info("daily backup written", zap.String("path", path))
			}
			cancel()

			if err := s.PruneBackups(); err != nil {
				s.logger.Warn("backup prune failed", zap.Error(err))
			}
		}
	}()
}

// untilNextMaintenance returns the wait until the next 03:00 local time.
func untilNextMaintenance(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), 3, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// nullableUnix converts an optional time to a nullable column value.
func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

// unixPtr converts a nullable column value back to an optional time.
func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}
