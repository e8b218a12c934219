// Package sqlite is the single-file execution history backend used when no
// SQL server is configured.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

type ExecutionStore struct {
	db *sql.DB
}

var _ ports.ExecutionRepository = (*ExecutionStore)(nil)

// Open opens (or creates) the database at path and applies pending
// migrations. Use ":memory:" for a throwaway store.
func Open(ctx context.Context, path string) (*ExecutionStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("ensure history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: sqlite has a single writer and :memory: databases are
	// per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	timeout := int((3 * time.Second) / time.Millisecond)
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", timeout)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if path != ":memory:" {
		if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &ExecutionStore{db: db}, nil
}

func (s *ExecutionStore) Close() error {
	return s.db.Close()
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	versions := []string{"0001_init"}
	for _, version := range versions {
		var count int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE version = ?`, version).Scan(&count); err != nil {
			return fmt.Errorf("check migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}
		script, err := migrations.ReadFile("migrations/" + version + ".sql")
		if err != nil {
			return fmt.Errorf("read migration %s: %w", version, err)
		}
		if _, err := db.ExecContext(ctx, string(script)); err != nil {
			return fmt.Errorf("apply migration %s: %w", version, err)
		}
		if _, err := db.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`,
			version, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("record migration %s: %w", version, err)
		}
	}
	return nil
}

func (s *ExecutionStore) Append(ctx context.Context, exec *domain.CommandExecution) error {
	filter, err := sonic.MarshalString(exec.Filter)
	if err != nil {
		return fmt.Errorf("encode filter: %w", err)
	}
	ids, err := exec.ConnectionIDs.Value()
	if err != nil {
		return fmt.Errorf("encode connection ids: %w", err)
	}
	results, err := exec.Results.Value()
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	exec.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO command_executions (id, command_name, command, script_language, target_os, filter,
			connection_ids, status, error, started_at, completed_at, updated_at, results)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at,
			results = excluded.results,
			connection_ids = excluded.connection_ids
	`, exec.ID, exec.CommandName, exec.Command, exec.ScriptLanguage, string(exec.TargetOS), filter,
		ids, string(exec.Status), exec.Error, formatTime(exec.StartedAt), nullableTime(exec.CompletedAt),
		formatTime(exec.UpdatedAt), results)
	if err != nil {
		return fmt.Errorf("upsert execution: %w", err)
	}
	return nil
}

const selectColumns = `SELECT id, command_name, command, script_language, target_os, filter, connection_ids,
	status, error, started_at, completed_at, updated_at, results FROM command_executions`

func (s *ExecutionStore) Get(ctx context.Context, id string) (*domain.CommandExecution, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return exec, err
}

func (s *ExecutionStore) List(ctx context.Context, limit int) ([]domain.CommandExecution, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []domain.CommandExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *exec)
	}
	return out, rows.Err()
}

func (s *ExecutionStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM command_executions
		WHERE started_at < ? AND status IN (?, ?, ?)
	`, formatTime(cutoff), string(domain.ExecutionCompleted), string(domain.ExecutionFailed), string(domain.ExecutionCancelled))
	if err != nil {
		return 0, fmt.Errorf("prune executions: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(scanner rowScanner) (*domain.CommandExecution, error) {
	var (
		exec        domain.CommandExecution
		targetOS    string
		filter      string
		ids         string
		status      string
		startedAt   string
		completedAt sql.NullString
		updatedAt   string
		results     string
	)
	err := scanner.Scan(&exec.ID, &exec.CommandName, &exec.Command, &exec.ScriptLanguage, &targetOS, &filter,
		&ids, &status, &exec.Error, &startedAt, &completedAt, &updatedAt, &results)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	exec.TargetOS = domain.TargetOS(targetOS)
	exec.Status = domain.ExecutionStatus(status)
	if err := sonic.UnmarshalString(filter, &exec.Filter); err != nil {
		return nil, fmt.Errorf("decode filter: %w", err)
	}
	if err := exec.ConnectionIDs.Scan(ids); err != nil {
		return nil, fmt.Errorf("decode connection ids: %w", err)
	}
	if err := exec.Results.Scan(results); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}
	if exec.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if exec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return nil, err
		}
		exec.CompletedAt = &t
	}
	return &exec, nil
}

// Times are stored as fixed-width UTC strings so lexical order in SQL matches
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", value, err)
	}
	return t, nil
}
