package stores

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/peace/pkg/storage"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// Read implements storage.Storage.
func (s *SQLiteStore) Read(ctx context.Context, path string) ([]byte, error) {
	data, ok, err := s.ReadOpt(ctx, path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &storage.NotFoundError{Path: path}
	}
	return data, nil
}

// ReadOpt implements storage.Storage.
func (s *SQLiteStore) ReadOpt(ctx context.Context, path string) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM documents WHERE path = ?`, path).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read document %s: %w", path, err)
	}
	return data, true, nil
}

// Write implements storage.Storage.
func (s *SQLiteStore) Write(ctx context.Context, path string, data []byte) error {
	query := `
		INSERT INTO documents (path, data, checksum, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			data = excluded.data,
			checksum = excluded.checksum,
			updated_at = excluded.updated_at
	`

	if data == nil {
		data = []byte{}
	}
	sum := sha256.Sum256(data)
	if _, err := s.db.ExecContext(ctx, query, path, data, hex.EncodeToString(sum[:]), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to write document %s: %w", path, err)
	}
	return nil
}

// Exists implements storage.Storage.
func (s *SQLiteStore) Exists(ctx context.Context, path string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE path = ?`, path).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to stat document %s: %w", path, err)
	}
	return n > 0, nil
}

// Remove implements storage.Storage.
func (s *SQLiteStore) Remove(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to remove document %s: %w", path, err)
	}
	return nil
}

// Checksum returns the SHA256 of the document at path, used to tell whether
// stored states changed between executions.
func (s *SQLiteStore) Checksum(ctx context.Context, path string) (string, bool, error) {
	var sum string
	err := s.db.QueryRowContext(ctx, `SELECT checksum FROM documents WHERE path = ?`, path).Scan(&sum)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read checksum of %s: %w", path, err)
	}
	return sum, true, nil
}

// RecordExecution creates a new execution record
func (s *SQLiteStore) RecordExecution(ctx context.Context, exec *Execution) error {
	query := `
		INSERT INTO executions (id, command, flow_id, profile, status, started_at, completed_at, error, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if exec.Status == "" {
		exec.Status = ExecutionStatusRunning
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now().UTC()
	}
	if exec.Metadata == "" {
		exec.Metadata = "{}"
	}

	_, err := s.db.ExecContext(ctx, query,
		exec.ID,
		exec.Command,
		exec.FlowID,
		exec.Profile,
		exec.Status,
		exec.StartedAt,
		exec.CompletedAt,
		exec.Error,
		exec.Metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}

	return nil
}

// CompleteExecution sets the final status of an execution.
func (s *SQLiteStore) CompleteExecution(ctx context.Context, id string, status ExecutionStatus, errMsg *string) error {
	query := `
		UPDATE executions
		SET status = ?, error = ?, completed_at = ?
		WHERE id = ?
	`

	var completedAt *time.Time
	if status.IsTerminal() {
		now := time.Now().UTC()
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, query, status, errMsg, completedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update execution status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("execution not found: %s", id)
	}

	return nil
}

// RecordItemOutcome appends an item outcome to an execution.
func (s *SQLiteStore) RecordItemOutcome(ctx context.Context, outcome *ItemOutcome) error {
	query := `
		INSERT INTO item_outcomes (execution_id, item_id, status, error, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	if outcome.Timestamp.IsZero() {
		outcome.Timestamp = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, query,
		outcome.ExecutionID,
		outcome.ItemID,
		outcome.Status,
		outcome.Error,
		outcome.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to record item outcome: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	outcome.ID = id

	return nil
}

// GetExecution retrieves an execution and its item outcomes.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	query := `
		SELECT id, command, flow_id, profile, status, started_at, completed_at, error, metadata
		FROM executions
		WHERE id = ?
	`

	exec, err := scanExecution(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	items, err := s.listItemOutcomes(ctx, id)
	if err != nil {
		return nil, err
	}
	exec.Items = items

	return exec, nil
}

// ListExecutions lists executions, newest first, optionally for one flow.
func (s *SQLiteStore) ListExecutions(ctx context.Context, flowID *string, limit, offset int) ([]*Execution, error) {
	query := `
		SELECT id, command, flow_id, profile, status, started_at, completed_at, error, metadata
		FROM executions
		WHERE (? IS NULL OR flow_id = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, flowID, flowID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	execs := []*Execution{}
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, exec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return execs, nil
}

// DeleteExecution deletes an execution and its item outcomes.
func (s *SQLiteStore) DeleteExecution(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete execution: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("execution not found: %s", id)
	}

	return nil
}

func (s *SQLiteStore) listItemOutcomes(ctx context.Context, executionID string) ([]*ItemOutcome, error) {
	query := `
		SELECT id, execution_id, item_id, status, error, timestamp
		FROM item_outcomes
		WHERE execution_id = ?
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list item outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := []*ItemOutcome{}
	for rows.Next() {
		o := &ItemOutcome{}
		if err := rows.Scan(&o.ID, &o.ExecutionID, &o.ItemID, &o.Status, &o.Error, &o.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan item outcome: %w", err)
		}
		outcomes = append(outcomes, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating item outcomes: %w", err)
	}

	return outcomes, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	exec := &Execution{}
	err := row.Scan(
		&exec.ID,
		&exec.Command,
		&exec.FlowID,
		&exec.Profile,
		&exec.Status,
		&exec.StartedAt,
		&exec.CompletedAt,
		&exec.Error,
		&exec.Metadata,
	)
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
