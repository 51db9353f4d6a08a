package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-file Store.
//
// Designed for development, single-process deployments, and local runs that
// need durability without operating a database server. WAL mode is enabled
// so readers never block behind the writer.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed store at path.
// Use ":memory:" for an ephemeral database in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite supports a single writer; keep one connection to avoid
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			session_id      TEXT NOT NULL,
			step            INTEGER NOT NULL,
			prev_step       INTEGER NOT NULL,
			status          TEXT NOT NULL,
			payload         TEXT NOT NULL,
			idempotency_key TEXT,
			label           TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMP NOT NULL,
			PRIMARY KEY (session_id, step)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_checkpoints_idem
			ON checkpoints(idempotency_key) WHERE idempotency_key IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_checkpoints_label
			ON checkpoints(session_id, label);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create checkpoint schema: %w", err)
	}
	return nil
}

// Save appends a checkpoint. Uniqueness of (session, step) and of the
// idempotency key is enforced by the schema; constraint violations are
// translated to ErrStepExists / ErrDuplicateCommit.
func (s *SQLiteStore) Save(ctx context.Context, cp Checkpoint) error {
	key := sql.NullString{String: cp.IdempotencyKey, Valid: cp.IdempotencyKey != ""}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, step, prev_step, status, payload, idempotency_key, label, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.SessionID, cp.Step, cp.PrevStep, cp.Status, string(cp.Payload), key, cp.Label, cp.CreatedAt.UTC())
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "idx_checkpoints_idem") {
			return ErrDuplicateCommit
		}
		if strings.Contains(msg, "UNIQUE") || strings.Contains(msg, "constraint") {
			return ErrStepExists
		}
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Load retrieves the checkpoint at a specific step.
func (s *SQLiteStore) Load(ctx context.Context, sessionID string, step int) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, step, prev_step, status, payload, COALESCE(idempotency_key, ''), label, created_at
		FROM checkpoints WHERE session_id = ? AND step = ?`, sessionID, step)
	return scanCheckpoint(row)
}

// LoadLatest retrieves the highest-step checkpoint for the session.
func (s *SQLiteStore) LoadLatest(ctx context.Context, sessionID string) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, step, prev_step, status, payload, COALESCE(idempotency_key, ''), label, created_at
		FROM checkpoints WHERE session_id = ?
		ORDER BY step DESC LIMIT 1`, sessionID)
	return scanCheckpoint(row)
}

// LoadLabel retrieves a checkpoint by save-point label.
func (s *SQLiteStore) LoadLabel(ctx context.Context, sessionID, label string) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, step, prev_step, status, payload, COALESCE(idempotency_key, ''), label, created_at
		FROM checkpoints WHERE session_id = ? AND label = ?
		ORDER BY step DESC LIMIT 1`, sessionID, label)
	return scanCheckpoint(row)
}

// List returns the session's step numbers in ascending order.
func (s *SQLiteStore) List(ctx context.Context, sessionID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step FROM checkpoints WHERE session_id = ? ORDER BY step ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var steps []int
	for rows.Next() {
		var step int
		if err := rows.Scan(&step); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (Checkpoint, error) {
	var cp Checkpoint
	var payload string
	var createdAt time.Time
	err := row.Scan(&cp.SessionID, &cp.Step, &cp.PrevStep, &cp.Status, &payload,
		&cp.IdempotencyKey, &cp.Label, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("scan checkpoint: %w", err)
	}
	cp.Payload = []byte(payload)
	cp.CreatedAt = createdAt
	return cp, nil
}
