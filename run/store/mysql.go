package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL-backed Store for multi-process deployments.
//
// Sessions can be resumed on any worker that reaches the same database,
// which is what makes a suspended run portable: it holds no process-local
// resources, only its checkpoint chain.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore connects to MySQL using a go-sql-driver DSN, for example
// "user:pass@tcp(127.0.0.1:3306)/skein?parseTime=true". parseTime must be
// enabled so created_at scans into time.Time.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if !strings.Contains(dsn, "parseTime=true") {
		return nil, fmt.Errorf("mysql dsn must set parseTime=true")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			session_id      VARCHAR(191) NOT NULL,
			step            INT NOT NULL,
			prev_step       INT NOT NULL,
			status          VARCHAR(32) NOT NULL,
			payload         LONGTEXT NOT NULL,
			idempotency_key VARCHAR(191) NULL,
			label           VARCHAR(191) NOT NULL DEFAULT '',
			created_at      TIMESTAMP(6) NOT NULL,
			PRIMARY KEY (session_id, step),
			UNIQUE KEY idx_checkpoints_idem (idempotency_key),
			KEY idx_checkpoints_label (session_id, label)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create checkpoint schema: %w", err)
	}
	return nil
}

// Save appends a checkpoint. MySQL error 1062 (duplicate key) is mapped to
// ErrDuplicateCommit or ErrStepExists depending on the violated index.
func (s *MySQLStore) Save(ctx context.Context, cp Checkpoint) error {
	key := sql.NullString{String: cp.IdempotencyKey, Valid: cp.IdempotencyKey != ""}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, step, prev_step, status, payload, idempotency_key, label, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.SessionID, cp.Step, cp.PrevStep, cp.Status, string(cp.Payload), key, cp.Label, cp.CreatedAt.UTC())
	if err != nil {
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) && myErr.Number == 1062 {
			if strings.Contains(myErr.Message, "idx_checkpoints_idem") {
				return ErrDuplicateCommit
			}
			return ErrStepExists
		}
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Load retrieves the checkpoint at a specific step.
func (s *MySQLStore) Load(ctx context.Context, sessionID string, step int) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, step, prev_step, status, payload, COALESCE(idempotency_key, ''), label, created_at
		FROM checkpoints WHERE session_id = ? AND step = ?`, sessionID, step)
	return scanCheckpoint(row)
}

// LoadLatest retrieves the highest-step checkpoint for the session.
func (s *MySQLStore) LoadLatest(ctx context.Context, sessionID string) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, step, prev_step, status, payload, COALESCE(idempotency_key, ''), label, created_at
		FROM checkpoints WHERE session_id = ?
		ORDER BY step DESC LIMIT 1`, sessionID)
	return scanCheckpoint(row)
}

// LoadLabel retrieves a checkpoint by save-point label.
func (s *MySQLStore) LoadLabel(ctx context.Context, sessionID, label string) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, step, prev_step, status, payload, COALESCE(idempotency_key, ''), label, created_at
		FROM checkpoints WHERE session_id = ? AND label = ?
		ORDER BY step DESC LIMIT 1`, sessionID, label)
	return scanCheckpoint(row)
}

// List returns the session's step numbers in ascending order.
func (s *MySQLStore) List(ctx context.Context, sessionID string) ([]int, error) {
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

// Close releases the underlying connection pool.
func (s *MySQLStore) Close() error { return s.db.Close() }
