package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver
)

// ErrEmptyScope is returned for operations without a scope.
var ErrEmptyScope = errors.New("checkpoint: scope is empty")

// Checkpoint is the indexing progress of one scope.
type Checkpoint struct {
	Scope       string    `json:"scope"`
	LastIndexed time.Time `json:"last_indexed"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store persists checkpoints.
type Store interface {
	// Get returns the checkpoint for scope. An unknown scope has a zero
	// LastIndexed, so the first fetch starts at the beginning.
	Get(ctx context.Context, scope string) (Checkpoint, error)
	// Advance moves the checkpoint forward to t. Values at or before the
	// stored one are ignored.
	Advance(ctx context.Context, scope string, t time.Time) error
	// Reset forgets scope so it is re-indexed from the beginning.
	Reset(ctx context.Context, scope string) error
	List(ctx context.Context) ([]Checkpoint, error)
	Close() error
}

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	scope        TEXT PRIMARY KEY,
	last_indexed INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
)`

// SQLiteStore keeps checkpoints in a single-file SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
	now    func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates the database at path.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer; avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating checkpoints table: %w", err)
	}

	logger.Debug("checkpoint store opened", zap.String("path", path))
	return &SQLiteStore{db: db, path: path, logger: logger, now: time.Now}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Get returns the checkpoint for scope.
func (s *SQLiteStore) Get(ctx context.Context, scope string) (Checkpoint, error) {
	if scope == "" {
		return Checkpoint{}, ErrEmptyScope
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT last_indexed, updated_at FROM checkpoints WHERE scope = ?
	`, scope)

	var lastIndexed, updatedAt int64
	if err := row.Scan(&lastIndexed, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Checkpoint{Scope: scope}, nil
		}
		return Checkpoint{}, fmt.Errorf("scanning checkpoint: %w", err)
	}
	return Checkpoint{
		Scope:       scope,
		LastIndexed: fromMicros(lastIndexed),
		UpdatedAt:   fromMicros(updatedAt),
	}, nil
}

// Advance stores max(current, t).
func (s *SQLiteStore) Advance(ctx context.Context, scope string, t time.Time) error {
	if scope == "" {
		return ErrEmptyScope
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (scope, last_indexed, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(scope) DO UPDATE SET
			last_indexed = MAX(last_indexed, excluded.last_indexed),
			updated_at = CASE
				WHEN excluded.last_indexed > last_indexed THEN excluded.updated_at
				ELSE updated_at
			END
	`, scope, t.UnixMicro(), s.now().UnixMicro())
	if err != nil {
		return fmt.Errorf("advancing checkpoint: %w", err)
	}
	return nil
}

// Reset deletes the checkpoint for scope.
func (s *SQLiteStore) Reset(ctx context.Context, scope string) error {
	if scope == "" {
		return ErrEmptyScope
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE scope = ?`, scope); err != nil {
		return fmt.Errorf("resetting checkpoint: %w", err)
	}
	s.logger.Info("checkpoint reset", zap.String("scope", scope))
	return nil
}

// List returns all checkpoints ordered by scope.
func (s *SQLiteStore) List(ctx context.Context) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scope, last_indexed, updated_at FROM checkpoints ORDER BY scope
	`)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var (
			cp                     Checkpoint
			lastIndexed, updatedAt int64
		)
		if err := rows.Scan(&cp.Scope, &lastIndexed, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning checkpoint: %w", err)
		}
		cp.LastIndexed = fromMicros(lastIndexed)
		cp.UpdatedAt = fromMicros(updatedAt)
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
