// Package postgres reads chat messages from a PostgreSQL message table.
//
// The table is expected to carry these columns:
//
//	message_id  any type castable to text, unique
//	room_id     the scope
//	sender_id   the author
//	body        message text
//	thread_id   nullable
//	created_at  timestamptz
//	edited_at   timestamptz, nullable
//	deleted_at  timestamptz, nullable (soft delete)
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recall/internal/source"
)

// ErrInvalidConfig indicates invalid configuration.
var ErrInvalidConfig = errors.New("invalid postgres source configuration")

// Config configures the adapter.
type Config struct {
	DSN string
	// Table is the message table. Default: "messages".
	Table string
	// PageLimit bounds rows per round trip. Default: 1000.
	PageLimit int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Table == "" {
		c.Table = "messages"
	}
	if c.PageLimit <= 0 {
		c.PageLimit = 1000
	}
}

// Source implements source.Source, source.DeletionFeed and
// source.ScopeLister over one table.
type Source struct {
	pool   *pgxpool.Pool
	config Config
	logger *zap.Logger

	fetchSQL     string
	deletionsSQL string
	scopesSQL    string
}

var (
	_ source.Source       = (*Source)(nil)
	_ source.DeletionFeed = (*Source)(nil)
	_ source.ScopeLister  = (*Source)(nil)
)

// New connects and pings the database.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Source, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: dsn is required", ErrInvalidConfig)
	}

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := newSource(pool, cfg, logger)
	logger.Info("postgres source connected", zap.String("table", cfg.Table))
	return s, nil
}

func newSource(pool *pgxpool.Pool, cfg Config, logger *zap.Logger) *Source {
	table := pgx.Identifier{cfg.Table}.Sanitize()
	return &Source{
		pool:         pool,
		config:       cfg,
		logger:       logger,
		fetchSQL:     fetchQuery(table),
		deletionsSQL: deletionsQuery(table),
		scopesSQL:    scopesQuery(table),
	}
}

// fetchQuery pages by (changed, id) so equal timestamps never stall a page
// boundary.
func fetchQuery(table string) string {
	return fmt.Sprintf(`
		SELECT mid, sender, body, thread, created_at, edited_at, changed
		FROM (
			SELECT message_id::text AS mid,
			       sender_id::text AS sender,
			       body,
			       COALESCE(thread_id::text, '') AS thread,
			       created_at,
			       edited_at,
			       GREATEST(created_at, COALESCE(edited_at, created_at)) AS changed
			FROM %s
			WHERE room_id::text = $1 AND deleted_at IS NULL
		) m
		WHERE (changed, mid) > ($2, $3)
		ORDER BY changed, mid
		LIMIT $4`, table)
}

func deletionsQuery(table string) string {
	return fmt.Sprintf(`
		SELECT message_id::text, deleted_at
		FROM %s
		WHERE room_id::text = $1 AND deleted_at IS NOT NULL AND deleted_at >= $2
		ORDER BY deleted_at, message_id::text`, table)
}

func scopesQuery(table string) string {
	return fmt.Sprintf(`SELECT DISTINCT room_id::text FROM %s ORDER BY 1`, table)
}

// FetchRecordsSince returns live messages in scope changed at or after since,
// oldest first.
func (s *Source) FetchRecordsSince(ctx context.Context, scope string, since time.Time) ([]source.Message, error) {
	var (
		out       []source.Message
		afterTime = since
		afterID   = ""
	)
	for {
		page, err := s.fetchPage(ctx, scope, afterTime, afterID)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < s.config.PageLimit {
			break
		}
		last := page[len(page)-1]
		afterTime, afterID = last.ChangedAt(), last.ID
	}
	s.logger.Debug("fetched messages",
		zap.String("scope", scope),
		zap.Time("since", since),
		zap.Int("count", len(out)))
	return out, nil
}

func (s *Source) fetchPage(ctx context.Context, scope string, afterTime time.Time, afterID string) ([]source.Message, error) {
	rows, err := s.pool.Query(ctx, s.fetchSQL, scope, afterTime, afterID, s.config.PageLimit)
	if err != nil {
		return nil, fmt.Errorf("querying messages for %s: %w", scope, err)
	}
	defer rows.Close()

	page := make([]source.Message, 0, s.config.PageLimit)
	for rows.Next() {
		var (
			m        source.Message
			editedAt *time.Time
			changed  time.Time
		)
		if err := rows.Scan(&m.ID, &m.Author, &m.Text, &m.ThreadID, &m.Timestamp, &editedAt, &changed); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Scope = scope
		if editedAt != nil {
			m.EditedAt = *editedAt
		}
		page = append(page, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading messages for %s: %w", scope, err)
	}
	return page, nil
}

// FetchDeletionsSince reports soft-deleted messages.
func (s *Source) FetchDeletionsSince(ctx context.Context, scope string, since time.Time) ([]source.Deletion, error) {
	rows, err := s.pool.Query(ctx, s.deletionsSQL, scope, since)
	if err != nil {
		return nil, fmt.Errorf("querying deletions for %s: %w", scope, err)
	}
	defer rows.Close()

	var out []source.Deletion
	for rows.Next() {
		d := source.Deletion{Scope: scope}
		if err := rows.Scan(&d.ID, &d.At); err != nil {
			return nil, fmt.Errorf("scanning deletion: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Scopes lists every room in the table.
func (s *Source) Scopes(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, s.scopesSQL)
	if err != nil {
		return nil, fmt.Errorf("listing scopes: %w", err)
	}
	scopes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("listing scopes: %w", err)
	}
	return scopes, nil
}

// Close releases the pool.
func (s *Source) Close() {
	s.pool.Close()
}
