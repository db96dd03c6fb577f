// Package natsfeed collects message deletion events from a NATS subject and
// serves them as a source.DeletionFeed.
//
// Producers publish JSON events:
//
//	{"id": "m42", "scope": "C123", "deleted_at": "2025-03-01T09:00:00Z"}
//
// Events are buffered in memory per scope until the indexer has consumed
// them. Events received while the daemon is down are lost; a scope reset
// repairs the index in that case.
package natsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recall/internal/source"
)

// ErrInvalidConfig indicates invalid configuration.
var ErrInvalidConfig = errors.New("invalid nats feed configuration")

// Event is the wire form of a deletion.
type Event struct {
	ID        string    `json:"id"`
	Scope     string    `json:"scope"`
	DeletedAt time.Time `json:"deleted_at"`
}

// Config configures the feed.
type Config struct {
	URL     string
	Subject string
	// Buffer caps retained events per scope; the oldest are dropped first.
	Buffer int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Subject == "" {
		c.Subject = "recall.deletions"
	}
	if c.Buffer <= 0 {
		c.Buffer = 4096
	}
}

// Feed implements source.DeletionFeed.
type Feed struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	owned  bool
	buffer int
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	byScope map[string][]source.Deletion
	dropped int
}

var _ source.DeletionFeed = (*Feed)(nil)

// New connects to cfg.URL and subscribes.
func New(cfg Config, logger *zap.Logger) (*Feed, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidConfig)
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("recall-deletion-feed"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	f, err := NewWithConn(nc, cfg, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	f.owned = true
	return f, nil
}

// NewWithConn subscribes on an existing connection. Close leaves the
// connection open.
func NewWithConn(nc *nats.Conn, cfg Config, logger *zap.Logger) (*Feed, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	f := &Feed{
		nc:      nc,
		buffer:  cfg.Buffer,
		logger:  logger,
		now:     time.Now,
		byScope: make(map[string][]source.Deletion),
	}
	sub, err := nc.Subscribe(cfg.Subject, f.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", cfg.Subject, err)
	}
	f.sub = sub

	logger.Info("deletion feed subscribed", zap.String("subject", cfg.Subject))
	return f, nil
}

func (f *Feed) handle(msg *nats.Msg) {
	var ev Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		f.logger.Warn("discarding malformed deletion event", zap.Error(err))
		return
	}
	if ev.ID == "" || ev.Scope == "" {
		f.logger.Warn("discarding deletion event without id or scope",
			zap.String("id", ev.ID), zap.String("scope", ev.Scope))
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if ev.DeletedAt.IsZero() {
		ev.DeletedAt = f.now()
	}
	list := append(f.byScope[ev.Scope], source.Deletion{ID: ev.ID, Scope: ev.Scope, At: ev.DeletedAt.UTC()})
	if over := len(list) - f.buffer; over > 0 {
		f.dropped += over
		list = list[over:]
		f.logger.Warn("deletion buffer full, dropped oldest events",
			zap.String("scope", ev.Scope), zap.Int("dropped", over))
	}
	f.byScope[ev.Scope] = list
}

// FetchDeletionsSince returns buffered deletions in scope at or after since
// and forgets older ones, which the caller has already applied.
func (f *Feed) FetchDeletionsSince(_ context.Context, scope string, since time.Time) ([]source.Deletion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	list := f.byScope[scope]
	kept := list[:0]
	for _, d := range list {
		if !d.At.Before(since) {
			kept = append(kept, d)
		}
	}
	f.byScope[scope] = kept

	out := make([]source.Deletion, len(kept))
	copy(out, kept)
	return out, nil
}

// Dropped returns how many events were discarded because a scope's buffer
// was full.
func (f *Feed) Dropped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

// Close unsubscribes, and closes the connection if New opened it.
func (f *Feed) Close() error {
	var err error
	if f.sub != nil {
		err = f.sub.Unsubscribe()
	}
	if f.owned {
		f.nc.Close()
	}
	return err
}
