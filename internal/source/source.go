// Package source defines the read-only contract the indexer consumes from
// the system of record for chat messages.
//
// Adapters live in subpackages: postgres reads a message table, natsfeed
// collects deletion events published on a NATS subject.
package source

import (
	"context"
	"time"
)

// Message is one chat message as the system of record holds it.
type Message struct {
	ID     string
	Scope  string
	Text   string
	Author string
	// ThreadID is empty for top-level messages.
	ThreadID string
	// Timestamp is when the message was posted.
	Timestamp time.Time
	// EditedAt is the last edit time, zero if never edited.
	EditedAt time.Time
}

// ChangedAt is the time the message last changed. Checkpoints advance on it.
func (m Message) ChangedAt() time.Time {
	if m.EditedAt.After(m.Timestamp) {
		return m.EditedAt
	}
	return m.Timestamp
}

// Deletion records that a message was removed at the source.
type Deletion struct {
	ID    string
	Scope string
	At    time.Time
}

// Source fetches messages.
type Source interface {
	// FetchRecordsSince returns every message in scope whose ChangedAt is at
	// or after since. The boundary is inclusive: re-delivery is harmless
	// because upserts are idempotent, loss is not.
	FetchRecordsSince(ctx context.Context, scope string, since time.Time) ([]Message, error)
}

// DeletionFeed reports deletions. Without one, deleted messages stay in the
// index until their scope is reset.
type DeletionFeed interface {
	// FetchDeletionsSince returns deletions in scope at or after since.
	FetchDeletionsSince(ctx context.Context, scope string, since time.Time) ([]Deletion, error)
}

// ScopeLister enumerates the scopes a source knows about.
type ScopeLister interface {
	Scopes(ctx context.Context) ([]string, error)
}
