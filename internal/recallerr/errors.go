// Package recallerr defines the error kinds shared by the retrieval engine.
//
// Every component wraps failures it hands to its caller in an *Error so the
// caller can branch on the kind:
//
//	if errors.Is(err, recallerr.ErrEmbeddingProvider) {
//	    // retry later
//	}
package recallerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind string

const (
	// KindEmbeddingProvider covers network, rate-limit and auth failures of
	// the embedding provider. Retryable by the caller.
	KindEmbeddingProvider Kind = "embedding_provider"
	// KindInvalidInput covers dimension mismatches and malformed records.
	// Not retryable.
	KindInvalidInput Kind = "invalid_input"
	// KindStoreUnavailable means the storage layer could not be reached.
	KindStoreUnavailable Kind = "store_unavailable"
	// KindIndexingPartialFailure means one or more scopes failed in a cycle.
	KindIndexingPartialFailure Kind = "indexing_partial_failure"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrEmbeddingProvider      = &Error{Kind: KindEmbeddingProvider}
	ErrInvalidInput           = &Error{Kind: KindInvalidInput}
	ErrStoreUnavailable       = &Error{Kind: KindStoreUnavailable}
	ErrIndexingPartialFailure = &Error{Kind: KindIndexingPartialFailure}
)

// Error is a classified error.
type Error struct {
	Kind Kind
	// Op is the operation that failed, e.g. "vectorstore.search".
	Op  string
	Err error
}

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return string(e.Kind)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether the caller may retry the failed operation.
func IsRetryable(err error) bool {
	return KindOf(err) == KindEmbeddingProvider
}
