package indexer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recall/internal/checkpoint"
	"github.com/fyrsmithlabs/recall/internal/embeddings"
	"github.com/fyrsmithlabs/recall/internal/recallerr"
	"github.com/fyrsmithlabs/recall/internal/secrets"
	"github.com/fyrsmithlabs/recall/internal/source"
	"github.com/fyrsmithlabs/recall/internal/vectorstore"
)

const instrumentationName = "github.com/fyrsmithlabs/recall/internal/indexer"

// DefaultInterval is the time between cycles when none is configured.
const DefaultInterval = 5 * time.Minute

var (
	// ErrCycleInProgress is returned by manual triggers while a cycle runs.
	ErrCycleInProgress = errors.New("indexing cycle already in progress")

	// ErrNoScopes means neither configuration nor the source named a scope.
	ErrNoScopes = errors.New("no scopes to index")
)

// State is a scope's position in the sync state machine.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateFailed  State = "failed"
)

// Phase is the indexer-wide busy flag.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseRunning Phase = "running"
)

const (
	phaseIdle int32 = iota
	phaseRunning
)

// ScopeStatus describes one scope.
type ScopeStatus struct {
	Scope      string    `json:"scope"`
	State      State     `json:"state"`
	Checkpoint time.Time `json:"checkpoint"`
	LastSyncAt time.Time `json:"last_sync_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Indexed    int       `json:"indexed"`
	Skipped    int       `json:"skipped"`
	Deleted    int       `json:"deleted"`
}

// Status is a snapshot of the indexer.
type Status struct {
	Phase       Phase         `json:"phase"`
	Running     bool          `json:"running"`
	Interval    time.Duration `json:"interval"`
	LastCycleID string        `json:"last_cycle_id,omitempty"`
	LastCycleAt time.Time     `json:"last_cycle_at,omitempty"`
	Scopes      []ScopeStatus `json:"scopes"`
}

// Report summarizes one cycle.
type Report struct {
	CycleID  string        `json:"cycle_id"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Scopes   []ScopeStatus `json:"scopes"`
}

// PartialFailureError lists the scopes that failed in a cycle. Scopes not
// listed were synced and their checkpoints advanced.
type PartialFailureError struct {
	CycleID string
	Failed  map[string]error
}

func (e *PartialFailureError) Error() string {
	scopes := e.FailedScopes()
	return fmt.Sprintf("indexing cycle %s: %d scope(s) failed: %s",
		e.CycleID, len(scopes), strings.Join(scopes, ", "))
}

// Unwrap exposes the kind and the per-scope causes to errors.Is.
func (e *PartialFailureError) Unwrap() []error {
	errs := []error{recallerr.ErrIndexingPartialFailure}
	for _, scope := range e.FailedScopes() {
		errs = append(errs, e.Failed[scope])
	}
	return errs
}

// FailedScopes returns the failed scope names, sorted.
func (e *PartialFailureError) FailedScopes() []string {
	scopes := make([]string, 0, len(e.Failed))
	for s := range e.Failed {
		scopes = append(scopes, s)
	}
	slices.Sort(scopes)
	return scopes
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithInterval sets the time between cycles.
func WithInterval(d time.Duration) Option {
	return func(ix *Indexer) { ix.interval = d }
}

// WithScopes sets scopes that are always indexed, in addition to any the
// source lists.
func WithScopes(scopes ...string) Option {
	return func(ix *Indexer) { ix.scopes = append(ix.scopes, scopes...) }
}

// WithDeletionFeed overrides the deletion feed. By default the source is
// used if it implements source.DeletionFeed.
func WithDeletionFeed(feed source.DeletionFeed) Option {
	return func(ix *Indexer) { ix.deletions = feed }
}

// WithScrubber redacts secrets from message text before embedding.
func WithScrubber(s secrets.Scrubber) Option {
	return func(ix *Indexer) { ix.scrubber = s }
}

// Indexer runs incremental sync cycles.
type Indexer struct {
	src         source.Source
	deletions   source.DeletionFeed
	embedder    *embeddings.Embedder
	store       vectorstore.Store
	checkpoints checkpoint.Store
	scrubber    secrets.Scrubber
	scopes      []string
	interval    time.Duration
	logger      *zap.Logger

	phase atomic.Int32

	mu          sync.RWMutex
	status      map[string]*ScopeStatus
	lastCycleID string
	lastCycleAt time.Time
	running     bool
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// New creates an Indexer. It does not start the loop; call Start.
func New(src source.Source, embedder *embeddings.Embedder, store vectorstore.Store, checkpoints checkpoint.Store, logger *zap.Logger, opts ...Option) (*Indexer, error) {
	switch {
	case src == nil:
		return nil, fmt.Errorf("source cannot be nil")
	case embedder == nil:
		return nil, fmt.Errorf("embedder cannot be nil")
	case store == nil:
		return nil, fmt.Errorf("store cannot be nil")
	case checkpoints == nil:
		return nil, fmt.Errorf("checkpoint store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ix := &Indexer{
		src:         src,
		embedder:    embedder,
		store:       store,
		checkpoints: checkpoints,
		scrubber:    secrets.Noop{},
		interval:    DefaultInterval,
		logger:      logger,
		status:      make(map[string]*ScopeStatus),
	}
	if feed, ok := src.(source.DeletionFeed); ok {
		ix.deletions = feed
	}
	for _, opt := range opts {
		opt(ix)
	}
	if ix.interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", ix.interval)
	}

	if ix.deletions == nil {
		logger.Warn("source provides no deletion feed; deleted messages stay indexed until their scope is reset")
	}
	return ix, nil
}

// Start runs a cycle immediately and then one per interval until Stop.
// Calling Start on a running indexer is a no-op.
func (ix *Indexer) Start(ctx context.Context) {
	ix.mu.Lock()
	if ix.running {
		ix.mu.Unlock()
		return
	}
	ix.running = true
	stopCh, doneCh := make(chan struct{}), make(chan struct{})
	ix.stopCh, ix.doneCh = stopCh, doneCh
	ix.mu.Unlock()

	ix.logger.Info("starting indexer", zap.Duration("interval", ix.interval))
	go ix.run(ctx, stopCh, doneCh)
}

// Stop halts the loop. If a cycle is running, Stop waits for it to finish.
func (ix *Indexer) Stop() {
	ix.mu.Lock()
	if !ix.running || ix.stopCh == nil {
		ix.mu.Unlock()
		return
	}
	stopCh, doneCh := ix.stopCh, ix.doneCh
	ix.stopCh = nil
	ix.mu.Unlock()

	ix.logger.Info("stopping indexer")
	close(stopCh)
	<-doneCh

	ix.mu.Lock()
	ix.running = false
	ix.mu.Unlock()
}

func (ix *Indexer) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	defer func() {
		if r := recover(); r != nil {
			ix.logger.Error("indexer loop panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	ix.tick(ctx)

	ticker := time.NewTicker(ix.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			ix.logger.Info("indexer stopped: context canceled")
			return
		case <-stopCh:
			ix.logger.Info("indexer stopped: stop requested")
			return
		case <-ticker.C:
			ix.tick(ctx)
		}
	}
}

func (ix *Indexer) tick(ctx context.Context) {
	_, err := ix.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrCycleInProgress):
		ix.logger.Debug("skipping tick, cycle in progress")
	case err != nil:
		ix.logger.Warn("indexing cycle finished with errors", zap.Error(err))
	}
}

// RunOnce runs one cycle now. It returns ErrCycleInProgress if a cycle is
// already running and a *PartialFailureError if any scope failed.
//
// The cycle ignores cancellation of ctx so that shutdown never interrupts a
// batch halfway.
func (ix *Indexer) RunOnce(ctx context.Context) (*Report, error) {
	if !ix.phase.CompareAndSwap(phaseIdle, phaseRunning) {
		CyclesTotal.WithLabelValues("skipped").Inc()
		return nil, ErrCycleInProgress
	}
	defer ix.phase.Store(phaseIdle)

	return ix.cycle(context.WithoutCancel(ctx))
}

func (ix *Indexer) cycle(ctx context.Context) (*Report, error) {
	report := &Report{CycleID: uuid.NewString(), Started: time.Now()}
	logger := ix.logger.With(zap.String("cycle_id", report.CycleID))

	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "indexer.cycle")
	defer span.End()
	span.SetAttributes(attribute.String("cycle_id", report.CycleID))

	scopes, err := ix.resolveScopes(ctx, logger)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		CyclesTotal.WithLabelValues("partial_failure").Inc()
		return nil, err
	}
	logger.Info("indexing cycle started", zap.Int("scopes", len(scopes)))

	failed := make(map[string]error)
	for _, scope := range scopes {
		st, err := ix.syncScope(ctx, scope, logger)
		if err != nil {
			failed[scope] = err
			logger.Error("scope sync failed", zap.String("scope", scope), zap.Error(err))
		}
		report.Scopes = append(report.Scopes, st)
	}
	report.Duration = time.Since(report.Started)

	ix.mu.Lock()
	ix.lastCycleID = report.CycleID
	ix.lastCycleAt = report.Started
	ix.mu.Unlock()

	CycleDuration.Observe(report.Duration.Seconds())
	logger.Info("indexing cycle finished",
		zap.Duration("duration", report.Duration),
		zap.Int("failed_scopes", len(failed)))

	if len(failed) > 0 {
		CyclesTotal.WithLabelValues("partial_failure").Inc()
		perr := &PartialFailureError{CycleID: report.CycleID, Failed: failed}
		span.SetStatus(codes.Error, perr.Error())
		return report, perr
	}
	CyclesTotal.WithLabelValues("success").Inc()
	return report, nil
}

// resolveScopes returns configured scopes plus any the source lists, sorted
// and deduplicated. A listing failure is tolerated when scopes are
// configured.
func (ix *Indexer) resolveScopes(ctx context.Context, logger *zap.Logger) ([]string, error) {
	scopes := slices.Clone(ix.scopes)
	if lister, ok := ix.src.(source.ScopeLister); ok {
		listed, err := lister.Scopes(ctx)
		if err != nil {
			if len(scopes) == 0 {
				return nil, fmt.Errorf("listing scopes: %w", err)
			}
			logger.Warn("listing scopes failed, using configured scopes", zap.Error(err))
		}
		scopes = append(scopes, listed...)
	}
	scopes = slices.DeleteFunc(scopes, func(s string) bool { return s == "" })
	slices.Sort(scopes)
	scopes = slices.Compact(scopes)
	if len(scopes) == 0 {
		return nil, ErrNoScopes
	}
	return scopes, nil
}

// syncScope runs the per-scope state machine for one cycle.
func (ix *Indexer) syncScope(ctx context.Context, scope string, logger *zap.Logger) (ScopeStatus, error) {
	ix.transition(scope, StateSyncing, nil)
	logger = logger.With(zap.String("scope", scope))

	cp, err := ix.checkpoints.Get(ctx, scope)
	if err != nil {
		err = fmt.Errorf("loading checkpoint: %w", err)
		return ix.transition(scope, StateFailed, err), err
	}

	res, err := ix.apply(ctx, scope, cp.LastIndexed, logger)
	if err != nil {
		return ix.transition(scope, StateFailed, err), err
	}

	if res.advanceTo.After(cp.LastIndexed) {
		if err := ix.checkpoints.Advance(ctx, scope, res.advanceTo); err != nil {
			err = fmt.Errorf("advancing checkpoint: %w", err)
			return ix.transition(scope, StateFailed, err), err
		}
		cp.LastIndexed = res.advanceTo
	}
	CheckpointTimestamp.WithLabelValues(scope).Set(float64(cp.LastIndexed.Unix()))

	ix.mu.Lock()
	st := ix.scopeStatus(scope)
	st.Checkpoint = cp.LastIndexed
	st.Indexed, st.Skipped, st.Deleted = res.indexed, res.skipped, res.deleted
	ix.mu.Unlock()

	logger.Debug("scope synced",
		zap.Int("indexed", res.indexed),
		zap.Int("skipped", res.skipped),
		zap.Int("deleted", res.deleted),
		zap.Time("checkpoint", cp.LastIndexed))
	return ix.transition(scope, StateIdle, nil), nil
}

type applyResult struct {
	indexed, skipped, deleted int
	advanceTo                 time.Time
}

// apply writes everything changed in scope since the checkpoint. Nothing
// here touches the checkpoint.
//
// advanceTo only follows fetched messages. A deletion's time says nothing
// about messages written while this batch was embedding, so deletions at or
// after the checkpoint are fetched and re-applied on every cycle until
// newer messages move it past them.
func (ix *Indexer) apply(ctx context.Context, scope string, since time.Time, logger *zap.Logger) (applyResult, error) {
	var res applyResult

	msgs, err := ix.src.FetchRecordsSince(ctx, scope, since)
	if err != nil {
		return res, fmt.Errorf("fetching messages: %w", err)
	}

	var (
		records []vectorstore.Record
		texts   []string
		emptied []string
	)
	for _, m := range msgs {
		if t := m.ChangedAt(); t.After(res.advanceTo) {
			res.advanceTo = t
		}
		scrubbed := ix.scrubber.Scrub(m.Text)
		if scrubbed.Redacted() {
			SecretsRedactedTotal.Inc()
			logger.Debug("redacted secrets from message",
				zap.String("id", m.ID), zap.Strings("rules", scrubbed.RuleIDs()))
		}
		text, ok := ix.embedder.Normalize(scrubbed.Text)
		if !ok {
			res.skipped++
			if !m.EditedAt.IsZero() {
				// An edit down to nothing must not leave the old text behind.
				emptied = append(emptied, m.ID)
			}
			continue
		}
		records = append(records, vectorstore.Record{
			ID:   m.ID,
			Text: text,
			Metadata: vectorstore.Metadata{
				Scope:     scope,
				Author:    m.Author,
				Timestamp: m.Timestamp,
				ThreadID:  m.ThreadID,
			},
		})
		texts = append(texts, text)
	}

	if len(records) > 0 {
		vecs, err := ix.embedder.EmbedBatch(ctx, texts, embeddings.IntentDocument)
		if err != nil {
			return res, fmt.Errorf("embedding %d messages: %w", len(texts), err)
		}
		kept := records[:0]
		for i, r := range records {
			if embeddings.IsZero(vecs[i]) {
				res.skipped++
				continue
			}
			r.Vector = vecs[i]
			kept = append(kept, r)
		}
		if err := ix.store.UpsertBatch(ctx, kept); err != nil {
			return res, fmt.Errorf("upserting %d records: %w", len(kept), err)
		}
		res.indexed = len(kept)
	}

	for _, id := range emptied {
		if err := ix.store.Delete(ctx, id); err != nil {
			return res, fmt.Errorf("removing emptied record %s: %w", id, err)
		}
	}

	if ix.deletions != nil {
		dels, err := ix.deletions.FetchDeletionsSince(ctx, scope, since)
		if err != nil {
			return res, fmt.Errorf("fetching deletions: %w", err)
		}
		for _, d := range dels {
			if err := ix.store.Delete(ctx, d.ID); err != nil {
				return res, fmt.Errorf("deleting record %s: %w", d.ID, err)
			}
		}
		res.deleted = len(dels)
	}

	RecordsTotal.WithLabelValues("indexed").Add(float64(res.indexed))
	RecordsTotal.WithLabelValues("skipped").Add(float64(res.skipped))
	RecordsTotal.WithLabelValues("deleted").Add(float64(res.deleted))
	return res, nil
}

// transition moves scope to state and returns a copy of its status.
func (ix *Indexer) transition(scope string, state State, err error) ScopeStatus {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	st := ix.scopeStatus(scope)
	st.State = state
	switch state {
	case StateFailed:
		st.LastError = err.Error()
	case StateIdle:
		st.LastError = ""
		st.LastSyncAt = time.Now()
	}
	return *st
}

// scopeStatus must be called with mu held.
func (ix *Indexer) scopeStatus(scope string) *ScopeStatus {
	st, ok := ix.status[scope]
	if !ok {
		st = &ScopeStatus{Scope: scope, State: StateIdle}
		ix.status[scope] = st
	}
	return st
}

// Reset deletes every record of scope from the store and rewinds its
// checkpoint so the next cycle re-indexes it from the beginning. It returns
// ErrCycleInProgress while a cycle runs.
func (ix *Indexer) Reset(ctx context.Context, scope string) error {
	if scope == "" {
		return recallerr.Errorf(recallerr.KindInvalidInput, "indexer.reset", "scope is required")
	}
	if !ix.phase.CompareAndSwap(phaseIdle, phaseRunning) {
		return ErrCycleInProgress
	}
	defer ix.phase.Store(phaseIdle)

	ctx = context.WithoutCancel(ctx)
	if err := ix.store.DeleteByScope(ctx, scope); err != nil {
		return fmt.Errorf("deleting scope %s: %w", scope, err)
	}
	if err := ix.checkpoints.Reset(ctx, scope); err != nil {
		return fmt.Errorf("resetting checkpoint for %s: %w", scope, err)
	}

	ix.mu.Lock()
	ix.status[scope] = &ScopeStatus{Scope: scope, State: StateIdle}
	ix.mu.Unlock()
	CheckpointTimestamp.DeleteLabelValues(scope)

	ix.logger.Info("scope reset", zap.String("scope", scope))
	return nil
}

// Phase reports whether a cycle is running.
func (ix *Indexer) Phase() Phase {
	if ix.phase.Load() == phaseRunning {
		return PhaseRunning
	}
	return PhaseIdle
}

// Status returns a snapshot. Scopes known only to the checkpoint store, such
// as those indexed by an earlier process, are included.
func (ix *Indexer) Status(ctx context.Context) (Status, error) {
	cps, err := ix.checkpoints.List(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("listing checkpoints: %w", err)
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	byScope := make(map[string]ScopeStatus, len(ix.status)+len(cps))
	for _, cp := range cps {
		byScope[cp.Scope] = ScopeStatus{Scope: cp.Scope, State: StateIdle, Checkpoint: cp.LastIndexed}
	}
	for scope, st := range ix.status {
		snapshot := *st
		if cp, ok := byScope[scope]; ok && snapshot.Checkpoint.IsZero() {
			snapshot.Checkpoint = cp.Checkpoint
		}
		byScope[scope] = snapshot
	}

	out := Status{
		Phase:       ix.Phase(),
		Running:     ix.running,
		Interval:    ix.interval,
		LastCycleID: ix.lastCycleID,
		LastCycleAt: ix.lastCycleAt,
		Scopes:      make([]ScopeStatus, 0, len(byScope)),
	}
	for _, st := range byScope {
		out.Scopes = append(out.Scopes, st)
	}
	slices.SortFunc(out.Scopes, func(a, b ScopeStatus) int { return strings.Compare(a.Scope, b.Scope) })
	return out, nil
}
