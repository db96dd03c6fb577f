package embeddings

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/recall/internal/recallerr"
)

// fakeProvider embeds text as [len(text), 1, 0, ...] and records calls.
type fakeProvider struct {
	mu     sync.Mutex
	dim    int
	calls  [][]string
	intent []Intent
	failOn int // 1-based call index that fails; 0 never
	err    error
	short  bool // return one vector too few
}

func (f *fakeProvider) Embed(_ context.Context, texts []string, intent Intent) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), texts...))
	f.intent = append(f.intent, intent)
	if f.failOn == len(f.calls) {
		return nil, f.err
	}
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		v := make([]float32, f.dim)
		v[0] = float32(len(t))
		v[1] = 1
		out = append(out, v)
	}
	if f.short {
		out = out[:len(out)-1]
	}
	return out, nil
}

func (f *fakeProvider) Dimension() int { return f.dim }
func (f *fakeProvider) Model() string  { return "fake" }
func (f *fakeProvider) Close() error   { return nil }

func newTestEmbedder(t *testing.T, p Provider, cfg Config) (*Embedder, *[]time.Duration) {
	t.Helper()
	e, err := New(p, cfg, nil)
	require.NoError(t, err)
	var sleeps []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return e, &sleeps
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, Config{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(&fakeProvider{dim: 0}, Config{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	e, err := New(&fakeProvider{dim: 4}, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxBatchSize, e.config.MaxBatchSize)
	assert.Equal(t, DefaultMinLength, e.config.MinLength)
	assert.Equal(t, 4, e.Dimension())
}

func TestEmbed_ShortTextReturnsSentinel(t *testing.T) {
	p := &fakeProvider{dim: 4}
	e, _ := newTestEmbedder(t, p, Config{MinLength: 5})

	for _, text := range []string{"", "ok", "  hi  ", ":tada:", "<@U123>", "https://example.com"} {
		v, err := e.Embed(context.Background(), text, IntentDocument)
		require.NoError(t, err, text)
		assert.Len(t, v, 4, text)
		assert.True(t, IsZero(v), text)
	}
	assert.Empty(t, p.calls, "provider must not be called for skipped text")
}

func TestEmbedBatch_PartitionsAndScatters(t *testing.T) {
	p := &fakeProvider{dim: 3}
	e, sleeps := newTestEmbedder(t, p, Config{MinLength: 3, MaxBatchSize: 2, InterBatchDelay: 50 * time.Millisecond})

	texts := []string{"alpha", "x", "bravo!", "charlie", "", "delta delta"}
	vecs, err := e.EmbedBatch(context.Background(), texts, IntentDocument)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))

	assert.Equal(t, [][]string{{"alpha", "bravo!"}, {"charlie", "delta delta"}}, p.calls)
	assert.Equal(t, []time.Duration{50 * time.Millisecond}, *sleeps, "delay only between batches")

	for i, text := range texts {
		switch text {
		case "x", "":
			assert.True(t, IsZero(vecs[i]), "slot %d should be the sentinel", i)
		default:
			assert.Equal(t, float32(len(text)), vecs[i][0], "slot %d holds its own vector", i)
		}
	}
}

func TestEmbedBatch_NoDelayForSingleBatch(t *testing.T) {
	p := &fakeProvider{dim: 2}
	e, sleeps := newTestEmbedder(t, p, Config{MaxBatchSize: 10, InterBatchDelay: time.Second})

	_, err := e.EmbedBatch(context.Background(), []string{"first message", "second message"}, IntentQuery)
	require.NoError(t, err)
	assert.Empty(t, *sleeps)
	assert.Equal(t, []Intent{IntentQuery}, p.intent)
}

func TestEmbedBatch_FailureAbortsWholeCall(t *testing.T) {
	cause := errors.New("503 overloaded")
	p := &fakeProvider{dim: 2, failOn: 2, err: cause}
	e, _ := newTestEmbedder(t, p, Config{MaxBatchSize: 1})

	vecs, err := e.EmbedBatch(context.Background(), []string{"one message", "two message", "three message"}, IntentDocument)
	assert.Nil(t, vecs, "no partial success")
	assert.ErrorIs(t, err, recallerr.ErrEmbeddingProvider)
	assert.ErrorIs(t, err, cause)
	assert.Len(t, p.calls, 2, "stops at the failing batch")
}

func TestEmbedBatch_KeepsClassifiedProviderErrors(t *testing.T) {
	p := &fakeProvider{dim: 2, failOn: 1, err: recallerr.New(recallerr.KindInvalidInput, "tei", errors.New("413"))}
	e, _ := newTestEmbedder(t, p, Config{})

	_, err := e.EmbedBatch(context.Background(), []string{"some message"}, IntentDocument)
	assert.ErrorIs(t, err, recallerr.ErrInvalidInput)
	assert.False(t, recallerr.IsRetryable(err))
}

func TestEmbedBatch_RejectsInvalidUTF8(t *testing.T) {
	p := &fakeProvider{dim: 2}
	e, _ := newTestEmbedder(t, p, Config{})

	vecs, err := e.EmbedBatch(context.Background(), []string{"some message", "caf\xff latte"}, IntentDocument)
	assert.Nil(t, vecs)
	assert.ErrorIs(t, err, recallerr.ErrInvalidInput)
	assert.False(t, recallerr.IsRetryable(err))
	assert.Empty(t, p.calls, "nothing reaches the provider")
}

func TestEmbedBatch_ProviderContractViolations(t *testing.T) {
	e, _ := newTestEmbedder(t, &fakeProvider{dim: 2, short: true}, Config{})
	_, err := e.EmbedBatch(context.Background(), []string{"some message", "other message"}, IntentDocument)
	assert.ErrorIs(t, err, recallerr.ErrEmbeddingProvider)

	wrongDim := &dimProvider{fakeProvider: fakeProvider{dim: 3}, report: 5}
	e, _ = newTestEmbedder(t, wrongDim, Config{})
	_, err = e.EmbedBatch(context.Background(), []string{"some message"}, IntentDocument)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "expected 5"))
}

type dimProvider struct {
	fakeProvider
	report int
}

func (d *dimProvider) Dimension() int { return d.report }

func TestEmbedBatch_DelayHonoursContext(t *testing.T) {
	p := &fakeProvider{dim: 2}
	e, err := New(p, Config{MaxBatchSize: 1, InterBatchDelay: time.Hour}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.EmbedBatch(ctx, []string{"first message", "second message"}, IntentDocument)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, p.calls, 1)
}
