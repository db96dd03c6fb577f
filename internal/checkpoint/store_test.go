package checkpoint

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "state.db")
	s, err := NewSQLiteStore(path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestSQLiteStore_UnknownScopeStartsAtZero(t *testing.T) {
	s, _ := newTestStore(t)

	cp, err := s.Get(context.Background(), "eng")
	require.NoError(t, err)
	assert.Equal(t, "eng", cp.Scope)
	assert.True(t, cp.LastIndexed.IsZero())
}

func TestSQLiteStore_AdvanceIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	t1 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	t0 := t1.Add(-time.Hour)
	t2 := t1.Add(time.Hour)

	require.NoError(t, s.Advance(ctx, "eng", t1))
	require.NoError(t, s.Advance(ctx, "eng", t0))

	cp, err := s.Get(ctx, "eng")
	require.NoError(t, err)
	assert.True(t, cp.LastIndexed.Equal(t1), "got %s", cp.LastIndexed)

	require.NoError(t, s.Advance(ctx, "eng", t2))
	cp, err = s.Get(ctx, "eng")
	require.NoError(t, err)
	assert.True(t, cp.LastIndexed.Equal(t2))
}

func TestSQLiteStore_KeepsMicrosecondPrecision(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	ts := time.Date(2025, 3, 1, 10, 0, 0, 123456000, time.UTC)
	require.NoError(t, s.Advance(ctx, "eng", ts))

	cp, err := s.Get(ctx, "eng")
	require.NoError(t, err)
	assert.True(t, cp.LastIndexed.Equal(ts))
}

func TestSQLiteStore_ResetAllowsGoingBack(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	late := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.Advance(ctx, "eng", late))
	require.NoError(t, s.Advance(ctx, "random", late))
	require.NoError(t, s.Reset(ctx, "eng"))

	cp, err := s.Get(ctx, "eng")
	require.NoError(t, err)
	assert.True(t, cp.LastIndexed.IsZero())

	other, err := s.Get(ctx, "random")
	require.NoError(t, err)
	assert.True(t, other.LastIndexed.Equal(late))

	early := late.Add(-24 * time.Hour)
	require.NoError(t, s.Advance(ctx, "eng", early))
	cp, err = s.Get(ctx, "eng")
	require.NoError(t, err)
	assert.True(t, cp.LastIndexed.Equal(early))
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	s, path := newTestStore(t)

	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.Advance(ctx, "eng", ts))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	cp, err := reopened.Get(ctx, "eng")
	require.NoError(t, err)
	assert.True(t, cp.LastIndexed.Equal(ts))
}

func TestSQLiteStore_List(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	fixed := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.Advance(ctx, "zeta", ts))
	require.NoError(t, s.Advance(ctx, "alpha", ts.Add(time.Minute)))

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].Scope)
	assert.Equal(t, "zeta", all[1].Scope)
	assert.True(t, all[0].UpdatedAt.Equal(fixed))
}

func TestSQLiteStore_EmptyScope(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.Get(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyScope)
	assert.ErrorIs(t, s.Advance(ctx, "", time.Now()), ErrEmptyScope)
	assert.ErrorIs(t, s.Reset(ctx, ""), ErrEmptyScope)
}

func TestSQLiteStore_ConcurrentAdvance(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Advance(ctx, "eng", base.Add(time.Duration(i)*time.Second)))
		}(i)
	}
	wg.Wait()

	cp, err := s.Get(ctx, "eng")
	require.NoError(t, err)
	assert.True(t, cp.LastIndexed.Equal(base.Add(19*time.Second)))
}
