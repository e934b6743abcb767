package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/coolsite/internal/graph"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "coolsite.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testGraph(t *testing.T, n int) *graph.Graph {
	t.Helper()
	b := graph.NewBuilder("EPSG:32616")
	for i := 0; i < n; i++ {
		b.AddNode(int64(100+i), orb.Point{float64(i) * 80, 0}, orb.Point{-87.6 + float64(i)*0.001, 41.8})
	}
	for i := 0; i+1 < n; i++ {
		require.NoError(t, b.AddEdge(int64(100+i), int64(101+i), 80, 60))
		require.NoError(t, b.AddEdge(int64(101+i), int64(100+i), 80, 60))
	}
	g, err := b.Build()
	require.NoError(t, err)
	return g
}

func TestSnapshotCodec_RoundTrip(t *testing.T) {
	g := testGraph(t, 4)
	snap := g.Snapshot()

	data, err := EncodeSnapshot(&snap)
	require.NoError(t, err)

	got, err := DecodeSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, snap, *got)

	rebuilt, err := graph.FromSnapshot(*got)
	require.NoError(t, err)
	assert.Equal(t, g.NumNodes(), rebuilt.NumNodes())
	assert.Equal(t, g.NumEdges(), rebuilt.NumEdges())
}

func TestDecodeSnapshot_Corrupt(t *testing.T) {
	_, err := DecodeSnapshot([]byte("not snappy"))
	require.Error(t, err)
}

func TestSQLite_RunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	run, err := s.CreateRun(ctx, "optimize", map[string]any{"k": 3, "mode": "exact"})
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, RunStatusRunning, run.Status)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "optimize", got.Command)
	assert.JSONEq(t, `{"k":3,"mode":"exact"}`, string(got.Params))
	assert.Nil(t, got.Summary)

	summary := &RunSummary{
		Mode:          "exact",
		Status:        "optimal",
		Requested:     3,
		Effective:     2,
		Selected:      []string{"s1", "s4"},
		CoveredWeight: 12.5,
		TotalWeight:   20,
		CoveredShare:  0.625,
	}
	require.NoError(t, s.CompleteRun(ctx, run.ID, summary))

	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusComplete, got.Status)
	require.NotNil(t, got.Summary)
	assert.Equal(t, *summary, *got.Summary)
}

func TestSQLite_FailRun(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	run, err := s.CreateRun(ctx, "coverage", nil)
	require.NoError(t, err)
	require.NoError(t, s.FailRun(ctx, run.ID, "boundary not found"))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, got.Status)
	assert.Equal(t, "boundary not found", got.Error)
	assert.Nil(t, got.Params)
}

func TestSQLite_UnknownRun(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetRun(ctx, "missing")
	assert.True(t, errors.Is(err, ErrRunNotFound))

	err = s.CompleteRun(ctx, "missing", &RunSummary{})
	assert.True(t, errors.Is(err, ErrRunNotFound))

	err = s.FailRun(ctx, "missing", "x")
	assert.True(t, errors.Is(err, ErrRunNotFound))
}

func TestSQLite_ListRuns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, err := s.CreateRun(ctx, "coverage", nil)
	require.NoError(t, err)
	_, err = s.CreateRun(ctx, "optimize", nil)
	require.NoError(t, err)
	c, err := s.CreateRun(ctx, "optimize", nil)
	require.NoError(t, err)
	require.NoError(t, s.FailRun(ctx, c.ID, "boom"))

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	opt, err := s.ListRuns(ctx, RunFilter{Command: "optimize"})
	require.NoError(t, err)
	assert.Len(t, opt, 2)

	failed, err := s.ListRuns(ctx, RunFilter{Status: RunStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, c.ID, failed[0].ID)

	limited, err := s.ListRuns(ctx, RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	paged, err := s.ListRuns(ctx, RunFilter{Limit: 10, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, paged, 1)

	future, err := s.ListRuns(ctx, RunFilter{CreatedAfter: a.CreatedAt.Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, future)
}

func TestSQLite_GraphCache(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	g := testGraph(t, 3)
	snap := g.Snapshot()

	miss, err := s.GetGraph(ctx, "chicago")
	require.NoError(t, err)
	assert.Nil(t, miss)

	require.NoError(t, s.PutGraph(ctx, "chicago", &snap, time.Hour))
	got, err := s.GetGraph(ctx, "chicago")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, snap, *got)

	// Replacing keeps one row.
	require.NoError(t, s.PutGraph(ctx, "chicago", &snap, time.Hour))
	require.NoError(t, s.PutGraph(ctx, "stale", &snap, -time.Hour))

	entries, err := s.ListGraphs(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, "EPSG:32616", e.CRS)
		assert.Equal(t, 3, e.Nodes)
		assert.Equal(t, 4, e.Edges)
		assert.Positive(t, e.Bytes)
	}

	stale, err := s.GetGraph(ctx, "stale")
	require.NoError(t, err)
	assert.Nil(t, stale)

	n, err := s.PurgeGraphs(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.DeleteGraph(ctx, "chicago"))
	entries, err = s.ListGraphs(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSQLite_PurgeAllGraphs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	snap := testGraph(t, 2).Snapshot()
	require.NoError(t, s.PutGraph(ctx, "a", &snap, time.Hour))
	require.NoError(t, s.PutGraph(ctx, "b", &snap, time.Hour))

	n, err := s.PurgeGraphs(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestGraphCache_LRUEviction(t *testing.T) {
	ctx := context.Background()
	c := NewGraphCache(2, time.Hour, nil)
	g := testGraph(t, 2)

	require.NoError(t, c.Put(ctx, "a", g))
	require.NoError(t, c.Put(ctx, "b", g))

	// Touch a so b becomes the eviction victim.
	got, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Same(t, g, got)

	require.NoError(t, c.Put(ctx, "c", g))

	got, err = c.Get(ctx, "b")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = c.Get(ctx, "a")
	require.NoError(t, err)
	assert.NotNil(t, got)

	stats := c.Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestGraphCache_TTL(t *testing.T) {
	ctx := context.Background()
	c := NewGraphCache(4, 10*time.Millisecond, nil)
	require.NoError(t, c.Put(ctx, "a", testGraph(t, 2)))

	time.Sleep(30 * time.Millisecond)

	got, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestGraphCache_DiskTier(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	g := testGraph(t, 3)

	first := NewGraphCache(4, time.Hour, s)
	require.NoError(t, first.Put(ctx, "region", g))

	// A fresh cache over the same store restores from disk.
	second := NewGraphCache(4, time.Hour, s)
	got, err := second.Get(ctx, "region")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, g.NumEdges(), got.NumEdges())
	assert.Equal(t, int64(1), second.Stats().DiskHits)

	// Now served from memory.
	_, err = second.Get(ctx, "region")
	require.NoError(t, err)
	assert.Equal(t, int64(1), second.Stats().Hits)

	require.NoError(t, second.Invalidate(ctx, "reg"))
	entries, err := s.ListGraphs(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGraphCache_GetOrBuildSharesBuild(t *testing.T) {
	ctx := context.Background()
	c := NewGraphCache(4, time.Hour, nil)
	g := testGraph(t, 2)

	var calls atomic.Int32
	release := make(chan struct{})
	build := func(context.Context) (*graph.Graph, error) {
		calls.Add(1)
		<-release
		return g, nil
	}

	var wg sync.WaitGroup
	results := make([]*graph.Graph, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := c.GetOrBuild(ctx, "k", build)
			assert.NoError(t, err)
			results[i] = got
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, r := range results {
		assert.Same(t, g, r)
	}
	assert.LessOrEqual(t, calls.Load(), int32(8))
	assert.GreaterOrEqual(t, calls.Load(), int32(1))

	// Cached now; build is not called again.
	before := calls.Load()
	_, err := c.GetOrBuild(ctx, "k", build)
	require.NoError(t, err)
	assert.Equal(t, before, calls.Load())
}

func TestGraphCache_CancelledWaiterLeavesBuildRunning(t *testing.T) {
	c := NewGraphCache(4, time.Hour, nil)
	g := testGraph(t, 2)

	var started sync.Once
	running := make(chan struct{})
	release := make(chan struct{})
	var buildCancelled atomic.Bool
	build := func(ctx context.Context) (*graph.Graph, error) {
		started.Do(func() { close(running) })
		select {
		case <-release:
			return g, nil
		case <-ctx.Done():
			buildCancelled.Store(true)
			return nil, ctx.Err()
		}
	}

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.GetOrBuild(first, "k", build)
		firstErr <- err
	}()
	<-running
	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	type outcome struct {
		g   *graph.Graph
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		got, err := c.GetOrBuild(context.Background(), "k", build)
		second <- outcome{got, err}
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	res := <-second
	require.NoError(t, res.err)
	assert.Same(t, g, res.g)
	assert.False(t, buildCancelled.Load())

	_, err := c.GetOrBuild(context.Background(), "k", build)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Stats().Builds)
}

func TestGraphCache_GetOrBuildCancelledBeforeStart(t *testing.T) {
	c := NewGraphCache(4, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.GetOrBuild(ctx, "k", func(context.Context) (*graph.Graph, error) {
		t.Fatal("build must not run")
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGraphCache_GetOrBuildError(t *testing.T) {
	c := NewGraphCache(4, time.Hour, nil)
	_, err := c.GetOrBuild(context.Background(), "k", func(context.Context) (*graph.Graph, error) {
		return nil, errors.New("overpass down")
	})
	require.EqualError(t, err, "overpass down")
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestGraphCache_Purge(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := NewGraphCache(4, 10*time.Millisecond, s)
	require.NoError(t, c.Put(ctx, "a", testGraph(t, 2)))

	time.Sleep(30 * time.Millisecond)

	n, err := c.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
