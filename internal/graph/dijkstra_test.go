package graph

import (
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

func TestDijkstra_Line(t *testing.T) {
	g := lineGraph(t, 4, 300)
	d := NewDijkstra(g)

	got := d.ShortestFrom(0, []NodeIndex{0, 1, 2, 3}, 0)
	assert.Equal(t, []float64{0, 300, 600, 900}, got)

	got = d.ShortestFrom(3, []NodeIndex{0}, 0)
	assert.Equal(t, []float64{900}, got)
}

func TestDijkstra_Cutoff(t *testing.T) {
	g := lineGraph(t, 4, 300)
	d := NewDijkstra(g)

	got := d.ShortestFrom(0, []NodeIndex{1, 2, 3}, 600)
	assert.Equal(t, 300.0, got[0])
	assert.Equal(t, 600.0, got[1], "distance equal to the cutoff is kept")
	assert.True(t, math.IsInf(got[2], 1))
}

func TestDijkstra_Unreachable(t *testing.T) {
	b := NewBuilder("local")
	for i := int64(0); i < 3; i++ {
		b.AddNode(i, orb.Point{float64(i), 0}, orb.Point{})
	}
	require.NoError(t, b.AddEdge(0, 1, 10, 10))
	g, err := b.Build()
	require.NoError(t, err)

	got := NewDijkstra(g).ShortestFrom(0, []NodeIndex{1, 2}, 0)
	assert.Equal(t, 10.0, got[0])
	assert.True(t, math.IsInf(got[1], 1))

	// Edges are directed.
	got = NewDijkstra(g).ShortestFrom(1, []NodeIndex{0}, 0)
	assert.True(t, math.IsInf(got[0], 1))
}

func TestDijkstra_SharedTargets(t *testing.T) {
	g := lineGraph(t, 3, 60)
	got := NewDijkstra(g).ShortestFrom(0, []NodeIndex{2, 1, 2}, 0)
	assert.Equal(t, []float64{120, 60, 120}, got)
}

func TestDijkstra_InvalidSource(t *testing.T) {
	g := lineGraph(t, 2, 60)
	got := NewDijkstra(g).ShortestFrom(9, []NodeIndex{0}, 0)
	assert.True(t, math.IsInf(got[0], 1))
	assert.Empty(t, NewDijkstra(g).ShortestFrom(0, nil, 0))
}

func TestDijkstra_MatchesGonum(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	for trial := 0; trial < 5; trial++ {
		g := randomGraph(r, 60, 240)

		ref := simple.NewWeightedDirectedGraph(0, math.Inf(1))
		for i := 0; i < g.NumNodes(); i++ {
			ref.AddNode(simple.Node(i))
		}
		for _, e := range g.Edges() {
			ref.SetWeightedEdge(ref.NewWeightedEdge(simple.Node(e.From), simple.Node(e.To), e.Seconds))
		}

		d := NewDijkstra(g)
		for src := 0; src < g.NumNodes(); src += 7 {
			want := path.DijkstraFrom(simple.Node(src), ref)
			got := d.AllFrom(NodeIndex(src))
			for v := 0; v < g.NumNodes(); v++ {
				w := want.WeightTo(int64(v))
				if math.IsInf(w, 1) {
					assert.True(t, math.IsInf(got[v], 1), "src %d dst %d", src, v)
					continue
				}
				assert.InDelta(t, w, got[v], 1e-9, "src %d dst %d", src, v)
			}
		}
	}
}

func TestDijkstra_ConcurrentQueries(t *testing.T) {
	g := randomGraph(rand.New(rand.NewSource(5)), 80, 400)
	d := NewDijkstra(g)
	want := make([][]float64, g.NumNodes())
	for s := range want {
		want[s] = d.AllFrom(NodeIndex(s))
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for s := w; s < g.NumNodes(); s += 8 {
				assert.Equal(t, want[s], d.AllFrom(NodeIndex(s)))
			}
		}(w)
	}
	wg.Wait()
}

func TestDijkstra_Properties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 40
	properties := gopter.NewProperties(params)

	properties.Property("triangle inequality holds", prop.ForAll(
		func(seed int64) bool {
			r := rand.New(rand.NewSource(seed))
			g := randomGraph(r, 25, 90)
			d := NewDijkstra(g)
			a, b := NodeIndex(r.Intn(25)), NodeIndex(r.Intn(25))
			fromA := d.AllFrom(a)
			fromB := d.AllFrom(b)
			for c := range fromA {
				if fromA[c] > fromA[b]+fromB[c]+1e-9 {
					return false
				}
			}
			return true
		},
		gen.Int64(),
	))

	properties.Property("distances are non-negative and zero at the source", prop.ForAll(
		func(seed int64) bool {
			r := rand.New(rand.NewSource(seed))
			g := randomGraph(r, 20, 60)
			src := NodeIndex(r.Intn(20))
			dist := NewDijkstra(g).AllFrom(src)
			if dist[src] != 0 {
				return false
			}
			for _, v := range dist {
				if v < 0 || math.IsNaN(v) {
					return false
				}
			}
			return true
		},
		gen.Int64(),
	))

	properties.Property("cutoff never changes kept distances", prop.ForAll(
		func(seed int64) bool {
			r := rand.New(rand.NewSource(seed))
			g := randomGraph(r, 20, 60)
			d := NewDijkstra(g)
			full := d.AllFrom(0)
			targets := make([]NodeIndex, g.NumNodes())
			for i := range targets {
				targets[i] = NodeIndex(i)
			}
			cut := d.ShortestFrom(0, targets, 500)
			for i := range full {
				switch {
				case full[i] <= 500 && cut[i] != full[i]:
					return false
				case full[i] > 500 && !math.IsInf(cut[i], 1):
					return false
				}
			}
			return true
		},
		gen.Int64(),
	))

	properties.TestingRun(t)
}
