// Package snap attaches geographic points to their nearest network node.
package snap

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/quadtree"
	"github.com/rotisserie/eris"

	"github.com/sells-group/coolsite/internal/geo"
	"github.com/sells-group/coolsite/internal/graph"
)

// Index answers nearest-node queries in the graph's planar coordinates.
type Index interface {
	Nearest(p orb.Point) (graph.NodeIndex, float64, bool)
}

type indexedNode struct {
	p   orb.Point
	idx graph.NodeIndex
}

func (n indexedNode) Point() orb.Point { return n.p }

// QuadtreeIndex is an orb quadtree over the node coordinates. It is
// read-only after construction and safe for concurrent queries.
type QuadtreeIndex struct {
	qt *quadtree.Quadtree
}

// NewQuadtreeIndex indexes every node of g.
func NewQuadtreeIndex(g *graph.Graph) (*QuadtreeIndex, error) {
	b := g.Bound()
	// A degenerate bound (single node, or collinear nodes) still needs area.
	b = b.Pad(1)
	qt := quadtree.New(b)
	for i, n := range g.Nodes() {
		if err := qt.Add(indexedNode{p: n.Coord, idx: graph.NodeIndex(i)}); err != nil {
			return nil, eris.Wrapf(err, "snap: index node %d", n.ID)
		}
	}
	return &QuadtreeIndex{qt: qt}, nil
}

// Nearest implements Index.
func (q *QuadtreeIndex) Nearest(p orb.Point) (graph.NodeIndex, float64, bool) {
	found := q.qt.Find(p)
	if found == nil {
		return 0, math.Inf(1), false
	}
	n := found.(indexedNode)
	return n.idx, planar.Distance(p, n.p), true
}

// LinearIndex scans every node. It exists as a reference for the quadtree.
type LinearIndex struct {
	nodes []graph.Node
}

// NewLinearIndex wraps the nodes of g.
func NewLinearIndex(g *graph.Graph) *LinearIndex {
	return &LinearIndex{nodes: g.Nodes()}
}

// Nearest implements Index. Ties go to the lowest node index.
func (l *LinearIndex) Nearest(p orb.Point) (graph.NodeIndex, float64, bool) {
	best, bestD := -1, math.Inf(1)
	for i, n := range l.nodes {
		if d := planar.Distance(p, n.Coord); d < bestD {
			best, bestD = i, d
		}
	}
	if best < 0 {
		return 0, bestD, false
	}
	return graph.NodeIndex(best), bestD, true
}

// Result is the outcome of snapping one point.
type Result struct {
	ID        string          `json:"id"`
	Node      graph.NodeIndex `json:"node"`
	DistanceM float64         `json:"distance_m"`
	OK        bool            `json:"ok"`
}

// DiagnosticKind classifies an excluded point.
type DiagnosticKind string

// Diagnostic kinds.
const (
	KindBeyondTolerance DiagnosticKind = "beyond_tolerance"
	KindInvalidCoord    DiagnosticKind = "invalid_coordinate"

	// KindNotInMatrix marks a point absent from a precomputed matrix.
	KindNotInMatrix DiagnosticKind = "not_in_matrix"
)

// Diagnostic records a point excluded from a run.
type Diagnostic struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"` // demand or site
	Kind      DiagnosticKind `json:"kind"`
	DistanceM float64        `json:"distance_m"`
}

// Snapper attaches lon/lat points to graph nodes within a tolerance.
type Snapper struct {
	index      Index
	proj       geo.Projection
	toleranceM float64
}

// NewSnapper creates a Snapper. toleranceM <= 0 disables the tolerance.
func NewSnapper(index Index, proj geo.Projection, toleranceM float64) *Snapper {
	return &Snapper{index: index, proj: proj, toleranceM: toleranceM}
}

// Tolerance returns the snap tolerance in metres.
func (s *Snapper) Tolerance() float64 { return s.toleranceM }

// Snap attaches one point. A point farther than the tolerance from every
// node comes back with OK=false; it is never attached to a distant node.
func (s *Snapper) Snap(id string, lonLat orb.Point) Result {
	r := Result{ID: id}
	if !validLonLat(lonLat) {
		r.DistanceM = math.NaN()
		return r
	}
	node, d, ok := s.index.Nearest(s.proj.Forward(lonLat))
	r.Node, r.DistanceM = node, d
	r.OK = ok && (s.toleranceM <= 0 || d <= s.toleranceM)
	return r
}

// Point is an identified lon/lat location.
type Point struct {
	ID     string
	LonLat orb.Point
}

// SnapAll snaps points in order. Results align with points; every excluded
// point also yields a Diagnostic tagged with role.
func (s *Snapper) SnapAll(role string, points []Point) ([]Result, []Diagnostic) {
	results := make([]Result, len(points))
	var diags []Diagnostic
	for i, p := range points {
		r := s.Snap(p.ID, p.LonLat)
		results[i] = r
		if r.OK {
			continue
		}
		d := Diagnostic{ID: p.ID, Role: role, Kind: KindBeyondTolerance, DistanceM: r.DistanceM}
		if math.IsNaN(r.DistanceM) {
			d.Kind, d.DistanceM = KindInvalidCoord, 0
		}
		diags = append(diags, d)
	}
	return results, diags
}

func validLonLat(p orb.Point) bool {
	lon, lat := p.Lon(), p.Lat()
	if math.IsNaN(lon) || math.IsNaN(lat) || math.IsInf(lon, 0) || math.IsInf(lat, 0) {
		return false
	}
	return lon >= -180 && lon <= 180 && lat >= -90 && lat <= 90
}
