package osmnet

import (
	"context"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/coolsite/internal/geo"
	"github.com/sells-group/coolsite/internal/graph"
)

// DefaultWalkSpeedKmh is 80 m/min.
const DefaultWalkSpeedKmh = 4.8

// BuildOptions controls graph construction.
type BuildOptions struct {
	// Projection for planar coordinates. The zero value anchors a projection
	// at the centre of Boundary, or of the data when Boundary is unset.
	Projection geo.Projection

	// WalkSpeedKmh converts edge length to travel time. Default 4.8.
	WalkSpeedKmh float64

	// Boundary, when set, drops nodes that fall outside it.
	Boundary Boundary

	// KeepLargestComponent drops everything outside the largest weakly
	// connected component.
	KeepLargestComponent bool
}

// Report describes what Build kept, dropped and repaired.
type Report struct {
	Ways                 int     `json:"ways"`
	WalkableWays         int     `json:"walkable_ways"`
	MissingNodeRefs      int     `json:"missing_node_refs"`
	SelfLoops            int     `json:"self_loops"`
	ZeroLength           int     `json:"zero_length_edges"`
	ClippedNodes         int     `json:"clipped_nodes"`
	DroppedByComponent   int     `json:"dropped_by_component"`
	Nodes                int     `json:"nodes"`
	Edges                int     `json:"edges"`
	WalkSpeedMetresPerS  float64 `json:"walk_speed_mps"`
	ProjectionDefinition string  `json:"projection"`
}

// Build converts raw OSM data into a walking-time graph. Ways are split at
// every node shared with another way (or repeated within the same way) so
// that intersections become graph nodes; intermediate vertices contribute
// only to edge length.
func Build(ctx context.Context, data *osm.OSM, opts BuildOptions) (*graph.Graph, Report, error) {
	var rep Report
	if data == nil {
		return nil, rep, &graph.TopologyError{Reason: "no osm data"}
	}
	speed := opts.WalkSpeedKmh
	if speed == 0 {
		speed = DefaultWalkSpeedKmh
	}
	if speed < 0 || math.IsNaN(speed) || math.IsInf(speed, 0) {
		return nil, rep, eris.Errorf("osmnet: invalid walk speed %v km/h", speed)
	}
	mps := speed / 3.6
	rep.WalkSpeedMetresPerS = mps

	coords := make(map[osm.NodeID]orb.Point, len(data.Nodes))
	var dataBound orb.Bound
	for i, n := range data.Nodes {
		p := orb.Point{n.Lon, n.Lat}
		coords[n.ID] = p
		if i == 0 {
			dataBound = orb.Bound{Min: p, Max: p}
		} else {
			dataBound = dataBound.Extend(p)
		}
	}

	proj := opts.Projection
	if proj == (geo.Projection{}) {
		if !opts.Boundary.IsZero() {
			proj = opts.Boundary.Projection()
		} else {
			proj = geo.NewProjection(dataBound.Center())
		}
	}
	rep.ProjectionDefinition = proj.String()

	// Resolve each walkable way to the refs that have coordinates.
	rep.Ways = len(data.Ways)
	ways := make([][]osm.NodeID, 0, len(data.Ways))
	oneway := make([]int, 0, len(data.Ways))
	uses := make(map[osm.NodeID]int)
	for _, w := range data.Ways {
		if !Walkable(w.Tags) {
			continue
		}
		refs := make([]osm.NodeID, 0, len(w.Nodes))
		for _, wn := range w.Nodes {
			if _, ok := coords[wn.ID]; !ok {
				rep.MissingNodeRefs++
				continue
			}
			refs = append(refs, wn.ID)
		}
		if len(refs) < 2 {
			continue
		}
		rep.WalkableWays++
		for _, id := range refs {
			uses[id]++
		}
		uses[refs[0]]++
		uses[refs[len(refs)-1]]++
		ways = append(ways, refs)
		oneway = append(oneway, footOneway(w.Tags))
	}

	b := graph.NewBuilder(proj.String())
	addNode := func(id osm.NodeID) {
		ll := coords[id]
		b.AddNode(int64(id), proj.Forward(ll), ll)
	}
	for wi, refs := range ways {
		if wi%1024 == 0 && ctx.Err() != nil {
			return nil, rep, eris.Wrap(ctx.Err(), "osmnet: build cancelled")
		}
		start := refs[0]
		var length float64
		for i := 1; i < len(refs); i++ {
			length += geo.DistanceM(coords[refs[i-1]], coords[refs[i]])
			cur := refs[i]
			if uses[cur] < 2 && i != len(refs)-1 {
				continue
			}
			addNode(start)
			addNode(cur)
			seconds := length / mps
			if oneway[wi] >= 0 {
				if err := b.AddEdge(int64(start), int64(cur), length, seconds); err != nil {
					return nil, rep, err
				}
			}
			if oneway[wi] <= 0 {
				if err := b.AddEdge(int64(cur), int64(start), length, seconds); err != nil {
					return nil, rep, err
				}
			}
			start, length = cur, 0
		}
	}
	rep.SelfLoops, rep.ZeroLength = b.Repairs()

	g, err := b.Build()
	if err != nil {
		return nil, rep, err
	}

	if !opts.Boundary.IsZero() {
		before := g.NumNodes()
		g, err = g.Subgraph(func(i graph.NodeIndex) bool {
			return opts.Boundary.Contains(g.Node(i).LonLat)
		})
		if err != nil {
			return nil, rep, err
		}
		rep.ClippedNodes = before - g.NumNodes()
	}

	if opts.KeepLargestComponent {
		before := g.NumNodes()
		if g, err = g.LargestComponent(); err != nil {
			return nil, rep, err
		}
		rep.DroppedByComponent = before - g.NumNodes()
	}

	rep.Nodes, rep.Edges = g.NumNodes(), g.NumEdges()
	zap.L().With(zap.String("component", "osmnet")).Info("walk graph built",
		zap.Int("nodes", rep.Nodes),
		zap.Int("edges", rep.Edges),
		zap.Int("walkable_ways", rep.WalkableWays),
		zap.Int("self_loops", rep.SelfLoops),
		zap.Int("zero_length", rep.ZeroLength),
		zap.Int("clipped_nodes", rep.ClippedNodes),
		zap.Int("dropped_by_component", rep.DroppedByComponent),
	)
	return g, rep, nil
}
