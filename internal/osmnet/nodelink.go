package osmnet

import (
	"encoding/json"
	"io"
	"math"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"

	"github.com/sells-group/coolsite/internal/geo"
	"github.com/sells-group/coolsite/internal/graph"
)

type nodeLinkDoc struct {
	Directed bool           `json:"directed"`
	Nodes    []nodeLinkNode `json:"nodes"`
	Links    []nodeLinkEdge `json:"links"`
	Edges    []nodeLinkEdge `json:"edges"`
}

type nodeLinkNode struct {
	ID json.Number `json:"id"`
	X  float64     `json:"x"`
	Y  float64     `json:"y"`
}

type nodeLinkEdge struct {
	Source   json.Number `json:"source"`
	Target   json.Number `json:"target"`
	Length   float64     `json:"length"`
	WalkTime *float64    `json:"walk_time"`
}

// LoadNodeLink reads a networkx node-link JSON export of an unprojected
// (lon/lat) OSM graph: nodes carry x/y, links carry source/target/length and
// optionally walk_time in seconds. Undirected exports get edges in both
// directions. Without walk_time the time is length / walking speed; osmnx's
// travel_time is a driving estimate and is ignored.
func LoadNodeLink(r io.Reader, proj geo.Projection, walkSpeedKmh float64) (*graph.Graph, Report, error) {
	var rep Report
	if walkSpeedKmh == 0 {
		walkSpeedKmh = DefaultWalkSpeedKmh
	}
	if walkSpeedKmh < 0 || math.IsNaN(walkSpeedKmh) {
		return nil, rep, eris.Errorf("osmnet: invalid walk speed %v km/h", walkSpeedKmh)
	}
	mps := walkSpeedKmh / 3.6
	rep.WalkSpeedMetresPerS = mps

	dec := json.NewDecoder(r)
	dec.UseNumber()
	var doc nodeLinkDoc
	if err := dec.Decode(&doc); err != nil {
		return nil, rep, eris.Wrap(err, "osmnet: decode node-link json")
	}
	links := doc.Links
	if len(links) == 0 {
		links = doc.Edges
	}

	if proj == (geo.Projection{}) && len(doc.Nodes) > 0 {
		b := orb.Bound{Min: orb.Point{doc.Nodes[0].X, doc.Nodes[0].Y}, Max: orb.Point{doc.Nodes[0].X, doc.Nodes[0].Y}}
		for _, n := range doc.Nodes[1:] {
			b = b.Extend(orb.Point{n.X, n.Y})
		}
		proj = geo.NewProjection(b.Center())
	}
	rep.ProjectionDefinition = proj.String()

	b := graph.NewBuilder(proj.String())
	for _, n := range doc.Nodes {
		id, err := n.ID.Int64()
		if err != nil {
			return nil, rep, eris.Wrapf(err, "osmnet: node id %q", n.ID)
		}
		ll := orb.Point{n.X, n.Y}
		b.AddNode(id, proj.Forward(ll), ll)
	}
	for _, l := range links {
		from, err := l.Source.Int64()
		if err != nil {
			return nil, rep, eris.Wrapf(err, "osmnet: link source %q", l.Source)
		}
		to, err := l.Target.Int64()
		if err != nil {
			return nil, rep, eris.Wrapf(err, "osmnet: link target %q", l.Target)
		}
		seconds := l.Length / mps
		if l.WalkTime != nil {
			seconds = *l.WalkTime
		}
		if err := b.AddEdge(from, to, l.Length, seconds); err != nil {
			return nil, rep, err
		}
		if !doc.Directed && from != to {
			if err := b.AddEdge(to, from, l.Length, seconds); err != nil {
				return nil, rep, err
			}
		}
	}
	rep.SelfLoops, rep.ZeroLength = b.Repairs()

	g, err := b.Build()
	if err != nil {
		return nil, rep, err
	}
	rep.Nodes, rep.Edges = g.NumNodes(), g.NumEdges()
	return g, rep, nil
}
