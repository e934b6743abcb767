package graph

import (
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
)

// TopologyError reports a network that cannot be used for coverage, such as
// an empty graph or an edge with a negative weight.
type TopologyError struct {
	Reason string
}

func (e *TopologyError) Error() string {
	return "graph: topology: " + e.Reason
}

// Builder accumulates nodes and edges and produces an immutable Graph.
// Builder is not safe for concurrent use.
type Builder struct {
	nodes []Node
	byID  map[int64]NodeIndex
	edges []Edge
	crs   string

	droppedSelfLoops int
	zeroLength       int
}

// NewBuilder creates an empty builder. crs labels the planar coordinate
// system of the node coordinates.
func NewBuilder(crs string) *Builder {
	return &Builder{byID: make(map[int64]NodeIndex), crs: crs}
}

// AddNode registers a node and returns its index. Adding an existing id
// returns the original index and keeps the first coordinates.
func (b *Builder) AddNode(id int64, coord, lonLat orb.Point) NodeIndex {
	if i, ok := b.byID[id]; ok {
		return i
	}
	i := NodeIndex(len(b.nodes))
	b.nodes = append(b.nodes, Node{ID: id, Coord: coord, LonLat: lonLat})
	b.byID[id] = i
	return i
}

// AddEdge adds a directed edge between two registered node ids. Self-loops
// are dropped. A zero-length edge between distinct nodes, such as two OSM
// nodes at one position, is kept as a zero-weight connector. Both are
// counted and reported through Repairs.
func (b *Builder) AddEdge(fromID, toID int64, lengthM, seconds float64) error {
	from, ok := b.byID[fromID]
	if !ok {
		return eris.Errorf("graph: edge references unknown node %d", fromID)
	}
	to, ok := b.byID[toID]
	if !ok {
		return eris.Errorf("graph: edge references unknown node %d", toID)
	}
	if from == to {
		b.droppedSelfLoops++
		return nil
	}
	if lengthM == 0 && seconds == 0 {
		b.zeroLength++
	}
	b.edges = append(b.edges, Edge{From: from, To: to, LengthM: lengthM, Seconds: seconds})
	return nil
}

// Repairs returns how many self-loops were dropped and how many zero-length
// connectors were kept.
func (b *Builder) Repairs() (selfLoops, zeroLength int) {
	return b.droppedSelfLoops, b.zeroLength
}

// Build validates the accumulated network and freezes it. It rejects an empty
// graph and any edge whose weight is negative or NaN.
func (b *Builder) Build() (*Graph, error) {
	if len(b.nodes) == 0 {
		return nil, &TopologyError{Reason: "graph has no nodes"}
	}
	for _, e := range b.edges {
		if math.IsNaN(e.Seconds) || math.IsNaN(e.LengthM) {
			return nil, &TopologyError{Reason: fmt.Sprintf("edge %d->%d has NaN weight", b.nodes[e.From].ID, b.nodes[e.To].ID)}
		}
		if e.Seconds < 0 || e.LengthM < 0 {
			return nil, &TopologyError{Reason: fmt.Sprintf("edge %d->%d has negative weight %.3f", b.nodes[e.From].ID, b.nodes[e.To].ID, e.Seconds)}
		}
		if math.IsInf(e.Seconds, 0) {
			return nil, &TopologyError{Reason: fmt.Sprintf("edge %d->%d has infinite weight", b.nodes[e.From].ID, b.nodes[e.To].ID)}
		}
	}

	edges := make([]Edge, len(b.edges))
	copy(edges, b.edges)
	sort.SliceStable(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})

	g := &Graph{
		nodes:    make([]Node, len(b.nodes)),
		firstOut: make([]int32, len(b.nodes)+1),
		head:     make([]NodeIndex, len(edges)),
		seconds:  make([]float64, len(edges)),
		lengthM:  make([]float64, len(edges)),
		byID:     make(map[int64]NodeIndex, len(b.nodes)),
		crs:      b.crs,
	}
	copy(g.nodes, b.nodes)
	for id, i := range b.byID {
		g.byID[id] = i
	}
	for i, e := range edges {
		g.firstOut[e.From+1]++
		g.head[i] = e.To
		g.seconds[i] = e.Seconds
		g.lengthM[i] = e.LengthM
	}
	for i := 1; i < len(g.firstOut); i++ {
		g.firstOut[i] += g.firstOut[i-1]
	}
	return g, nil
}

// Subgraph returns a new graph restricted to nodes for which keep returns true.
func (g *Graph) Subgraph(keep func(NodeIndex) bool) (*Graph, error) {
	b := NewBuilder(g.crs)
	for i, n := range g.nodes {
		if keep(NodeIndex(i)) {
			b.AddNode(n.ID, n.Coord, n.LonLat)
		}
	}
	for u := range g.nodes {
		if !keep(NodeIndex(u)) {
			continue
		}
		start, end := g.EdgesFrom(NodeIndex(u))
		for e := start; e < end; e++ {
			v := g.head[e]
			if !keep(v) {
				continue
			}
			if err := b.AddEdge(g.nodes[u].ID, g.nodes[v].ID, g.lengthM[e], g.seconds[e]); err != nil {
				return nil, err
			}
		}
	}
	return b.Build()
}
