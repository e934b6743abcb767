// Package graph holds the immutable pedestrian network used for coverage
// computation. Adjacency is stored in compressed sparse row form so that the
// graph can be shared read-only across coverage workers without locking.
package graph

import (
	"math"

	"github.com/paulmach/orb"
)

// NodeIndex is the dense, zero-based position of a node inside a Graph.
type NodeIndex int32

// Node is an intersection or way endpoint of the pedestrian network.
type Node struct {
	ID     int64     `json:"id"`
	Coord  orb.Point `json:"coord"`   // planar metres
	LonLat orb.Point `json:"lon_lat"` // WGS84
}

// Edge is a directed traversal between two nodes.
type Edge struct {
	From    NodeIndex `json:"from"`
	To      NodeIndex `json:"to"`
	LengthM float64   `json:"length_m"`
	Seconds float64   `json:"seconds"`
}

// Graph is a directed weighted graph with walking time as the edge weight.
// A Graph is never mutated after Builder.Build returns it.
type Graph struct {
	nodes    []Node
	firstOut []int32 // len(nodes)+1; edges of node i are firstOut[i]..firstOut[i+1]
	head     []NodeIndex
	seconds  []float64
	lengthM  []float64
	byID     map[int64]NodeIndex
	crs      string
}

// NumNodes returns the node count.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// NumEdges returns the directed edge count.
func (g *Graph) NumEdges() int { return len(g.head) }

// Node returns the node at index i.
func (g *Graph) Node(i NodeIndex) Node { return g.nodes[i] }

// Nodes returns a copy of the node table in index order.
func (g *Graph) Nodes() []Node {
	out := make([]Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Lookup returns the index of the node with the given source identifier.
func (g *Graph) Lookup(id int64) (NodeIndex, bool) {
	i, ok := g.byID[id]
	return i, ok
}

// CRS describes the planar coordinate system of Node.Coord.
func (g *Graph) CRS() string { return g.crs }

// EdgesFrom returns the half-open range of edge positions leaving node u.
func (g *Graph) EdgesFrom(u NodeIndex) (start, end int32) {
	return g.firstOut[u], g.firstOut[u+1]
}

// Head returns the target node of the edge at position e.
func (g *Graph) Head(e int32) NodeIndex { return g.head[e] }

// Seconds returns the walking time of the edge at position e.
func (g *Graph) Seconds(e int32) float64 { return g.seconds[e] }

// Edges returns every edge in CSR order.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, 0, len(g.head))
	for u := range g.nodes {
		start, end := g.EdgesFrom(NodeIndex(u))
		for e := start; e < end; e++ {
			out = append(out, Edge{
				From:    NodeIndex(u),
				To:      g.head[e],
				LengthM: g.lengthM[e],
				Seconds: g.seconds[e],
			})
		}
	}
	return out
}

// Bound returns the planar bounding box of all nodes.
func (g *Graph) Bound() orb.Bound {
	if len(g.nodes) == 0 {
		return orb.Bound{}
	}
	b := orb.Bound{Min: g.nodes[0].Coord, Max: g.nodes[0].Coord}
	for _, n := range g.nodes[1:] {
		b = b.Extend(n.Coord)
	}
	return b
}

// Stats summarises a graph for logging and the network info command.
type Stats struct {
	Nodes          int     `json:"nodes"`
	Edges          int     `json:"edges"`
	Components     int     `json:"components"`
	LargestShare   float64 `json:"largest_component_share"`
	TotalLengthKM  float64 `json:"total_length_km"`
	MaxEdgeSeconds float64 `json:"max_edge_seconds"`
}

// Stats computes summary statistics.
func (g *Graph) Stats() Stats {
	s := Stats{Nodes: g.NumNodes(), Edges: g.NumEdges()}
	for e := range g.head {
		s.TotalLengthKM += g.lengthM[e] / 1000
		s.MaxEdgeSeconds = math.Max(s.MaxEdgeSeconds, g.seconds[e])
	}
	labels, sizes := g.Components()
	s.Components = len(sizes)
	if len(labels) > 0 && len(sizes) > 0 {
		largest := 0
		for _, sz := range sizes {
			if sz > largest {
				largest = sz
			}
		}
		s.LargestShare = float64(largest) / float64(len(labels))
	}
	return s
}
