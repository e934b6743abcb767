package graph

// Snapshot is the serialisable form of a Graph used by the graph cache.
type Snapshot struct {
	CRS   string `json:"crs"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Snapshot captures g for serialisation.
func (g *Graph) Snapshot() Snapshot {
	return Snapshot{CRS: g.crs, Nodes: g.Nodes(), Edges: g.Edges()}
}

// FromSnapshot rebuilds a Graph, re-running the Build validation.
func FromSnapshot(s Snapshot) (*Graph, error) {
	b := NewBuilder(s.CRS)
	for _, n := range s.Nodes {
		b.AddNode(n.ID, n.Coord, n.LonLat)
	}
	for _, e := range s.Edges {
		if int(e.From) >= len(s.Nodes) || int(e.To) >= len(s.Nodes) || e.From < 0 || e.To < 0 {
			return nil, &TopologyError{Reason: "snapshot edge references missing node"}
		}
		if err := b.AddEdge(s.Nodes[e.From].ID, s.Nodes[e.To].ID, e.LengthM, e.Seconds); err != nil {
			return nil, err
		}
	}
	return b.Build()
}
