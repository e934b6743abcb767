package graph

// Components labels weakly connected components. Labels are assigned in
// increasing order of each component's lowest node index, so the labelling
// is stable for a given graph. sizes[c] is the node count of component c.
func (g *Graph) Components() (labels []int, sizes []int) {
	n := g.NumNodes()
	labels = make([]int, n)
	for i := range labels {
		labels[i] = -1
	}

	// Undirected adjacency: outgoing edges plus reversed incoming ones.
	in := make([][]NodeIndex, n)
	for u := 0; u < n; u++ {
		start, end := g.EdgesFrom(NodeIndex(u))
		for e := start; e < end; e++ {
			v := g.head[e]
			in[v] = append(in[v], NodeIndex(u))
		}
	}

	queue := make([]NodeIndex, 0, 64)
	for s := 0; s < n; s++ {
		if labels[s] >= 0 {
			continue
		}
		c := len(sizes)
		sizes = append(sizes, 0)
		labels[s] = c
		queue = append(queue[:0], NodeIndex(s))
		for len(queue) > 0 {
			u := queue[0]
			queue = queue[1:]
			sizes[c]++
			start, end := g.EdgesFrom(u)
			for e := start; e < end; e++ {
				if v := g.head[e]; labels[v] < 0 {
					labels[v] = c
					queue = append(queue, v)
				}
			}
			for _, v := range in[u] {
				if labels[v] < 0 {
					labels[v] = c
					queue = append(queue, v)
				}
			}
		}
	}
	return labels, sizes
}

// LargestComponent returns a copy of g restricted to its largest weakly
// connected component. Ties go to the component with the lowest label.
func (g *Graph) LargestComponent() (*Graph, error) {
	labels, sizes := g.Components()
	best := 0
	for c, sz := range sizes {
		if sz > sizes[best] {
			best = c
		}
	}
	return g.Subgraph(func(i NodeIndex) bool { return labels[i] == best })
}
