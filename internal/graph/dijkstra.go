package graph

import (
	"container/heap"
	"math"
	"sync"
)

// Oracle answers non-negative single-source shortest-path queries. The
// returned slice holds one travel time per target, in target order, with
// +Inf for targets that are unreachable or farther than cutoff. A cutoff of
// +Inf (or <= 0) disables pruning.
type Oracle interface {
	ShortestFrom(src NodeIndex, targets []NodeIndex, cutoff float64) []float64
}

// Dijkstra is the default Oracle: a binary-heap Dijkstra over the CSR
// adjacency that stops once every target is settled or the frontier passes
// the cutoff. It is safe for concurrent use.
type Dijkstra struct {
	g    *Graph
	pool sync.Pool
}

// NewDijkstra returns a Dijkstra oracle bound to g.
func NewDijkstra(g *Graph) *Dijkstra {
	d := &Dijkstra{g: g}
	d.pool.New = func() any {
		ws := &workspace{dist: make([]float64, g.NumNodes()), settled: make([]bool, g.NumNodes())}
		for i := range ws.dist {
			ws.dist[i] = math.Inf(1)
		}
		return ws
	}
	return d
}

type workspace struct {
	dist    []float64
	settled []bool
	touched []NodeIndex
	pq      nodeQueue
}

func (ws *workspace) reset() {
	for _, v := range ws.touched {
		ws.dist[v] = math.Inf(1)
		ws.settled[v] = false
	}
	ws.touched = ws.touched[:0]
	ws.pq = ws.pq[:0]
}

// ShortestFrom implements Oracle.
func (d *Dijkstra) ShortestFrom(src NodeIndex, targets []NodeIndex, cutoff float64) []float64 {
	out := make([]float64, len(targets))
	for i := range out {
		out[i] = math.Inf(1)
	}
	if len(targets) == 0 || int(src) < 0 || int(src) >= d.g.NumNodes() {
		return out
	}
	if cutoff <= 0 || math.IsNaN(cutoff) {
		cutoff = math.Inf(1)
	}

	// Several targets may share a node.
	want := make(map[NodeIndex][]int, len(targets))
	for i, t := range targets {
		want[t] = append(want[t], i)
	}
	remaining := len(want)

	ws := d.pool.Get().(*workspace)
	defer func() {
		ws.reset()
		d.pool.Put(ws)
	}()

	ws.dist[src] = 0
	ws.touched = append(ws.touched, src)
	heap.Push(&ws.pq, nodeItem{node: src, dist: 0})

	for ws.pq.Len() > 0 && remaining > 0 {
		item := heap.Pop(&ws.pq).(nodeItem)
		u := item.node
		if ws.settled[u] || item.dist > ws.dist[u] {
			continue
		}
		if item.dist > cutoff {
			break
		}
		ws.settled[u] = true
		if idx, ok := want[u]; ok {
			for _, i := range idx {
				out[i] = item.dist
			}
			remaining--
		}

		start, end := d.g.EdgesFrom(u)
		for e := start; e < end; e++ {
			v := d.g.head[e]
			if ws.settled[v] {
				continue
			}
			nd := item.dist + d.g.seconds[e]
			if nd < ws.dist[v] {
				if math.IsInf(ws.dist[v], 1) {
					ws.touched = append(ws.touched, v)
				}
				ws.dist[v] = nd
				heap.Push(&ws.pq, nodeItem{node: v, dist: nd})
			}
		}
	}
	return out
}

// AllFrom returns the shortest travel time from src to every node.
func (d *Dijkstra) AllFrom(src NodeIndex) []float64 {
	targets := make([]NodeIndex, d.g.NumNodes())
	for i := range targets {
		targets[i] = NodeIndex(i)
	}
	return d.ShortestFrom(src, targets, math.Inf(1))
}

type nodeItem struct {
	node NodeIndex
	dist float64
}

// nodeQueue is a min-heap on dist with node index as the tie-breaker so that
// settle order is reproducible.
type nodeQueue []nodeItem

func (q nodeQueue) Len() int { return len(q) }
func (q nodeQueue) Less(i, j int) bool {
	if q[i].dist != q[j].dist {
		return q[i].dist < q[j].dist
	}
	return q[i].node < q[j].node
}
func (q nodeQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *nodeQueue) Push(x any) { *q = append(*q, x.(nodeItem)) }

func (q *nodeQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}
