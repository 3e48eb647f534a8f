package topology

import (
	"sort"
)

// Order partitions the graph into apply waves with Kahn's algorithm. Nodes
// within a wave are sorted by ID, so identical input always yields an
// identical plan. Destroy walks the same waves in reverse.
//
// If any node remains unplaced the graph is cyclic; the shortest cycle is
// reported as a fault and no partial ordering is returned.
func Order(graph *Graph) ([]Wave, error) {
	inDegree := make(map[NodeID]int, len(graph.Nodes))
	for id := range graph.Nodes {
		inDegree[id] = len(graph.dependencies[id])
	}

	var current Wave
	for id, degree := range inDegree {
		if degree == 0 {
			current = append(current, id)
		}
	}
	sortWave(current)

	var waves []Wave
	placed := 0
	for len(current) > 0 {
		waves = append(waves, current)
		placed += len(current)

		var next Wave
		for _, id := range current {
			for _, dependent := range graph.dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sortWave(next)
		current = next
	}

	if placed != len(graph.Nodes) {
		remaining := make(map[NodeID]bool)
		for id, degree := range inDegree {
			if degree > 0 {
				remaining[id] = true
			}
		}
		return nil, &BuildFault{Code: FaultCycle, Cycle: shortestCycle(graph, remaining)}
	}

	return waves, nil
}

// ReverseWaves returns the wave list in destroy order.
func ReverseWaves(waves []Wave) []Wave {
	out := make([]Wave, len(waves))
	for i, wave := range waves {
		out[len(waves)-1-i] = wave
	}
	return out
}

// WaveIndex maps each node to its wave position.
func WaveIndex(waves []Wave) map[NodeID]int {
	index := make(map[NodeID]int)
	for i, wave := range waves {
		for _, id := range wave {
			index[id] = i
		}
	}
	return index
}

// shortestCycle finds a minimal cycle within the unplaced subgraph by
// breadth-first search from each member. The returned path repeats the
// starting node at the end.
func shortestCycle(graph *Graph, remaining map[NodeID]bool) []NodeID {
	starts := make([]NodeID, 0, len(remaining))
	for id := range remaining {
		starts = append(starts, id)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	var best []NodeID
	for _, start := range starts {
		cycle := bfsCycle(graph, remaining, start)
		if cycle != nil && (best == nil || len(cycle) < len(best)) {
			best = cycle
		}
	}
	return best
}

func bfsCycle(graph *Graph, remaining map[NodeID]bool, start NodeID) []NodeID {
	parent := make(map[NodeID]NodeID)
	queue := []NodeID{start}
	visited := map[NodeID]bool{start: true}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dep := range graph.Dependencies(id) {
			if !remaining[dep] {
				continue
			}
			if dep == start {
				// Walk parents back to the start to recover the path,
				// then emit it in dependency order with the loop closed.
				var back []NodeID
				for cur := id; cur != start; cur = parent[cur] {
					back = append(back, cur)
				}
				path := make([]NodeID, 0, len(back)+2)
				path = append(path, start)
				for i := len(back) - 1; i >= 0; i-- {
					path = append(path, back[i])
				}
				return append(path, start)
			}
			if !visited[dep] {
				visited[dep] = true
				parent[dep] = id
				queue = append(queue, dep)
			}
		}
	}
	return nil
}

func sortWave(wave Wave) {
	sort.Slice(wave, func(i, j int) bool { return wave[i] < wave[j] })
}
