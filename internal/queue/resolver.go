package queue

import "sort"

// EdgeView is the minimal shape DependencyResolver needs from a stored
// edge: who depends on whom, and whether that edge is still open.
type EdgeView struct {
	DependentID    string
	PrerequisiteID string
	Resolved       bool
}

// StatusLookup resolves a task id to its current status, used by
// UnmetPrerequisites/ReadyTasks to decide whether an edge is satisfied.
type StatusLookup func(taskID string) (Status, bool)

// DependencyResolver is a pure, stateless graph computation over an
// edge set handed to it per call. It performs no I/O; Store snapshots
// the edges for the enclosing transaction and passes them in.
//
// Cycle detection follows the three-color DFS marking: white (unvisited),
// gray (on the current DFS stack), black (fully processed). A back-edge
// to a gray node is a cycle.
type DependencyResolver struct{}

// NewDependencyResolver constructs a DependencyResolver. It is stateless
// and safe for concurrent use.
func NewDependencyResolver() *DependencyResolver {
	return &DependencyResolver{}
}

// DetectCyclesOnAdd builds the dependent->prerequisite adjacency from
// existing edges, overlays the proposed new edges, and reports whether
// the result is still acyclic. On a cycle it returns the offending path
// (dependent-first) for diagnostics.
func (dr *DependencyResolver) DetectCyclesOnAdd(existing []EdgeView, proposed []EdgeView) (cyclePath []string, hasCycle bool) {
	adj := make(map[string][]string)
	nodes := make(map[string]struct{})
	addEdge := func(e EdgeView) {
		adj[e.DependentID] = append(adj[e.DependentID], e.PrerequisiteID)
		nodes[e.DependentID] = struct{}{}
		nodes[e.PrerequisiteID] = struct{}{}
	}
	for _, e := range existing {
		addEdge(e)
	}
	for _, e := range proposed {
		addEdge(e)
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))
	for n := range nodes {
		color[n] = white
	}

	var path []string
	var dfs func(node string) []string
	dfs = func(node string) []string {
		color[node] = gray
		path = append(path, node)
		for _, next := range adj[node] {
			switch color[next] {
			case gray:
				// Found the back-edge; trim path to the cycle itself.
				start := 0
				for i, n := range path {
					if n == next {
						start = i
						break
					}
				}
				cycle := make([]string, len(path)-start)
				copy(cycle, path[start:])
				cycle = append(cycle, next)
				return cycle
			case white:
				if cyc := dfs(next); cyc != nil {
					return cyc
				}
			}
		}
		color[node] = black
		path = path[:len(path)-1]
		return nil
	}

	// Deterministic iteration order keeps cycle diagnostics stable.
	ordered := make([]string, 0, len(nodes))
	for n := range nodes {
		ordered = append(ordered, n)
	}
	sort.Strings(ordered)

	for _, n := range ordered {
		if color[n] == white {
			if cyc := dfs(n); cyc != nil {
				return cyc, true
			}
		}
	}
	return nil, false
}

// CalculateDepth computes dependency_depth for id via memoized DFS over
// prerequisite edges: depth 0 for a task with no prerequisites, else
// 1 + max(depth of prerequisite). Assumes the edge set is acyclic —
// cycles must already have been rejected by DetectCyclesOnAdd.
func (dr *DependencyResolver) CalculateDepth(id string, edgesByDependent map[string][]string) int {
	memo := make(map[string]int)
	var depth func(node string) int
	depth = func(node string) int {
		if d, ok := memo[node]; ok {
			return d
		}
		prereqs := edgesByDependent[node]
		if len(prereqs) == 0 {
			memo[node] = 0
			return 0
		}
		max := 0
		for _, p := range prereqs {
			if d := depth(p); d+1 > max {
				max = d + 1
			}
		}
		memo[node] = max
		return max
	}
	return depth(id)
}

// TransitiveDependents performs a BFS over the reverse edge direction
// (who depends on id, and who depends on those, ...) and returns every
// reachable dependent. Used by cascade cancellation/failure.
func (dr *DependencyResolver) TransitiveDependents(id string, dependentsByPrerequisite map[string][]string) []string {
	visited := make(map[string]struct{})
	queue := append([]string{}, dependentsByPrerequisite[id]...)
	var out []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		if _, seen := visited[node]; seen {
			continue
		}
		visited[node] = struct{}{}
		out = append(out, node)
		queue = append(queue, dependentsByPrerequisite[node]...)
	}
	return out
}

// UnmetPrerequisites filters prereqIDs to those whose status is not completed.
func (dr *DependencyResolver) UnmetPrerequisites(prereqIDs []string, lookup StatusLookup) []string {
	var unmet []string
	for _, p := range prereqIDs {
		status, ok := lookup(p)
		if !ok || status != StatusCompleted {
			unmet = append(unmet, p)
		}
	}
	return unmet
}

// ReadyTasks filters candidateIDs to those with no unresolved prerequisite
// edge, given the dependent->prerequisite adjacency restricted to open edges.
func (dr *DependencyResolver) ReadyTasks(candidateIDs []string, unresolvedByDependent map[string][]string) []string {
	var ready []string
	for _, id := range candidateIDs {
		if len(unresolvedByDependent[id]) == 0 {
			ready = append(ready, id)
		}
	}
	return ready
}

// LayeredPlan computes a Kahn's-algorithm layered topological sort
// restricted to ids: batch 0 holds ids with no prerequisite inside the
// set, batch k+1 holds ids whose in-set prerequisites are all in batches
// 0..k. Returns an error-shaped nil+false on cycle; the caller maps that
// to CircularDependency.
func (dr *DependencyResolver) LayeredPlan(ids []string, prereqsByID map[string][]string) (batches [][]string, ok bool) {
	inSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		inSet[id] = struct{}{}
	}

	// Restrict prerequisite lists to the input set and count them.
	remaining := make(map[string]int, len(ids))
	dependents := make(map[string][]string)
	for _, id := range ids {
		var count int
		for _, p := range prereqsByID[id] {
			if _, in := inSet[p]; in {
				count++
				dependents[p] = append(dependents[p], id)
			}
		}
		remaining[id] = count
	}

	processed := make(map[string]struct{}, len(ids))
	for len(processed) < len(ids) {
		var wave []string
		for _, id := range ids {
			if _, done := processed[id]; done {
				continue
			}
			if remaining[id] == 0 {
				wave = append(wave, id)
			}
		}
		if len(wave) == 0 {
			return nil, false
		}
		sort.Strings(wave)
		batches = append(batches, wave)
		for _, id := range wave {
			processed[id] = struct{}{}
			for _, dep := range dependents[id] {
				remaining[dep]--
			}
		}
	}
	return batches, true
}
