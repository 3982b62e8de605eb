package graph

import (
	"sort"

	"github.com/kingrea/snapflow/internal/task"
)

// Edge records that To consumes something From produces (From -> To).
type Edge struct {
	From string
	To   string
}

// Graph is the built task DAG. Tasks keep declaration order.
type Graph struct {
	tasks      map[string]*task.Task
	order      []string
	index      map[string]int
	dependents map[string][]string
}

func newGraph(tasks map[string]*task.Task, order []string) *Graph {
	g := &Graph{
		tasks:      tasks,
		order:      append([]string(nil), order...),
		index:      make(map[string]int, len(order)),
		dependents: make(map[string][]string, len(order)),
	}
	for i, id := range g.order {
		g.index[id] = i
	}
	for _, id := range g.order {
		for _, dep := range tasks[id].Dependencies {
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}
	for id := range g.dependents {
		g.sortByOrder(g.dependents[id])
	}
	return g
}

// Len returns the number of tasks.
func (g *Graph) Len() int {
	return len(g.order)
}

// Tasks returns the tasks in declaration order.
func (g *Graph) Tasks() []*task.Task {
	out := make([]*task.Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.tasks[id])
	}
	return out
}

// Task retrieves a task by id.
func (g *Graph) Task(id string) (*task.Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

// Dependents returns the tasks that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// Downstream returns every direct and transitive dependent of id in
// declaration order.
func (g *Graph) Downstream(id string) []string {
	seen := map[string]bool{}
	var walk func(string)
	walk = func(cur string) {
		for _, next := range g.dependents[cur] {
			if seen[next] {
				continue
			}
			seen[next] = true
			walk(next)
		}
	}
	walk(id)
	out := make([]string, 0, len(seen))
	for dep := range seen {
		out = append(out, dep)
	}
	g.sortByOrder(out)
	return out
}

// Edges lists every dependency edge, ordered by consumer then producer
// declaration order.
func (g *Graph) Edges() []Edge {
	var edges []Edge
	for _, id := range g.order {
		deps := append([]string(nil), g.tasks[id].Dependencies...)
		g.sortByOrder(deps)
		for _, dep := range deps {
			edges = append(edges, Edge{From: dep, To: id})
		}
	}
	return edges
}

// TopoOrder returns task ids so that every dependency precedes its
// dependents; ties are broken by declaration order.
func (g *Graph) TopoOrder() []string {
	order := g.topoIndices()
	out := make([]string, 0, len(order))
	for _, idx := range order {
		out = append(out, g.order[idx])
	}
	return out
}

func (g *Graph) sortByOrder(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		return g.index[ids[i]] < g.index[ids[j]]
	})
}

func (g *Graph) topoIndices() []int {
	indeg := make([]int, len(g.order))
	for i, id := range g.order {
		indeg[i] = len(g.tasks[id].Dependencies)
	}
	// Declaration order is already ascending, so a sorted ready list keeps
	// the output deterministic.
	var ready []int
	for i, d := range indeg {
		if d == 0 {
			ready = append(ready, i)
		}
	}
	out := make([]int, 0, len(indeg))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		out = append(out, n)
		for _, dependent := range g.dependents[g.order[n]] {
			m := g.index[dependent]
			indeg[m]--
			if indeg[m] == 0 {
				ready = insertSorted(ready, m)
			}
		}
	}
	return out
}

func insertSorted(values []int, v int) []int {
	i := sort.SearchInts(values, v)
	values = append(values, 0)
	copy(values[i+1:], values[i:])
	values[i] = v
	return values
}

func (g *Graph) validateAcyclic() error {
	if len(g.topoIndices()) == len(g.order) {
		return nil
	}
	return cycleError(g.findCycle())
}

// findCycle returns one cycle as a path of ids that starts and ends on the
// same task.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.order))
	parent := make(map[string]string, len(g.order))
	var cycle []string
	var visit func(string) bool
	visit = func(u string) bool {
		color[u] = gray
		deps := append([]string(nil), g.tasks[u].Dependencies...)
		g.sortByOrder(deps)
		for _, v := range deps {
			switch color[v] {
			case white:
				parent[v] = u
				if visit(v) {
					return true
				}
			case gray:
				// u depends on v which is still on the stack.
				path := []string{u}
				for cur := u; cur != v; {
					cur = parent[cur]
					path = append(path, cur)
				}
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				cycle = append(path, v)
				return true
			}
		}
		color[u] = black
		return false
	}
	for _, id := range g.order {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}
