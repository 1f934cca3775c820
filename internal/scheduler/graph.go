package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"
)

// graph is one submission. Tasks live in an arena; edges are index lists in
// both directions so nothing holds a pointer back to its dependents.
type graph struct {
	created    time.Time
	finished   time.Time
	id         string
	nodes      []*node
	bestEffort bool
}

type node struct {
	readyAt    time.Time
	cancel     context.CancelFunc
	task       Task
	sel        target
	timeout    time.Duration
	deps       []int
	dependents []int
	slots      []string // devices whose concurrency slot this task holds
	token      uint64   // bumped on every dispatch and cancellation
}

func (g *graph) done() bool {
	for _, n := range g.nodes {
		if !n.task.Status.Terminal() {
			return false
		}
	}
	return true
}

// buildGraph validates specs and lays them out in an arena. exists reports
// task ids already owned by other graphs.
func buildGraph(specs []TaskSpec, opts SubmitOptions, exists func(string) bool, now time.Time) (*graph, error) {
	if len(specs) == 0 {
		return nil, &SchedulingError{Err: ErrEmptyGraph}
	}
	g := &graph{
		id:         opts.GraphID,
		created:    now,
		bestEffort: opts.BestEffort,
		nodes:      make([]*node, len(specs)),
	}
	if g.id == "" {
		g.id = uuid.NewString()
	}

	index := make(map[string]int, len(specs))
	for i, sp := range specs {
		id := strings.TrimSpace(sp.ID)
		if id == "" {
			id = uuid.NewString()
		}
		if _, dup := index[id]; dup || exists(id) {
			return nil, reject(ErrDuplicateTask, id, "id already in use")
		}
		if strings.TrimSpace(sp.Command) == "" {
			return nil, reject(ErrInvalidTask, id, "missing command")
		}
		index[id] = i

		sel := sp.Selector
		if sel == nil {
			sel = opts.Selector
		}
		tgt, err := parseSelector(sel)
		if err != nil {
			return nil, reject(ErrInvalidSelector, id, "%v", err)
		}
		var wire Selector
		if sel != nil {
			wire = *sel
		}
		g.nodes[i] = &node{
			sel:     tgt,
			timeout: time.Duration(sp.TimeoutMS) * time.Millisecond,
			task: Task{
				ID:           id,
				GraphID:      g.id,
				Command:      sp.Command,
				Params:       sp.Params,
				Dependencies: slices.Clone(sp.Dependencies),
				Selector:     wire,
				Status:       StatusPending,
				CreatedAt:    now,
				UpdatedAt:    now,
			},
		}
	}

	for i, n := range g.nodes {
		for _, dep := range n.task.Dependencies {
			j, ok := index[dep]
			if !ok {
				return nil, reject(ErrUnknownDependency, n.task.ID, "%q is not part of the graph", dep)
			}
			if slices.Contains(n.deps, j) {
				continue
			}
			n.deps = append(n.deps, j)
			g.nodes[j].dependents = append(g.nodes[j].dependents, i)
		}
	}

	if cyc := g.cycle(); cyc != "" {
		return nil, reject(ErrCyclicGraph, cyc, "topological sort failed")
	}
	return g, nil
}

// cycle runs Kahn's algorithm and returns the id of a task left on a cycle,
// or "" when the graph is acyclic.
func (g *graph) cycle() string {
	indeg := make([]int, len(g.nodes))
	for i, n := range g.nodes {
		indeg[i] = len(n.deps)
	}
	queue := make([]int, 0, len(g.nodes))
	for i, d := range indeg {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	visited := 0
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		visited++
		for _, j := range g.nodes[i].dependents {
			indeg[j]--
			if indeg[j] == 0 {
				queue = append(queue, j)
			}
		}
	}
	if visited == len(g.nodes) {
		return ""
	}
	for i, d := range indeg {
		if d > 0 {
			return g.nodes[i].task.ID
		}
	}
	return ""
}

// descendants returns every transitive dependent of i.
func (g *graph) descendants(i int) []int {
	seen := make([]bool, len(g.nodes))
	var out []int
	stack := slices.Clone(g.nodes[i].dependents)
	for len(stack) > 0 {
		j := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[j] {
			continue
		}
		seen[j] = true
		out = append(out, j)
		stack = append(stack, g.nodes[j].dependents...)
	}
	slices.Sort(out)
	return out
}
