package scheduler

import (
	"fmt"
	"sync"
)

// depGraph tracks task dependencies and determines execution order.
// Ready tasks are always returned in declaration order so scheduling is
// deterministic. All methods are safe for concurrent use.
type depGraph struct {
	mu         sync.Mutex
	order      []string // declaration order of task ids
	tasks      map[string]*Task
	inDegree   map[string]int      // number of unmet dependencies
	dependents map[string][]string // tasks that depend on this task
	removed    map[string]bool
}

// newDepGraph builds a dependency graph from a list of tasks. It rejects
// unknown dependencies and cyclic task sets: the resolver breaks file cycles
// before tasks are constructed, so a cycle here is a caller bug.
func newDepGraph(tasks []Task) (*depGraph, error) {
	g := &depGraph{
		order:      make([]string, 0, len(tasks)),
		tasks:      make(map[string]*Task, len(tasks)),
		inDegree:   make(map[string]int, len(tasks)),
		dependents: make(map[string][]string, len(tasks)),
		removed:    make(map[string]bool),
	}

	for i := range tasks {
		t := &tasks[i]
		if t.ID == "" {
			return nil, fmt.Errorf("task at index %d has no id", i)
		}
		if _, dup := g.tasks[t.ID]; dup {
			return nil, fmt.Errorf("duplicate task id %s", t.ID)
		}
		g.order = append(g.order, t.ID)
		g.tasks[t.ID] = t
		g.inDegree[t.ID] = 0
	}

	for _, t := range tasks {
		for _, depID := range t.DependsOn {
			if _, exists := g.tasks[depID]; !exists {
				return nil, fmt.Errorf("task %s depends on non-existent task %s", t.ID, depID)
			}
			g.inDegree[t.ID]++
			g.dependents[depID] = append(g.dependents[depID], t.ID)
		}
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}

	return g, nil
}

// detectCycles uses Kahn's algorithm to verify the task set is acyclic.
func (g *depGraph) detectCycles() error {
	tempDegree := make(map[string]int, len(g.inDegree))
	for id, deg := range g.inDegree {
		tempDegree[id] = deg
	}

	var queue []string
	for _, id := range g.order {
		if tempDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	processed := 0
	for len(queue) > 0 {
		taskID := queue[0]
		queue = queue[1:]
		processed++

		for _, depID := range g.dependents[taskID] {
			tempDegree[depID]--
			if tempDegree[depID] == 0 {
				queue = append(queue, depID)
			}
		}
	}

	if processed != len(g.tasks) {
		return fmt.Errorf("circular dependency detected: %d tasks could not be ordered", len(g.tasks)-processed)
	}

	return nil
}

// ready returns all tasks with no unmet dependencies, in declaration order.
func (g *depGraph) ready() []*Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []*Task
	for _, id := range g.order {
		if !g.removed[id] && g.inDegree[id] == 0 {
			out = append(out, g.tasks[id])
		}
	}
	return out
}

// markCompleted removes a finished task and returns newly unblocked tasks
// in declaration order.
func (g *depGraph) markCompleted(taskID string) []*Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	newlyReady := make(map[string]bool)
	for _, depID := range g.dependents[taskID] {
		if g.removed[depID] {
			continue
		}
		g.inDegree[depID]--
		if g.inDegree[depID] == 0 {
			newlyReady[depID] = true
		}
	}
	g.removed[taskID] = true

	var out []*Task
	for _, id := range g.order {
		if newlyReady[id] {
			out = append(out, g.tasks[id])
		}
	}
	return out
}

// transitiveDependents returns every task downstream of taskID, in
// declaration order.
func (g *depGraph) transitiveDependents(taskID string) []*Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	reached := make(map[string]bool)
	stack := append([]string(nil), g.dependents[taskID]...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reached[id] {
			continue
		}
		reached[id] = true
		stack = append(stack, g.dependents[id]...)
	}

	var out []*Task
	for _, id := range g.order {
		if reached[id] && !g.removed[id] {
			out = append(out, g.tasks[id])
		}
	}
	return out
}

// remove drops a task from the graph without unblocking dependents, used
// when a task is failed outright.
func (g *depGraph) remove(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removed[taskID] = true
}
