package resolver

// topoSort orders nodes depth-first so that every referenced file appears
// before the files that reference it. Nodes are visited in the given input
// order, which makes the result deterministic. A back edge to a file already
// on the DFS stack records the cycle and is not followed, so the sort always
// terminates and always yields a total order covering every node exactly
// once, even for cyclic graphs.
func topoSort(nodes []string, graph map[string][]string) ([]string, [][]string) {
	const (
		unvisited = iota
		onStack
		done
	)

	state := make(map[string]int, len(nodes))
	var stack []string
	order := make([]string, 0, len(nodes))
	var cycles [][]string

	var visit func(node string)
	visit = func(node string) {
		state[node] = onStack
		stack = append(stack, node)

		for _, dep := range graph[node] {
			switch state[dep] {
			case unvisited:
				visit(dep)
			case onStack:
				cycles = append(cycles, cycleFrom(stack, dep))
			}
			// done: nothing to do
		}

		stack = stack[:len(stack)-1]
		state[node] = done
		order = append(order, node)
	}

	for _, node := range nodes {
		if state[node] == unvisited {
			visit(node)
		}
	}

	return order, cycles
}

// cycleFrom extracts the cycle members from the DFS stack, starting at the
// revisited node.
func cycleFrom(stack []string, start string) []string {
	for i, node := range stack {
		if node == start {
			return append([]string(nil), stack[i:]...)
		}
	}
	// start is always on the stack when this is called
	return []string{start}
}
