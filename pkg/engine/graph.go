package engine

import (
	"log/slog"
	"slices"

	"github.com/polisai/polis-runner/pkg/domain"
)

// ExecutionOrder returns node ids ordered so that for every connection A→B, A
// precedes B. Nodes that become ready at the same time keep their declaration
// order. When the graph contains a cycle the declaration order is returned
// unchanged and acyclic is false; the anomaly is logged, never raised.
func ExecutionOrder(nodes []domain.NodeSpec, connections []domain.ConnectionSpec, logger *slog.Logger) (order []string, acyclic bool) {
	if logger == nil {
		logger = slog.Default()
	}

	position := make(map[string]int, len(nodes))
	for i, node := range nodes {
		position[node.ID] = i
	}

	inDegree := make([]int, len(nodes))
	dependents := make([][]int, len(nodes))
	for _, conn := range connections {
		from, okFrom := position[conn.From]
		to, okTo := position[conn.To]
		if !okFrom || !okTo {
			continue
		}
		dependents[from] = append(dependents[from], to)
		inDegree[to]++
	}

	ready := make([]int, 0, len(nodes))
	for i := range nodes {
		if inDegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	order = make([]string, 0, len(nodes))
	for len(ready) > 0 {
		current := ready[0]
		ready = ready[1:]
		order = append(order, nodes[current].ID)

		deps := slices.Clone(dependents[current])
		slices.Sort(deps)
		for _, dep := range deps {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(nodes) {
		logger.Warn("cycle detected in pipeline graph, falling back to declaration order",
			"error", domain.ErrCycleDetected,
			"ordered", len(order),
			"nodes", len(nodes),
		)
		return declarationOrder(nodes), false
	}

	return order, true
}

func declarationOrder(nodes []domain.NodeSpec) []string {
	order := make([]string, len(nodes))
	for i, node := range nodes {
		order[i] = node.ID
	}
	return order
}
