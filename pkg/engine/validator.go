package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPlan is wrapped by every structural plan error.
var ErrInvalidPlan = errors.New("invalid plan")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPlan, fmt.Sprintf(format, args...))
}

// ValidatePlan checks the plan for structural integrity.
func ValidatePlan(plan *Plan) error {
	if plan.Name == "" {
		return invalid("name is required")
	}

	if len(plan.Processors) == 0 {
		return invalid("plan must contain at least one processor")
	}

	nodes := make(map[string]Node, len(plan.Processors))
	for _, n := range plan.Processors {
		if n.ID == "" {
			return invalid("processor has empty id")
		}
		if n.Type == "" {
			return invalid("processor %q has empty type", n.ID)
		}
		if _, exists := nodes[n.ID]; exists {
			return invalid("duplicate processor id: %s", n.ID)
		}
		nodes[n.ID] = n
	}

	type portRef struct {
		id   string
		port int
	}
	outs := make(map[portRef]int)
	ins := make(map[portRef]int)
	for i, edge := range plan.Edges {
		if _, ok := nodes[edge.From]; !ok {
			return invalid("edge[%d]: from %q does not exist", i, edge.From)
		}
		if _, ok := nodes[edge.To]; !ok {
			return invalid("edge[%d]: to %q does not exist", i, edge.To)
		}
		if edge.From == edge.To {
			return invalid("edge[%d]: self-loop on processor %q", i, edge.From)
		}
		if edge.FromPort < 0 || edge.ToPort < 0 {
			return invalid("edge[%d]: negative port index", i)
		}
		from := portRef{edge.From, edge.FromPort}
		if j, dup := outs[from]; dup {
			return invalid("edge[%d]: output %s:%d already used by edge[%d]", i, edge.From, edge.FromPort, j)
		}
		outs[from] = i
		to := portRef{edge.To, edge.ToPort}
		if j, dup := ins[to]; dup {
			return invalid("edge[%d]: input %s:%d already used by edge[%d]", i, edge.To, edge.ToPort, j)
		}
		ins[to] = i
	}

	for i, dep := range plan.Dependencies {
		if _, ok := nodes[dep.Dependent]; !ok {
			return invalid("dependency[%d]: dependent %q does not exist", i, dep.Dependent)
		}
		if _, ok := nodes[dep.Coordinator]; !ok {
			return invalid("dependency[%d]: coordinator %q does not exist", i, dep.Coordinator)
		}
		if dep.Dependent == dep.Coordinator {
			return invalid("dependency[%d]: %q depends on itself", i, dep.Dependent)
		}
	}

	if err := detectCycles(plan); err != nil {
		return err
	}

	return validateSchemaConsistency(plan, nodes)
}

// detectCycles performs a DFS-based cycle check over data edges and
// dependency signals.
func detectCycles(plan *Plan) error {
	adj := make(map[string][]string)
	for _, edge := range plan.Edges {
		adj[edge.From] = append(adj[edge.From], edge.To)
	}
	for _, dep := range plan.Dependencies {
		adj[dep.Coordinator] = append(adj[dep.Coordinator], dep.Dependent)
	}

	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // done
	)

	color := make(map[string]int)
	var path []string

	var dfs func(node string) error
	dfs = func(node string) error {
		color[node] = gray
		path = append(path, node)

		for _, next := range adj[node] {
			switch color[next] {
			case gray:
				start := 0
				for i, n := range path {
					if n == next {
						start = i
						break
					}
				}
				cycle := append(append([]string(nil), path[start:]...), next)
				return invalid("cycle detected: %s", strings.Join(cycle, " -> "))
			case white:
				if err := dfs(next); err != nil {
					return err
				}
			}
		}

		path = path[:len(path)-1]
		color[node] = black
		return nil
	}

	for _, n := range plan.Processors {
		if color[n.ID] == white {
			if err := dfs(n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateSchemaConsistency checks that connected processors declaring
// schemas agree on them.
func validateSchemaConsistency(plan *Plan, nodes map[string]Node) error {
	for i, edge := range plan.Edges {
		from := nodes[edge.From]
		to := nodes[edge.To]

		if from.OutputSchema == nil || to.InputSchema == nil {
			continue
		}

		if err := schemasCompatible(from.OutputSchema, to.InputSchema); err != nil {
			return invalid("edge[%d] (%s -> %s): schema mismatch: %v", i, edge.From, edge.To, err)
		}
	}
	return nil
}

// schemasCompatible checks for the same fields in the same order with the same types.
func schemasCompatible(output, input []Field) error {
	if len(output) != len(input) {
		return fmt.Errorf("field count mismatch: output has %d, input has %d", len(output), len(input))
	}

	for i := range output {
		of, inf := output[i], input[i]
		if of.Name != inf.Name {
			return fmt.Errorf("field[%d] name mismatch: output %q vs input %q", i, of.Name, inf.Name)
		}
		if !strings.EqualFold(of.Type, inf.Type) {
			return fmt.Errorf("field %q type mismatch: output %s vs input %s", of.Name, of.Type, inf.Type)
		}
	}
	return nil
}
