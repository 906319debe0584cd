package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/sandboxws/isotope/pipeline/pkg/processor"
	"github.com/sandboxws/isotope/pipeline/pkg/processors"
)

// Factory creates the processor for a plan node.
type Factory func(node Node) (processor.Processor, error)

// Registry maps node types to factories. It is itself usable as a Factory
// through Registry.Create.
type Registry map[string]Factory

// Create builds the processor for node using the factory registered for its type.
func (r Registry) Create(node Node) (processor.Processor, error) {
	f, ok := r[node.Type]
	if !ok {
		return nil, fmt.Errorf("unknown processor type %q (known: %s)", node.Type, strings.Join(r.Types(), ", "))
	}
	return f(node)
}

// Types returns the registered type names in sorted order.
func (r Registry) Types() []string {
	types := make([]string, 0, len(r))
	for t := range r {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// With returns a copy of r extended with extra.
func (r Registry) With(extra Registry) Registry {
	out := make(Registry, len(r)+len(extra))
	for k, v := range r {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// StandardRegistry returns factories for the built-in transforms.
func StandardRegistry() Registry {
	return Registry{
		"resize": func(n Node) (processor.Processor, error) {
			return processors.NewResize(n.ID, n.IntArg("inputs", 1), n.IntArg("outputs", 1)), nil
		},
		"filter": func(n Node) (processor.Processor, error) {
			return processors.NewFilter(n.ID, n.StringArg("condition", ""))
		},
		"map": func(n Node) (processor.Processor, error) {
			return processors.NewMap(n.ID, n.StringMapArg("columns"))
		},
		"rename": func(n Node) (processor.Processor, error) {
			return processors.NewRename(n.ID, n.StringMapArg("columns")), nil
		},
		"drop": func(n Node) (processor.Processor, error) {
			return processors.NewDrop(n.ID, n.StringsArg("columns")), nil
		},
		"cast": func(n Node) (processor.Processor, error) {
			targets := make(map[string]arrow.DataType)
			for col, name := range n.StringMapArg("columns") {
				dt, err := ParseType(name)
				if err != nil {
					return nil, fmt.Errorf("cast %s: %w", col, err)
				}
				targets[col] = dt
			}
			return processors.NewCast(n.ID, targets), nil
		},
		"limit": func(n Node) (processor.Processor, error) {
			limit := n.IntArg("rows", -1)
			if limit < 0 {
				return nil, fmt.Errorf("limit %s: rows is required", n.ID)
			}
			return processors.NewLimit(n.ID, int64(limit)), nil
		},
		"route": func(n Node) (processor.Processor, error) {
			return processors.NewRoute(n.ID, n.StringsArg("conditions"))
		},
		"flatmap": func(n Node) (processor.Processor, error) {
			col := n.StringArg("column", "")
			if col == "" {
				return nil, fmt.Errorf("flatmap %s: column is required", n.ID)
			}
			return processors.NewFlatMap(n.ID, col), nil
		},
		"dependent": func(n Node) (processor.Processor, error) {
			return processors.NewDependentTransform(n.ID), nil
		},
	}
}

var typesByName = map[string]arrow.DataType{
	"bool":         arrow.FixedWidthTypes.Boolean,
	"int8":         arrow.PrimitiveTypes.Int8,
	"int16":        arrow.PrimitiveTypes.Int16,
	"int32":        arrow.PrimitiveTypes.Int32,
	"int64":        arrow.PrimitiveTypes.Int64,
	"uint8":        arrow.PrimitiveTypes.Uint8,
	"uint16":       arrow.PrimitiveTypes.Uint16,
	"uint32":       arrow.PrimitiveTypes.Uint32,
	"uint64":       arrow.PrimitiveTypes.Uint64,
	"float32":      arrow.PrimitiveTypes.Float32,
	"float64":      arrow.PrimitiveTypes.Float64,
	"utf8":         arrow.BinaryTypes.String,
	"string":       arrow.BinaryTypes.String,
	"large_utf8":   arrow.BinaryTypes.LargeString,
	"binary":       arrow.BinaryTypes.Binary,
	"date32":       arrow.FixedWidthTypes.Date32,
	"timestamp_ms": arrow.FixedWidthTypes.Timestamp_ms,
	"timestamp_us": arrow.FixedWidthTypes.Timestamp_us,
}

// ParseType resolves an Arrow type name used in plans.
func ParseType(name string) (arrow.DataType, error) {
	dt, ok := typesByName[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown arrow type %q", name)
	}
	return dt, nil
}

// SchemaOf converts declared plan fields to a nullable Arrow schema.
func SchemaOf(fields []Field) (*arrow.Schema, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: schema has no fields", ErrInvalidPlan)
	}
	out := make([]arrow.Field, len(fields))
	for i, f := range fields {
		dt, err := ParseType(f.Type)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		out[i] = arrow.Field{Name: f.Name, Type: dt, Nullable: true}
	}
	return arrow.NewSchema(out, nil), nil
}

// Build validates plan and wires its processors into a graph.
func Build(plan *Plan, factory Factory) (*Graph, error) {
	if err := ValidatePlan(plan); err != nil {
		return nil, err
	}

	g := NewGraph()
	byID := make(map[string]processor.Processor, len(plan.Processors))
	for _, n := range plan.Processors {
		p, err := factory(n)
		if err != nil {
			return nil, fmt.Errorf("create processor %s: %w", n.ID, err)
		}
		byID[n.ID] = p
		g.Add(p)
	}

	for i, e := range plan.Edges {
		from, to := byID[e.From], byID[e.To]
		if e.FromPort >= len(from.Outputs()) {
			return nil, invalid("edge[%d]: %s has %d outputs, port %d requested", i, e.From, len(from.Outputs()), e.FromPort)
		}
		if e.ToPort >= len(to.Inputs()) {
			return nil, invalid("edge[%d]: %s has %d inputs, port %d requested", i, e.To, len(to.Inputs()), e.ToPort)
		}
		if err := processor.Connect(from.Outputs()[e.FromPort], to.Inputs()[e.ToPort]); err != nil {
			return nil, fmt.Errorf("edge[%d] (%s -> %s): %w", i, e.From, e.To, err)
		}
	}

	for i, d := range plan.Dependencies {
		dep, ok := byID[d.Dependent].(processors.DependentProcessor)
		if !ok {
			return nil, invalid("dependency[%d]: %s is not a dependent processor", i, d.Dependent)
		}
		coord, ok := byID[d.Coordinator].(*processors.Coordinator)
		if !ok {
			return nil, invalid("dependency[%d]: %s is not a coordinator", i, d.Coordinator)
		}
		if err := dep.ConnectToScheduler(coord); err != nil {
			return nil, fmt.Errorf("dependency[%d] (%s -> %s): %w", i, d.Coordinator, d.Dependent, err)
		}
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}
