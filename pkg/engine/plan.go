package engine

// Plan is the declarative description of a pipeline graph. Node types are
// resolved to processors by a Factory.
type Plan struct {
	Name         string       `yaml:"name"`
	Processors   []Node       `yaml:"processors"`
	Edges        []Edge       `yaml:"edges"`
	Dependencies []Dependency `yaml:"dependencies,omitempty"`
}

// Node describes one processor.
type Node struct {
	ID   string         `yaml:"id"`
	Type string         `yaml:"type"`
	Args map[string]any `yaml:"args,omitempty"`

	// InputSchema and OutputSchema are optional; when both ends of an edge
	// declare them they must agree.
	InputSchema  []Field `yaml:"input_schema,omitempty"`
	OutputSchema []Field `yaml:"output_schema,omitempty"`
}

// Field is a named column with an Arrow type name such as "int64" or "utf8".
type Field struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// Edge connects output port FromPort of From to input port ToPort of To.
type Edge struct {
	From     string `yaml:"from"`
	FromPort int    `yaml:"from_port,omitempty"`
	To       string `yaml:"to"`
	ToPort   int    `yaml:"to_port,omitempty"`
}

// Dependency gates Dependent on the signal of Coordinator.
type Dependency struct {
	Dependent   string `yaml:"dependent"`
	Coordinator string `yaml:"coordinator"`
}

// StringArg returns the string argument key, or def when it is absent.
func (n Node) StringArg(key, def string) string {
	if v, ok := n.Args[key].(string); ok {
		return v
	}
	return def
}

// IntArg returns the integer argument key, or def when it is absent. YAML and
// protobuf decoding yield different numeric types, all of which are accepted.
func (n Node) IntArg(key string, def int) int {
	switch v := n.Args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// StringMapArg returns a map-of-strings argument.
func (n Node) StringMapArg(key string) map[string]string {
	raw, ok := n.Args[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// StringsArg returns a list-of-strings argument.
func (n Node) StringsArg(key string) []string {
	raw, ok := n.Args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
