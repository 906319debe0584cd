package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"gopkg.in/yaml.v3"
)

// LoadPlan reads a plan from a file path. Files ending in .yaml or .yml are
// parsed as YAML, .json as protobuf JSON, and anything else as a serialized
// google.protobuf.Struct.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParsePlan(data)
	case ".json":
		s := &structpb.Struct{}
		if err := protojson.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("unmarshal plan json: %w", err)
		}
		return planFromStruct(s)
	default:
		return DeserializePlan(data)
	}
}

// ParsePlan parses a YAML plan.
func ParsePlan(data []byte) (*Plan, error) {
	plan := &Plan{}
	if err := yaml.Unmarshal(data, plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan yaml: %w", err)
	}
	return plan, nil
}

// DeserializePlan parses a plan serialized by SerializePlan.
func DeserializePlan(data []byte) (*Plan, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("unmarshal execution plan: %w", err)
	}
	return planFromStruct(s)
}

// SerializePlan encodes a plan as a binary google.protobuf.Struct.
func SerializePlan(plan *Plan) ([]byte, error) {
	s, err := planToStruct(plan)
	if err != nil {
		return nil, err
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(s)
}

// The Struct envelope mirrors the YAML layout, so both directions go through
// the YAML field names.
func planToStruct(plan *Plan) (*structpb.Struct, error) {
	raw, err := yaml.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("marshal plan: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("marshal plan: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("marshal plan: %w", err)
	}
	return s, nil
}

func planFromStruct(s *structpb.Struct) (*Plan, error) {
	raw, err := yaml.Marshal(s.AsMap())
	if err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return ParsePlan(raw)
}
