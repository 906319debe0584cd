// Package duckdb runs SQL over micro-batches with an embedded DuckDB. Builds
// without the "duckdb" tag keep the API, but opening a SQL transform fails
// with ErrNotAvailable.
package duckdb

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/sandboxws/isotope/pipeline/pkg/processor"
	"github.com/sandboxws/isotope/pipeline/pkg/processors"
)

// InputView is the view name each incoming record is registered under.
const InputView = "input"

type sqlStage struct {
	query       string
	memoryLimit int64
	ctx         *processor.Context
	inst        *Instance
}

// NewSQLTransform creates a transform that runs query once per incoming
// record, with the record visible as the view "input". memoryLimit is in
// bytes; zero uses the default.
func NewSQLTransform(name, query string, memoryLimit int64) *processors.Transform {
	return processors.NewTransform(name, &sqlStage{query: query, memoryLimit: memoryLimit})
}

func (s *sqlStage) Open(ctx *processor.Context) error {
	inst, err := NewInstance(ctx.Alloc, s.memoryLimit)
	if err != nil {
		return fmt.Errorf("sql: %w", err)
	}
	s.ctx, s.inst = ctx, inst
	return nil
}

func (s *sqlStage) Apply(rec arrow.Record) (arrow.Record, error) {
	if err := s.inst.RegisterView(rec, InputView); err != nil {
		return nil, fmt.Errorf("sql: %w", err)
	}
	out, err := s.inst.Query(s.ctx.Ctx, s.query)
	if err != nil {
		return nil, fmt.Errorf("sql: %w", err)
	}
	return out, nil
}

func (s *sqlStage) Close() error {
	if s.inst == nil {
		return nil
	}
	err := s.inst.Close()
	s.inst = nil
	return err
}
