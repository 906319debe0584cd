//go:build !duckdb

package duckdb

import (
	"context"
	"errors"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ErrNotAvailable is returned when the binary was built without -tags duckdb.
var ErrNotAvailable = errors.New("duckdb: SQL transforms require building with -tags duckdb")

// Instance is unavailable in this build.
type Instance struct{}

func NewInstance(memory.Allocator, int64) (*Instance, error) {
	return nil, ErrNotAvailable
}

func (i *Instance) RegisterView(arrow.Record, string) error { return ErrNotAvailable }

func (i *Instance) Query(context.Context, string) (arrow.Record, error) {
	return nil, ErrNotAvailable
}

func (i *Instance) Close() error { return nil }
