package remote

import (
	"context"

	"github.com/sandboxws/isotope/pipeline/pkg/processor"
)

// FromChunks returns an executor that emits the given chunks in order. Chunks
// not emitted because of cancellation are released.
func FromChunks(chunks ...processor.Chunk) Executor {
	return ExecutorFunc(func(ctx context.Context, emit func(processor.Chunk) error) error {
		for i, c := range chunks {
			if err := emit(c); err != nil {
				for _, rest := range chunks[i+1:] {
					rest.Release()
				}
				return err
			}
		}
		return nil
	})
}

// Failing returns an executor that emits the given chunks and then fails with err.
func Failing(err error, chunks ...processor.Chunk) Executor {
	inner := FromChunks(chunks...)
	return ExecutorFunc(func(ctx context.Context, emit func(processor.Chunk) error) error {
		if e := inner.Execute(ctx, emit); e != nil {
			return e
		}
		return err
	})
}
