package processor

import (
	"github.com/apache/arrow-go/v18/arrow"
)

// Chunk is the unit of data moved through ports. It owns one reference to its
// record; whoever holds the chunk must either push it on or Release it.
//
// A chunk without a record is a control chunk. Control chunks carry no rows and
// are used for out-of-band signals such as dependency readiness.
type Chunk struct {
	rec arrow.Record
}

// NewChunk wraps a record. Ownership of the caller's reference moves into the chunk.
func NewChunk(rec arrow.Record) Chunk {
	return Chunk{rec: rec}
}

// ControlChunk returns a chunk that carries no data.
func ControlChunk() Chunk {
	return Chunk{}
}

// Record returns the wrapped record, or nil for control chunks.
func (c Chunk) Record() arrow.Record { return c.rec }

// IsControl reports whether the chunk carries no record.
func (c Chunk) IsControl() bool { return c.rec == nil }

// NumRows returns the number of rows in the chunk.
func (c Chunk) NumRows() int64 {
	if c.rec == nil {
		return 0
	}
	return c.rec.NumRows()
}

// Release drops the chunk's reference to its record.
func (c Chunk) Release() {
	if c.rec != nil {
		c.rec.Release()
	}
}
