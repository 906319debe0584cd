// Package kernels holds vectorized per-value column scans.
package kernels

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Offset is an integer type used for end offsets.
type Offset interface {
	~int32 | ~int64 | ~uint32 | ~uint64
}

// EmptyStrings scans zero-terminated string offsets: offsets[i] is the end of
// entry i including its terminating zero byte, so an empty entry advances the
// offset by exactly one. The leading boundary is implicitly 1.
func EmptyStrings[O Offset](offsets []O, negate bool) []bool {
	res := make([]bool, len(offsets))
	prev := O(1)
	for i, off := range offsets {
		res[i] = negate != (off == prev)
		prev = off + 1
	}
	return res
}

// EmptyArrays scans array end offsets with an implicit leading boundary of 0.
func EmptyArrays[O Offset](offsets []O, negate bool) []bool {
	return emptyFrom(offsets, 0, negate)
}

func emptyFrom[O Offset](offsets []O, first O, negate bool) []bool {
	res := make([]bool, len(offsets))
	prev := first
	for i, off := range offsets {
		res[i] = negate != (off == prev)
		prev = off
	}
	return res
}

// EmptyFixed scans fixed-width values of n bytes each. A value is empty when
// all of its bytes are zero. A trailing partial value is ignored.
func EmptyFixed(data []byte, n int, negate bool) []bool {
	if n <= 0 {
		return nil
	}
	res := make([]bool, len(data)/n)
	for i := range res {
		res[i] = negate != allZero(data[i*n:(i+1)*n])
	}
	return res
}

// EmptyUUIDs reports the zero UUID as empty.
func EmptyUUIDs(ids [][16]byte, negate bool) []bool {
	res := make([]bool, len(ids))
	for i, id := range ids {
		res[i] = negate != (id == [16]byte{})
	}
	return res
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// Empty evaluates the scan over an Arrow array and returns a boolean array of
// the same length. Null entries stay null. Arrow offsets carry an explicit
// leading boundary, which replaces the implicit one of the raw kernels.
func Empty(alloc memory.Allocator, arr arrow.Array, negate bool) (*array.Boolean, error) {
	var res []bool
	switch a := arr.(type) {
	case *array.String:
		res = emptyByOffsets(a.ValueOffsets(), negate)
	case *array.LargeString:
		res = emptyByOffsets(a.ValueOffsets(), negate)
	case *array.Binary:
		res = emptyByOffsets(a.ValueOffsets(), negate)
	case *array.LargeBinary:
		res = emptyByOffsets(a.ValueOffsets(), negate)
	case array.ListLike:
		res = make([]bool, a.Len())
		for i := range res {
			start, end := a.ValueOffsets(i)
			res[i] = negate != (start == end)
		}
	case *array.FixedSizeBinary:
		res = make([]bool, a.Len())
		for i := range res {
			res[i] = negate != allZero(a.Value(i))
		}
	default:
		return nil, fmt.Errorf("empty: unsupported type %s", arr.DataType())
	}

	b := array.NewBooleanBuilder(alloc)
	defer b.Release()
	b.Reserve(len(res))
	for i, v := range res {
		if arr.IsNull(i) {
			b.AppendNull()
			continue
		}
		b.Append(v)
	}
	return b.NewBooleanArray(), nil
}

func emptyByOffsets[O Offset](offsets []O, negate bool) []bool {
	if len(offsets) == 0 {
		return nil
	}
	return emptyFrom(offsets[1:], offsets[0], negate)
}
