package kernels

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/go-cmp/cmp"
)

func TestEmptyStrings(t *testing.T) {
	// "", "ab", "", "c" with terminating zero bytes.
	offsets := []uint64{1, 4, 5, 7}
	if diff := cmp.Diff([]bool{true, false, true, false}, EmptyStrings(offsets, false)); diff != "" {
		t.Errorf("empty (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]bool{false, true, false, true}, EmptyStrings(offsets, true)); diff != "" {
		t.Errorf("notEmpty (-want +got):\n%s", diff)
	}
}

func TestEmptyArrays(t *testing.T) {
	// [], [1 2], [], [3]
	offsets := []uint64{0, 2, 2, 3}
	if diff := cmp.Diff([]bool{true, false, true, false}, EmptyArrays(offsets, false)); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if got := EmptyArrays([]uint64{}, false); len(got) != 0 {
		t.Errorf("expected no entries, got %v", got)
	}
}

func TestEmptyFixed(t *testing.T) {
	data := []byte{0, 0, 0, 1, 0, 0, 0, 0, 0}
	if diff := cmp.Diff([]bool{true, false, true}, EmptyFixed(data, 3, false)); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestEmptyUUIDs(t *testing.T) {
	ids := [][16]byte{{}, {15: 1}}
	if diff := cmp.Diff([]bool{true, false}, EmptyUUIDs(ids, false)); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]bool{false, true}, EmptyUUIDs(ids, true)); diff != "" {
		t.Errorf("negated (-want +got):\n%s", diff)
	}
}

func TestEmptyArrowString(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	b := array.NewStringBuilder(alloc)
	b.AppendValues([]string{"", "x", ""}, nil)
	b.AppendNull()
	arr := b.NewStringArray()
	b.Release()
	defer arr.Release()

	// A slice starting mid-array checks the explicit leading boundary.
	sliced := array.NewSlice(arr, 1, 4).(*array.String)
	defer sliced.Release()

	res, err := Empty(alloc, sliced, false)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Release()
	if res.Len() != 3 {
		t.Fatalf("expected 3 results, got %d", res.Len())
	}
	if res.Value(0) || !res.Value(1) || !res.IsNull(2) {
		t.Errorf("unexpected results: %v", res)
	}
}

func TestEmptyArrowList(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	lb := array.NewListBuilder(alloc, arrow.PrimitiveTypes.Int64)
	vb := lb.ValueBuilder().(*array.Int64Builder)
	lb.Append(true)
	lb.Append(true)
	vb.Append(1)
	vb.Append(2)
	arr := lb.NewListArray()
	lb.Release()
	defer arr.Release()

	res, err := Empty(alloc, arr, true)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Release()
	if res.Value(0) || !res.Value(1) {
		t.Errorf("notEmpty over lists: got %v", res)
	}
}

func TestEmptyArrowFixedSizeBinary(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	b := array.NewFixedSizeBinaryBuilder(alloc, &arrow.FixedSizeBinaryType{ByteWidth: 2})
	b.Append([]byte{0, 0})
	b.Append([]byte{0, 9})
	arr := b.NewFixedSizeBinaryArray()
	b.Release()
	defer arr.Release()

	res, err := Empty(alloc, arr, false)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Release()
	if !res.Value(0) || res.Value(1) {
		t.Errorf("got %v", res)
	}
}

func TestEmptyUnsupported(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	b := array.NewInt64Builder(alloc)
	b.Append(1)
	arr := b.NewInt64Array()
	b.Release()
	defer arr.Release()

	if _, err := Empty(alloc, arr, false); err == nil {
		t.Fatal("expected error for int64 input")
	}
}
