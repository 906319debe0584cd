package processor

import (
	"errors"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

type recordingNotifier struct {
	woken []ProcessorID
}

func (n *recordingNotifier) Notify(id ProcessorID) { n.woken = append(n.woken, id) }

type stubProcessor struct {
	Base
}

func (p *stubProcessor) Prepare() Status { return StatusFinished }
func (p *stubProcessor) Work() error     { return nil }

func connected(t *testing.T) (*OutputPort, *InputPort, *recordingNotifier) {
	t.Helper()
	n := &recordingNotifier{}
	out := &OutputPort{owner: NoProcessor}
	in := &InputPort{owner: NoProcessor}
	out.Attach(1, n)
	in.Attach(2, n)
	if err := Connect(out, in); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return out, in, n
}

func tagged(alloc memory.Allocator, tag int64) Chunk {
	schema := arrow.NewSchema([]arrow.Field{{Name: "tag", Type: arrow.PrimitiveTypes.Int64}}, nil)
	b := array.NewInt64Builder(alloc)
	defer b.Release()
	b.Append(tag)
	col := b.NewArray()
	defer col.Release()
	return NewChunk(array.NewRecord(schema, []arrow.Array{col}, 1))
}

func tagOf(c Chunk) int64 {
	return c.Record().Column(0).(*array.Int64).Value(0)
}

func TestPortFIFO(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	out, in, _ := connected(t)
	for i := int64(0); i < 3; i++ {
		if !out.CanPush() {
			t.Fatalf("push %d: port not free", i)
		}
		if err := out.Push(tagged(alloc, i)); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
		c, err := in.Pull()
		if err != nil {
			t.Fatalf("pull %d: %v", i, err)
		}
		if got := tagOf(c); got != i {
			t.Errorf("pull %d: got tag %d", i, got)
		}
		c.Release()
	}
}

func TestPortDoublePushIsViolation(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	out, in, _ := connected(t)
	if err := out.Push(tagged(alloc, 1)); err != nil {
		t.Fatalf("first push: %v", err)
	}
	second := tagged(alloc, 2)
	if err := out.Push(second); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("second push: expected ErrProtocolViolation, got %v", err)
	}
	second.Release()
	if err := out.Finish(); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("finish onto occupied port: expected ErrProtocolViolation, got %v", err)
	}
	in.Close()
}

func TestPortEndOfStream(t *testing.T) {
	out, in, _ := connected(t)

	if _, err := in.Pull(); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("pull from empty port: expected ErrWouldBlock, got %v", err)
	}
	if in.IsFinished() {
		t.Fatal("empty port reported finished")
	}
	if err := out.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if !in.IsFinished() || in.HasData() {
		t.Fatal("marker should finish the port without data")
	}
	if _, err := in.Pull(); !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("expected ErrEndOfStream, got %v", err)
	}
	if _, err := in.Pull(); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("pull after end: expected ErrProtocolViolation, got %v", err)
	}
	if err := out.Push(ControlChunk()); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("push after finish: expected ErrProtocolViolation, got %v", err)
	}
}

func TestPortFinishWithError(t *testing.T) {
	out, in, _ := connected(t)
	boom := errors.New("remote failed")
	if err := out.FinishWithError(boom); err != nil {
		t.Fatalf("FinishWithError: %v", err)
	}
	if _, err := in.Pull(); !errors.Is(err, boom) {
		t.Fatalf("expected carried error, got %v", err)
	}
}

func TestPortCloseReleasesPending(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	out, in, n := connected(t)
	if err := out.Push(tagged(alloc, 7)); err != nil {
		t.Fatalf("push: %v", err)
	}
	n.woken = nil
	in.Close()
	if !out.IsFinished() || out.CanPush() {
		t.Fatal("producer should observe the closed consumer")
	}
	if len(n.woken) != 1 || n.woken[0] != 1 {
		t.Fatalf("close should wake the producer, got %v", n.woken)
	}
	// Pushing into a closed port drops the chunk.
	if err := out.Push(tagged(alloc, 8)); err != nil {
		t.Fatalf("push after close: %v", err)
	}
}

func TestPortNotifiesPeers(t *testing.T) {
	out, in, n := connected(t)
	if err := out.Push(ControlChunk()); err != nil {
		t.Fatal(err)
	}
	if _, err := in.Pull(); err != nil {
		t.Fatal(err)
	}
	if err := out.Finish(); err != nil {
		t.Fatal(err)
	}
	want := []ProcessorID{2, 1, 2}
	if len(n.woken) != len(want) {
		t.Fatalf("woken = %v, want %v", n.woken, want)
	}
	for i := range want {
		if n.woken[i] != want[i] {
			t.Fatalf("woken = %v, want %v", n.woken, want)
		}
	}
}

func TestConnectTwice(t *testing.T) {
	out, in, _ := connected(t)
	other := &InputPort{owner: NoProcessor}
	if err := Connect(out, other); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
	second := &OutputPort{owner: NoProcessor}
	if err := Connect(second, in); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestReleasePortsDefersMarker(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	src := &stubProcessor{Base: NewBase("src", 0, 1)}
	in := &InputPort{owner: NoProcessor}
	if err := Connect(src.Output(0), in); err != nil {
		t.Fatal(err)
	}
	if err := src.Output(0).Push(tagged(alloc, 1)); err != nil {
		t.Fatal(err)
	}
	ReleasePorts(src)

	if !in.HasData() {
		t.Fatal("pending chunk must survive retirement of its producer")
	}
	c, err := in.Pull()
	if err != nil {
		t.Fatal(err)
	}
	c.Release()
	if _, err := in.Pull(); !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("expected ErrEndOfStream after pending chunk, got %v", err)
	}
}
