package processor

import (
	"fmt"
	"sync"
)

// ProcessorID indexes a processor in its graph.
type ProcessorID int

// NoProcessor marks a port that is not attached to a graph yet.
const NoProcessor ProcessorID = -1

// Notifier is told which processor should be re-polled after a port event.
type Notifier interface {
	Notify(id ProcessorID)
}

type slotKind uint8

const (
	slotEmpty slotKind = iota
	slotChunk
	slotEnd
)

// portState is shared by the two ends of a connection.
type portState struct {
	mu    sync.Mutex
	slot  slotKind
	chunk Chunk
	err   error

	// ended is set once the producer finished. With pendingEnd the marker is
	// placed in the slot only after the pending chunk is pulled.
	ended      bool
	pendingEnd bool
	// closed is set once the consumer no longer wants data.
	closed bool
	// drained is set once the consumer pulled the end marker.
	drained bool

	producer ProcessorID
	consumer ProcessorID
	notifier Notifier
}

func (s *portState) wake(id ProcessorID) func() {
	n := s.notifier
	if n == nil || id == NoProcessor {
		return func() {}
	}
	return func() { n.Notify(id) }
}

// OutputPort is the producing end of a connection.
type OutputPort struct {
	owner    ProcessorID
	notifier Notifier
	state    *portState
}

// InputPort is the consuming end of a connection.
type InputPort struct {
	owner    ProcessorID
	notifier Notifier
	state    *portState
}

// Connect joins an output port to an input port. Each port can be connected once.
func Connect(out *OutputPort, in *InputPort) error {
	if out.state != nil || in.state != nil {
		return ErrAlreadyConnected
	}
	s := &portState{producer: out.owner, consumer: in.owner}
	s.notifier = out.notifier
	if s.notifier == nil {
		s.notifier = in.notifier
	}
	out.state = s
	in.state = s
	return nil
}

// Attach records the processor owning the port and the notifier that receives
// its events. The graph calls it when the owning processor is added.
func (p *OutputPort) Attach(owner ProcessorID, n Notifier) {
	p.owner, p.notifier = owner, n
	if s := p.state; s != nil {
		s.mu.Lock()
		s.producer = owner
		if n != nil {
			s.notifier = n
		}
		s.mu.Unlock()
	}
}

// Attach records the processor owning the port and the notifier that receives
// its events.
func (p *InputPort) Attach(owner ProcessorID, n Notifier) {
	p.owner, p.notifier = owner, n
	if s := p.state; s != nil {
		s.mu.Lock()
		s.consumer = owner
		if n != nil {
			s.notifier = n
		}
		s.mu.Unlock()
	}
}

// IsConnected reports whether the port has a peer.
func (p *OutputPort) IsConnected() bool { return p.state != nil }

// Peer returns the id of the consuming processor.
func (p *OutputPort) Peer() ProcessorID {
	if p.state == nil {
		return NoProcessor
	}
	p.state.mu.Lock()
	defer p.state.mu.Unlock()
	return p.state.consumer
}

// CanPush reports whether Push would succeed and the consumer still wants data.
func (p *OutputPort) CanPush() bool {
	s := p.state
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slot == slotEmpty && !s.ended && !s.closed
}

// IsFinished reports whether the port accepts no more data, either because
// the producer finished it or because the consumer closed its end.
func (p *OutputPort) IsFinished() bool {
	s := p.state
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended || s.closed
}

// IsClosed reports whether the consumer closed its end.
func (p *OutputPort) IsClosed() bool {
	s := p.state
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Push places c in the slot and hands ownership to the port. A push onto a
// port whose consumer has closed releases the chunk and succeeds.
func (p *OutputPort) Push(c Chunk) error {
	s := p.state
	if s == nil {
		return fmt.Errorf("%w: push on unconnected port", ErrProtocolViolation)
	}
	s.mu.Lock()
	switch {
	case s.ended:
		s.mu.Unlock()
		return fmt.Errorf("%w: push after finish", ErrProtocolViolation)
	case s.closed:
		s.mu.Unlock()
		c.Release()
		return nil
	case s.slot != slotEmpty:
		s.mu.Unlock()
		return fmt.Errorf("%w: push onto occupied port", ErrProtocolViolation)
	}
	s.slot, s.chunk = slotChunk, c
	wake := s.wake(s.consumer)
	s.mu.Unlock()
	wake()
	return nil
}

// Finish places a clean end-of-stream marker in the slot.
func (p *OutputPort) Finish() error { return p.FinishWithError(nil) }

// FinishWithError places an end-of-stream marker carrying err in the slot.
// Finishing an already finished port is a no-op.
func (p *OutputPort) FinishWithError(err error) error {
	s := p.state
	if s == nil {
		return fmt.Errorf("%w: finish on unconnected port", ErrProtocolViolation)
	}
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	if s.slot != slotEmpty {
		s.mu.Unlock()
		return fmt.Errorf("%w: finish onto occupied port", ErrProtocolViolation)
	}
	s.ended = true
	wake := func() {}
	if !s.closed {
		s.slot, s.err = slotEnd, err
		wake = s.wake(s.consumer)
	}
	s.mu.Unlock()
	wake()
	return nil
}

// abandon finishes the port on behalf of a retired producer. A pending chunk
// stays deliverable and the marker follows it.
func (p *OutputPort) abandon() {
	s := p.state
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	wake := func() {}
	switch {
	case s.closed:
	case s.slot == slotChunk:
		s.pendingEnd = true
	default:
		s.slot = slotEnd
		wake = s.wake(s.consumer)
	}
	s.mu.Unlock()
	wake()
}

// IsConnected reports whether the port has a peer.
func (p *InputPort) IsConnected() bool { return p.state != nil }

// Peer returns the id of the producing processor.
func (p *InputPort) Peer() ProcessorID {
	if p.state == nil {
		return NoProcessor
	}
	p.state.mu.Lock()
	defer p.state.mu.Unlock()
	return p.state.producer
}

// HasData reports whether a chunk is waiting to be pulled.
func (p *InputPort) HasData() bool {
	s := p.state
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slot == slotChunk
}

// IsFinished reports whether no more chunks will arrive: the end marker is
// held or consumed, or the port was closed.
func (p *InputPort) IsFinished() bool {
	s := p.state
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slot == slotEnd || s.drained || s.closed
}

// Pull takes the pending chunk. It returns ErrWouldBlock on an empty port and
// ErrEndOfStream, or the error the producer finished with, once the marker is
// reached.
func (p *InputPort) Pull() (Chunk, error) {
	s := p.state
	if s == nil {
		return Chunk{}, fmt.Errorf("%w: pull on unconnected port", ErrProtocolViolation)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Chunk{}, fmt.Errorf("%w: pull from closed port", ErrProtocolViolation)
	}
	switch s.slot {
	case slotChunk:
		c := s.chunk
		s.chunk = Chunk{}
		s.slot = slotEmpty
		if s.pendingEnd {
			s.slot, s.pendingEnd = slotEnd, false
		}
		wake := s.wake(s.producer)
		s.mu.Unlock()
		wake()
		return c, nil
	case slotEnd:
		err := s.err
		s.slot, s.err, s.drained = slotEmpty, nil, true
		s.mu.Unlock()
		if err == nil {
			err = ErrEndOfStream
		}
		return Chunk{}, err
	}
	drained := s.drained
	s.mu.Unlock()
	if drained {
		return Chunk{}, fmt.Errorf("%w: pull after end of stream", ErrProtocolViolation)
	}
	return Chunk{}, ErrWouldBlock
}

// Close tells the producer that no more data is wanted and releases a
// pending chunk. Closing twice is a no-op.
func (p *InputPort) Close() {
	s := p.state
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := s.chunk
	s.chunk, s.err, s.pendingEnd = Chunk{}, nil, false
	if s.slot == slotEnd {
		s.drained = true
	}
	s.slot = slotEmpty
	wake := func() {}
	if !s.ended {
		wake = s.wake(s.producer)
	}
	s.mu.Unlock()
	pending.Release()
	wake()
}
