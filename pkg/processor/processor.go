package processor

// Processor is a node in the execution graph.
//
// Prepare inspects the ports and reports what the processor can do next. It
// must not block, and calling it twice without an intervening Work or port
// event returns the same status. Work is only called after Prepare returned
// StatusHasReadyWork; it is CPU-bound and must not block either.
type Processor interface {
	Name() string
	Inputs() []*InputPort
	Outputs() []*OutputPort
	Prepare() Status
	Work() error
}

// Opener is implemented by processors that need the runtime context before
// their first Prepare.
type Opener interface {
	Open(ctx *Context) error
}

// AsyncProcessor is implemented by processors that report StatusWaitingOnAsync.
// The scheduler parks them under WakeToken until the token is signaled.
type AsyncProcessor interface {
	Processor
	WakeToken() WakeToken
}

// Expander is implemented by processors that report StatusWantsToExpandGraph.
// Expand returns new processors whose ports are already connected to ports the
// requester added to itself.
type Expander interface {
	Processor
	Expand() ([]Processor, error)
}

// Canceller is implemented by processors holding external work that should be
// aborted when the pipeline is cancelled.
type Canceller interface {
	Cancel()
}

// Base carries a processor's name and ports. Concrete processors embed it.
type Base struct {
	name    string
	inputs  []*InputPort
	outputs []*OutputPort
}

// NewBase creates a Base with the given number of unconnected ports.
func NewBase(name string, numInputs, numOutputs int) Base {
	b := Base{name: name}
	for range numInputs {
		b.AddInput()
	}
	for range numOutputs {
		b.AddOutput()
	}
	return b
}

func (b *Base) Name() string { return b.name }

func (b *Base) Inputs() []*InputPort { return b.inputs }

func (b *Base) Outputs() []*OutputPort { return b.outputs }

func (b *Base) Input(i int) *InputPort { return b.inputs[i] }

func (b *Base) Output(i int) *OutputPort { return b.outputs[i] }

// AddInput appends an unconnected input port. After the processor is in a
// graph, ports may only be added from Expand or during graph construction.
func (b *Base) AddInput() *InputPort {
	p := &InputPort{owner: NoProcessor}
	if len(b.inputs) > 0 {
		p.owner, p.notifier = b.inputs[0].owner, b.inputs[0].notifier
	} else if len(b.outputs) > 0 {
		p.owner, p.notifier = b.outputs[0].owner, b.outputs[0].notifier
	}
	b.inputs = append(b.inputs, p)
	return p
}

// AddOutput appends an unconnected output port.
func (b *Base) AddOutput() *OutputPort {
	p := &OutputPort{owner: NoProcessor}
	if len(b.outputs) > 0 {
		p.owner, p.notifier = b.outputs[0].owner, b.outputs[0].notifier
	} else if len(b.inputs) > 0 {
		p.owner, p.notifier = b.inputs[0].owner, b.inputs[0].notifier
	}
	b.outputs = append(b.outputs, p)
	return p
}

// AllInputsFinished reports whether every input is finished.
func AllInputsFinished(p Processor) bool {
	for _, in := range p.Inputs() {
		if !in.IsFinished() {
			return false
		}
	}
	return true
}

// AllOutputsClosed reports whether every output has been closed by its consumer.
func AllOutputsClosed(p Processor) bool {
	outs := p.Outputs()
	if len(outs) == 0 {
		return false
	}
	for _, out := range outs {
		if !out.IsClosed() {
			return false
		}
	}
	return true
}

// ReleasePorts detaches a retired processor from its peers: inputs are closed,
// releasing pending chunks, and unfinished outputs are finished after any
// chunk still waiting in them.
func ReleasePorts(p Processor) {
	for _, in := range p.Inputs() {
		in.Close()
	}
	for _, out := range p.Outputs() {
		out.abandon()
	}
}

// DiscardPorts releases every chunk held in the processor's ports. It is
// used during teardown, when no consumer will run again.
func DiscardPorts(p Processor) {
	for _, in := range p.Inputs() {
		in.Close()
	}
	for _, out := range p.Outputs() {
		s := out.state
		if s == nil {
			continue
		}
		s.mu.Lock()
		pending := s.chunk
		s.chunk, s.slot, s.pendingEnd = Chunk{}, slotEmpty, false
		s.ended = true
		s.mu.Unlock()
		pending.Release()
	}
}
