package processors

import (
	"errors"
	"fmt"

	"github.com/sandboxws/isotope/pipeline/pkg/processor"
)

// multiplexer moves chunks from any input to any output. Inputs and outputs
// are each scanned in rotation starting after the last one served, so an
// input holding data is passed over at most len(inputs)-1 times in a row.
type multiplexer struct {
	nextIn, nextOut int
	selIn, selOut   int
	ended           []bool // per input: end marker consumed
	err             error
	moved           int64
}

func newMultiplexer() multiplexer {
	return multiplexer{selIn: -1, selOut: -1}
}

func (m *multiplexer) prepare(inputs []*processor.InputPort, outputs []*processor.OutputPort) processor.Status {
	if m.err != nil || m.selIn >= 0 {
		return processor.StatusHasReadyWork
	}
	if allClosed(outputs) {
		for _, in := range inputs {
			in.Close()
		}
		return processor.StatusFinished
	}
	for len(m.ended) < len(inputs) {
		m.ended = append(m.ended, false)
	}

	allEnded := true
	for i, in := range inputs {
		if m.ended[i] {
			continue
		}
		if in.HasData() || !in.IsFinished() {
			allEnded = false
			continue
		}
		_, err := in.Pull()
		m.ended[i] = true
		if err != nil && !errors.Is(err, processor.ErrEndOfStream) {
			m.err = err
			return processor.StatusHasReadyWork
		}
	}

	in := pick(len(inputs), m.nextIn, func(i int) bool { return inputs[i].HasData() })
	if in < 0 {
		if !allEnded {
			return processor.StatusNeedsMoreInput
		}
		return finishAll(outputs)
	}
	out := pick(len(outputs), m.nextOut, func(i int) bool { return outputs[i].CanPush() })
	if out < 0 {
		return processor.StatusOutputIsFull
	}
	m.selIn, m.selOut = in, out
	return processor.StatusHasReadyWork
}

func (m *multiplexer) work(inputs []*processor.InputPort, outputs []*processor.OutputPort) error {
	if m.err != nil {
		return m.err
	}
	in, out := m.selIn, m.selOut
	m.selIn, m.selOut = -1, -1

	c, err := inputs[in].Pull()
	if err != nil {
		return fmt.Errorf("pull input %d: %w", in, err)
	}
	if err := outputs[out].Push(c); err != nil {
		c.Release()
		return fmt.Errorf("push output %d: %w", out, err)
	}
	m.nextIn = (in + 1) % len(inputs)
	m.nextOut = (out + 1) % len(outputs)
	m.moved++
	return nil
}

// pick returns the first index in rotation from start satisfying ok, or -1.
func pick(n, start int, ok func(int) bool) int {
	for k := 0; k < n; k++ {
		i := (start + k) % n
		if ok(i) {
			return i
		}
	}
	return -1
}

func allClosed(outputs []*processor.OutputPort) bool {
	if len(outputs) == 0 {
		return false
	}
	for _, out := range outputs {
		if !out.IsClosed() {
			return false
		}
	}
	return true
}

// finishAll finishes every output once its last chunk has been pulled.
func finishAll(outputs []*processor.OutputPort) processor.Status {
	status := processor.StatusFinished
	for _, out := range outputs {
		if out.IsFinished() {
			continue
		}
		if !out.CanPush() {
			status = processor.StatusOutputIsFull
			continue
		}
		_ = out.Finish()
	}
	return status
}

// Resize multiplexes N inputs onto M outputs with round-robin fairness.
type Resize struct {
	processor.Base
	mux multiplexer
}

// NewResize creates a resize processor with the given arity.
func NewResize(name string, inputs, outputs int) *Resize {
	return &Resize{Base: processor.NewBase(name, inputs, outputs), mux: newMultiplexer()}
}

func (r *Resize) Prepare() processor.Status {
	return r.mux.prepare(r.Inputs(), r.Outputs())
}

func (r *Resize) Work() error {
	return r.mux.work(r.Inputs(), r.Outputs())
}

// Moved returns the number of chunks forwarded so far.
func (r *Resize) Moved() int64 { return r.mux.moved }
