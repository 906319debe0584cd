package processors

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sandboxws/isotope/pipeline/pkg/processor"
	"github.com/sandboxws/isotope/pipeline/pkg/remote"
)

// CoordinatorState is the lifecycle of a Coordinator.
type CoordinatorState int

const (
	// CoordinatorIdle has no dependents, or has not started its query yet.
	CoordinatorIdle CoordinatorState = iota
	// CoordinatorArmed waits for the remote query to become readable.
	CoordinatorArmed
	// CoordinatorSignaled has told every dependent to proceed.
	CoordinatorSignaled
)

func (s CoordinatorState) String() string {
	switch s {
	case CoordinatorIdle:
		return "Idle"
	case CoordinatorArmed:
		return "Armed"
	case CoordinatorSignaled:
		return "Signaled"
	default:
		return fmt.Sprintf("CoordinatorState(%d)", int(s))
	}
}

// DependentProcessor is implemented by processors that must not consume
// their data input before a coordinator signals them.
type DependentProcessor interface {
	processor.Processor
	ConnectToScheduler(c *Coordinator) error
}

// Coordinator bridges a remote query's readiness into the graph. Each
// dependent gets a control port; the coordinator pushes one signal chunk on
// every control port when the query has rows available or completed cleanly,
// and finishes the ports with the query's error if it failed.
type Coordinator struct {
	processor.Base
	query *remote.Query
	token processor.WakeToken
	ctx   *processor.Context
	state CoordinatorState

	mu        sync.Mutex
	readable  bool
	completed bool
	remoteErr error
}

// NewCoordinator creates a coordinator for query. A nil query leaves the
// coordinator waiting for RemoteReadable and RemoteFinished to be called
// directly.
func NewCoordinator(name string, query *remote.Query) *Coordinator {
	return &Coordinator{
		Base:  processor.NewBase(name, 0, 0),
		query: query,
		token: processor.NewWakeToken(),
	}
}

// AddControlPort adds an output for one dependent.
func (c *Coordinator) AddControlPort() *processor.OutputPort {
	return c.AddOutput()
}

// State returns the coordinator's current state.
func (c *Coordinator) State() CoordinatorState { return c.state }

func (c *Coordinator) WakeToken() processor.WakeToken { return c.token }

func (c *Coordinator) Open(ctx *processor.Context) error {
	c.ctx = ctx
	if c.query != nil {
		c.query.Subscribe(c)
	}
	return nil
}

// RemoteReadable implements remote.Listener.
func (c *Coordinator) RemoteReadable() {
	c.mu.Lock()
	c.readable = true
	c.mu.Unlock()
	c.wake()
}

// RemoteFinished implements remote.Listener.
func (c *Coordinator) RemoteFinished(err error) {
	c.mu.Lock()
	c.completed, c.remoteErr = true, err
	c.mu.Unlock()
	c.wake()
}

func (c *Coordinator) wake() {
	if c.ctx != nil {
		c.ctx.Signal(c.token)
	}
}

func (c *Coordinator) events() (readable, completed bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readable, c.completed, c.remoteErr
}

func (c *Coordinator) Prepare() processor.Status {
	ports := c.Outputs()
	if len(ports) == 0 || processor.AllOutputsClosed(c) {
		c.Cancel()
		return processor.StatusFinished
	}
	readable, completed, err := c.events()

	switch c.state {
	case CoordinatorIdle:
		if c.query != nil {
			return processor.StatusHasReadyWork
		}
		c.state = CoordinatorArmed
		fallthrough
	case CoordinatorArmed:
		if readable || completed {
			return processor.StatusHasReadyWork
		}
		return processor.StatusWaitingOnAsync
	}

	// Signaled: discard rows until the query ends, then close the control
	// ports.
	c.discard()
	if !completed {
		return processor.StatusWaitingOnAsync
	}
	status := processor.StatusFinished
	for _, p := range ports {
		if p.IsFinished() {
			continue
		}
		if !p.CanPush() {
			status = processor.StatusOutputIsFull
			continue
		}
		_ = p.FinishWithError(err)
	}
	if status == processor.StatusFinished {
		// Nothing reads the query's rows; release what it buffered.
		c.Cancel()
	}
	return status
}

func (c *Coordinator) Work() error {
	switch c.state {
	case CoordinatorIdle:
		c.state = CoordinatorArmed
		c.query.Start(c.ctx.Ctx)
		return nil
	case CoordinatorArmed:
		_, _, err := c.events()
		for _, p := range c.Outputs() {
			if p.IsFinished() {
				continue
			}
			var perr error
			if err != nil {
				perr = p.FinishWithError(err)
			} else {
				perr = p.Push(processor.ControlChunk())
			}
			if perr != nil {
				return perr
			}
		}
		c.state = CoordinatorSignaled
		if c.ctx != nil {
			c.ctx.Logger.Debug("dependency signaled", "failed", err != nil)
		}
	}
	return nil
}

// discard releases every chunk the query has buffered so its executor never
// blocks on a full buffer.
func (c *Coordinator) discard() {
	if c.query == nil {
		return
	}
	for {
		chunk, err := c.query.TryRead()
		if err != nil {
			return
		}
		chunk.Release()
	}
}

// Cancel aborts the query and releases its buffered chunks.
func (c *Coordinator) Cancel() {
	if c.query != nil {
		c.query.Cancel()
	}
}

func (c *Coordinator) Close() error {
	c.Cancel()
	return nil
}

// DependentTransform forwards chunks from its data input only after its
// dependency input has been signaled. Inputs are ordered data, dependency.
type DependentTransform struct {
	processor.Base
	signaled bool
	depEnded bool
	dataDone bool
	chunk    processor.Chunk
	hasData  bool
	err      error
}

// NewDependentTransform creates a pass-through gated on a coordinator signal.
func NewDependentTransform(name string) *DependentTransform {
	return &DependentTransform{Base: processor.NewBase(name, 2, 1)}
}

// ConnectToScheduler connects a new control port of c to the dependency
// input. It must be called once, while the graph is built.
func (d *DependentTransform) ConnectToScheduler(c *Coordinator) error {
	if d.Input(1).IsConnected() {
		return fmt.Errorf("dependent %s: %w", d.Name(), processor.ErrAlreadyConnected)
	}
	return processor.Connect(c.AddControlPort(), d.Input(1))
}

// Signaled reports whether the dependency fired.
func (d *DependentTransform) Signaled() bool { return d.signaled }

func (d *DependentTransform) Prepare() processor.Status {
	data, out := d.Input(0), d.Output(0)
	if d.err != nil {
		return processor.StatusHasReadyWork
	}
	if out.IsClosed() {
		data.Close()
		d.Input(1).Close()
		return processor.StatusFinished
	}
	if d.watchDependency() {
		return processor.StatusHasReadyWork
	}
	if !d.signaled {
		return processor.StatusNeedsMoreInput
	}

	if d.hasData {
		if !out.CanPush() {
			return processor.StatusOutputIsFull
		}
		return processor.StatusHasReadyWork
	}
	if !d.dataDone {
		c, err := data.Pull()
		switch {
		case err == nil:
			d.chunk, d.hasData = c, true
			if !out.CanPush() {
				return processor.StatusOutputIsFull
			}
			return processor.StatusHasReadyWork
		case errors.Is(err, processor.ErrWouldBlock):
			return processor.StatusNeedsMoreInput
		case errors.Is(err, processor.ErrEndOfStream):
			d.dataDone = true
		default:
			d.err = err
			return processor.StatusHasReadyWork
		}
	}
	if !out.CanPush() {
		return processor.StatusOutputIsFull
	}
	if err := out.Finish(); err != nil {
		d.err = err
		return processor.StatusHasReadyWork
	}
	d.Input(1).Close()
	return processor.StatusFinished
}

// watchDependency consumes whatever the dependency port holds and reports
// whether it carried an error.
func (d *DependentTransform) watchDependency() bool {
	dep := d.Input(1)
	if d.depEnded || !dep.IsConnected() {
		return false
	}
	for {
		c, err := dep.Pull()
		switch {
		case err == nil:
			c.Release()
			d.signaled = true
			continue
		case errors.Is(err, processor.ErrWouldBlock):
			return false
		case errors.Is(err, processor.ErrEndOfStream):
			d.depEnded, d.signaled = true, true
			return false
		default:
			d.depEnded = true
			d.err = fmt.Errorf("dependency failed: %w", err)
			return true
		}
	}
}

func (d *DependentTransform) Work() error {
	if d.err != nil {
		return d.err
	}
	c := d.chunk
	d.chunk, d.hasData = processor.Chunk{}, false
	if err := d.Output(0).Push(c); err != nil {
		c.Release()
		return err
	}
	return nil
}

func (d *DependentTransform) Close() error {
	if d.hasData {
		d.chunk.Release()
		d.hasData = false
	}
	return nil
}
