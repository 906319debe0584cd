package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/sandboxws/isotope/pipeline/pkg/metrics"
	"github.com/sandboxws/isotope/pipeline/pkg/processor"
)

// ErrPipelineStalled is returned when nothing can make progress but a sink
// has not finished.
var ErrPipelineStalled = errors.New("pipeline stalled")

// DefaultShutdownTimeout bounds graceful shutdown when Config leaves it unset.
const DefaultShutdownTimeout = 30 * time.Second

// Config controls pipeline execution.
type Config struct {
	// Workers is the number of goroutines polling processors. Defaults to
	// GOMAXPROCS.
	Workers int

	// ShutdownTimeout bounds the wait for teardown after a shutdown signal.
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

type nodeState uint8

const (
	nodeOpening nodeState = iota
	nodeIdle
	nodeQueued
	nodeRunning
	nodeParked
	nodeBlocked
	nodeFinished
)

type node struct {
	id   processor.ProcessorID
	proc processor.Processor
	ctx  *processor.Context
	rec  *metrics.Recorder
	sink bool

	// Guarded by Scheduler.mu.
	state nodeState
	// rewake records a port event that arrived during the turn.
	rewake bool

	// Owned by the worker running the node.
	rows, chunks int64
}

// Scheduler drives a graph to completion. Each processor is polled by at
// most one worker at a time; port events and wake tokens decide when it is
// polled again.
type Scheduler struct {
	graph  *Graph
	alloc  memory.Allocator
	cfg    Config
	logger *slog.Logger
	ctx    context.Context

	mu      sync.Mutex
	cond    *sync.Cond
	nodes   []*node
	ready   []*node
	running int
	parked  map[processor.WakeToken]*node
	// fired holds signals that arrived before their processor parked.
	fired   map[processor.WakeToken]struct{}
	err     error
	done    bool
	started bool
}

// NewScheduler creates a scheduler for g.
func NewScheduler(g *Graph, alloc memory.Allocator, cfg Config, logger *slog.Logger) *Scheduler {
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		graph:  g,
		alloc:  alloc,
		cfg:    cfg.withDefaults(),
		logger: logger,
		parked: make(map[processor.WakeToken]*node),
		fired:  make(map[processor.WakeToken]struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Run executes the graph until every sink finished, a processor fails, the
// pipeline stalls, or ctx is cancelled. It can be called once.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.ctx = runCtx

	s.graph.bind(s)
	if err := s.graph.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	for id, p := range s.graph.Processors() {
		s.nodes = append(s.nodes, s.newNode(processor.ProcessorID(id), p))
	}
	seed := append([]*node(nil), s.nodes...)
	s.mu.Unlock()

	for _, n := range seed {
		if err := s.open(n); err != nil {
			s.logger.Error("processor failed to open", "processor", int(n.id), "name", n.proc.Name(), "error", err)
			s.teardown()
			return err
		}
	}
	s.mu.Lock()
	for _, n := range seed {
		s.activate(n)
	}
	s.mu.Unlock()

	s.logger.Debug("scheduler started", "processors", len(seed), "workers", s.cfg.Workers)

	p := pool.New().
		WithContext(runCtx).
		WithCancelOnError().
		WithFirstError().
		WithMaxGoroutines(s.cfg.Workers)
	for range s.cfg.Workers {
		p.Go(s.worker)
	}
	poolErr := p.Wait()
	s.teardown()

	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return poolErr
}

func (s *Scheduler) newNode(id processor.ProcessorID, p processor.Processor) *node {
	pctx := processor.NewContext(s.ctx, s.alloc, id, p.Name())
	pctx.Logger = s.logger.With("processor", int(id), "name", p.Name())
	pctx.Waker = s
	return &node{
		id:    id,
		proc:  p,
		ctx:   pctx,
		rec:   metrics.For(int(id), p.Name()),
		sink:  len(p.Outputs()) == 0,
		state: nodeOpening,
	}
}

func (s *Scheduler) open(n *node) error {
	o, ok := n.proc.(processor.Opener)
	if !ok {
		return nil
	}
	var err error
	if r := panics.Try(func() { err = o.Open(n.ctx) }); r != nil {
		err = r.AsError()
	}
	if err != nil {
		return n.ctx.Error(fmt.Errorf("open: %w", err))
	}
	return nil
}

// activate queues an opened node. Called with s.mu held.
func (s *Scheduler) activate(n *node) {
	if n.state == nodeOpening {
		n.rewake = false
		s.enqueue(n)
	}
}

// enqueue appends n to the ready queue. Called with s.mu held.
func (s *Scheduler) enqueue(n *node) {
	n.state = nodeQueued
	s.ready = append(s.ready, n)
	metrics.ReadyProcessors.Set(float64(len(s.ready)))
	s.cond.Signal()
}

// Notify implements processor.Notifier. Events for parked, blocked, or
// finished processors are dropped.
func (s *Scheduler) Notify(id processor.ProcessorID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || int(id) >= len(s.nodes) {
		return
	}
	n := s.nodes[id]
	switch n.state {
	case nodeIdle:
		s.enqueue(n)
	case nodeRunning, nodeOpening:
		n.rewake = true
	}
}

// Signal implements processor.Waker.
func (s *Scheduler) Signal(token processor.WakeToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.parked[token]; ok {
		delete(s.parked, token)
		metrics.ParkedProcessors.Set(float64(len(s.parked)))
		if n.state == nodeParked {
			n.ctx.Logger.Debug("processor woken", "token", token.String())
			s.enqueue(n)
		}
		return
	}
	if s.done {
		return
	}
	s.fired[token] = struct{}{}
}

func (s *Scheduler) worker(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	for {
		n, err := s.next(ctx)
		if n == nil {
			return err
		}
		if err := s.turn(n); err != nil {
			return err
		}
	}
}

// next blocks until a node is ready. It returns nil when the run is over;
// the error is set only for the worker that detected a stall.
func (s *Scheduler) next(ctx context.Context) (*node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.err != nil || s.done || ctx.Err() != nil {
			return nil, nil
		}
		if len(s.ready) > 0 {
			n := s.ready[0]
			s.ready[0] = nil
			s.ready = s.ready[1:]
			metrics.ReadyProcessors.Set(float64(len(s.ready)))
			n.state = nodeRunning
			n.rewake = false
			s.running++
			return n, nil
		}
		if s.running == 0 {
			if pending := s.unfinishedSinks(); len(pending) == 0 {
				s.done = true
				s.cond.Broadcast()
				return nil, nil
			} else if len(s.parked) == 0 {
				s.err = fmt.Errorf("%w: %s not finished and nothing is runnable", ErrPipelineStalled, strings.Join(pending, ", "))
				s.logger.Error("pipeline stalled", "sinks", pending)
				s.cond.Broadcast()
				return nil, s.err
			}
		}
		s.cond.Wait()
	}
}

// unfinishedSinks is called with s.mu held.
func (s *Scheduler) unfinishedSinks() []string {
	var names []string
	for _, n := range s.nodes {
		if n.sink && n.state != nodeFinished {
			names = append(names, n.proc.Name())
		}
	}
	return names
}

// turn runs one Prepare, and Work when it is ready, then settles the node.
func (s *Scheduler) turn(n *node) error {
	status, err := s.step(n)
	if err != nil {
		return s.fail(n, err)
	}

	switch status {
	case processor.StatusHasReadyWork:
		s.settle(n, func() { s.enqueue(n) })

	case processor.StatusNeedsMoreInput, processor.StatusOutputIsFull:
		s.settle(n, func() {
			if n.rewake {
				s.enqueue(n)
			} else {
				n.state = nodeIdle
			}
		})

	case processor.StatusWaitingOnAsync:
		ap, ok := n.proc.(processor.AsyncProcessor)
		if !ok {
			return s.fail(n, fmt.Errorf("%w: %s from a processor without a wake token", processor.ErrProtocolViolation, status))
		}
		s.park(n, ap.WakeToken())

	case processor.StatusWantsToExpandGraph:
		ex, ok := n.proc.(processor.Expander)
		if !ok {
			return s.fail(n, fmt.Errorf("%w: %s from a processor that cannot expand", processor.ErrProtocolViolation, status))
		}
		if err := s.expand(n, ex); err != nil {
			return s.fail(n, err)
		}

	case processor.StatusFinished:
		return s.retire(n)

	default:
		return s.fail(n, fmt.Errorf("%w: unknown status %d", processor.ErrProtocolViolation, status))
	}
	return nil
}

func (s *Scheduler) step(n *node) (status processor.Status, err error) {
	r := panics.Try(func() {
		status = n.proc.Prepare()
		n.rec.Status(status.String())
		if status != processor.StatusHasReadyWork {
			return
		}
		start := time.Now()
		err = n.proc.Work()
		s.observe(n, time.Since(start))
	})
	if r != nil {
		return status, r.AsError()
	}
	return status, err
}

func (s *Scheduler) observe(n *node, d time.Duration) {
	rows := n.ctx.Metrics.RowsProcessed.Load()
	chunks := n.ctx.Metrics.ChunksProcessed.Load()
	n.rec.Work(d, rows-n.rows, chunks-n.chunks)
	n.rows, n.chunks = rows, chunks
}

// settle ends a turn, applying the node's next state under the lock.
func (s *Scheduler) settle(n *node, apply func()) {
	s.mu.Lock()
	s.running--
	apply()
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Scheduler) park(n *node, token processor.WakeToken) {
	s.settle(n, func() {
		if _, ok := s.fired[token]; ok {
			delete(s.fired, token)
			s.enqueue(n)
			return
		}
		n.state = nodeParked
		s.parked[token] = n
		metrics.ParkedProcessors.Set(float64(len(s.parked)))
		n.ctx.Logger.Debug("processor parked", "token", token.String())
	})
}

// expand splices the processors returned by Expand into the graph. A failing
// Expand leaves the requester blocked for the rest of the run.
func (s *Scheduler) expand(n *node, ex processor.Expander) error {
	var added []processor.Processor
	var err error
	if r := panics.Try(func() { added, err = ex.Expand() }); r != nil {
		err = r.AsError()
	}
	if err != nil {
		n.ctx.Logger.Warn("graph expansion failed, processor blocked", "error", err)
		s.settle(n, func() { n.state = nodeBlocked })
		return nil
	}

	spliced := make([]*node, 0, len(added))
	s.mu.Lock()
	for _, p := range added {
		id := s.graph.Add(p)
		nn := s.newNode(id, p)
		s.nodes = append(s.nodes, nn)
		spliced = append(spliced, nn)
	}
	s.mu.Unlock()
	s.graph.reattach(n.id)

	for _, nn := range spliced {
		if err := s.open(nn); err != nil {
			return err
		}
	}
	metrics.GraphExpansions.Add(float64(len(spliced)))
	n.ctx.Logger.Debug("graph expanded", "added", len(spliced))

	s.settle(n, func() {
		for _, nn := range spliced {
			s.activate(nn)
		}
		s.enqueue(n)
	})
	return nil
}

func (s *Scheduler) retire(n *node) error {
	processor.ReleasePorts(n.proc)
	if err := closeProcessor(n.proc); err != nil {
		return s.failAs(n, fmt.Errorf("close: %w", err), nodeFinished)
	}
	s.settle(n, func() { n.state = nodeFinished })
	n.ctx.Logger.Debug("processor finished")
	return nil
}

// fail records the first fatal error. The node is left unfinished so that
// teardown releases it.
func (s *Scheduler) fail(n *node, err error) error {
	return s.failAs(n, err, nodeIdle)
}

func (s *Scheduler) failAs(n *node, err error, state nodeState) error {
	err = n.ctx.Error(err)
	n.ctx.Metrics.Errors.Add(1)
	n.rec.Error()
	n.ctx.Logger.Error("processor failed", "error", err)
	s.settle(n, func() {
		n.state = state
		if s.err == nil {
			s.err = err
		}
	})
	return err
}

// teardown cancels and releases every processor that did not finish.
func (s *Scheduler) teardown() {
	s.mu.Lock()
	var live []*node
	for _, n := range s.nodes {
		if n.state != nodeFinished {
			live = append(live, n)
			n.state = nodeFinished
		}
	}
	s.ready = nil
	s.parked = make(map[processor.WakeToken]*node)
	s.fired = make(map[processor.WakeToken]struct{})
	s.done = true
	s.mu.Unlock()
	metrics.ReadyProcessors.Set(0)
	metrics.ParkedProcessors.Set(0)

	for _, n := range live {
		if c, ok := n.proc.(processor.Canceller); ok {
			c.Cancel()
		}
	}
	for _, n := range live {
		processor.DiscardPorts(n.proc)
	}
	for _, n := range live {
		if err := closeProcessor(n.proc); err != nil {
			n.ctx.Logger.Warn("close failed during teardown", "error", err)
		}
	}
	if len(live) > 0 {
		s.logger.Debug("scheduler torn down", "unfinished", len(live))
	}
}

func closeProcessor(p processor.Processor) (err error) {
	c, ok := p.(interface{ Close() error })
	if !ok {
		return nil
	}
	if r := panics.Try(func() { err = c.Close() }); r != nil {
		return r.AsError()
	}
	return err
}
