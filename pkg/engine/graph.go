package engine

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sandboxws/isotope/pipeline/pkg/processor"
)

// Graph is the arena of processors. Processor ids are indices into it, and
// ports refer to their peers by id only.
type Graph struct {
	mu       sync.RWMutex
	procs    []processor.Processor
	notifier processor.Notifier
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{}
}

// Add appends p and returns its id.
func (g *Graph) Add(p processor.Processor) processor.ProcessorID {
	g.mu.Lock()
	id := processor.ProcessorID(len(g.procs))
	g.procs = append(g.procs, p)
	n := g.notifier
	g.mu.Unlock()
	attach(p, id, n)
	return id
}

// Len returns the number of processors.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.procs)
}

// Processor returns the processor with the given id.
func (g *Graph) Processor(id processor.ProcessorID) processor.Processor {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.procs[id]
}

// Processors returns a snapshot of all processors in id order.
func (g *Graph) Processors() []processor.Processor {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]processor.Processor(nil), g.procs...)
}

// bind routes port events of every processor to n.
func (g *Graph) bind(n processor.Notifier) {
	g.mu.Lock()
	g.notifier = n
	procs := append([]processor.Processor(nil), g.procs...)
	g.mu.Unlock()
	for id, p := range procs {
		attach(p, processor.ProcessorID(id), n)
	}
}

// reattach refreshes the port ownership of id, whose port set may have grown.
func (g *Graph) reattach(id processor.ProcessorID) {
	g.mu.RLock()
	p, n := g.procs[id], g.notifier
	g.mu.RUnlock()
	attach(p, id, n)
}

func attach(p processor.Processor, id processor.ProcessorID, n processor.Notifier) {
	for _, in := range p.Inputs() {
		in.Attach(id, n)
	}
	for _, out := range p.Outputs() {
		out.Attach(id, n)
	}
}

// Validate checks that every port is connected and the data edges are acyclic.
func (g *Graph) Validate() error {
	procs := g.Processors()
	adj := make([][]processor.ProcessorID, len(procs))
	for id, p := range procs {
		for i, in := range p.Inputs() {
			if !in.IsConnected() {
				return fmt.Errorf("%w: processor %s (#%d): input %d is not connected", ErrInvalidPlan, p.Name(), id, i)
			}
		}
		for i, out := range p.Outputs() {
			if !out.IsConnected() {
				return fmt.Errorf("%w: processor %s (#%d): output %d is not connected", ErrInvalidPlan, p.Name(), id, i)
			}
			adj[id] = append(adj[id], out.Peer())
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(procs))
	var path []processor.ProcessorID
	var dfs func(id processor.ProcessorID) error
	dfs = func(id processor.ProcessorID) error {
		color[id] = gray
		path = append(path, id)
		for _, next := range adj[id] {
			if next < 0 || int(next) >= len(procs) {
				return fmt.Errorf("%w: processor #%d is connected outside the graph", ErrInvalidPlan, id)
			}
			switch color[next] {
			case gray:
				var names []string
				start := false
				for _, n := range path {
					start = start || n == next
					if start {
						names = append(names, procs[n].Name())
					}
				}
				names = append(names, procs[next].Name())
				return fmt.Errorf("%w: cycle detected: %s", ErrInvalidPlan, strings.Join(names, " -> "))
			case white:
				if err := dfs(next); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil
	}
	for id := range procs {
		if color[id] == white {
			if err := dfs(processor.ProcessorID(id)); err != nil {
				return err
			}
		}
	}
	return nil
}
