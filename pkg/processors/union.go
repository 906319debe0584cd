package processors

import (
	"context"
	"fmt"

	"github.com/sandboxws/isotope/pipeline/pkg/processor"
	"github.com/sandboxws/isotope/pipeline/pkg/remote"
)

// ShardDiscovery returns the remote queries an ExpandingUnion should read.
type ShardDiscovery func(ctx context.Context) ([]*remote.Query, error)

// ExpandingUnion discovers its inputs at run time. Its first Prepare asks for
// graph expansion; Expand creates one RemoteSource per discovered shard, wires
// it to a new input, and from then on the union multiplexes like Resize.
type ExpandingUnion struct {
	processor.Base
	discover ShardDiscovery
	ctx      *processor.Context
	expanded bool
	mux      multiplexer
}

// NewExpandingUnion creates a union with one output.
func NewExpandingUnion(name string, discover ShardDiscovery) *ExpandingUnion {
	return &ExpandingUnion{
		Base:     processor.NewBase(name, 0, 1),
		discover: discover,
		mux:      newMultiplexer(),
	}
}

func (u *ExpandingUnion) Open(ctx *processor.Context) error {
	u.ctx = ctx
	return nil
}

func (u *ExpandingUnion) Prepare() processor.Status {
	if !u.expanded {
		return processor.StatusWantsToExpandGraph
	}
	return u.mux.prepare(u.Inputs(), u.Outputs())
}

func (u *ExpandingUnion) Work() error {
	return u.mux.work(u.Inputs(), u.Outputs())
}

// Expand discovers shards and returns their sources, already connected to
// newly added inputs of the union.
func (u *ExpandingUnion) Expand() ([]processor.Processor, error) {
	ctx := context.Background()
	if u.ctx != nil {
		ctx = u.ctx.Ctx
	}
	queries, err := u.discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover shards: %w", err)
	}
	added := make([]processor.Processor, 0, len(queries))
	for i, q := range queries {
		src := NewRemoteSource(fmt.Sprintf("%s/shard-%d", u.Name(), i), q)
		if err := processor.Connect(src.Output(0), u.AddInput()); err != nil {
			return nil, err
		}
		added = append(added, src)
	}
	u.expanded = true
	return added, nil
}
