package processors

import (
	"errors"

	"github.com/sandboxws/isotope/pipeline/pkg/processor"
	"github.com/sandboxws/isotope/pipeline/pkg/remote"
)

// RemoteSource emits the chunks of a remote query. It never blocks: while the
// query has nothing buffered it reports StatusWaitingOnAsync and is woken by
// the query's listener callbacks.
type RemoteSource struct {
	processor.Base
	query   *remote.Query
	token   processor.WakeToken
	ctx     *processor.Context
	started bool
	pending processor.Chunk
	hasPend bool
	done    bool
	err     error
}

// NewRemoteSource creates a source reading query.
func NewRemoteSource(name string, query *remote.Query) *RemoteSource {
	return &RemoteSource{
		Base:  processor.NewBase(name, 0, 1),
		query: query,
		token: processor.NewWakeToken(),
	}
}

func (r *RemoteSource) WakeToken() processor.WakeToken { return r.token }

// Query returns the query the source reads.
func (r *RemoteSource) Query() *remote.Query { return r.query }

func (r *RemoteSource) Open(ctx *processor.Context) error {
	r.ctx = ctx
	r.query.Subscribe(r)
	return nil
}

// RemoteReadable implements remote.Listener.
func (r *RemoteSource) RemoteReadable() { r.wake() }

// RemoteFinished implements remote.Listener.
func (r *RemoteSource) RemoteFinished(error) { r.wake() }

func (r *RemoteSource) wake() {
	if r.ctx != nil {
		r.ctx.Signal(r.token)
	}
}

func (r *RemoteSource) Prepare() processor.Status {
	out := r.Output(0)
	if out.IsClosed() {
		r.query.Cancel()
		return processor.StatusFinished
	}
	if r.err != nil || !r.started {
		return processor.StatusHasReadyWork
	}
	if r.hasPend {
		if !out.CanPush() {
			return processor.StatusOutputIsFull
		}
		return processor.StatusHasReadyWork
	}
	if !r.done {
		c, err := r.query.TryRead()
		switch {
		case err == nil:
			r.pending, r.hasPend = c, true
			if !out.CanPush() {
				return processor.StatusOutputIsFull
			}
			return processor.StatusHasReadyWork
		case errors.Is(err, processor.ErrWouldBlock):
			return processor.StatusWaitingOnAsync
		case errors.Is(err, processor.ErrEndOfStream):
			r.done = true
		default:
			r.err = err
			return processor.StatusHasReadyWork
		}
	}
	if !out.CanPush() {
		return processor.StatusOutputIsFull
	}
	_ = out.Finish()
	return processor.StatusFinished
}

func (r *RemoteSource) Work() error {
	if r.err != nil {
		return r.err
	}
	if !r.started {
		r.started = true
		r.query.Start(r.ctx.Ctx)
		return nil
	}
	c := r.pending
	r.pending, r.hasPend = processor.Chunk{}, false
	if r.ctx != nil {
		r.ctx.Metrics.ChunksProcessed.Add(1)
		r.ctx.Metrics.RowsProcessed.Add(c.NumRows())
	}
	return r.Output(0).Push(c)
}

// Cancel aborts the remote query.
func (r *RemoteSource) Cancel() {
	r.query.Cancel()
}

func (r *RemoteSource) Close() error {
	if r.hasPend {
		r.pending.Release()
		r.hasPend = false
	}
	return nil
}
