// Package pipeline wires a sequence of stage.Stage instances together
// with in-memory endpoint.Pipe connections, one party's half of spec
// §1's distillation pipeline (sift → confirm → amplify → authenticate,
// or any sub-sequence). It is a composition root, not a process
// launcher or supervisor: it owns no retry policy or process lifecycle
// beyond what stage.Run already implements per stage.
package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/qkdistill/core/endpoint"
	"github.com/qkdistill/core/qlog"
	"github.com/qkdistill/core/stage"
	"github.com/qkdistill/core/telemetry"
)

// StageSpec names one hop of the pipeline: the stage itself, its peer
// link (nil if this stage needs no peer coordination, e.g. resize with
// synchronization disabled or a stage handed only null crypto
// contexts), and its optional metrics sink.
type StageSpec struct {
	Stage   stage.Stage
	Peer    endpoint.Peer
	Metrics *telemetry.Stage
}

// PipeCapacity is the buffer depth of the internal pipes Pipeline
// allocates between consecutive stages.
const PipeCapacity = 4

// Pipeline chains specs in order: in feeds the first stage, out drains
// the last, and an internal endpoint.Pipe connects every adjacent pair.
type Pipeline struct {
	specs []StageSpec
	in    endpoint.Source
	out   endpoint.Sink
	log   qlog.Logger
}

// New returns a Pipeline reading from in and writing the final stage's
// output to out.
func New(in endpoint.Source, out endpoint.Sink, specs ...StageSpec) *Pipeline {
	return &Pipeline{specs: specs, in: in, out: out, log: qlog.NoOp()}
}

// SetLogger overrides the logger handed to every stage.Run call.
func (p *Pipeline) SetLogger(l qlog.Logger) { p.log = l }

// Run drives every stage concurrently under one errgroup, so a slow or
// blocked downstream stage never stalls an upstream one beyond its
// pipe's buffer. It returns once every stage.Run call has returned —
// either because the input endpoint was exhausted/closed, or because
// ctx was canceled, which each stage.Run's watcher goroutine turns into
// an endpoint close of that stage's own input.
func (p *Pipeline) Run(ctx context.Context, opts stage.RunOptions) error {
	if len(p.specs) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	cur := p.in
	for i := range p.specs {
		spec := p.specs[i]
		source := cur

		var sink endpoint.Sink
		if i == len(p.specs)-1 {
			sink = p.out
		} else {
			link := endpoint.NewPipe(PipeCapacity)
			sink = link.Sink()
			cur = link.Source()
		}

		g.Go(func() error {
			return stage.Run(gctx, spec.Stage, source, sink, spec.Peer, spec.Metrics, p.log, opts)
		})
	}
	return g.Wait()
}
