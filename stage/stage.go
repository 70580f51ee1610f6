package stage

import (
	"context"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/qkdistill/core/cryptoscheme"
	"github.com/qkdistill/core/endpoint"
	"github.com/qkdistill/core/key"
	"github.com/qkdistill/core/qconfig"
	"github.com/qkdistill/core/qlog"
	"github.com/qkdistill/core/telemetry"
)

// Stage is the interface every distillation stage implements. Crypto
// contexts travel with a key by value: the framework reconstructs ctxIn
// and ctxOut from the key's Meta.SchemeIn/SchemeOut strings on the way in
// (a context's exported State rides in that string, per
// cryptoscheme.Context.Scheme), and re-serializes the stage's returned
// newIn/newOut back into the forwarded key's scheme strings on the way
// out — there is no separate context-serialization format.
type Stage interface {
	Name() string
	ApplyConfig(cfg qconfig.Map) error
	Process(ctx context.Context, k *key.Key, ctxIn, ctxOut *cryptoscheme.Context) (forward bool, out *key.Key, newIn, newOut *cryptoscheme.Context, err error)
}

// ErrFatal marks an error from the input endpoint as fatal to the stage,
// per spec §7 "I/O errors on the input endpoint are fatal to the stage".
var ErrFatal = errors.New("stage: fatal input error")

// RunOptions configures the outer loop.
type RunOptions struct {
	// RecvTimeout is a receive timeout carried for callers. Run does not
	// read it: each stage passes its own recv_timeout setting to Sync.Recv.
	RecvTimeout time.Duration
	// RetryBudget is a retry count carried for callers. Run does not read
	// it and retries nothing: a Process error drops that key and the loop
	// goes on to the next one.
	RetryBudget int
}

// DefaultRunOptions matches luxfi-consensus's preference for conservative,
// explicit defaults over silently-zero timeouts.
func DefaultRunOptions() RunOptions {
	return RunOptions{RecvTimeout: 5 * time.Second, RetryBudget: 3}
}

type syncKeyType struct{}

// syncContextKey is the context.Context key under which Run stores the
// *Sync for this stage, so a Stage.Process implementation can recover it
// via SyncFromContext without the Stage interface itself naming *Sync.
var syncContextKey = syncKeyType{}

// SyncFromContext recovers the *Sync a running stage's peer link is bound
// to. Returns nil if ctx was not produced by Run or WithSync.
func SyncFromContext(ctx context.Context) *Sync {
	s, _ := ctx.Value(syncContextKey).(*Sync)
	return s
}

// WithSync attaches sync to ctx so a Stage.Process implementation that
// needs peer coordination can recover it via SyncFromContext. Run calls
// this internally; package-level stage tests that exercise Process
// directly (without the full Run loop) use it to construct a context by
// hand.
func WithSync(ctx context.Context, sync *Sync) context.Context {
	return context.WithValue(ctx, syncContextKey, sync)
}

// Run implements the outer loop of spec §4.1: read one key, invoke
// Process, and if forward is true and the resulting state isn't
// DISCLOSED, write it downstream. It wires peer coordination via a *Sync
// built over peer (nil if the stage needs no peer, e.g. resize with
// sync disabled — though spec §4.5 requires sync for resize specifically),
// reports per-stage counters on metrics, and honors ctx cancellation
// between keys and I/O steps (spec §5 "Cancellation").
func Run(ctx context.Context, st Stage, in endpoint.Source, out endpoint.Sink, peer endpoint.Peer, metrics *telemetry.Stage, log qlog.Logger, opts RunOptions) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	var sync *Sync
	if peer != nil {
		sync = NewSync(peer, DefaultParkCapacity)
	}
	loopCtx := gctx
	if sync != nil {
		loopCtx = context.WithValue(gctx, syncContextKey, sync)
	}

	g.Go(func() error {
		<-gctx.Done()
		_ = in.Close()
		if peer != nil {
			_ = peer.Close()
		}
		return nil
	})

	g.Go(func() error {
		// Closing out on exit (clean EOF or a fatal error) lets a
		// downstream stage's blocking ReadKey unblock with ErrClosed when
		// this stage is chained through an in-memory endpoint.Pipe, which
		// offers no other way to interrupt a pending receive. cancel wakes
		// the watcher goroutine above so Run returns as soon as the loop
		// does, instead of waiting for ctx.
		defer cancel()
		defer func() { _ = out.Close() }()
		for {
			select {
			case <-gctx.Done():
				return nil
			default:
			}

			k, err := in.ReadKey()
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, endpoint.ErrClosed) {
					return nil
				}
				log.Error("stage: fatal read error", zap.String("stage", st.Name()), zap.Error(err))
				return errors.Mark(errors.Wrapf(err, "stage %s: read input", st.Name()), ErrFatal)
			}
			if metrics != nil {
				metrics.KeysIn.Inc()
				metrics.BitsIn.Add(float64(len(k.Payload) * 8))
			}

			ctxIn, ctxOut, err := contextsFor(k)
			if err != nil {
				log.Warn("stage: dropping key with invalid scheme", zap.String("stage", st.Name()), zap.Uint32("key_id", k.ID), zap.Error(err))
				continue
			}

			forward, outKey, newIn, newOut, err := st.Process(loopCtx, k, ctxIn, ctxOut)
			if err != nil {
				log.Warn("stage: process error", zap.String("stage", st.Name()), zap.Uint32("key_id", k.ID), zap.Error(err))
				continue
			}
			if !forward || outKey == nil {
				continue
			}
			if outKey.Meta.State == key.Disclosed {
				if metrics != nil {
					metrics.Disclosed.Add(float64(len(outKey.Payload) * 8))
				}
				continue
			}

			outKey.Meta.SchemeIn = newIn.Scheme().String()
			outKey.Meta.SchemeOut = newOut.Scheme().String()

			if err := out.WriteKey(outKey); err != nil {
				log.Error("stage: write output error", zap.String("stage", st.Name()), zap.Error(err))
				return errors.Wrapf(err, "stage %s: write output", st.Name())
			}
			if metrics != nil {
				metrics.KeysOut.Inc()
				metrics.BitsOut.Add(float64(len(outKey.Payload) * 8))
			}
		}
	})

	return g.Wait()
}

// contextsFor reconstructs a key's inbound/outbound crypto contexts from
// its scheme strings. An empty scheme string means no scheme has been
// negotiated yet (the key has never passed through an authenticated hop)
// and resolves to the null scheme.
func contextsFor(k *key.Key) (ctxIn, ctxOut *cryptoscheme.Context, err error) {
	in := k.Meta.SchemeIn
	if in == "" {
		in = "null"
	}
	out := k.Meta.SchemeOut
	if out == "" {
		out = "null"
	}

	schIn, err := cryptoscheme.Parse(in)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "key %d: scheme_in", k.ID)
	}
	schOut, err := cryptoscheme.Parse(out)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "key %d: scheme_out", k.ID)
	}
	ctxIn, err = cryptoscheme.New(schIn)
	if err != nil {
		return nil, nil, err
	}
	ctxOut, err = cryptoscheme.New(schOut)
	if err != nil {
		return nil, nil, err
	}
	return ctxIn, ctxOut, nil
}
