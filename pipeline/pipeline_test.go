package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qkdistill/core/cryptoscheme"
	"github.com/qkdistill/core/endpoint"
	"github.com/qkdistill/core/key"
	"github.com/qkdistill/core/qconfig"
	"github.com/qkdistill/core/stage"
)

// tagStage is a synthetic stage.Stage that appends a fixed byte to every
// key's payload and forwards unconditionally. It exists only to verify
// Pipeline's wiring (ordering, chaining, shutdown propagation) in
// isolation from any real distillation stage's protocol.
type tagStage struct {
	name string
	tag  byte
}

func (s *tagStage) Name() string                        { return s.name }
func (s *tagStage) ApplyConfig(qconfig.Map) error        { return nil }
func (s *tagStage) Process(_ context.Context, k *key.Key, ctxIn, ctxOut *cryptoscheme.Context) (bool, *key.Key, *cryptoscheme.Context, *cryptoscheme.Context, error) {
	out := k.Clone()
	out.Payload = append(out.Payload, s.tag)
	return true, out, ctxIn, ctxOut, nil
}

type keyResult struct {
	key *key.Key
	err error
}

func readKeyAsync(src endpoint.Source) <-chan keyResult {
	ch := make(chan keyResult, 1)
	go func() {
		k, err := src.ReadKey()
		ch <- keyResult{k, err}
	}()
	return ch
}

// TestPipelineChainsStagesInOrder feeds one key through a three-stage
// pipeline and checks each stage's transformation was applied in order,
// then checks that closing the pipeline's input cascades a clean
// shutdown all the way to the final output pipe.
func TestPipelineChainsStagesInOrder(t *testing.T) {
	in := endpoint.NewPipe(4)
	out := endpoint.NewPipe(4)

	p := New(in.Source(), out.Sink(),
		StageSpec{Stage: &tagStage{name: "a", tag: 'A'}},
		StageSpec{Stage: &tagStage{name: "b", tag: 'B'}},
		StageSpec{Stage: &tagStage{name: "c", tag: 'C'}},
	)

	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(context.Background(), stage.DefaultRunOptions()) }()

	require.NoError(t, in.Sink().WriteKey(&key.Key{ID: 1, Payload: []byte("x"), Meta: key.Meta{State: key.Raw}}))

	outSource := out.Source()
	select {
	case result := <-readKeyAsync(outSource):
		require.NoError(t, result.err)
		require.Equal(t, []byte("xABC"), result.key.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pipeline output")
	}

	require.NoError(t, in.Sink().Close())

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pipeline shutdown to cascade")
	}

	_, err := outSource.ReadKey()
	require.ErrorIs(t, err, endpoint.ErrClosed)
}

// TestPipelineEmptyIsANoOp covers New with no stages: Run returns
// immediately without touching in or out.
func TestPipelineEmptyIsANoOp(t *testing.T) {
	in := endpoint.NewPipe(1)
	out := endpoint.NewPipe(1)
	p := New(in.Source(), out.Sink())
	require.NoError(t, p.Run(context.Background(), stage.DefaultRunOptions()))
}
