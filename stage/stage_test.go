package stage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qkdistill/core/cryptoscheme"
	"github.com/qkdistill/core/endpoint"
	"github.com/qkdistill/core/key"
	"github.com/qkdistill/core/qconfig"
	"github.com/qkdistill/core/qlog"
)

// passThrough forwards a copy of every key unchanged, id included.
type passThrough struct{}

func (passThrough) Name() string                        { return "pass-through" }
func (passThrough) ApplyConfig(cfg qconfig.Map) error    { return nil }
func (passThrough) Process(ctx context.Context, k *key.Key, ctxIn, ctxOut *cryptoscheme.Context) (bool, *key.Key, *cryptoscheme.Context, *cryptoscheme.Context, error) {
	out := k.Clone()
	return true, out, ctxIn, ctxOut, nil
}

type dropDisclosed struct{}

func (dropDisclosed) Name() string                     { return "drop-disclosed" }
func (dropDisclosed) ApplyConfig(cfg qconfig.Map) error { return nil }
func (dropDisclosed) Process(ctx context.Context, k *key.Key, ctxIn, ctxOut *cryptoscheme.Context) (bool, *key.Key, *cryptoscheme.Context, *cryptoscheme.Context, error) {
	out := k.Clone()
	out.Meta.State = key.Disclosed
	return true, out, ctxIn, ctxOut, nil
}

func TestRunForwardsKeys(t *testing.T) {
	in := endpoint.NewPipe(4)
	out := endpoint.NewPipe(4)

	k := &key.Key{ID: 1, Payload: []byte{1, 2, 3, 4}}
	require.NoError(t, in.Sink().WriteKey(k))
	require.NoError(t, in.Sink().Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := Run(ctx, passThrough{}, in.Source(), out.Sink(), nil, nil, qlog.NoOp(), DefaultRunOptions())
	require.NoError(t, err)
	require.NoError(t, out.Sink().Close())

	got, err := out.Source().ReadKey()
	require.NoError(t, err)
	require.Equal(t, k.ID, got.ID)
}

func TestRunDropsDisclosedKeys(t *testing.T) {
	in := endpoint.NewPipe(4)
	out := endpoint.NewPipe(4)

	k := &key.Key{ID: 1, Payload: []byte{1, 2, 3, 4}}
	require.NoError(t, in.Sink().WriteKey(k))
	require.NoError(t, in.Sink().Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := Run(ctx, dropDisclosed{}, in.Source(), out.Sink(), nil, nil, qlog.NoOp(), DefaultRunOptions())
	require.NoError(t, err)
	require.NoError(t, out.Sink().Close())

	_, err = out.Source().ReadKey()
	require.ErrorIs(t, err, endpoint.ErrClosed, "a DISCLOSED key must never reach the output endpoint")
}

func TestContextsForDefaultsToNull(t *testing.T) {
	k := &key.Key{ID: 1}
	ctxIn, ctxOut, err := contextsFor(k)
	require.NoError(t, err)
	require.True(t, ctxIn.IsNull())
	require.True(t, ctxOut.IsNull())
}
