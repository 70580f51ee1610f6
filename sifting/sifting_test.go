package sifting

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qkdistill/core/endpoint"
	"github.com/qkdistill/core/key"
	"github.com/qkdistill/core/randsrc"
	"github.com/qkdistill/core/stage"
)

func TestBasisPackRoundTrip(t *testing.T) {
	basis := []Basis{BasisRectilinear, BasisDiagonal, BasisInvalid, BasisRectilinear, BasisDiagonal}
	got := UnpackBasis(PackBasis(basis), len(basis))
	require.Equal(t, basis, got)
}

func TestBasisOf(t *testing.T) {
	require.Equal(t, BasisRectilinear, BasisOf(0b1000))
	require.Equal(t, BasisRectilinear, BasisOf(0b0100))
	require.Equal(t, BasisDiagonal, BasisOf(0b0010))
	require.Equal(t, BasisDiagonal, BasisOf(0b0001))
	require.Equal(t, BasisInvalid, BasisOf(0b0000))
	require.Equal(t, BasisInvalid, BasisOf(0b1010))
	require.Equal(t, BasisInvalid, BasisOf(0b1111))
}

// buildEvents packs n 4-bit events (high-nibble-first) into a byte buffer.
func buildEvents(events []byte) []byte {
	buf := make([]byte, (len(events)+1)/2)
	for i, ev := range events {
		if i%2 == 0 {
			buf[i/2] |= ev << 4
		} else {
			buf[i/2] |= ev & 0x0F
		}
	}
	return buf
}

// TestSiftingBasisRetention exercises spec §8 scenario 2: 64 event
// slots, exactly half with agreeing basis, yields a 32-bit (4-byte)
// sifted output with B's bits the bitwise complement of A's.
func TestSiftingBasisRetention(t *testing.T) {
	const n = 64
	aEvents := make([]byte, n)
	bEvents := make([]byte, n)
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			// agreeing slot: identical event on both sides, parity-odd
			// rectilinear click so the reduced bit is deterministic.
			aEvents[i] = 0b1000
			bEvents[i] = 0b1000
		} else {
			// disagreeing slot: A sees a rectilinear click, B a
			// diagonal one, so the merged basis is Invalid.
			aEvents[i] = 0b1000
			bEvents[i] = 0b0010
		}
	}
	aBuf := buildEvents(aEvents)
	bBuf := buildEvents(bEvents)

	peerA, peerB := endpoint.NewPeerPipe()
	defer peerA.Close()
	defer peerB.Close()
	syncA := stage.NewSync(peerA, 4)
	syncB := stage.NewSync(peerB, 4)

	idsA := key.NewIDCounter(0, 0)
	idsB := key.NewIDCounter(0, 0)
	stA := New(RoleA, randsrc.Default(), idsA)
	stA.rawKeyBytes = 4
	stB := New(RoleB, randsrc.Default(), idsB)
	stB.rawKeyBytes = 4

	ctxA := stage.WithSync(context.Background(), syncA)
	ctxB := stage.WithSync(context.Background(), syncB)

	kA := &key.Key{ID: 1, Payload: aBuf, Meta: key.Meta{State: key.Other}}
	kB := &key.Key{ID: 1, Payload: bBuf, Meta: key.Meta{State: key.Other}}

	resA := make(chan result, 1)
	resB := make(chan result, 1)
	go func() {
		fwd, out, _, _, err := stA.Process(ctxA, kA, nil, nil)
		resA <- result{fwd, out, err}
	}()
	go func() {
		fwd, out, _, _, err := stB.Process(ctxB, kB, nil, nil)
		resB <- result{fwd, out, err}
	}()

	select {
	case rA := <-resA:
		require.NoError(t, rA.err)
		require.True(t, rA.forward)
		rB := waitResult(t, resB)
		require.True(t, rB.forward)

		require.Len(t, rA.out.Payload, 4)
		require.Len(t, rB.out.Payload, 4)
		for i := 0; i < 32; i++ {
			require.Equal(t, key.BitAt(rA.out.Payload, i)^1, key.BitAt(rB.out.Payload, i), "bit %d", i)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for A's result")
	}
}

type result struct {
	forward bool
	out     *key.Key
	err     error
}

func waitResult(t *testing.T, ch chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for B's result")
		return result{}
	}
}

func TestProcessRejectsWrongState(t *testing.T) {
	st := New(RoleA, randsrc.Default(), key.NewIDCounter(0, 0))
	k := &key.Key{ID: 1, Meta: key.Meta{State: key.Sifted}}
	_, _, _, _, err := st.Process(context.Background(), k, nil, nil)
	require.ErrorIs(t, err, ErrWrongState)
}
