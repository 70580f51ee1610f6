package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qkdistill/core/cryptoscheme"
	"github.com/qkdistill/core/endpoint"
	"github.com/qkdistill/core/key"
	"github.com/qkdistill/core/keydb"
	"github.com/qkdistill/core/qconfig"
	"github.com/qkdistill/core/randsrc"
	"github.com/qkdistill/core/stage"
)

// fillStore returns a RAMStore with slots sequential ids 1..count, each
// holding a deterministic quantum-byte payload. Two stores built with
// the same (quantum, count) are byte-identical, modeling the
// peer-synchronized key material spec §8 scenario 7 assumes.
func fillStore(t *testing.T, quantum, count int) *keydb.RAMStore {
	t.Helper()
	st := keydb.NewRAMStore(quantum)
	for i := 0; i < count; i++ {
		payload := make([]byte, quantum)
		for j := range payload {
			payload[j] = byte(i*quantum + j)
		}
		if _, err := st.Insert(payload); err != nil {
			t.Fatalf("fillStore: insert %d: %v", i, err)
		}
	}
	return st
}

func evhash96Scheme() cryptoscheme.Scheme {
	initKey := make([]byte, 12)
	for i := range initKey {
		initKey[i] = byte(i + 1)
	}
	return cryptoscheme.Scheme{Kind: cryptoscheme.KindEvHash, Bits: 96, InitKey: initKey}
}

// newMatchingContext builds an evhash-96 context that has accumulated
// the same message bytes as every other context built this way, so
// contexts on both sides of the wire — and both logical directions —
// finalize to identical tags given identical store material.
func newMatchingContext(t *testing.T, sch cryptoscheme.Scheme) *cryptoscheme.Context {
	t.Helper()
	c, err := cryptoscheme.New(sch)
	require.NoError(t, err)
	c.Add([]byte("classical message authenticated by this context"))
	return c
}

type authResult struct {
	forward bool
	out     *key.Key
	newIn   *cryptoscheme.Context
	newOut  *cryptoscheme.Context
	err     error
}

// TestAuthRoundTrip exercises spec §8 scenario 7: 4096-byte stores,
// threshold 1024, scheme evhash-96, a 2048-byte AMPLIFIED key with
// non-null ctx_in/ctx_out. Verification succeeds, each store drops to
// 4072 bytes, and the output key is AMPLIFIED with both contexts reset
// to null.
func TestAuthRoundTrip(t *testing.T) {
	const quantum = 8
	const slots = 512 // 4096 bytes
	sch := evhash96Scheme()

	storeInA := fillStore(t, quantum, slots)
	storeOutA := fillStore(t, quantum, slots)
	storeInB := fillStore(t, quantum, slots)
	storeOutB := fillStore(t, quantum, slots)

	slotInA := NewSchemeSlot(sch)
	slotOutA := NewSchemeSlot(sch)
	slotInB := NewSchemeSlot(sch)
	slotOutB := NewSchemeSlot(sch)

	stA := New(RoleA, randsrc.Default(), storeInA, storeOutA, slotInA, slotOutA)
	stB := New(RoleB, randsrc.Default(), storeInB, storeOutB, slotInB, slotOutB)
	require.NoError(t, stA.ApplyConfig(qconfig.Map{"threshold": "1024"}))
	require.NoError(t, stB.ApplyConfig(qconfig.Map{"threshold": "1024"}))

	payload := make([]byte, 2048)
	for i := range payload {
		payload[i] = byte(i)
	}
	kA := &key.Key{ID: 11, Payload: append([]byte(nil), payload...), Meta: key.Meta{State: key.Amplified}}
	kB := &key.Key{ID: 11, Payload: append([]byte(nil), payload...), Meta: key.Meta{State: key.Amplified}}

	ctxInA := newMatchingContext(t, sch)
	ctxOutA := newMatchingContext(t, sch)
	ctxInB := newMatchingContext(t, sch)
	ctxOutB := newMatchingContext(t, sch)

	peerA, peerB := endpoint.NewPeerPipe()
	defer peerA.Close()
	defer peerB.Close()
	syncA := stage.NewSync(peerA, 4)
	syncB := stage.NewSync(peerB, 4)
	ctxA := stage.WithSync(context.Background(), syncA)
	ctxB := stage.WithSync(context.Background(), syncB)

	chA := make(chan authResult, 1)
	chB := make(chan authResult, 1)
	go func() {
		fwd, out, newIn, newOut, err := stA.Process(ctxA, kA, ctxInA, ctxOutA)
		chA <- authResult{fwd, out, newIn, newOut, err}
	}()
	go func() {
		fwd, out, newIn, newOut, err := stB.Process(ctxB, kB, ctxInB, ctxOutB)
		chB <- authResult{fwd, out, newIn, newOut, err}
	}()

	var rA, rB authResult
	for i := 0; i < 2; i++ {
		select {
		case rA = <-chA:
		case rB = <-chB:
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for auth result")
		}
	}

	require.NoError(t, rA.err)
	require.NoError(t, rB.err)
	require.True(t, rA.forward)
	require.True(t, rB.forward)
	require.Equal(t, key.Amplified, rA.out.Meta.State)
	require.Equal(t, key.Amplified, rB.out.Meta.State)
	require.Len(t, rA.out.Payload, 2048)
	require.True(t, rA.newIn.IsNull())
	require.True(t, rA.newOut.IsNull())
	require.True(t, rB.newIn.IsNull())
	require.True(t, rB.newOut.IsNull())

	require.Equal(t, uint64(509), storeInA.Count())
	require.Equal(t, uint64(509), storeOutA.Count())
	require.Equal(t, uint64(509), storeInB.Count())
	require.Equal(t, uint64(509), storeOutB.Count())
}

// TestAuthFamineDisclosesKey exercises the insufficient-store-material
// path of spec §4.6: a store too small to cover the 2x tag draw, and no
// spare AMPLIFIED bytes to nibble from, fails the key to DISCLOSED
// rather than forwarding it authenticated.
func TestAuthFamineDisclosesKey(t *testing.T) {
	const quantum = 8
	sch := evhash96Scheme() // needs 12 bytes per tag, 24 total

	storeIn := fillStore(t, quantum, 1) // only 8 bytes available, need 24
	storeOut := fillStore(t, quantum, 1)

	st := New(RoleA, randsrc.Default(), storeIn, storeOut, NewSchemeSlot(sch), NewSchemeSlot(sch))
	require.NoError(t, st.ApplyConfig(qconfig.Map{"threshold": "0"}))

	k := &key.Key{ID: 1, Payload: []byte{1, 2, 3, 4}, Meta: key.Meta{State: key.Confirmed}}
	ctxIn := newMatchingContext(t, sch)

	peerA, peerB := endpoint.NewPeerPipe()
	defer peerA.Close()
	defer peerB.Close()
	ctx := stage.WithSync(context.Background(), stage.NewSync(peerA, 4))
	_ = peerB

	fwd, out, _, _, err := st.Process(ctx, k, ctxIn, nil)
	require.NoError(t, err)
	require.True(t, fwd)
	require.Equal(t, key.Disclosed, out.Meta.State)
}

// TestAuthBypassesDisclosedKeys mirrors the bypass behavior every other
// stage exhibits for already-DISCLOSED keys.
func TestAuthBypassesDisclosedKeys(t *testing.T) {
	st := New(RoleA, randsrc.Default(), keydb.NewRAMStore(8), keydb.NewRAMStore(8), NewSchemeSlot(cryptoscheme.Null), NewSchemeSlot(cryptoscheme.Null))
	k := &key.Key{ID: 1, Payload: []byte{1, 2}, Meta: key.Meta{State: key.Disclosed}}
	fwd, out, _, _, err := st.Process(context.Background(), k, nil, nil)
	require.NoError(t, err)
	require.True(t, fwd)
	require.Equal(t, key.Disclosed, out.Meta.State)
}

// TestAuthPassesThroughWithNullContexts covers the "Empty path" shape of
// spec §8 scenario 1: with both contexts null, the stage does nothing
// but forward the key unchanged (no store activity, no peer message).
func TestAuthPassesThroughWithNullContexts(t *testing.T) {
	storeIn := keydb.NewRAMStore(8)
	storeOut := keydb.NewRAMStore(8)
	st := New(RoleA, randsrc.Default(), storeIn, storeOut, NewSchemeSlot(cryptoscheme.Null), NewSchemeSlot(cryptoscheme.Null))

	k := &key.Key{ID: 1, Payload: []byte{}, Meta: key.Meta{State: key.Amplified}}
	fwd, out, _, _, err := st.Process(context.Background(), k, nil, nil)
	require.NoError(t, err)
	require.True(t, fwd)
	require.Equal(t, key.Amplified, out.Meta.State)
	require.Equal(t, uint64(0), storeIn.Count())
	require.Equal(t, uint64(0), storeOut.Count())
}

type reconcileResult struct {
	in, out keydb.Report
	err     error
}

// TestReconcileDetectsStoreDivergence exercises the keydb.Handshake wiring
// of spec §1/§3.13: Reconcile runs the store_in and store_out handshakes
// back to back over the same peer link, so both sides must call it in the
// same order or the digest/ring exchanges talk past each other.
func TestReconcileDetectsStoreDivergence(t *testing.T) {
	const quantum = 8
	storeInA := fillStore(t, quantum, 4)
	storeOutA := fillStore(t, quantum, 4)
	storeInB := fillStore(t, quantum, 4) // same seed as storeInA: matches
	storeOutB := keydb.NewRAMStore(quantum)
	require.NoError(t, keydb.Fill(storeOutB, []byte("different-seed"), 4*quantum)) // diverges from storeOutA

	sch := cryptoscheme.Null
	stA := New(RoleA, randsrc.Default(), storeInA, storeOutA, NewSchemeSlot(sch), NewSchemeSlot(sch))
	stB := New(RoleB, randsrc.Default(), storeInB, storeOutB, NewSchemeSlot(sch), NewSchemeSlot(sch))

	peerA, peerB := endpoint.NewPeerPipe()
	defer peerA.Close()
	defer peerB.Close()

	chA := make(chan reconcileResult, 1)
	chB := make(chan reconcileResult, 1)
	ctx := context.Background()
	go func() { in, out, err := stA.Reconcile(ctx, peerA); chA <- reconcileResult{in, out, err} }()
	go func() { in, out, err := stB.Reconcile(ctx, peerB); chB <- reconcileResult{in, out, err} }()

	var rA, rB reconcileResult
	for i := 0; i < 2; i++ {
		select {
		case rA = <-chA:
		case rB = <-chB:
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for reconcile result")
		}
	}

	require.NoError(t, rA.err)
	require.NoError(t, rB.err)
	require.True(t, rA.in.Matched)
	require.True(t, rB.in.Matched)
	require.False(t, rA.out.Matched)
	require.False(t, rB.out.Matched)
}

func TestSchemeSlotAdvance(t *testing.T) {
	slot := NewSchemeSlot(cryptoscheme.Null)
	require.Equal(t, cryptoscheme.KindNull, slot.Current().Kind)

	sch := evhash96Scheme()
	slot.QueueChange(sch)
	// Not yet advanced: only AdvanceIfPending installs it.
	require.Equal(t, cryptoscheme.KindNull, slot.Current().Kind)

	slot.AdvanceIfPending()
	require.Equal(t, cryptoscheme.KindEvHash, slot.Current().Kind)
	require.Equal(t, 96, slot.Current().Bits)

	// A second advance with nothing queued is a no-op.
	slot.AdvanceIfPending()
	require.Equal(t, cryptoscheme.KindEvHash, slot.Current().Kind)
}
