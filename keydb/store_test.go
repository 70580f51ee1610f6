package keydb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qkdistill/core/endpoint"
)

func TestInsertRejectsWrongSize(t *testing.T) {
	s := NewRAMStore(8)
	_, err := s.Insert([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrSizeMismatch)
}

func TestInsertAndGet(t *testing.T) {
	s := NewRAMStore(4)
	id, err := s.Insert([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	require.NotZero(t, id)

	slot, ok := s.Get(id)
	require.True(t, ok)
	require.True(t, slot.Valid)
	require.Equal(t, []byte{1, 2, 3, 4}, slot.Payload)
	require.EqualValues(t, 1, s.Count())
}

func TestFindContiguousReservesAndExcludes(t *testing.T) {
	s := NewRAMStore(4)
	for i := 0; i < 4; i++ {
		_, err := s.Insert([]byte{byte(i), byte(i), byte(i), byte(i)})
		require.NoError(t, err)
	}

	ids, err := s.FindContiguous(8, true)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	again, err := s.FindContiguous(16, true)
	require.NoError(t, err)
	require.Empty(t, again, "reserved slots must be excluded from further finds")

	s.Release(ids)
	again2, err := s.FindContiguous(16, true)
	require.NoError(t, err)
	require.Len(t, again2, 4)
}

func TestDeleteClearsSlot(t *testing.T) {
	s := NewRAMStore(4)
	id, err := s.Insert([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	s.Delete([]uint64{id})

	_, ok := s.Get(id)
	require.False(t, ok)
	require.Zero(t, s.Count())
}

func TestDeleteUnknownIsNoop(t *testing.T) {
	s := NewRAMStore(4)
	require.NotPanics(t, func() { s.Delete([]uint64{999}) })
}

func TestFlagInvariants(t *testing.T) {
	s := NewRAMStore(4)
	id, err := s.Insert([]byte{1, 2, 3, 4})
	require.NoError(t, err)

	s.SetFlag(id, FlagRealSync)
	slot, _ := s.Get(id)
	require.True(t, slot.RealSync)
	require.True(t, slot.Valid)

	s.ClearFlag(id, FlagRealSync)
	slot, _ = s.Get(id)
	require.False(t, slot.RealSync)
}

func TestReservationReleaseOnCancel(t *testing.T) {
	s := NewRAMStore(4)
	for i := 0; i < 2; i++ {
		_, err := s.Insert([]byte{1, 2, 3, 4})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	res, err := Reserve(ctx, s, 8)
	require.NoError(t, err)
	require.NotNil(t, res)

	cancel()
	require.Eventually(t, func() bool {
		ids, _ := s.FindContiguous(8, false)
		return len(ids) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestRingOrdering(t *testing.T) {
	s := NewRAMStore(4)
	var ids []uint64
	for i := 0; i < 3; i++ {
		id, err := s.Insert([]byte{byte(i), 0, 0, 0})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	ring := s.Ring()
	require.Len(t, ring, 3)
	for i, slot := range ring {
		require.Equal(t, ids[i], slot.ID)
	}
}

func TestDigestMatchesForIdenticalRings(t *testing.T) {
	a := NewRAMStore(4)
	b := NewRAMStore(4)
	require.NoError(t, Fill(a, []byte("seed"), 16))
	require.NoError(t, Fill(b, []byte("seed"), 16))
	require.Equal(t, Digest(a), Digest(b))
}

type handshakeResult struct {
	report Report
	err    error
}

func TestHandshakeDetectsDivergence(t *testing.T) {
	a := NewRAMStore(4)
	b := NewRAMStore(4)
	require.NoError(t, Fill(a, []byte("seed-a"), 16))
	require.NoError(t, Fill(b, []byte("seed-b"), 16))

	peerA, peerB := endpoint.NewPeerPipe()
	defer peerA.Close()
	defer peerB.Close()

	chA := make(chan handshakeResult, 1)
	chB := make(chan handshakeResult, 1)
	ctx := context.Background()
	go func() { r, err := Handshake(ctx, a, peerA); chA <- handshakeResult{r, err} }()
	go func() { r, err := Handshake(ctx, b, peerB); chB <- handshakeResult{r, err} }()

	var rA, rB handshakeResult
	for i := 0; i < 2; i++ {
		select {
		case rA = <-chA:
		case rB = <-chB:
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for handshake result")
		}
	}

	require.NoError(t, rA.err)
	require.NoError(t, rB.err)
	require.False(t, rA.report.Matched)
	require.False(t, rB.report.Matched)
	require.NotEmpty(t, rA.report.LocalOnly)
	require.NotEmpty(t, rB.report.LocalOnly)
}

func TestHandshakeMatchesForIdenticalRings(t *testing.T) {
	a := NewRAMStore(4)
	b := NewRAMStore(4)
	require.NoError(t, Fill(a, []byte("seed"), 16))
	require.NoError(t, Fill(b, []byte("seed"), 16))

	peerA, peerB := endpoint.NewPeerPipe()
	defer peerA.Close()
	defer peerB.Close()

	chA := make(chan handshakeResult, 1)
	chB := make(chan handshakeResult, 1)
	ctx := context.Background()
	go func() { r, err := Handshake(ctx, a, peerA); chA <- handshakeResult{r, err} }()
	go func() { r, err := Handshake(ctx, b, peerB); chB <- handshakeResult{r, err} }()

	var rA, rB handshakeResult
	for i := 0; i < 2; i++ {
		select {
		case rA = <-chA:
		case rB = <-chB:
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for handshake result")
		}
	}

	require.NoError(t, rA.err)
	require.NoError(t, rB.err)
	require.True(t, rA.report.Matched)
	require.True(t, rB.report.Matched)
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	_, err := Open("file:///tmp/x", 16)
	require.ErrorIs(t, err, ErrUnknownScheme)
}
