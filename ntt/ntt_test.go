package ntt

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func naiveConv(a, b []uint32, p uint32) []uint32 {
	n := len(a)
	out := make([]uint32, n)
	for k := 0; k < n; k++ {
		var sum uint64
		for j := 0; j < n; j++ {
			idx := ((k - j) % n + n) % n
			sum += uint64(a[j]) * uint64(b[idx])
			sum %= uint64(p)
		}
		out[k] = uint32(sum)
	}
	return out
}

func randVector(n int, p uint32, r *rand.Rand) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = uint32(r.Int63n(int64(p)))
	}
	return out
}

func TestConvMatchesNaiveDefinition(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	f := FieldSmall
	for _, n := range []int{4, 8, 16, 32} {
		a := randVector(n, f.P, r)
		b := randVector(n, f.P, r)
		got, err := Conv(a, b, f)
		require.NoError(t, err)
		want := naiveConv(a, b, f.P)
		require.Equal(t, want, got, "n=%d", n)
	}
}

func TestConvIdentityElement(t *testing.T) {
	f := FieldLarge
	n := 16
	delta := make([]uint32, n)
	delta[0] = 1
	a := []uint32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	got, err := Conv(a, delta, f)
	require.NoError(t, err)
	require.Equal(t, a, got)
}

func TestForwardInverseRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	f := FieldSmall
	for _, n := range []int{1, 2, 8, 64, 256} {
		orig := randVector(n, f.P, r)
		work := append([]uint32(nil), orig...)
		_, err := Forward(work, f)
		require.NoError(t, err)
		_, err = Inverse(work, f)
		require.NoError(t, err)
		require.Equal(t, orig, work, "n=%d", n)
	}
}

func TestTransformRejectsNonPowerOfTwo(t *testing.T) {
	_, err := Forward(make([]uint32, 6), FieldSmall)
	require.ErrorIs(t, err, ErrNotPowerOfTwo)
}

func TestConvRejectsLengthMismatch(t *testing.T) {
	_, err := Conv(make([]uint32, 4), make([]uint32, 8), FieldSmall)
	require.Error(t, err)
}

func TestNextPowerOfTwo(t *testing.T) {
	cases := map[int]int{0: 1, 1: 1, 2: 2, 3: 4, 5: 8, 16: 16, 17: 32}
	for in, want := range cases {
		require.Equal(t, want, NextPowerOfTwo(in), "n=%d", in)
	}
}
