package key

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []*Key{
		{
			ID:      42,
			Payload: []byte{0x01, 0x02, 0x03, 0x04},
			Meta: Meta{
				State:         Sifted,
				SchemeIn:      "null",
				SchemeOut:     "evhash-96",
				DisclosedBits: 128,
				QBER:          0.025,
			},
		},
		{
			ID:      1,
			Payload: nil,
			Meta:    Meta{State: Other},
		},
	}

	for _, k := range cases {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, k))

		got, err := Decode(&buf)
		require.NoError(t, err)
		require.True(t, k.DeepEqual(got), "round trip mismatch: %+v != %+v", k, got)
	}
}

func TestDecodeTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Key{ID: 7, Payload: []byte("hello"), Meta: Meta{SchemeIn: "null", SchemeOut: "null"}}))
	truncated := buf.Bytes()[:buf.Len()-2]

	_, err := Decode(bytes.NewReader(truncated))
	require.ErrorIs(t, err, ErrTruncatedFrame)
}

func TestEqualByID(t *testing.T) {
	a := &Key{ID: 5, Payload: []byte{1}}
	b := &Key{ID: 5, Payload: []byte{2}}
	require.True(t, a.Equal(b))
	require.False(t, a.DeepEqual(b))
}

func TestIDCounterNeverEmitsZero(t *testing.T) {
	c := NewIDCounter(0, 0)
	seen := make(map[uint32]bool)
	for i := 0; i < 1000; i++ {
		id := c.Next()
		require.NotZero(t, id)
		require.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
}

func TestIDCounterShiftAdd(t *testing.T) {
	c := NewIDCounter(4, 3)
	first := c.Next()
	second := c.Next()
	require.Less(t, first, second)
	require.Equal(t, uint32(3), first&0xF)
	require.Equal(t, uint32(3), second&0xF)
}

func TestParityMasked(t *testing.T) {
	mask := []byte{0xFF, 0x00}
	data := []byte{0b10110000, 0xFF}
	require.Equal(t, Parity([]byte{0b10110000}), ParityMasked(mask, data))
}

func TestBitAtSetBitAt(t *testing.T) {
	buf := make([]byte, 1)
	SetBitAt(buf, 0, 1)
	SetBitAt(buf, 7, 1)
	require.Equal(t, byte(0x81), buf[0])
	require.Equal(t, byte(1), BitAt(buf, 0))
	require.Equal(t, byte(0), BitAt(buf, 1))
	require.Equal(t, byte(1), BitAt(buf, 7))
}
