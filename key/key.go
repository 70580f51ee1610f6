package key

import (
	"encoding/binary"
	"io"
	"math"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrTruncatedFrame is returned by Decode when the stream ends before a
// complete frame has been read. The stage framework treats this as the
// framing-error class of §7: the connection is considered corrupt.
var ErrTruncatedFrame = errors.New("key: truncated frame")

// maxFrameBytes bounds the size/length fields Decode reads off the wire
// before using them as an allocation size — a corrupted or desynced peer
// stream must fail cleanly rather than hand a wire-controlled integer
// straight to make().
const maxFrameBytes = 64 << 20

// Meta carries everything about a key besides its payload bytes.
type Meta struct {
	State         State
	SchemeIn      string
	SchemeOut     string
	DisclosedBits uint64
	QBER          float64
	ReadTimestamp time.Time
}

// Key is the unit of work handed between pipeline stages.
type Key struct {
	ID      uint32
	Payload []byte
	Meta    Meta
}

// Equal compares two keys by id only, matching spec §3's "keys with
// identical id compare equal by id".
func (k *Key) Equal(other *Key) bool {
	if k == nil || other == nil {
		return k == other
	}
	return k.ID == other.ID
}

// DeepEqual compares id, payload and metadata field-by-field. Timestamps
// are compared with time.Time.Equal so differing monotonic readings of an
// otherwise-identical wall clock value still compare equal.
func (k *Key) DeepEqual(other *Key) bool {
	if k == nil || other == nil {
		return k == other
	}
	if k.ID != other.ID {
		return false
	}
	if len(k.Payload) != len(other.Payload) {
		return false
	}
	for i := range k.Payload {
		if k.Payload[i] != other.Payload[i] {
			return false
		}
	}
	m, om := k.Meta, other.Meta
	return m.State == om.State &&
		m.SchemeIn == om.SchemeIn &&
		m.SchemeOut == om.SchemeOut &&
		m.DisclosedBits == om.DisclosedBits &&
		m.QBER == om.QBER &&
		m.ReadTimestamp.Equal(om.ReadTimestamp)
}

// Clone returns a key with an independently-owned payload.
func (k *Key) Clone() *Key {
	if k == nil {
		return nil
	}
	payload := make([]byte, len(k.Payload))
	copy(payload, k.Payload)
	clone := *k
	clone.Payload = payload
	return &clone
}

// Encode writes the exact binary framing of spec §3:
//
//	id (u32, network order), state (u8), disclosed_bits (u64, network order),
//	qber (IEEE-754 double), scheme_in (length-prefixed UTF-8),
//	scheme_out (length-prefixed UTF-8), size (u64, network order), payload.
func Encode(w io.Writer, k *Key) error {
	schemeIn := []byte(k.Meta.SchemeIn)
	schemeOut := []byte(k.Meta.SchemeOut)

	buf := make([]byte, 0, 4+1+8+8+4+len(schemeIn)+4+len(schemeOut)+8+len(k.Payload))
	buf = binary.BigEndian.AppendUint32(buf, k.ID)
	buf = append(buf, byte(k.Meta.State))
	buf = binary.BigEndian.AppendUint64(buf, k.Meta.DisclosedBits)
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(k.Meta.QBER))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(schemeIn)))
	buf = append(buf, schemeIn...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(schemeOut)))
	buf = append(buf, schemeOut...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(k.Payload)))
	buf = append(buf, k.Payload...)

	_, err := w.Write(buf)
	return errors.Wrap(err, "key: write frame")
}

// Decode reads one key frame from r, the inverse of Encode. A stream that
// ends cleanly before the first byte of a frame yields io.EOF. The
// ReadTimestamp of the returned key's metadata is left zero: the frame
// does not carry it, and the endpoint readers do not fill it in.
func Decode(r io.Reader) (*Key, error) {
	var head [4 + 1 + 8 + 8]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncatedFrame
		}
		return nil, errors.Wrap(err, "key: read header")
	}

	k := &Key{}
	k.ID = binary.BigEndian.Uint32(head[0:4])
	k.Meta.State = State(head[4])
	k.Meta.DisclosedBits = binary.BigEndian.Uint64(head[5:13])
	k.Meta.QBER = math.Float64frombits(binary.BigEndian.Uint64(head[13:21]))

	schemeIn, err := readLengthPrefixedString(r)
	if err != nil {
		return nil, err
	}
	k.Meta.SchemeIn = schemeIn

	schemeOut, err := readLengthPrefixedString(r)
	if err != nil {
		return nil, err
	}
	k.Meta.SchemeOut = schemeOut

	var sizeBuf [8]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, errors.Wrap(ErrTruncatedFrame, "key: read size")
	}
	size := binary.BigEndian.Uint64(sizeBuf[:])
	if size > maxFrameBytes {
		return nil, errors.Newf("key: payload size %d exceeds limit %d", size, maxFrameBytes)
	}

	k.Payload = make([]byte, size)
	if _, err := io.ReadFull(r, k.Payload); err != nil {
		return nil, errors.Wrap(ErrTruncatedFrame, "key: read payload")
	}
	return k, nil
}

func readLengthPrefixedString(r io.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", errors.Wrap(ErrTruncatedFrame, "key: read string length")
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if uint64(n) > maxFrameBytes {
		return "", errors.Newf("key: string length %d exceeds limit %d", n, maxFrameBytes)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", errors.Wrap(ErrTruncatedFrame, "key: read string body")
	}
	return string(buf), nil
}
