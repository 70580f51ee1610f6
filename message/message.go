// Package message implements the classical wire message format of spec
// §3/§6: a fixed header (key id, message type, timestamp) followed by a
// length-framed, self-describing sequence of tagged fields. Every integer
// is network byte order; every byte string is u64-length-prefixed (unlike
// key.Encode, which prefixes its scheme strings with a u32 length).
package message

import (
	"encoding/binary"
	"io"
	"math"
	"time"

	"github.com/cockroachdb/errors"
)

// Type identifies the kind of payload a Message carries. Stages define
// their own type constants in their own packages; this package only
// fixes the wire representation.
type Type uint8

// Header is the fixed-size prefix of every message.
type Header struct {
	KeyID     uint32
	Type      Type
	Timestamp time.Time
}

const headerWireSize = 4 + 1 + 8 // KeyID + Type + unix-nano timestamp

// Message pairs a Header with a self-describing, tagged-field payload.
type Message struct {
	Header  Header
	Payload Fields
}

// Fields is an ordered sequence of tagged byte-string fields. Order is
// significant: a stage reads fields back in the order it wrote them.
type Fields [][]byte

// ErrTruncated is returned when a message frame is cut short.
var ErrTruncated = errors.New("message: truncated frame")

// ErrFrameTooLarge is returned when a wire-supplied field count or field
// length exceeds maxFieldCount/maxFieldBytes, rejecting it before it is
// used as an allocation size.
var ErrFrameTooLarge = errors.New("message: frame exceeds size limit")

// maxFieldCount and maxFieldBytes bound what Decode will allocate for a
// single incoming frame. Endpoints read these frames straight off an
// untrusted peer link (spec §6), so a corrupted or desynced stream must
// fail cleanly rather than hand a wire-controlled integer straight to
// make().
const (
	maxFieldCount = 1 << 16
	maxFieldBytes = 64 << 20
)

// Add appends a raw byte-string field.
func (f *Fields) Add(b []byte) { *f = append(*f, b) }

// AddUint32 appends a field holding a network-order uint32.
func (f *Fields) AddUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	f.Add(b[:])
}

// AddUint64 appends a field holding a network-order uint64.
func (f *Fields) AddUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	f.Add(b[:])
}

// AddFloat64 appends a field holding an IEEE-754 double.
func (f *Fields) AddFloat64(v float64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
	f.Add(b[:])
}

// AddString appends a UTF-8 string field.
func (f *Fields) AddString(s string) { f.Add([]byte(s)) }

// Field returns the i-th field, or an error if i is out of range.
func (f Fields) Field(i int) ([]byte, error) {
	if i < 0 || i >= len(f) {
		return nil, errors.Newf("message: field index %d out of range (len %d)", i, len(f))
	}
	return f[i], nil
}

// Uint32 reads the i-th field as a network-order uint32.
func (f Fields) Uint32(i int) (uint32, error) {
	b, err := f.Field(i)
	if err != nil {
		return 0, err
	}
	if len(b) != 4 {
		return 0, errors.Newf("message: field %d has length %d, want 4", i, len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

// Uint64 reads the i-th field as a network-order uint64.
func (f Fields) Uint64(i int) (uint64, error) {
	b, err := f.Field(i)
	if err != nil {
		return 0, err
	}
	if len(b) != 8 {
		return 0, errors.Newf("message: field %d has length %d, want 8", i, len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// Float64 reads the i-th field as an IEEE-754 double.
func (f Fields) Float64(i int) (float64, error) {
	v, err := f.Uint64(i)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

// String reads the i-th field as a UTF-8 string.
func (f Fields) String(i int) (string, error) {
	b, err := f.Field(i)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Encode writes m to w: header, then field count, then each
// length-prefixed field.
func Encode(w io.Writer, m *Message) error {
	var hdr [headerWireSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], m.Header.KeyID)
	hdr[4] = byte(m.Header.Type)
	binary.BigEndian.PutUint64(hdr[5:13], uint64(m.Header.Timestamp.UnixNano()))
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "message: write header")
	}

	var countBuf [8]byte
	binary.BigEndian.PutUint64(countBuf[:], uint64(len(m.Payload)))
	if _, err := w.Write(countBuf[:]); err != nil {
		return errors.Wrap(err, "message: write field count")
	}

	for i, field := range m.Payload {
		var lenBuf [8]byte
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(field)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return errors.Wrapf(err, "message: write field %d length", i)
		}
		if _, err := w.Write(field); err != nil {
			return errors.Wrapf(err, "message: write field %d body", i)
		}
	}
	return nil
}

// Decode reads a Message from r in the format written by Encode.
func Decode(r io.Reader) (*Message, error) {
	var hdr [headerWireSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, errors.Mark(errors.Wrap(err, "message: read header"), ErrTruncated)
	}

	m := &Message{
		Header: Header{
			KeyID:     binary.BigEndian.Uint32(hdr[0:4]),
			Type:      Type(hdr[4]),
			Timestamp: time.Unix(0, int64(binary.BigEndian.Uint64(hdr[5:13]))).UTC(),
		},
	}

	var countBuf [8]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "message: read field count"), ErrTruncated)
	}
	count := binary.BigEndian.Uint64(countBuf[:])
	if count > maxFieldCount {
		return nil, errors.Mark(errors.Newf("message: field count %d exceeds limit %d", count, maxFieldCount), ErrFrameTooLarge)
	}

	m.Payload = make(Fields, 0, count)
	for i := uint64(0); i < count; i++ {
		var lenBuf [8]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "message: read field %d length", i), ErrTruncated)
		}
		n := binary.BigEndian.Uint64(lenBuf[:])
		if n > maxFieldBytes {
			return nil, errors.Mark(errors.Newf("message: field %d length %d exceeds limit %d", i, n, maxFieldBytes), ErrFrameTooLarge)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "message: read field %d body", i), ErrTruncated)
		}
		m.Payload = append(m.Payload, buf)
	}
	return m, nil
}
