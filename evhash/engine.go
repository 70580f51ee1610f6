package evhash

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// ErrPendingPartialBlock is returned by AddEngine when either engine holds
// a partial block that has not been flushed to a block boundary.
var ErrPendingPartialBlock = errors.New("evhash: cannot fold engine with a pending partial block")

// Engine is a keyed, streaming evaluation-hash accumulator over GF(2^N).
// It evaluates the Horner polynomial acc = acc*x + block for every
// blockSize-byte chunk of input added so far, where x is the scheme's
// fixed evaluation key.
type Engine struct {
	bits       int
	blockSize  int
	evalPoint  elem
	acc        elem
	blockCount uint64
	pending    []byte
}

// NewEngine returns an Engine for the given width, keyed by evalKey (the
// scheme's INIT_KEY, exactly bits/8 bytes).
func NewEngine(bits int, evalKey []byte) (*Engine, error) {
	if !validBits(bits) {
		return nil, errors.Newf("evhash: unsupported width %d", bits)
	}
	x, err := parseKey(bits, evalKey)
	if err != nil {
		return nil, err
	}
	return &Engine{
		bits:      bits,
		blockSize: bits / 8,
		evalPoint: x,
		acc:       newElem(bits),
	}, nil
}

// Bits returns the hash width.
func (e *Engine) Bits() int { return e.bits }

// Add folds data into the running accumulator, block by block, carrying
// any sub-block remainder across calls so that Add(M1); Add(M2) is
// indistinguishable from a single Add(M1∥M2).
func (e *Engine) Add(data []byte) {
	buf := append(e.pending, data...)
	for len(buf) >= e.blockSize {
		block := elemFromBytes(e.bits, buf[:e.blockSize])
		e.acc = addBlock(e.acc, e.evalPoint, block, e.bits)
		e.blockCount++
		buf = buf[e.blockSize:]
	}
	e.pending = append([]byte(nil), buf...)
}

// addBlock performs one Horner step: acc*x + block.
func addBlock(acc, x, block elem, bits int) elem {
	next := mul(acc, x, bits)
	block.xorInto(next)
	return next
}

// Flush folds any pending partial block into the accumulator, zero-padding
// it to a full block. After Flush, pending is always empty.
func (e *Engine) Flush() {
	if len(e.pending) == 0 {
		return
	}
	block := elemFromBytes(e.bits, e.pending)
	e.acc = addBlock(e.acc, e.evalPoint, block, e.bits)
	e.blockCount++
	e.pending = nil
}

// AddEngine folds another engine's accumulated state into this one, as if
// every byte added to other had instead been added to e after everything
// already added to e. Both engines must be at a block boundary (call
// Flush first if either has a pending partial block).
func (e *Engine) AddEngine(other *Engine) error {
	if len(e.pending) != 0 || len(other.pending) != 0 {
		return ErrPendingPartialBlock
	}
	shift := powElem(e.evalPoint, other.blockCount, e.bits)
	e.acc = mul(e.acc, shift, e.bits)
	other.acc.xorInto(e.acc)
	e.blockCount += other.blockCount
	return nil
}

func powElem(base elem, n uint64, bits int) elem {
	result := elemFromBytes(bits, []byte{1})
	b := append(elem(nil), base...)
	for n > 0 {
		if n&1 == 1 {
			result = mul(result, b, bits)
		}
		b = mul(b, b, bits)
		n >>= 1
	}
	return result
}

// Finalize consumes finalKey (exactly bits/8 bytes, freshly drawn from a
// key store) and returns a tag of the same size: the polynomial hash of
// everything added so far (including any pending partial block, which is
// zero-padded for this computation only and does not mutate the engine),
// masked with a one-time pad.
func (e *Engine) Finalize(finalKey []byte) ([]byte, error) {
	mask, err := parseKey(e.bits, finalKey)
	if err != nil {
		return nil, errors.Wrap(err, "evhash: finalize")
	}
	acc := append(elem(nil), e.acc...)
	if len(e.pending) > 0 {
		block := elemFromBytes(e.bits, e.pending)
		acc = addBlock(acc, e.evalPoint, block, e.bits)
	}
	mask.xorInto(acc)
	return []byte(acc), nil
}

// State exports the engine's opaque accumulator for later restoration via
// SetState, e.g. when a key's crypto context travels across a process
// boundary as scheme_in/scheme_out.
func (e *Engine) State() []byte {
	buf := make([]byte, 8+len(e.acc)+4+len(e.pending))
	binary.BigEndian.PutUint64(buf[0:8], e.blockCount)
	copy(buf[8:8+len(e.acc)], e.acc)
	off := 8 + len(e.acc)
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(e.pending)))
	copy(buf[off+4:], e.pending)
	return buf
}

// SetState restores a previously-exported accumulator.
func (e *Engine) SetState(state []byte) error {
	if len(state) < 8+e.blockSize+4 {
		return errors.Newf("evhash: state too short: %d bytes", len(state))
	}
	blockCount := binary.BigEndian.Uint64(state[0:8])
	acc := elemFromBytes(e.bits, state[8:8+e.blockSize])
	off := 8 + e.blockSize
	pendingLen := binary.BigEndian.Uint32(state[off : off+4])
	off += 4
	if uint32(len(state[off:])) < pendingLen {
		return errors.New("evhash: state truncated pending block")
	}
	e.blockCount = blockCount
	e.acc = acc
	e.pending = append([]byte(nil), state[off:off+int(pendingLen)]...)
	return nil
}

// Clone returns an independent copy of the engine.
func (e *Engine) Clone() *Engine {
	clone := &Engine{
		bits:       e.bits,
		blockSize:  e.blockSize,
		evalPoint:  append(elem(nil), e.evalPoint...),
		acc:        append(elem(nil), e.acc...),
		blockCount: e.blockCount,
		pending:    append([]byte(nil), e.pending...),
	}
	return clone
}
