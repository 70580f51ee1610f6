// Package evhash implements the keyed evaluation-hash engine used by the
// authentication stage's crypto contexts: a Horner-evaluated polynomial
// hash over GF(2^N), N in {32,64,96,128,256}, combined with a one-time-pad
// key drawn fresh per Finalize call.
package evhash

import "github.com/cockroachdb/errors"

// elem is a big-endian field element: elem[0] holds the most significant
// byte, mirroring key.BitAt's MSB-first convention.
type elem []byte

// SupportedBits lists the legal evaluation-hash widths (spec §3).
var SupportedBits = []int{32, 64, 96, 128, 256}

func validBits(bits int) bool {
	for _, b := range SupportedBits {
		if b == bits {
			return true
		}
	}
	return false
}

// reductionConstant returns the low-order bits of a degree-`bits`
// irreducible polynomial: x^32 + x^7 + x^3 + x^2 + 1,
// x^64 + x^4 + x^3 + x + 1, x^96 + x^10 + x^9 + x^6 + 1,
// x^128 + x^7 + x^2 + x + 1 (the AES-GCM polynomial) and
// x^256 + x^10 + x^5 + x^2 + 1. It is an implementation choice, not a
// cryptographic claim: the protocol this hash authenticates is a teaching
// exercise, not a deployed AEAD.
func reductionConstant(bits int) elem {
	low := uint16(0x87)
	switch bits {
	case 32:
		low = 0x8D
	case 64:
		low = 0x1B
	case 96:
		low = 0x641
	case 256:
		low = 0x425
	}
	r := make(elem, bits/8)
	r[len(r)-1] = byte(low)
	r[len(r)-2] = byte(low >> 8)
	return r
}

func newElem(bits int) elem {
	return make(elem, bits/8)
}

func elemFromBytes(bits int, b []byte) elem {
	e := make(elem, bits/8)
	if len(b) > len(e) {
		copy(e, b[len(b)-len(e):]) // keep low-order bytes if b is long
		return e
	}
	copy(e[len(e)-len(b):], b) // left-zero-pad if b is short
	return e
}

func (e elem) bit(i int) byte {
	byteIdx := i / 8
	bitIdx := 7 - uint(i%8)
	return (e[byteIdx] >> bitIdx) & 1
}

func (e elem) xorInto(dst elem) {
	for i := range dst {
		dst[i] ^= e[i]
	}
}

// shiftLeft1 shifts e left by one bit within its fixed width, returning the
// bit that overflowed out of the top.
func shiftLeft1(e elem) byte {
	var carry byte
	for i := len(e) - 1; i >= 0; i-- {
		newCarry := (e[i] >> 7) & 1
		e[i] = (e[i] << 1) | carry
		carry = newCarry
	}
	return carry
}

// mul computes a*b mod the field's irreducible polynomial using the
// standard double-and-add carryless multiplication.
func mul(a, b elem, bits int) elem {
	result := newElem(bits)
	poly := reductionConstant(bits)
	acc := append(elem(nil), a...)

	for i := 0; i < bits; i++ {
		overflow := shiftLeft1(result)
		if overflow == 1 {
			poly.xorInto(result)
		}
		if b.bit(i) == 1 {
			acc.xorInto(result)
		}
	}
	return result
}

func parseKey(bits int, key []byte) (elem, error) {
	if len(key) != bits/8 {
		return nil, errors.Newf("evhash: key must be %d bytes for %d-bit scheme, got %d", bits/8, bits, len(key))
	}
	return elemFromBytes(bits, key), nil
}
