package ntt

import "sync"

// rootTable holds, for a given field, the precomputed forward root of
// unity, inverse root, and inverse-of-2^k for every transform size 2^k the
// field supports.
type rootTable struct {
	mu        sync.Mutex
	gen       uint32 // primitive root of the field, computed lazily
	maxLog    int    // largest k such that the field has a 2^k-th root of unity
	fwdRoots  map[int]uint32
	invRoots  map[int]uint32
	invPowers map[int]uint32
}

var tables = map[uint32]*rootTable{}
var tablesMu sync.Mutex

func tableFor(f Field) *rootTable {
	tablesMu.Lock()
	defer tablesMu.Unlock()
	t, ok := tables[f.P]
	if !ok {
		t = &rootTable{
			fwdRoots:  map[int]uint32{},
			invRoots:  map[int]uint32{},
			invPowers: map[int]uint32{},
			maxLog:    twoAdicValuation(uint64(f.P - 1)),
		}
		tables[f.P] = t
	}
	return t
}

// twoAdicValuation returns the largest k such that 2^k divides n.
func twoAdicValuation(n uint64) int {
	k := 0
	for n%2 == 0 {
		n /= 2
		k++
	}
	return k
}

// rootOfUnity returns a primitive 2^k-th root of unity of f, and its
// modular inverse, memoized per (field, k).
func (f Field) rootOfUnity(k int) (root, invRoot uint32) {
	t := tableFor(f)
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.gen == 0 {
		t.gen = f.primitiveRoot()
	}
	if k > t.maxLog {
		panic("ntt: requested root order exceeds field's two-adicity")
	}
	if r, ok := t.fwdRoots[k]; ok {
		return r, t.invRoots[k]
	}

	exp := uint64(f.P-1) >> uint(k)
	r := f.Pow(t.gen, exp)
	ir := f.Inverse(r)
	t.fwdRoots[k] = r
	t.invRoots[k] = ir
	return r, ir
}

// inverseOfPowerOfTwo returns the modular inverse of 2^k.
func (f Field) inverseOfPowerOfTwo(k int) uint32 {
	t := tableFor(f)
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.invPowers[k]; ok {
		return v
	}
	pow2 := uint32(1)
	for i := 0; i < k; i++ {
		pow2 = f.Mul(pow2, 2)
	}
	v := f.Inverse(pow2)
	t.invPowers[k] = v
	return v
}
