package cryptoscheme

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/qkdistill/core/evhash"
)

// ErrShortKey is returned by Finalize when the supplied final key is
// shorter than the xor scheme's accumulated message.
var ErrShortKey = errors.New("cryptoscheme: final key shorter than accumulated message")

// Context holds a scheme together with its accumulated state, following
// it alongside a key as it moves through the pipeline (spec §3
// "Crypto context"). Contexts are value types: Clone returns an
// independent copy, matching the "pass crypto contexts by value" ownership
// rule of spec §3.
type Context struct {
	scheme Scheme
	xorAcc []byte
	hash   *evhash.Engine
}

// New constructs a Context for sch. evhash schemes allocate their engine
// here (and restore any State carried in the scheme string); null and xor
// need no engine.
func New(sch Scheme) (*Context, error) {
	if err := sch.Validate(); err != nil {
		return nil, err
	}
	c := &Context{scheme: sch}
	if sch.Kind == KindEvHash {
		eng, err := evhash.NewEngine(sch.Bits, sch.InitKey)
		if err != nil {
			return nil, err
		}
		if len(sch.State) > 0 {
			if err := eng.SetState(sch.State); err != nil {
				return nil, err
			}
		}
		c.hash = eng
	}
	return c, nil
}

// Scheme returns the context's underlying scheme (with State populated
// from the live accumulator, for contexts that have one).
func (c *Context) Scheme() Scheme {
	s := c.scheme
	s.State = c.State()
	return s
}

// Add folds message bytes into the accumulated state. null is a no-op;
// xor XORs into a running buffer; evhash streams through the Horner
// accumulator.
func (c *Context) Add(data []byte) {
	switch c.scheme.Kind {
	case KindNull:
		return
	case KindXor:
		if len(data) > len(c.xorAcc) {
			grown := make([]byte, len(data))
			copy(grown, c.xorAcc)
			c.xorAcc = grown
		}
		for i, b := range data {
			c.xorAcc[i] ^= b
		}
	case KindEvHash:
		c.hash.Add(data)
	}
}

// AddContext folds another context's accumulated state into this one, the
// "state fold" operation of spec §3. Both contexts must use the same
// scheme kind (and, for evhash, width).
func (c *Context) AddContext(other *Context) error {
	if c.scheme.Kind != other.scheme.Kind {
		return errors.Newf("cryptoscheme: cannot fold %s into %s", other.scheme.Kind, c.scheme.Kind)
	}
	switch c.scheme.Kind {
	case KindNull:
		return nil
	case KindXor:
		c.Add(other.xorAcc)
		return nil
	case KindEvHash:
		if c.scheme.Bits != other.scheme.Bits {
			return errors.Newf("cryptoscheme: cannot fold evhash-%d into evhash-%d", other.scheme.Bits, c.scheme.Bits)
		}
		return c.hash.AddEngine(other.hash)
	default:
		return errors.Newf("cryptoscheme: invalid kind %d", c.scheme.Kind)
	}
}

// Finalize consumes finalKey (key material freshly drawn from the
// authentication store) and returns a tag. null always returns an empty
// tag and consumes nothing.
func (c *Context) Finalize(finalKey []byte) ([]byte, error) {
	switch c.scheme.Kind {
	case KindNull:
		return nil, nil
	case KindXor:
		if len(finalKey) < len(c.xorAcc) {
			return nil, ErrShortKey
		}
		tag := make([]byte, len(c.xorAcc))
		for i := range tag {
			tag[i] = c.xorAcc[i] ^ finalKey[i]
		}
		return tag, nil
	case KindEvHash:
		return c.hash.Finalize(finalKey)
	default:
		return nil, errors.Newf("cryptoscheme: invalid kind %d", c.scheme.Kind)
	}
}

// ConsumedBytes reports how many bytes of final key the next Finalize
// call will consume, which the authentication stage needs to size its
// draw from the key store before it can call Finalize.
func (c *Context) ConsumedBytes() int {
	switch c.scheme.Kind {
	case KindNull:
		return 0
	case KindXor:
		return len(c.xorAcc)
	case KindEvHash:
		return c.scheme.Bits / 8
	default:
		return 0
	}
}

// State exports the accumulated state as an opaque blob.
func (c *Context) State() []byte {
	switch c.scheme.Kind {
	case KindNull:
		return nil
	case KindXor:
		out := make([]byte, 4+len(c.xorAcc))
		binary.BigEndian.PutUint32(out[:4], uint32(len(c.xorAcc)))
		copy(out[4:], c.xorAcc)
		return out
	case KindEvHash:
		return c.hash.State()
	default:
		return nil
	}
}

// SetState restores a previously-exported accumulator.
func (c *Context) SetState(state []byte) error {
	switch c.scheme.Kind {
	case KindNull:
		return nil
	case KindXor:
		if len(state) < 4 {
			return errors.New("cryptoscheme: xor state too short")
		}
		n := binary.BigEndian.Uint32(state[:4])
		if uint32(len(state[4:])) < n {
			return errors.New("cryptoscheme: xor state truncated")
		}
		c.xorAcc = append([]byte(nil), state[4:4+n]...)
		return nil
	case KindEvHash:
		return c.hash.SetState(state)
	default:
		return errors.Newf("cryptoscheme: invalid kind %d", c.scheme.Kind)
	}
}

// Clone returns an independent copy of the context, per spec §3's
// "crypto contexts travel with the key through the pipeline by value
// (cloned if the stage must retain state)".
func (c *Context) Clone() *Context {
	clone := &Context{scheme: c.scheme}
	switch c.scheme.Kind {
	case KindXor:
		clone.xorAcc = append([]byte(nil), c.xorAcc...)
	case KindEvHash:
		clone.hash = c.hash.Clone()
	}
	return clone
}

// IsNull reports whether this context carries the null scheme.
func (c *Context) IsNull() bool {
	return c.scheme.Kind == KindNull
}
