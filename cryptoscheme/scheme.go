// Package cryptoscheme implements the closed set of keyed crypto
// primitives named by a key's scheme string (null, xor, evhash) and the
// crypto context that carries their accumulated state alongside a key as
// it moves through the pipeline.
package cryptoscheme

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Kind is the closed set of supported algorithms. Per the design note
// "Dynamic dispatch over schemes", this is a sum type dispatched with a
// switch, not a runtime plugin registry: unknown names are rejected by
// Parse, not at first use.
type Kind uint8

const (
	KindNull Kind = iota
	KindXor
	KindEvHash
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindXor:
		return "xor"
	case KindEvHash:
		return "evhash"
	default:
		return "unknown"
	}
}

// Scheme is a parsed scheme string: ALG[-BITS][:INIT_KEY_HEX[:STATE_HEX]].
type Scheme struct {
	Kind    Kind
	Bits    int    // meaningful only for KindEvHash
	InitKey []byte // required for KindEvHash, exactly Bits/8 bytes
	State   []byte // optional carried-over accumulator, opaque
}

// Null is the zero-overhead scheme that consumes and produces no key
// material.
var Null = Scheme{Kind: KindNull}

// Parse validates and decodes a scheme string. An unknown algorithm, or an
// evhash scheme whose init-key length does not equal BITS/8, is a
// configuration error.
func Parse(s string) (Scheme, error) {
	algPart, rest, hasColon := strings.Cut(s, ":")
	alg, bitsPart, hasBits := strings.Cut(algPart, "-")

	var sch Scheme
	switch alg {
	case "null":
		sch.Kind = KindNull
	case "xor":
		sch.Kind = KindXor
	case "evhash":
		sch.Kind = KindEvHash
		if !hasBits {
			return Scheme{}, errors.Newf("cryptoscheme: evhash requires -BITS, got %q", s)
		}
		bits, err := strconv.Atoi(bitsPart)
		if err != nil {
			return Scheme{}, errors.Wrapf(err, "cryptoscheme: invalid BITS in %q", s)
		}
		sch.Bits = bits
	default:
		return Scheme{}, errors.Newf("cryptoscheme: unknown algorithm %q", alg)
	}

	if sch.Kind != KindEvHash && hasBits {
		return Scheme{}, errors.Newf("cryptoscheme: %s does not take -BITS", alg)
	}

	if hasColon {
		initHex, stateHex, hasState := strings.Cut(rest, ":")
		initKey, err := hex.DecodeString(initHex)
		if err != nil {
			return Scheme{}, errors.Wrapf(err, "cryptoscheme: invalid INIT_KEY_HEX in %q", s)
		}
		sch.InitKey = initKey
		if hasState {
			state, err := hex.DecodeString(stateHex)
			if err != nil {
				return Scheme{}, errors.Wrapf(err, "cryptoscheme: invalid STATE_HEX in %q", s)
			}
			sch.State = state
		}
	}

	if err := sch.Validate(); err != nil {
		return Scheme{}, err
	}
	return sch, nil
}

// Validate checks the algorithm-specific invariants of spec §3: for
// evhash, the init-key length must equal BITS/8.
func (s Scheme) Validate() error {
	switch s.Kind {
	case KindNull, KindXor:
		return nil
	case KindEvHash:
		if len(s.InitKey) != s.Bits/8 {
			return errors.Newf("cryptoscheme: evhash-%d requires a %d-byte init key, got %d", s.Bits, s.Bits/8, len(s.InitKey))
		}
		return nil
	default:
		return errors.Newf("cryptoscheme: invalid kind %d", s.Kind)
	}
}

// String re-serializes the scheme to its wire form, including any
// exported accumulator state, so it can travel as a key's scheme_in /
// scheme_out field.
func (s Scheme) String() string {
	var sb strings.Builder
	sb.WriteString(s.Kind.String())
	if s.Kind == KindEvHash {
		fmt.Fprintf(&sb, "-%d", s.Bits)
	}
	if len(s.InitKey) > 0 {
		sb.WriteByte(':')
		sb.WriteString(hex.EncodeToString(s.InitKey))
		if len(s.State) > 0 {
			sb.WriteByte(':')
			sb.WriteString(hex.EncodeToString(s.State))
		}
	}
	return sb.String()
}
