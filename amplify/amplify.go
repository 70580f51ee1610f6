// Package amplify implements the privacy amplification stage of spec
// §4.4: Toeplitz hashing of a CONFIRMED key, computed as a cyclic
// convolution over a fixed prime field via the NTT engine.
package amplify

import (
	"context"
	"math"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/qkdistill/core/cryptoscheme"
	"github.com/qkdistill/core/key"
	"github.com/qkdistill/core/message"
	"github.com/qkdistill/core/ntt"
	"github.com/qkdistill/core/qconfig"
	"github.com/qkdistill/core/qlog"
	"github.com/qkdistill/core/randsrc"
	"github.com/qkdistill/core/stage"
	"github.com/qkdistill/core/telemetry"
)

type Role int

const (
	RoleA Role = iota
	RoleB
)

const msgSeedShift message.Type = iota + 1

// ErrWrongState is returned when Process is handed a key that is
// neither CONFIRMED nor DISCLOSED.
var ErrWrongState = errors.New("amplify: input key is not CONFIRMED or DISCLOSED")

// Stage implements spec §4.4. A draws the seed and shift and sends them
// (together with the computed output length) to B, who applies the same
// Toeplitz hash to its own — by this point bit-identical — payload
// rather than independently recomputing the output length, so the two
// sides can never disagree on m due to floating-point or configuration
// skew.
type Stage struct {
	role         Role
	rand         randsrc.Source
	field        ntt.Field
	securityBits float64
	ratio        float64
	recvTimeout  time.Duration
	log          qlog.Logger
	metrics      *telemetry.Stage
}

// New returns a privacy amplification stage over ntt.FieldLarge with no
// security margin and no fixed ratio override configured (ratio 1 means
// "not set", per spec §4.4).
func New(role Role, rnd randsrc.Source) *Stage {
	return &Stage{
		role:        role,
		rand:        rnd,
		field:       ntt.FieldLarge,
		securityBits: 0,
		ratio:       1,
		recvTimeout: 5 * time.Second,
		log:         qlog.NoOp(),
	}
}

// SetLogger overrides the stage's logger, used to report the
// ratio/security-margin conflict warning of spec §4.4.
func (s *Stage) SetLogger(l qlog.Logger) { s.log = l }

// SetMetrics attaches the inspection-bus gauges ApplyConfig updates.
func (s *Stage) SetMetrics(m *telemetry.Stage) { s.metrics = m }

func (s *Stage) Name() string { return "amplify" }

func (s *Stage) ApplyConfig(cfg qconfig.Map) error {
	sec, err := cfg.Float("security_bits", s.securityBits)
	if err != nil {
		return err
	}
	s.securityBits = sec

	r, err := cfg.Float("ratio", s.ratio)
	if err != nil {
		return err
	}
	s.ratio = r

	d, err := cfg.Duration("recv_timeout", s.recvTimeout)
	if err != nil {
		return err
	}
	s.recvTimeout = d

	if s.metrics != nil {
		s.metrics.SecurityBit.Set(s.securityBits)
		s.metrics.ReduceRate.Set(s.ratio)
	}
	return nil
}

// tau returns 1 - h2(e), the binary-entropy-complement factor of spec
// §4.4, clamped to [0,1].
func tau(e float64) float64 {
	if e <= 0 {
		return 1
	}
	if e >= 0.5 {
		return 0
	}
	h2 := -e*math.Log2(e) - (1-e)*math.Log2(1-e)
	t := 1 - h2
	if t < 0 {
		return 0
	}
	return t
}

// outputLength computes m = floor(base - d - s), where base is n*tau(e)
// normally or n*ratio when a fixed ratio override is active and no
// security margin conflicts with it.
func (s *Stage) outputLength(n int, d uint64, e float64) int {
	base := float64(n) * tau(e)
	if s.ratio != 1 {
		if s.securityBits > 0 {
			s.log.Warn("amplify: both security_bits and ratio configured, security_bits takes effect",
				zap.Float64("security_bits", s.securityBits), zap.Float64("ratio", s.ratio))
		} else {
			base = float64(n) * s.ratio
		}
	}
	m := math.Floor(base - float64(d) - s.securityBits)
	return int(m)
}

func (s *Stage) Process(ctx context.Context, k *key.Key, ctxIn, ctxOut *cryptoscheme.Context) (bool, *key.Key, *cryptoscheme.Context, *cryptoscheme.Context, error) {
	if k.Meta.State == key.Disclosed {
		return true, k.Clone(), ctxIn, ctxOut, nil
	}
	if k.Meta.State != key.Confirmed {
		return false, nil, ctxIn, ctxOut, errors.Wrapf(ErrWrongState, "key %d has state %s", k.ID, k.Meta.State)
	}

	sync := stage.SyncFromContext(ctx)
	if sync == nil {
		return false, nil, ctxIn, ctxOut, errors.New("amplify: no peer sync in context")
	}

	n := len(k.Payload) * 8

	var m int
	var seed, shift []byte
	if s.role == RoleA {
		m = s.outputLength(n, k.Meta.DisclosedBits, k.Meta.QBER)
		if m > 0 {
			seed = s.rand.Read((n + 7) / 8)
			shift = s.rand.Read((m + 7) / 8)
		}
		var f message.Fields
		f.AddUint64(uint64(n))
		if m > 0 {
			f.AddUint64(uint64(m))
			f.Add(seed)
			f.Add(shift)
		} else {
			f.AddUint64(0)
		}
		if err := sync.Send(ctx, k.ID, msgSeedShift, f); err != nil {
			return false, nil, ctxIn, ctxOut, errors.Wrap(err, "amplify: send seed/shift")
		}
	} else {
		recv, err := sync.Recv(ctx, k.ID, s.recvTimeout)
		if err != nil {
			return false, nil, ctxIn, ctxOut, errors.Wrap(err, "amplify: recv seed/shift")
		}
		mm, err := recv.Payload.Uint64(1)
		if err != nil {
			return false, nil, ctxIn, ctxOut, err
		}
		m = int(mm)
		if m > 0 {
			seed, err = recv.Payload.Field(2)
			if err != nil {
				return false, nil, ctxIn, ctxOut, err
			}
			shift, err = recv.Payload.Field(3)
			if err != nil {
				return false, nil, ctxIn, ctxOut, err
			}
		}
	}

	if m <= 0 {
		dropped := k.Clone()
		dropped.Meta.State = key.Disclosed
		return true, dropped, ctxIn, ctxOut, nil
	}

	payload, err := s.toeplitzHash(seed, shift, k.Payload, n, m)
	if err != nil {
		return false, nil, ctxIn, ctxOut, err
	}

	out := k.Clone()
	out.Payload = payload
	out.Meta.State = key.Amplified
	out.Meta.DisclosedBits = 0
	out.Meta.QBER = 0
	return true, out, ctxIn, ctxOut, nil
}

// toeplitzHash implements spec §4.4 steps 1-4: build the Toeplitz and
// input NTT arrays, convolve, and take the low bit of the first m
// elements. The convolution sum for any output position is a count of
// 0/1 products bounded by n, always far below the field's modulus, so
// the mod-p reduction never disturbs the low bit.
func (s *Stage) toeplitzHash(seed, shift, keyBits []byte, n, m int) ([]byte, error) {
	N := ntt.NextPowerOfTwo(n + m)
	toeplitz, input := buildArrays(seed, shift, keyBits, n, m, N)

	conv, err := ntt.Conv(toeplitz, input, s.field)
	if err != nil {
		return nil, errors.Wrap(err, "amplify: toeplitz convolution")
	}

	out := make([]byte, (m+7)/8)
	for i := 0; i < m; i++ {
		key.SetBitAt(out, i, byte(conv[i]&1))
	}
	return out, nil
}

// buildArrays lays out the Toeplitz-defining and input NTT arrays per
// spec §4.4 step 2: position 0 of the Toeplitz array is the matrix
// corner, positions 1..n carry the seed bits reversed, positions
// n+1..n+m carry the shift bits reversed; the input array is zero
// except for its trailing n positions, which carry the key bits in
// order. Keeping this ordering bit-exact matters for interop with an
// already-running peer (spec §9 open question).
func buildArrays(seed, shift, keyBits []byte, n, m, N int) (toeplitz, input []uint32) {
	toeplitz = make([]uint32, N)
	for i := 0; i < n; i++ {
		toeplitz[1+(n-1-i)] = uint32(key.BitAt(seed, i))
	}
	for i := 0; i < m; i++ {
		toeplitz[n+1+(m-1-i)] = uint32(key.BitAt(shift, i))
	}

	input = make([]uint32, N)
	for i := 0; i < n; i++ {
		input[N-n+i] = uint32(key.BitAt(keyBits, i))
	}
	return toeplitz, input
}
