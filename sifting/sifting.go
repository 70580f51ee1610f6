package sifting

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/qkdistill/core/cryptoscheme"
	"github.com/qkdistill/core/key"
	"github.com/qkdistill/core/message"
	"github.com/qkdistill/core/qconfig"
	"github.com/qkdistill/core/randsrc"
	"github.com/qkdistill/core/stage"
	"github.com/qkdistill/core/telemetry"
)

// Role distinguishes the two ends of the sifting exchange: A initiates
// the basis reconciliation and B unconditionally inverts its reduced
// bits (spec §4.2) so the two sides land on complementary raw material
// before the later stages bring them into agreement.
type Role int

const (
	RoleA Role = iota
	RoleB
)

const (
	msgBasisTable  message.Type = iota + 1
	msgMergedBasis
)

// ErrWrongState is returned when Process is handed a key that isn't
// carrying raw detector-click events.
var ErrWrongState = errors.New("sifting: input key is not in OTHER state")

// Stage implements spec §4.2. It is not safe for concurrent Process
// calls: the pending-bit accumulator and retention EMA are per-stage
// state threaded across consecutive keys on the same pipeline.
type Stage struct {
	role        Role
	rand        randsrc.Source
	ids         *key.IDCounter
	rawKeyBytes int
	recvTimeout time.Duration
	metrics     *telemetry.Stage

	pending      []byte
	retentionEMA float64
}

// retentionEMAAlpha weights the most recent key's basis-retention ratio
// against the smoothed history reported on the inspection bus.
const retentionEMAAlpha = 0.1

// New returns a sifting stage for the given role. rnd supplies the
// even-parity fallback bit (spec §4.2); ids mints fresh SIFTED key ids.
func New(role Role, rnd randsrc.Source, ids *key.IDCounter) *Stage {
	return &Stage{role: role, rand: rnd, ids: ids, rawKeyBytes: 4096, recvTimeout: 5 * time.Second}
}

func (s *Stage) Name() string { return "sifting" }

// SetMetrics attaches the inspection-bus gauges ApplyConfig updates.
func (s *Stage) SetMetrics(m *telemetry.Stage) { s.metrics = m }

func (s *Stage) ApplyConfig(cfg qconfig.Map) error {
	n, err := cfg.Int("rawkey_length", s.rawKeyBytes)
	if err != nil {
		return err
	}
	s.rawKeyBytes = n

	d, err := cfg.Duration("recv_timeout", s.recvTimeout)
	if err != nil {
		return err
	}
	s.recvTimeout = d

	if s.metrics != nil {
		s.metrics.RawKeyLen.Set(float64(s.rawKeyBytes))
	}
	return nil
}

// RetentionRatio returns the exponentially-smoothed fraction of event
// slots whose basis has survived reconciliation so far.
func (s *Stage) RetentionRatio() float64 { return s.retentionEMA }

// Process implements the A/B basis-table exchange of spec §4.2: A sends
// the event count and configured raw-key length, B replies with its own
// basis table, A merges (any disagreement goes to Invalid) and sends the
// merged table back, and both sides reduce every non-Invalid slot to a
// bit — B inverting its bit unconditionally. Reduced bits accumulate
// across keys until a full raw-key's worth (byte-aligned) is ready, at
// which point the stage emits a new SIFTED key and carries any
// leftover bits into the next round.
func (s *Stage) Process(ctx context.Context, k *key.Key, ctxIn, ctxOut *cryptoscheme.Context) (bool, *key.Key, *cryptoscheme.Context, *cryptoscheme.Context, error) {
	if k.Meta.State != key.Other {
		return false, nil, ctxIn, ctxOut, errors.Wrapf(ErrWrongState, "key %d has state %s", k.ID, k.Meta.State)
	}

	sync := stage.SyncFromContext(ctx)
	if sync == nil {
		return false, nil, ctxIn, ctxOut, errors.New("sifting: no peer sync in context")
	}

	events := k.Payload
	n := len(events) * 2
	local := make([]Basis, n)
	for i := range local {
		local[i] = BasisOf(EventAt(events, i))
	}

	final, err := s.reconcile(ctx, sync, k.ID, n, local)
	if err != nil {
		return false, nil, ctxIn, ctxOut, err
	}

	retained := 0
	drawBit := func() byte { return byte(randsrc.IntN(s.rand, 2)) }
	for i, b := range final {
		if b == BasisInvalid {
			continue
		}
		bit := BitFromEvent(EventAt(events, i), b, drawBit)
		if s.role == RoleB {
			bit ^= 1
		}
		s.pending = append(s.pending, bit)
		retained++
	}
	if n > 0 {
		ratio := float64(retained) / float64(n)
		s.retentionEMA = retentionEMAAlpha*ratio + (1-retentionEMAAlpha)*s.retentionEMA
	}

	target := s.rawKeyBytes * 8
	if target <= 0 || len(s.pending) < target {
		return false, nil, ctxIn, ctxOut, nil
	}
	outBits := s.pending[:target]
	s.pending = s.pending[target:]

	payload := make([]byte, s.rawKeyBytes)
	for i, bit := range outBits {
		key.SetBitAt(payload, i, bit)
	}
	out := &key.Key{ID: s.ids.Next(), Payload: payload, Meta: key.Meta{State: key.Sifted}}
	return true, out, ctxIn, ctxOut, nil
}

func (s *Stage) reconcile(ctx context.Context, sync *stage.Sync, keyID uint32, n int, local []Basis) ([]Basis, error) {
	if s.role == RoleA {
		var f message.Fields
		f.AddUint32(uint32(n))
		f.AddUint64(uint64(s.rawKeyBytes))
		if err := sync.Send(ctx, keyID, msgBasisTable, f); err != nil {
			return nil, errors.Wrap(err, "sifting: send basis-table init")
		}

		reply, err := sync.Recv(ctx, keyID, s.recvTimeout)
		if err != nil {
			return nil, errors.Wrap(err, "sifting: recv peer basis table")
		}
		peerBuf, err := reply.Payload.Field(0)
		if err != nil {
			return nil, err
		}
		peer := UnpackBasis(peerBuf, n)

		final := make([]Basis, n)
		for i := range final {
			if local[i] == peer[i] {
				final[i] = local[i]
			} else {
				final[i] = BasisInvalid
			}
		}

		var mf message.Fields
		mf.Add(PackBasis(final))
		if err := sync.Send(ctx, keyID, msgMergedBasis, mf); err != nil {
			return nil, errors.Wrap(err, "sifting: send merged basis table")
		}
		return final, nil
	}

	init, err := sync.Recv(ctx, keyID, s.recvTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "sifting: recv basis-table init")
	}
	_, _ = init.Payload.Uint32(0)
	_, _ = init.Payload.Uint64(1)

	var f message.Fields
	f.Add(PackBasis(local))
	if err := sync.Send(ctx, keyID, msgBasisTable, f); err != nil {
		return nil, errors.Wrap(err, "sifting: send local basis table")
	}

	merged, err := sync.Recv(ctx, keyID, s.recvTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "sifting: recv merged basis table")
	}
	mergedBuf, err := merged.Payload.Field(0)
	if err != nil {
		return nil, err
	}
	return UnpackBasis(mergedBuf, n), nil
}
