// Package confirm implements the confirmation stage of spec §4.3: R
// independent parity checks over random masks, confirming or failing a
// CORRECTED key before it proceeds to privacy amplification.
package confirm

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

type Role int

const (
	RoleA Role = iota
	RoleB
)

const (
	msgMasks    message.Type = iota + 1
	msgParities
	msgResult
)

// ErrWrongState is returned when Process is handed a key that is
// neither CORRECTED nor DISCLOSED.
var ErrWrongState = errors.New("confirm: input key is not CORRECTED or DISCLOSED")

// Stage implements spec §4.3. The mask source is a stage-local PRNG
// seeded externally (spec §4.3 "The random source is a stage-local PRNG
// seeded externally"); masks travel verbatim from A to B so the two
// sides' parity checks are correlated rather than independently drawn.
type Stage struct {
	role        Role
	rand        randsrc.Source
	rounds      int
	recvTimeout time.Duration
	metrics     *telemetry.Stage
}

// New returns a confirmation stage for the given role with the default
// round count of 8 (spec §8 scenarios 3 and 4 both use R=8).
func New(role Role, rnd randsrc.Source) *Stage {
	return &Stage{role: role, rand: rnd, rounds: 8, recvTimeout: 5 * time.Second}
}

func (s *Stage) Name() string { return "confirm" }

// SetMetrics attaches the inspection-bus gauges ApplyConfig updates.
func (s *Stage) SetMetrics(m *telemetry.Stage) { s.metrics = m }

func (s *Stage) ApplyConfig(cfg qconfig.Map) error {
	r, err := cfg.Int("rounds", s.rounds)
	if err != nil {
		return err
	}
	s.rounds = r

	d, err := cfg.Duration("recv_timeout", s.recvTimeout)
	if err != nil {
		return err
	}
	s.recvTimeout = d

	if s.metrics != nil {
		s.metrics.Rounds.Set(float64(s.rounds))
	}
	return nil
}

func (s *Stage) Process(ctx context.Context, k *key.Key, ctxIn, ctxOut *cryptoscheme.Context) (bool, *key.Key, *cryptoscheme.Context, *cryptoscheme.Context, error) {
	if k.Meta.State == key.Disclosed {
		return true, k.Clone(), ctxIn, ctxOut, nil
	}
	if k.Meta.State != key.Corrected {
		return false, nil, ctxIn, ctxOut, errors.Wrapf(ErrWrongState, "key %d has state %s", k.ID, k.Meta.State)
	}

	sync := stage.SyncFromContext(ctx)
	if sync == nil {
		return false, nil, ctxIn, ctxOut, errors.New("confirm: no peer sync in context")
	}

	var confirmed bool
	var err error
	if s.role == RoleA {
		confirmed, err = s.runA(ctx, sync, k)
	} else {
		confirmed, err = s.runB(ctx, sync, k)
	}
	if err != nil {
		return false, nil, ctxIn, ctxOut, err
	}

	out := k.Clone()
	if confirmed {
		out.Meta.State = key.Confirmed
	} else {
		out.Meta.State = key.Unconfirmed
	}
	return true, out, ctxIn, ctxOut, nil
}

func (s *Stage) runA(ctx context.Context, sync *stage.Sync, k *key.Key) (bool, error) {
	maskBytes := len(k.Payload)

	masks := make([][]byte, s.rounds)
	myParities := make([]byte, s.rounds)
	var f message.Fields
	f.AddUint64(uint64(len(k.Payload) * 8))
	f.AddUint32(uint32(s.rounds))
	for i := 0; i < s.rounds; i++ {
		m := s.rand.Read(maskBytes)
		masks[i] = m
		myParities[i] = key.ParityMasked(m, k.Payload)
		f.Add(m)
	}
	if err := sync.Send(ctx, k.ID, msgMasks, f); err != nil {
		return false, errors.Wrap(err, "confirm: send masks")
	}

	reply, err := sync.Recv(ctx, k.ID, s.recvTimeout)
	if err != nil {
		return false, errors.Wrap(err, "confirm: recv peer parities")
	}
	peerParities, err := reply.Payload.Field(0)
	if err != nil {
		return false, err
	}
	if len(peerParities) != s.rounds {
		return false, errors.Newf("confirm: expected %d parity bits, got %d", s.rounds, len(peerParities))
	}

	agree := true
	for i := 0; i < s.rounds; i++ {
		if myParities[i] != peerParities[i] {
			agree = false
			break
		}
	}

	var rf message.Fields
	if agree {
		rf.Add([]byte{1})
	} else {
		rf.Add([]byte{0})
	}
	if err := sync.Send(ctx, k.ID, msgResult, rf); err != nil {
		return false, errors.Wrap(err, "confirm: send result")
	}
	return agree, nil
}

func (s *Stage) runB(ctx context.Context, sync *stage.Sync, k *key.Key) (bool, error) {
	m, err := sync.Recv(ctx, k.ID, s.recvTimeout)
	if err != nil {
		return false, errors.Wrap(err, "confirm: recv masks")
	}
	rounds, err := m.Payload.Uint32(1)
	if err != nil {
		return false, err
	}

	parities := make([]byte, rounds)
	for i := 0; i < int(rounds); i++ {
		mask, err := m.Payload.Field(2 + i)
		if err != nil {
			return false, err
		}
		parities[i] = key.ParityMasked(mask, k.Payload)
	}

	var f message.Fields
	f.Add(parities)
	if err := sync.Send(ctx, k.ID, msgParities, f); err != nil {
		return false, errors.Wrap(err, "confirm: send parities")
	}

	result, err := sync.Recv(ctx, k.ID, s.recvTimeout)
	if err != nil {
		return false, errors.Wrap(err, "confirm: recv result")
	}
	resultByte, err := result.Payload.Field(0)
	if err != nil {
		return false, err
	}
	return len(resultByte) == 1 && resultByte[0] == 1, nil
}
