// Package resize implements the resize stage of spec §4.5: buffering
// keys of any non-DISCLOSED state and re-cutting them into fixed
// exact-size chunks, or concatenating them once a minimum size is met.
package resize

import (
	"context"
	"math"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/qkdistill/core/cryptoscheme"
	"github.com/qkdistill/core/key"
	"github.com/qkdistill/core/qconfig"
	"github.com/qkdistill/core/qlog"
	"github.com/qkdistill/core/stage"
	"github.com/qkdistill/core/telemetry"
)

// Mode selects which of the two mutually exclusive configurations spec
// §4.5 describes is active.
type Mode int

const (
	ModeExact Mode = iota
	ModeMinimum
)

// segment is one not-yet-fully-consumed contribution to the buffer.
// origLen and origDisclosed describe the *original* input key this
// segment came from, even after part of its data has already been cut
// into an earlier output — that's what lets proration (spec §4.5 "a key
// that would cause overflow is split at the cut point... disclosed_bits
// and qber are prorated across the two halves") work across more than
// one split of the same key.
type segment struct {
	data          []byte
	state         key.State
	qber          float64
	origLen       int
	origDisclosed uint64
}

// Stage implements spec §4.5. It is not safe for concurrent Process
// calls: the segment buffer and ready queue are threaded across
// consecutive keys on the same pipeline. Because Stage.Process can only
// return a single output key, a single oversized input can make more
// than one exact-size chunk ready at once; the extras queue in ready and
// drain one per subsequent Process call rather than all at once.
type Stage struct {
	mode    Mode
	size    int
	ids     *key.IDCounter
	log     qlog.Logger
	metrics *telemetry.Stage

	segments []segment
	ready    []*key.Key
}

// New returns a resize stage. size is bytes: exact_size for ModeExact,
// minimum_size for ModeMinimum.
func New(mode Mode, size int, ids *key.IDCounter) *Stage {
	return &Stage{mode: mode, size: size, ids: ids, log: qlog.NoOp()}
}

// SetLogger overrides the stage's logger, used to report the
// peer-synchronization-disabled warning of spec §4.5.
func (s *Stage) SetLogger(l qlog.Logger) { s.log = l }

// SetMetrics attaches the inspection-bus gauges ApplyConfig updates.
func (s *Stage) SetMetrics(m *telemetry.Stage) { s.metrics = m }

func (s *Stage) Name() string { return "resize" }

func (s *Stage) ApplyConfig(cfg qconfig.Map) error {
	_, hasExact := cfg["exact_size"]
	_, hasMin := cfg["minimum_size"]
	if hasExact == hasMin {
		return errors.New("resize: exactly one of exact_size or minimum_size must be configured")
	}
	if hasExact {
		n, err := cfg.Int("exact_size", s.size)
		if err != nil {
			return err
		}
		s.mode = ModeExact
		s.size = n
		if s.metrics != nil {
			s.metrics.ExactSize.Set(float64(s.size))
		}
		return nil
	}
	n, err := cfg.Int("minimum_size", s.size)
	if err != nil {
		return err
	}
	s.mode = ModeMinimum
	s.size = n
	if s.metrics != nil {
		s.metrics.MinSize.Set(float64(s.size))
	}
	return nil
}

// Process implements spec §4.5. Peer synchronization is required so both
// sides reach the same cut/merge decisions; this stage treats "required"
// as "a peer link must be configured", since the cut points themselves
// fall out deterministically from both sides buffering the same ordered
// stream of same-length keys, with no additional message exchange
// needed.
func (s *Stage) Process(ctx context.Context, k *key.Key, ctxIn, ctxOut *cryptoscheme.Context) (bool, *key.Key, *cryptoscheme.Context, *cryptoscheme.Context, error) {
	if k.Meta.State == key.Disclosed {
		return true, k.Clone(), ctxIn, ctxOut, nil
	}
	if stage.SyncFromContext(ctx) == nil {
		s.log.Warn("resize: peer synchronization disabled, dropping key", zap.Uint32("key_id", k.ID))
		dropped := k.Clone()
		dropped.Meta.State = key.Disclosed
		return true, dropped, ctxIn, ctxOut, nil
	}

	s.segments = append(s.segments, segment{
		data:          append([]byte(nil), k.Payload...),
		state:         k.Meta.State,
		qber:          k.Meta.QBER,
		origLen:       len(k.Payload),
		origDisclosed: k.Meta.DisclosedBits,
	})

	if s.mode == ModeExact {
		s.drainExact()
	} else {
		s.drainMinimum()
	}

	if len(s.ready) == 0 {
		return false, nil, ctxIn, ctxOut, nil
	}
	out := s.ready[0]
	s.ready = s.ready[1:]
	return true, out, ctxIn, ctxOut, nil
}

func (s *Stage) totalBuffered() int {
	n := 0
	for _, seg := range s.segments {
		n += len(seg.data)
	}
	return n
}

// drainExact cuts complete exact_size chunks off the front of the
// buffer for as long as enough bytes are available, leaving strictly
// fewer than s.size bytes buffered afterward (spec §4.5 invariant).
func (s *Stage) drainExact() {
	for s.totalBuffered() >= s.size {
		data, qber, disclosed, state := s.cut(s.size)
		s.ready = append(s.ready, &key.Key{
			ID:      s.ids.Next(),
			Payload: data,
			Meta:    key.Meta{State: state, QBER: qber, DisclosedBits: disclosed},
		})
	}
}

// drainMinimum concatenates the entire buffer into one key once its
// total size reaches s.size.
func (s *Stage) drainMinimum() {
	total := s.totalBuffered()
	if total < s.size {
		return
	}
	data, qber, disclosed, state := s.cut(total)
	s.ready = append(s.ready, &key.Key{
		ID:      s.ids.Next(),
		Payload: data,
		Meta:    key.Meta{State: state, QBER: qber, DisclosedBits: disclosed},
	})
}

// cut removes exactly n bytes from the front of the segment buffer,
// returning the concatenated bytes along with the size-weighted mean
// qber, the prorated sum of disclosed bits, and the state of whichever
// segment contributed the output's final byte.
func (s *Stage) cut(n int) (data []byte, qber float64, disclosed uint64, state key.State) {
	data = make([]byte, 0, n)
	var qberWeighted float64
	var disclosedSum float64
	taken := 0

	for taken < n && len(s.segments) > 0 {
		seg := &s.segments[0]
		remaining := n - taken
		take := remaining
		if take > len(seg.data) {
			take = len(seg.data)
		}
		data = append(data, seg.data[:take]...)

		if seg.origLen > 0 {
			disclosedSum += float64(seg.origDisclosed) * float64(take) / float64(seg.origLen)
		}
		qberWeighted += seg.qber * float64(take)
		state = seg.state
		taken += take

		seg.data = seg.data[take:]
		if len(seg.data) == 0 {
			s.segments = s.segments[1:]
		}
	}

	if taken > 0 {
		qber = qberWeighted / float64(taken)
	}
	disclosed = uint64(math.Round(disclosedSum))
	return data, qber, disclosed, state
}
