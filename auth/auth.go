// Package auth implements the authentication stage of spec §4.6: the
// final hop of the distillation pipeline, which tags a key's traveling
// crypto contexts against two peer-synchronized key stores and verifies
// the peer computed the same tags before letting the key through.
package auth

import (
	"bytes"
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/qkdistill/core/cryptoscheme"
	"github.com/qkdistill/core/endpoint"
	"github.com/qkdistill/core/key"
	"github.com/qkdistill/core/keydb"
	"github.com/qkdistill/core/message"
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

const msgTags message.Type = iota + 1

// ErrAuthFault is returned when a peer's reported tag disagrees with the
// locally-computed expectation. Per spec §7 this is the one hazard that
// pauses the stage: the caller is expected to stop driving Process on
// this Stage until an operator intervenes.
var ErrAuthFault = errors.New("auth: tag mismatch, stage paused")

var errFamine = errors.New("auth: insufficient key material in store")

// SchemeSlot is the scheme-slot state machine of spec §4.6: one exists
// for the inbound direction and one for the outbound direction. Queuing
// a change takes effect only after the next successful verify.
type SchemeSlot struct {
	current       cryptoscheme.Scheme
	next          cryptoscheme.Scheme
	changePending bool
}

// NewSchemeSlot returns a slot whose active scheme is initial.
func NewSchemeSlot(initial cryptoscheme.Scheme) *SchemeSlot {
	return &SchemeSlot{current: initial}
}

// Current returns the slot's active scheme.
func (s *SchemeSlot) Current() cryptoscheme.Scheme { return s.current }

// QueueChange asks the slot to switch to sch on the next successful
// verify, the operator-facing half of the transition in spec §4.6.
func (s *SchemeSlot) QueueChange(sch cryptoscheme.Scheme) {
	s.next = sch
	s.changePending = true
}

// AdvanceIfPending installs a queued scheme change, the "on the next
// create_context call (after a successful verify)" half of the
// transition in spec §4.6.
func (s *SchemeSlot) AdvanceIfPending() {
	if s.changePending && s.next.Kind != cryptoscheme.KindNull {
		s.current = s.next
		s.next = cryptoscheme.Scheme{}
		s.changePending = false
	}
}

// tagPair is one context's two finalized tags, drawn "as A" (the first
// half of the 2x reservation) and "as B" (the second half), per spec
// §4.6 step 1.
type tagPair struct {
	present bool
	asA     []byte
	asB     []byte
}

// Stage implements spec §4.6. Both storeIn and storeOut must already be
// populated with key material synchronized with the peer (spec §8
// scenario 7 assumes both sides start with identical stores); nothing in
// this package copies key material between peers.
type Stage struct {
	role Role
	rand randsrc.Source

	storeIn  keydb.Store
	storeOut keydb.Store

	threshold uint64

	inSlot  *SchemeSlot
	outSlot *SchemeSlot

	recvTimeout time.Duration
	log         qlog.Logger
	metrics     *telemetry.Stage
}

// New returns an authentication stage over the given stores and scheme
// slots. rnd is accepted for API symmetry with the other stages and
// future use (e.g. randomized corner values); it is not read yet.
func New(role Role, rnd randsrc.Source, storeIn, storeOut keydb.Store, inSlot, outSlot *SchemeSlot) *Stage {
	return &Stage{
		role:        role,
		rand:        rnd,
		storeIn:     storeIn,
		storeOut:    storeOut,
		inSlot:      inSlot,
		outSlot:     outSlot,
		recvTimeout: 5 * time.Second,
		log:         qlog.NoOp(),
	}
}

// SetLogger overrides the stage's logger, used to report famine and
// fault signals.
func (s *Stage) SetLogger(l qlog.Logger) { s.log = l }

// SetMetrics attaches the inspection-bus gauges ApplyConfig updates.
func (s *Stage) SetMetrics(m *telemetry.Stage) { s.metrics = m }

func (s *Stage) Name() string { return "auth" }

func (s *Stage) ApplyConfig(cfg qconfig.Map) error {
	th, err := cfg.Uint64("threshold", s.threshold)
	if err != nil {
		return err
	}
	s.threshold = th

	d, err := cfg.Duration("recv_timeout", s.recvTimeout)
	if err != nil {
		return err
	}
	s.recvTimeout = d

	if s.metrics != nil {
		s.metrics.Threshold.Set(float64(s.threshold))
	}
	return nil
}

// Process implements spec §4.6. It nibbles an AMPLIFIED key's tail into
// whichever store is below threshold, then — if either context carries
// state — runs the four-tag-pair exchange and verify against the peer.
func (s *Stage) Process(ctx context.Context, k *key.Key, ctxIn, ctxOut *cryptoscheme.Context) (bool, *key.Key, *cryptoscheme.Context, *cryptoscheme.Context, error) {
	if k.Meta.State == key.Disclosed {
		return true, k.Clone(), ctxIn, ctxOut, nil
	}

	work := k.Clone()
	if work.Meta.State == key.Amplified {
		if !s.maybeNibble(work) {
			s.log.Warn("auth: store below threshold with no amplified key material left to nibble",
				zap.Uint32("key_id", work.ID))
			return false, nil, ctxIn, ctxOut, nil
		}
	}

	inNull := ctxIn == nil || ctxIn.IsNull()
	outNull := ctxOut == nil || ctxOut.IsNull()
	if inNull && outNull {
		return true, work, ctxIn, ctxOut, nil
	}

	sync := stage.SyncFromContext(ctx)
	if sync == nil {
		return false, nil, ctxIn, ctxOut, errors.New("auth: no peer sync in context")
	}

	localIn, resIn, err := s.computeTags(ctx, ctxIn, s.storeIn)
	if errors.Is(err, errFamine) {
		s.log.Warn("auth: insufficient store_in material, disclosing key", zap.Uint32("key_id", work.ID))
		work.Meta.State = key.Disclosed
		return true, work, ctxIn, ctxOut, nil
	}
	if err != nil {
		return false, nil, ctxIn, ctxOut, err
	}

	localOut, resOut, err := s.computeTags(ctx, ctxOut, s.storeOut)
	if errors.Is(err, errFamine) {
		resIn.Release()
		s.log.Warn("auth: insufficient store_out material, disclosing key", zap.Uint32("key_id", work.ID))
		work.Meta.State = key.Disclosed
		return true, work, ctxIn, ctxOut, nil
	}
	if err != nil {
		resIn.Release()
		return false, nil, ctxIn, ctxOut, err
	}

	var f message.Fields
	f.AddUint64(s.threshold)
	addTagField(&f, localIn)
	addTagField(&f, localOut)

	if err := sync.Send(ctx, work.ID, msgTags, f); err != nil {
		resIn.Release()
		resOut.Release()
		return false, nil, ctxIn, ctxOut, errors.Wrap(err, "auth: send tags")
	}

	recv, err := sync.Recv(ctx, work.ID, s.recvTimeout)
	if err != nil {
		resIn.Release()
		resOut.Release()
		return false, nil, ctxIn, ctxOut, errors.Wrap(err, "auth: recv tags")
	}

	peerIn, err := readTagField(recv.Payload, 1)
	if err != nil {
		resIn.Release()
		resOut.Release()
		return false, nil, ctxIn, ctxOut, err
	}
	peerOut, err := readTagField(recv.Payload, 4)
	if err != nil {
		resIn.Release()
		resOut.Release()
		return false, nil, ctxIn, ctxOut, err
	}

	// Spec §4.6 step 3: "each side's locally-computed-as-peer tag equals
	// the peer's reported tag". Our ctx_in tags (computed from store_in,
	// which mirrors the peer's store_out) are verified against the
	// peer's ctx_out report, and vice versa.
	ok := true
	if localIn.present {
		ok = ok && peerOut.present && bytes.Equal(localIn.asA, peerOut.asA) && bytes.Equal(localIn.asB, peerOut.asB)
	}
	if localOut.present {
		ok = ok && peerIn.present && bytes.Equal(localOut.asA, peerIn.asA) && bytes.Equal(localOut.asB, peerIn.asB)
	}

	if !ok {
		resIn.Release()
		resOut.Release()
		s.log.Error("auth: tag mismatch, pausing stage", zap.Uint32("key_id", work.ID))
		return false, nil, ctxIn, ctxOut, ErrAuthFault
	}

	resIn.Commit()
	s.storeIn.Delete(resIn.IDs())
	resOut.Commit()
	s.storeOut.Delete(resOut.IDs())

	s.inSlot.AdvanceIfPending()
	s.outSlot.AdvanceIfPending()

	newIn, err := cryptoscheme.New(cryptoscheme.Null)
	if err != nil {
		return false, nil, ctxIn, ctxOut, err
	}
	newOut, err := cryptoscheme.New(cryptoscheme.Null)
	if err != nil {
		return false, nil, ctxIn, ctxOut, err
	}
	work.Meta.SchemeIn = newIn.Scheme().String()
	work.Meta.SchemeOut = newOut.Scheme().String()

	return true, work, newIn, newOut, nil
}

// Reconcile runs the store_in/store_out peer handshake of spec §1/§3.13
// over peer, comparing store_in with the peer's store_in and store_out
// with the peer's store_out. It reports whether each pair matches and
// marks local-only slots EventualSync; it copies no key material, so
// diverged stores stay diverged. It is not called from Process itself —
// Process assumes the stores already agree, per spec §8 scenario 7 — but
// is the operator hook for checking that agreement after a restart or a
// detected divergence (e.g. following ErrAuthFault).
func (s *Stage) Reconcile(ctx context.Context, peer endpoint.Peer) (inReport, outReport keydb.Report, err error) {
	inReport, err = keydb.Handshake(ctx, s.storeIn, peer)
	if err != nil {
		return keydb.Report{}, keydb.Report{}, errors.Wrap(err, "auth: reconcile store_in")
	}
	outReport, err = keydb.Handshake(ctx, s.storeOut, peer)
	if err != nil {
		return inReport, keydb.Report{}, errors.Wrap(err, "auth: reconcile store_out")
	}
	return inReport, outReport, nil
}

// maybeNibble removes quantum-sized chunks from k's tail into whichever
// of storeIn/storeOut is below threshold, discarding any leftover bytes
// that don't make a full quantum. It returns false if a store is still
// below threshold after k.Payload has been exhausted.
func (s *Stage) maybeNibble(k *key.Key) bool {
	ok := true
	for _, store := range []keydb.Store{s.storeIn, s.storeOut} {
		q := store.Quantum()
		if q <= 0 {
			continue
		}
		for uint64(store.Count())*uint64(q) < s.threshold {
			if len(k.Payload) < q {
				ok = false
				break
			}
			n := len(k.Payload)
			chunk := append([]byte(nil), k.Payload[n-q:]...)
			if _, err := store.Insert(chunk); err != nil {
				ok = false
				break
			}
			k.Payload = k.Payload[:n-q]
		}
	}
	return ok
}

// computeTags draws 2x c.ConsumedBytes() worth of contiguous key
// material from store and finalizes c against each half, producing the
// "as A" / "as B" tag pair of spec §4.6 step 1. The reservation is
// returned uncommitted: the caller deletes it on a successful verify or
// releases it otherwise.
func (s *Stage) computeTags(ctx context.Context, c *cryptoscheme.Context, store keydb.Store) (tagPair, *keydb.Reservation, error) {
	if c == nil || c.IsNull() {
		return tagPair{}, nil, nil
	}
	n := c.ConsumedBytes()
	if n == 0 {
		return tagPair{}, nil, nil
	}

	res, err := keydb.Reserve(ctx, store, uint64(2*n))
	if err != nil {
		return tagPair{}, nil, err
	}
	if res == nil {
		return tagPair{}, nil, errFamine
	}

	var buf []byte
	for _, id := range res.IDs() {
		slot, ok := store.Get(id)
		if !ok {
			res.Release()
			return tagPair{}, nil, errors.New("auth: reserved slot vanished before read")
		}
		buf = append(buf, slot.Payload...)
	}
	if len(buf) < 2*n {
		res.Release()
		return tagPair{}, nil, errFamine
	}

	tagA, err := c.Finalize(buf[:n])
	if err != nil {
		res.Release()
		return tagPair{}, nil, errors.Wrap(err, "auth: finalize as-A tag")
	}
	tagB, err := c.Finalize(buf[n : 2*n])
	if err != nil {
		res.Release()
		return tagPair{}, nil, errors.Wrap(err, "auth: finalize as-B tag")
	}
	return tagPair{present: true, asA: tagA, asB: tagB}, res, nil
}

func addTagField(f *message.Fields, t tagPair) {
	if t.present {
		f.AddUint32(1)
	} else {
		f.AddUint32(0)
	}
	f.Add(t.asA)
	f.Add(t.asB)
}

func readTagField(f message.Fields, idx int) (tagPair, error) {
	present, err := f.Uint32(idx)
	if err != nil {
		return tagPair{}, err
	}
	asA, err := f.Field(idx + 1)
	if err != nil {
		return tagPair{}, err
	}
	asB, err := f.Field(idx + 2)
	if err != nil {
		return tagPair{}, err
	}
	return tagPair{present: present != 0, asA: asA, asB: asB}, nil
}
