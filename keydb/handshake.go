package keydb

import (
	"bytes"
	"context"
	"encoding/binary"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"

	"github.com/qkdistill/core/endpoint"
	"github.com/qkdistill/core/message"
)

// Handshake message types. Unlike stage.Sync's key-id-tagged exchange,
// a handshake isn't scoped to any one key, so every message it sends
// carries key id 0.
const (
	msgDigest message.Type = iota + 1
	msgRing
)

// Report summarizes the outcome of a Digest-based handshake between two
// peers' link keystores.
type Report struct {
	// Matched is true when both sides' ring digests agreed and no
	// slot-level diff was necessary.
	Matched bool
	// LocalOnly / PeerOnly list slot ids present on only one side, when
	// digests disagreed and a full diff was run.
	LocalOnly []uint64
	PeerOnly  []uint64
}

// Digest returns a cheap xxhash64 content digest of store's ring, the
// content "ring diff" named in spec §1's "load/store/handshake protocol
// between peers' buffer stores" — a summary original_source/q3p/db.h
// implements as a full property bag exchange but that a two-party link
// keystore can cheaply approximate by hashing the canonical encoding of
// every slot before falling back to a full diff.
func Digest(store Store) uint64 {
	h := xxhash.New()
	for _, slot := range store.Ring() {
		var buf [9]byte
		binary.BigEndian.PutUint64(buf[0:8], slot.ID)
		buf[8] = flagByte(slot)
		_, _ = h.Write(buf[:])
		_, _ = h.Write(slot.Payload)
	}
	return h.Sum64()
}

func flagByte(s Slot) byte {
	var b byte
	if s.Valid {
		b |= 1
	}
	if s.RealSync {
		b |= 2
	}
	if s.EventualSync {
		b |= 4
	}
	if s.Injected {
		b |= 8
	}
	return b
}

// Diff compares local's and peer's rings id-by-id and reports slots
// present in only one of the two, skipping the cheap digest shortcut
// (used once Digest(local) != Digest(peer)).
func Diff(local, peer Store) Report {
	localRing := local.Ring()
	peerRing := peer.Ring()

	localIDs := make(map[uint64]struct{}, len(localRing))
	for _, s := range localRing {
		localIDs[s.ID] = struct{}{}
	}
	peerIDs := make(map[uint64]struct{}, len(peerRing))
	for _, s := range peerRing {
		peerIDs[s.ID] = struct{}{}
	}

	var report Report
	for id := range localIDs {
		if _, ok := peerIDs[id]; !ok {
			report.LocalOnly = append(report.LocalOnly, id)
		}
	}
	for id := range peerIDs {
		if _, ok := localIDs[id]; !ok {
			report.PeerOnly = append(report.PeerOnly, id)
		}
	}
	return report
}

// Handshake runs the peer round trip named in spec §1's
// "load/store/handshake protocol between peers' buffer stores": both
// sides send their ring digest, and only exchange full rings (and run
// Diff) when the digests disagree. Slots found only on the local side
// are marked EventualSync (pushed to the peer, not yet confirmed present
// there). Both ends of peer must call Handshake concurrently — each
// side sends before it blocks on Recv, the same send-then-receive shape
// auth.Stage.Process uses for its tag exchange, so neither side
// deadlocks waiting on the other to receive first.
func Handshake(ctx context.Context, local Store, peer endpoint.Peer) (Report, error) {
	localDigest := Digest(local)
	var df message.Fields
	df.AddUint64(localDigest)
	if err := sendHandshake(ctx, peer, msgDigest, df); err != nil {
		return Report{}, errors.Wrap(err, "keydb: send digest")
	}

	digestMsg, err := recvHandshake(ctx, peer)
	if err != nil {
		return Report{}, errors.Wrap(err, "keydb: recv digest")
	}
	if digestMsg.Header.Type != msgDigest {
		return Report{}, errors.Newf("keydb: handshake: expected digest message, got type %d", digestMsg.Header.Type)
	}
	peerDigest, err := digestMsg.Payload.Uint64(0)
	if err != nil {
		return Report{}, errors.Wrap(err, "keydb: decode peer digest")
	}

	if localDigest == peerDigest {
		return Report{Matched: true}, nil
	}

	if err := sendHandshake(ctx, peer, msgRing, encodeRing(local.Ring())); err != nil {
		return Report{}, errors.Wrap(err, "keydb: send ring")
	}

	ringMsg, err := recvHandshake(ctx, peer)
	if err != nil {
		return Report{}, errors.Wrap(err, "keydb: recv ring")
	}
	if ringMsg.Header.Type != msgRing {
		return Report{}, errors.Newf("keydb: handshake: expected ring message, got type %d", ringMsg.Header.Type)
	}
	peerRing, err := decodeRing(ringMsg.Payload)
	if err != nil {
		return Report{}, errors.Wrap(err, "keydb: decode peer ring")
	}

	peerStore := NewRAMStore(local.Quantum())
	for _, s := range peerRing {
		if s.Valid {
			_ = peerStore.Set(s.ID, s.Payload)
		}
	}
	report := Diff(local, peerStore)
	for _, id := range report.LocalOnly {
		local.SetFlag(id, FlagEventualSync)
	}
	return report, nil
}

func sendHandshake(ctx context.Context, peer endpoint.Peer, mtype message.Type, payload message.Fields) error {
	m := &message.Message{
		Header:  message.Header{KeyID: 0, Type: mtype, Timestamp: time.Now()},
		Payload: payload,
	}
	var buf bytes.Buffer
	if err := message.Encode(&buf, m); err != nil {
		return errors.Wrap(err, "keydb: encode handshake message")
	}
	return peer.Send(ctx, buf.Bytes())
}

func recvHandshake(ctx context.Context, peer endpoint.Peer) (*message.Message, error) {
	frames, err := peer.Recv(ctx)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, errors.New("keydb: handshake: empty frame")
	}
	return message.Decode(bytes.NewReader(frames[0]))
}

// encodeRing flattens ring into a message.Fields: a slot count followed
// by, per slot, its id, a single flag byte, and its payload.
func encodeRing(ring []Slot) message.Fields {
	var f message.Fields
	f.AddUint64(uint64(len(ring)))
	for _, s := range ring {
		f.AddUint64(s.ID)
		f.Add([]byte{flagByte(s)})
		f.Add(s.Payload)
	}
	return f
}

// decodeRing reverses encodeRing.
func decodeRing(f message.Fields) ([]Slot, error) {
	n, err := f.Uint64(0)
	if err != nil {
		return nil, err
	}
	slots := make([]Slot, 0, n)
	idx := 1
	for i := uint64(0); i < n; i++ {
		id, err := f.Uint64(idx)
		if err != nil {
			return nil, err
		}
		idx++
		flagBytes, err := f.Field(idx)
		if err != nil {
			return nil, err
		}
		idx++
		payload, err := f.Field(idx)
		if err != nil {
			return nil, err
		}
		idx++
		if len(flagBytes) != 1 {
			return nil, errors.Newf("keydb: handshake: slot %d flag field has length %d, want 1", i, len(flagBytes))
		}
		b := flagBytes[0]
		slots = append(slots, Slot{
			ID:           id,
			Payload:      payload,
			Valid:        b&1 != 0,
			RealSync:     b&2 != 0,
			EventualSync: b&4 != 0,
			Injected:     b&8 != 0,
		})
	}
	return slots, nil
}
