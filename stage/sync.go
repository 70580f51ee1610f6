// Package stage implements the outer read-process-write loop shared by
// every pipeline stage (spec §4.1) and the key-id synchronized peer message
// exchange (spec §4.1/§5). Peer I/O is not retried: a failed or timed-out
// Sync.Recv is returned to the stage, and Run drops the key it was for.
package stage

import (
	"bytes"
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/qkdistill/core/endpoint"
	"github.com/qkdistill/core/message"
)

// ErrTimeout is returned by Sync.Recv when no message for the requested
// key id arrives within the configured timeout.
var ErrTimeout = errors.New("stage: peer receive timed out")

// Sync wraps an endpoint.Peer with the key-id synchronized send/receive
// discipline of spec §4.1: the sender tags every message with the key id
// it processes; the receiver parks messages for key ids it hasn't reached
// yet in a small, bounded, per-key-id queue, and discards messages for key
// ids older than the one it's currently waiting on.
type Sync struct {
	peer     endpoint.Peer
	capacity int

	parked map[uint32][]*message.Message
}

// DefaultParkCapacity is the "small" per-key queue capacity of spec §5.
const DefaultParkCapacity = 8

// NewSync wraps peer with a parking queue of the given per-key capacity.
// capacity <= 0 uses DefaultParkCapacity.
func NewSync(peer endpoint.Peer, capacity int) *Sync {
	if capacity <= 0 {
		capacity = DefaultParkCapacity
	}
	return &Sync{peer: peer, capacity: capacity, parked: map[uint32][]*message.Message{}}
}

// Send tags payload with keyID and mtype and transmits it to the peer.
func (s *Sync) Send(ctx context.Context, keyID uint32, mtype message.Type, payload message.Fields) error {
	m := &message.Message{
		Header: message.Header{
			KeyID:     keyID,
			Type:      mtype,
			Timestamp: time.Now(),
		},
		Payload: payload,
	}
	var buf bytes.Buffer
	if err := message.Encode(&buf, m); err != nil {
		return errors.Wrap(err, "stage: encode outgoing message")
	}
	return s.peer.Send(ctx, buf.Bytes())
}

// Recv blocks until a message tagged with keyID arrives (returning it
// immediately if one was already parked), discarding any message tagged
// with a key id strictly older than keyID, and parking any message tagged
// with a key id newer than keyID for a later Recv call. It returns
// ErrTimeout if none arrives within timeout.
func (s *Sync) Recv(ctx context.Context, keyID uint32, timeout time.Duration) (*message.Message, error) {
	if q, ok := s.parked[keyID]; ok && len(q) > 0 {
		m := q[0]
		s.parked[keyID] = q[1:]
		return m, nil
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		rctx, cancel := context.WithTimeout(ctx, remaining)
		frames, err := s.peer.Recv(rctx)
		cancel()
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, errors.Wrap(err, "stage: peer recv")
		}
		if len(frames) == 0 {
			continue
		}
		m, err := message.Decode(bytes.NewReader(frames[0]))
		if err != nil {
			return nil, errors.Wrap(err, "stage: decode incoming message")
		}

		switch {
		case m.Header.KeyID == keyID:
			return m, nil
		case m.Header.KeyID < keyID:
			continue // stale, per spec §4.1 "discarded"
		default:
			s.park(m)
		}
	}
}

func (s *Sync) park(m *message.Message) {
	q := s.parked[m.Header.KeyID]
	q = append(q, m)
	if len(q) > s.capacity {
		q = q[1:] // drop oldest on overflow, per spec §5
	}
	s.parked[m.Header.KeyID] = q
}

// Close releases the underlying peer connection.
func (s *Sync) Close() error {
	if s.peer == nil {
		return nil
	}
	return s.peer.Close()
}
