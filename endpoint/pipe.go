package endpoint

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/qkdistill/core/key"
)

// ErrClosed is returned by Pipe operations once the pipe has been closed.
var ErrClosed = errors.New("endpoint: pipe closed")

// Pipe is an in-memory Source/Sink pair, buffered to the capacity given to
// NewPipe (0 for unbuffered), wiring one
// stage's output directly to the next stage's input, used by
// pipeline.Pipeline (spec §3.14 supplement) and by unit tests that don't
// want a real socket.
type Pipe struct {
	ch     chan *key.Key
	mu     sync.Mutex
	closed bool
}

// NewPipe returns a Pipe with the given buffer capacity.
func NewPipe(capacity int) *Pipe {
	return &Pipe{ch: make(chan *key.Key, capacity)}
}

// Sink returns the write side of the pipe.
func (p *Pipe) Sink() Sink { return pipeSink{p} }

// Source returns the read side of the pipe.
func (p *Pipe) Source() Source { return pipeSource{p} }

type pipeSink struct{ p *Pipe }

func (s pipeSink) WriteKey(k *key.Key) error {
	s.p.mu.Lock()
	closed := s.p.closed
	s.p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	s.p.ch <- k
	return nil
}

func (s pipeSink) Close() error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if !s.p.closed {
		s.p.closed = true
		close(s.p.ch)
	}
	return nil
}

type pipeSource struct{ p *Pipe }

func (s pipeSource) ReadKey() (*key.Key, error) {
	k, ok := <-s.p.ch
	if !ok {
		return nil, errors.Wrap(ErrClosed, "endpoint: pipe source exhausted")
	}
	return k, nil
}

func (s pipeSource) Close() error { return nil }

// PeerPipe connects two in-process Peer endpoints directly, for tests of
// stage pairs (A's side and B's side) without any socket.
type PeerPipe struct {
	toB   chan [][]byte
	toA   chan [][]byte
	once  sync.Once
	close chan struct{}
}

// NewPeerPipe returns the two ends of a connected in-memory peer link.
func NewPeerPipe() (a, b Peer) {
	pp := &PeerPipe{
		toB:   make(chan [][]byte, 16),
		toA:   make(chan [][]byte, 16),
		close: make(chan struct{}),
	}
	return peerPipeEnd{pp: pp, send: pp.toB, recv: pp.toA}, peerPipeEnd{pp: pp, send: pp.toA, recv: pp.toB}
}

type peerPipeEnd struct {
	pp   *PeerPipe
	send chan [][]byte
	recv chan [][]byte
}

func (e peerPipeEnd) Send(ctx context.Context, frames ...[]byte) error {
	select {
	case e.send <- frames:
		return nil
	case <-e.pp.close:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e peerPipeEnd) Recv(ctx context.Context) ([][]byte, error) {
	select {
	case frames, ok := <-e.recv:
		if !ok {
			return nil, ErrClosed
		}
		return frames, nil
	case <-e.pp.close:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e peerPipeEnd) Close() error {
	e.pp.once.Do(func() { close(e.pp.close) })
	return nil
}
