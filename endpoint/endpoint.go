package endpoint

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/qkdistill/core/key"
)

// Source is a stage's input endpoint: a stream of framed keys.
type Source interface {
	ReadKey() (*key.Key, error)
	Close() error
}

// Sink is a stage's output endpoint: a stream of framed keys.
type Sink interface {
	WriteKey(k *key.Key) error
	Close() error
}

// Peer is the message-exchange endpoint a stage uses to coordinate with
// its counterpart on the other party (spec §4.1's "single peer endpoint
// carrying message pairs").
type Peer interface {
	Send(ctx context.Context, frames ...[]byte) error
	Recv(ctx context.Context) ([][]byte, error)
	Close() error
}

// streamSource reads framed keys from an io.Reader.
type streamSource struct {
	r      *bufio.Reader
	closer io.Closer
}

func (s *streamSource) ReadKey() (*key.Key, error) {
	return key.Decode(s.r)
}

func (s *streamSource) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// streamSink writes framed keys to an io.Writer.
type streamSink struct {
	w      *bufio.Writer
	closer io.Closer
	mu     sync.Mutex
}

func (s *streamSink) WriteKey(k *key.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := key.Encode(s.w, k); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *streamSink) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// OpenSource opens raw for reading according to its URL. stdin:// wraps
// os.Stdin; ipc:// and tcp:// dial a PULL socket (pipe-in, "connect-pull"
// per spec §6).
func OpenSource(ctx context.Context, raw string) (Source, error) {
	p, err := ParseURL(raw)
	if err != nil {
		return nil, err
	}
	switch p.Scheme {
	case SchemeStdin:
		return &streamSource{r: bufio.NewReader(os.Stdin)}, nil
	case SchemeIPC, SchemeTCP:
		conn, err := dial(ctx, kindPull, p.ZMQAddress(), defaultSocketOptions())
		if err != nil {
			return nil, err
		}
		return &zmqSource{conn: conn}, nil
	default:
		return nil, errors.Newf("endpoint: %q cannot be opened as a source", raw)
	}
}

// OpenSink opens raw for writing according to its URL. stdout:// wraps
// os.Stdout; ipc:// and tcp:// dial a PUSH socket (pipe-out, "connect-push"
// per spec §6).
func OpenSink(ctx context.Context, raw string) (Sink, error) {
	p, err := ParseURL(raw)
	if err != nil {
		return nil, err
	}
	switch p.Scheme {
	case SchemeStdout:
		return &streamSink{w: bufio.NewWriter(os.Stdout)}, nil
	case SchemeIPC, SchemeTCP:
		conn, err := dial(ctx, kindPush, p.ZMQAddress(), defaultSocketOptions())
		if err != nil {
			return nil, err
		}
		return &zmqSink{conn: conn}, nil
	default:
		return nil, errors.Newf("endpoint: %q cannot be opened as a sink", raw)
	}
}

// OpenPeer opens raw as a peer endpoint: KindListen binds a ROUTER socket
// (server-dealer), KindPeer dials a DEALER socket (client-dealer), per
// spec §6's listen/peer typing.
func OpenPeer(ctx context.Context, raw string, kind Kind) (Peer, error) {
	p, err := ParseURL(raw)
	if err != nil {
		return nil, err
	}
	if p.Scheme != SchemeIPC && p.Scheme != SchemeTCP {
		return nil, errors.Newf("endpoint: %q is not a valid peer endpoint", raw)
	}
	switch kind {
	case KindListen:
		return listen(ctx, kindRouter, p.ZMQAddress(), defaultSocketOptions())
	case KindPeer:
		return dial(ctx, kindDealer, p.ZMQAddress(), defaultSocketOptions())
	default:
		return nil, errors.Newf("endpoint: peer kind %d invalid", kind)
	}
}

// zmqSource adapts a PULL zmqConn into a Source by decoding each received
// frame as a framed key.
type zmqSource struct {
	conn *zmqConn
}

func (s *zmqSource) ReadKey() (*key.Key, error) {
	frames, err := s.conn.Recv(context.Background())
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, errors.New("endpoint: empty zmq frame for key read")
	}
	return key.Decode(bytes.NewReader(frames[0]))
}

func (s *zmqSource) Close() error { return s.conn.Close() }

// zmqSink adapts a PUSH zmqConn into a Sink by encoding each key into a
// single frame.
type zmqSink struct {
	conn *zmqConn
}

func (s *zmqSink) WriteKey(k *key.Key) error {
	var buf bytes.Buffer
	if err := key.Encode(&buf, k); err != nil {
		return err
	}
	return s.conn.Send(context.Background(), buf.Bytes())
}

func (s *zmqSink) Close() error { return s.conn.Close() }
