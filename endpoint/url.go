// Package endpoint implements the stream endpoints of spec §6: standard
// input/output, a local filesystem socket, or a TCP socket, typed as
// pipe-in (connect-pull), pipe-out (connect-push), listen (server-dealer),
// or peer (client-dealer). ZeroMQ sockets (via github.com/go-zeromq/zmq4)
// back the ipc:// and tcp:// forms; ipc:// and tcp:// stand in for
// luxfi-consensus's own internal ZeroMQ transport surface (networking/zmq4,
// utils/transport/zmq), which references a private github.com/luxfi/zmq/v4
// module for the identical PUSH/PULL/DEALER/ROUTER role this package
// plays.
package endpoint

import (
	"net/url"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// Kind is the connection role a URL is opened with.
type Kind int

const (
	// KindPipeIn connects and pulls a stream of framed keys/messages.
	KindPipeIn Kind = iota
	// KindPipeOut connects and pushes a stream of framed keys/messages.
	KindPipeOut
	// KindListen accepts peer connections (server side of a peer pair).
	KindListen
	// KindPeer connects to a listening peer (client side of a peer pair).
	KindPeer
)

// Scheme identifies the transport family of a parsed URL.
type Scheme int

const (
	SchemeStdin Scheme = iota
	SchemeStdout
	SchemeIPC
	SchemeTCP
)

// Parsed holds the decomposed form of an endpoint URL.
type Parsed struct {
	Scheme Scheme
	// Path is the filesystem path for ipc://, or "" otherwise.
	Path string
	// Host and Port are set for tcp://.
	Host string
	Port string
}

// ErrUnsupportedScheme is returned by ParseURL for a scheme other than
// stdin://, stdout://, ipc://, tcp://.
var ErrUnsupportedScheme = errors.New("endpoint: unsupported URL scheme")

// ParseURL decomposes an endpoint URL of the four forms named in spec §6.
// For tcp://, a "*" or empty host is accepted (binds 0.0.0.0) but the
// caller is expected to log the warning spec §6 calls for; ParseURL
// itself only reports the decomposition, not policy.
func ParseURL(raw string) (Parsed, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Parsed{}, errors.Wrapf(err, "endpoint: parse url %q", raw)
	}

	switch u.Scheme {
	case "stdin":
		return Parsed{Scheme: SchemeStdin}, nil
	case "stdout":
		return Parsed{Scheme: SchemeStdout}, nil
	case "ipc":
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == "" {
			return Parsed{}, errors.Newf("endpoint: ipc url %q has no path", raw)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return Parsed{}, errors.Wrapf(err, "endpoint: create parent dir for %q", path)
		}
		return Parsed{Scheme: SchemeIPC, Path: path}, nil
	case "tcp":
		host := u.Hostname()
		port := u.Port()
		if port == "" {
			return Parsed{}, errors.Newf("endpoint: tcp url %q has no port", raw)
		}
		return Parsed{Scheme: SchemeTCP, Host: host, Port: port}, nil
	default:
		return Parsed{}, errors.Wrapf(ErrUnsupportedScheme, "scheme %q", u.Scheme)
	}
}

// ZMQAddress renders p as a ZeroMQ transport address ("ipc://path",
// "tcp://host:port"; host "*" or "" becomes "0.0.0.0" per spec §6).
func (p Parsed) ZMQAddress() string {
	switch p.Scheme {
	case SchemeIPC:
		return "ipc://" + p.Path
	case SchemeTCP:
		host := p.Host
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		return "tcp://" + host + ":" + p.Port
	default:
		return ""
	}
}
