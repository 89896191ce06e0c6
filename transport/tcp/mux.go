package tcp

import (
	"context"
	"io"
	"net"

	"github.com/hashicorp/yamux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"anyrpc/transport"
)

// Session carries independent clients over one TCP connection, each on a
// yamux stream of its own. The server must be started WithMux.
type Session struct {
	opts *transport.DialOptions
	mux  *yamux.Session
}

// DialSession connects to the single address in opts.
func DialSession(ctx context.Context, opts ...transport.DialOption) (*Session, error) {
	dialOptions, err := transport.NewDialOptions(opts...)
	if err != nil {
		return nil, err
	}
	if len(dialOptions.Addrs) != 1 {
		return nil, errors.Wrapf(transport.ErrNoAddress, "tcp: want one address, got %d", len(dialOptions.Addrs))
	}

	netConn, err := dial(ctx, dialOptions, dialOptions.Addrs[0])
	if err != nil {
		return nil, err
	}
	mux, err := yamux.Client(netConn, muxConfig())
	if err != nil {
		_ = netConn.Close()
		return nil, errors.Wrap(err, "tcp: start session")
	}
	return &Session{opts: dialOptions, mux: mux}, nil
}

// Open starts a client on a new stream.
func (s *Session) Open() (*Client, error) {
	stream, err := s.mux.Open()
	if err != nil {
		return nil, errors.Wrap(err, "tcp: open stream")
	}
	return newClient(stream, s.opts), nil
}

// NumClients returns the number of open streams.
func (s *Session) NumClients() int {
	return s.mux.NumStreams()
}

// Close closes the connection and with it every client of the session.
func (s *Session) Close() error {
	return s.mux.Close()
}

func muxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = log.With().Str("component", "yamux").Logger()
	return cfg
}

// serveSession serves each stream a client opens on netConn as a connection
// of its own.
func (s *Server) serveSession(netConn net.Conn) {
	defer netConn.Close()
	if !s.trackConn(netConn, true) {
		return
	}
	defer s.trackConn(netConn, false)

	session, err := yamux.Server(netConn, muxConfig())
	if err != nil {
		log.Debug().Err(err).Str("remote", netConn.RemoteAddr().String()).Msg("tcp: start session")
		return
	}
	defer session.Close()

	for {
		stream, err := session.Accept()
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.shutdown.Load() && !session.IsClosed() {
				log.Debug().Err(err).Str("remote", netConn.RemoteAddr().String()).Msg("tcp: drop session")
			}
			return
		}
		go s.handleConn(stream)
	}
}
