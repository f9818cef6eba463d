package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ServerOptions configures the responder-side handshake server.
type ServerOptions struct {
	ResponderID   string
	SocketTimeout time.Duration
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.SocketTimeout <= 0 {
		out.SocketTimeout = DefaultSocketTimeout
	}
	return out
}

// Inbound is the result of one handshake served to a convener.
type Inbound struct {
	Remote  net.Addr
	Line    string
	Message ConvenerMessage
	// Err is the decode error for Line.
	Err error
	// ReplyErr is set when the reply could not be written back.
	ReplyErr error
}

// Valid reports whether the convener's line decoded cleanly, whether or not the reply was delivered.
func (i Inbound) Valid() bool {
	return i.Err == nil
}

// Server accepts inbound TCP sessions and answers each with one handshake.
type Server struct {
	listener net.Listener
	options  ServerOptions

	incoming chan Inbound
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and handshake accept loop.
func Listen(address string, options ServerOptions) (*Server, error) {
	opts := options.withDefaults()
	if opts.ResponderID == "" {
		return nil, errors.New("responder ID is required")
	}

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		options:  opts,
		incoming: make(chan Inbound, 16),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Incoming returns served handshakes, valid or not.
func (s *Server) Incoming() <-chan Inbound {
	return s.incoming
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting, waits for in-flight handshakes and closes all server channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			s.reportError(fmt.Errorf("accept connection: %w", err))
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
	}()

	served, err := RespondOnce(conn, s.options.ResponderID, s.options.SocketTimeout)
	if err != nil {
		s.reportError(fmt.Errorf("serve handshake for %s: %w", conn.RemoteAddr(), err))
		return
	}

	inbound := Inbound{
		Remote:   conn.RemoteAddr(),
		Line:     served.Line,
		Message:  served.Message,
		Err:      served.DecodeErr,
		ReplyErr: served.ReplyErr,
	}
	select {
	case s.incoming <- inbound:
	case <-s.closed:
	}
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}
