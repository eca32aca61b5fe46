package tcp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Zereker/communicator"
)

// AcceptHandler receives every transport the server accepts. The transport
// is already dialled; handing it to Registry.ConnectTransport drives it.
type AcceptHandler interface {
	HandleAccept(t *Transport)
}

// AcceptFunc adapts a function to AcceptHandler.
type AcceptFunc func(t *Transport)

// HandleAccept calls f(t).
func (f AcceptFunc) HandleAccept(t *Transport) {
	f(t)
}

// Server listens for devices that dial in. It keeps track of every
// transport it accepted until that transport is done, so shutdown can
// disconnect and drain them.
type Server struct {
	listener        *net.TCPListener
	logger          communicator.Logger
	shutdownTimeout time.Duration
	transportOpts   []Option

	mu          sync.Mutex
	shutdown    bool
	closed      bool // listener closed by Close or Shutdown
	shutdownNow chan struct{} // signals immediate shutdown, bypassing timeout
	active      map[*Transport]struct{}
	drained     chan struct{} // closed when active becomes empty; nil while empty
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server.
func ServerLoggerOption(logger communicator.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets how long Serve keeps accepting after its
// context is canceled. Close and Shutdown bypass the remaining wait.
// Default is 0 (stop accepting at once).
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// ServerTransportOption sets the options applied to every accepted transport.
func ServerTransportOption(opts ...Option) ServerOption {
	return func(s *Server) {
		s.transportOpts = append(s.transportOpts, opts...)
	}
}

// NewServer creates a server bound to addr.
func NewServer(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		listener:    listener,
		logger:      slog.Default(),
		shutdownNow: make(chan struct{}),
		active:      make(map[*Transport]struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Serve accepts sockets and hands them to handler as transports. It blocks
// until ctx is canceled, Close is called or accepting fails. After Close it
// returns nil. Transports already handed out stay up when Serve returns;
// Close and Shutdown end them.
func (s *Server) Serve(ctx context.Context, handler AcceptHandler) error {
	s.logger.Info("tcp server started", "addr", s.listener.Addr())

	go func() {
		<-ctx.Done()

		// keep accepting for the grace period unless Close cuts it short
		if s.shutdownTimeout > 0 {
			s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout)
			select {
			case <-time.After(s.shutdownTimeout):
			case <-s.shutdownNow:
				s.logger.Debug("shutdown timeout bypassed via Close()")
			}
		}

		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		// unblocks AcceptTCP
		_ = s.listener.SetDeadline(time.Now())
	}()

	// accepted transports log through the server unless told otherwise
	opts := s.transportOpts
	if !hasLogger(opts) {
		opts = append([]Option{LoggerOption(s.logger)}, opts...)
	}
	o := newOptions(opts)

	for {
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			if s.isShutdown() {
				s.logger.Info("tcp server stopped", "addr", s.listener.Addr(), "active", s.Active())
				return ctx.Err()
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return err
		}

		s.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
		_ = conn.SetNoDelay(true)
		t := newAccepted(conn, o)
		if !s.track(t) {
			// lost a race with Close
			_ = t.Disconnect()
			continue
		}
		go handler.HandleAccept(t)
	}
}

func hasLogger(opts []Option) bool {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o.logger != nil
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// track records t until it is done. It refuses once Close has run.
func (s *Server) track(t *Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.active[t] = struct{}{}
	if s.drained == nil {
		s.drained = make(chan struct{})
	}

	go func() {
		<-t.Done()
		s.untrack(t)
	}()
	return true
}

func (s *Server) untrack(t *Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[t]; !ok {
		return
	}
	delete(s.active, t)
	if len(s.active) == 0 && s.drained != nil {
		close(s.drained)
		s.drained = nil
	}
}

// Active returns the number of accepted transports that are not done yet.
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Close stops the server immediately and disconnects every accepted
// transport without waiting for their links to wind down.
func (s *Server) Close() error {
	err := s.stop()
	s.disconnectActive()
	return err
}

// Shutdown stops accepting, disconnects every accepted transport and waits
// until all of them are done or ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.stop()
	s.disconnectActive()

	s.mu.Lock()
	drained := s.drained
	s.mu.Unlock()
	if drained == nil {
		return err
	}

	select {
	case <-drained:
		return err
	case <-ctx.Done():
		s.logger.Warn("tcp server shutdown before connections drained", "active", s.Active())
		return ctx.Err()
	}
}

func (s *Server) stop() error {
	s.mu.Lock()
	s.shutdown = true
	already := s.closed
	s.closed = true
	s.mu.Unlock()

	// bypass any pending shutdown timeout
	select {
	case s.shutdownNow <- struct{}{}:
	default:
	}

	if already {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) disconnectActive() {
	s.mu.Lock()
	ts := make([]*Transport, 0, len(s.active))
	for t := range s.active {
		ts = append(ts, t)
	}
	s.mu.Unlock()

	for _, t := range ts {
		if err := t.Disconnect(); err != nil {
			s.logger.Debug("error closing accepted connection", "remote_addr", t.DeviceIdentifier(), "error", err)
		}
	}
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
