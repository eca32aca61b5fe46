// Package tcp carries communicator connections over TCP. A Transport either
// dials a remote endpoint or wraps a socket accepted by a Server.
package tcp

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Zereker/communicator"
)

var (
	// ErrConnectionClosed is returned when writing to a closed transport.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrBufferFull is returned when the write queue is full.
	ErrBufferFull = errors.New("write buffer full")
	// ErrAlreadyStarted is returned when Connect is called twice.
	ErrAlreadyStarted = errors.New("transport already started")
)

// Transport is a communicator.Transport over a TCP socket.
type Transport struct {
	addr   string
	opts   options
	logger communicator.Logger

	mu      sync.Mutex
	rawConn *net.TCPConn
	cancel  context.CancelFunc
	started bool

	sendMsg chan []byte
	closed  atomic.Bool

	done     chan struct{}
	doneOnce sync.Once
}

// New returns a transport that dials addr on Connect.
func New(addr string, opts ...Option) *Transport {
	o := newOptions(opts)
	return &Transport{
		addr:    addr,
		opts:    o,
		logger:  o.logger,
		sendMsg: make(chan []byte, o.bufferSize),
		done:    make(chan struct{}),
	}
}

// Factory adapts New to a communicator.TransportFactory; the identifier is the
// address to dial.
func Factory(opts ...Option) communicator.TransportFactory {
	return func(identifier string) (communicator.Transport, error) {
		return New(identifier, opts...), nil
	}
}

func newAccepted(conn *net.TCPConn, o options) *Transport {
	return &Transport{
		addr:    conn.RemoteAddr().String(),
		opts:    o,
		logger:  o.logger,
		rawConn: conn,
		sendMsg: make(chan []byte, o.bufferSize),
		done:    make(chan struct{}),
	}
}

// Done returns a channel that is closed once the transport is finished:
// Disconnect was called or the link ended. A transport is not reused.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

func (t *Transport) finish() {
	t.doneOnce.Do(func() { close(t.done) })
}

// DeviceIdentifier returns the remote address.
func (t *Transport) DeviceIdentifier() string {
	return t.addr
}

// DeviceName returns the configured name, falling back to the address.
func (t *Transport) DeviceName() string {
	if t.opts.name != "" {
		return t.opts.name
	}
	return t.addr
}

// Connect starts the link in the background and returns immediately.
// Progress is reported through h.
func (t *Transport) Connect(h communicator.Handler) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.started = true
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.mu.Unlock()

	go t.run(ctx, h)
	return nil
}

func (t *Transport) run(ctx context.Context, h communicator.Handler) {
	h.HandleConnecting()

	conn, err := t.dial(ctx)
	if err != nil {
		t.logger.Warn("dial failed", "addr", t.addr, "error", err)
		t.finish()
		h.HandleFailedToConnect(err)
		return
	}
	if t.closed.Load() {
		_ = conn.Close()
		t.finish()
		h.HandleFailedToConnect(ErrConnectionClosed)
		return
	}

	h.HandleConnected()

	group, child := errgroup.WithContext(ctx)
	group.Go(func() error {
		return t.readLoop(child, conn, h)
	})
	group.Go(func() error {
		return t.writeLoop(child, conn)
	})

	err = group.Wait()
	t.closed.Store(true)
	_ = conn.Close()
	t.finish()
	t.logger.Info("tcp link closed", "addr", t.addr, "reason", err)
	h.HandleDisconnected()
}

func (t *Transport) dial(ctx context.Context) (*net.TCPConn, error) {
	t.mu.Lock()
	conn := t.rawConn
	t.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	dialer := net.Dialer{Timeout: t.opts.dialTimeout}
	c, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return nil, err
	}
	tcpConn, ok := c.(*net.TCPConn)
	if !ok {
		_ = c.Close()
		return nil, communicator.ErrUnsupportedConnectionType
	}
	_ = tcpConn.SetNoDelay(true)

	t.mu.Lock()
	t.rawConn = tcpConn
	t.mu.Unlock()
	return tcpConn, nil
}

// Disconnect closes the socket. It does not wait for the read loop; the
// handler sees HandleDisconnected once it exits.
func (t *Transport) Disconnect() error {
	if t.closed.Swap(true) {
		return nil
	}
	defer t.finish()

	t.mu.Lock()
	cancel, conn := t.cancel, t.rawConn
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Write queues data for sending without blocking.
// Returns ErrBufferFull if the queue is full.
func (t *Transport) Write(data []byte) error {
	if t.closed.Load() {
		return ErrConnectionClosed
	}

	select {
	case t.sendMsg <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// WriteBlocking queues data, waiting for room until ctx is done.
func (t *Transport) WriteBlocking(ctx context.Context, data []byte) error {
	if t.closed.Load() {
		return ErrConnectionClosed
	}

	select {
	case t.sendMsg <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RemoteAddr returns the peer address, or nil before the dial completes.
func (t *Transport) RemoteAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rawConn == nil {
		return nil
	}
	return t.rawConn.RemoteAddr()
}

func (t *Transport) readLoop(ctx context.Context, conn *net.TCPConn, h communicator.Handler) error {
	buf := make([]byte, t.opts.readSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if t.opts.idleTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(t.opts.idleTimeout * 2)); err != nil {
				return err
			}
		}

		n, err := conn.Read(buf)
		if n > 0 {
			h.HandleReadData(buf[:n])
		}
		if err != nil {
			return err
		}
	}
}

func (t *Transport) writeLoop(ctx context.Context, conn *net.TCPConn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-t.sendMsg:
			if err := t.write(conn, data); err != nil {
				return err
			}
		}
	}
}

func (t *Transport) write(conn *net.TCPConn, data []byte) error {
	if t.opts.idleTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(t.opts.idleTimeout)); err != nil {
			return err
		}
	}
	_, err := conn.Write(data)
	return err
}
