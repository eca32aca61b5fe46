package tcp

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockHandler records the calls a transport makes.
type mockHandler struct {
	mu     sync.Mutex
	events []string
	data   bytes.Buffer
	cause  error

	connected    chan struct{}
	failed       chan struct{}
	disconnected chan struct{}
	read         chan struct{}
}

func newMockHandler() *mockHandler {
	return &mockHandler{
		connected:    make(chan struct{}, 1),
		failed:       make(chan struct{}, 1),
		disconnected: make(chan struct{}, 1),
		read:         make(chan struct{}, 16),
	}
}

func (h *mockHandler) record(event string) {
	h.mu.Lock()
	h.events = append(h.events, event)
	h.mu.Unlock()
}

func (h *mockHandler) HandleConnecting() { h.record("connecting") }

func (h *mockHandler) HandleConnected() {
	h.record("connected")
	h.connected <- struct{}{}
}

func (h *mockHandler) HandleFailedToConnect(cause error) {
	h.mu.Lock()
	h.cause = cause
	h.mu.Unlock()
	h.record("failed")
	h.failed <- struct{}{}
}

func (h *mockHandler) HandleDisconnected() {
	h.record("disconnected")
	h.disconnected <- struct{}{}
}

func (h *mockHandler) HandleReadData(data []byte) {
	h.mu.Lock()
	h.data.Write(data)
	h.mu.Unlock()
	h.read <- struct{}{}
}

func (h *mockHandler) received() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.data.String()
}

func (h *mockHandler) getEvents() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func wait(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
}

// createTestTCPPair returns a connected server/client socket pair.
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer listener.Close()

	clientChan := make(chan *net.TCPConn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		if err != nil {
			errChan <- err
			return
		}
		clientChan <- conn
	}()

	serverConn, err := listener.AcceptTCP()
	require.NoError(t, err)

	select {
	case clientConn := <-clientChan:
		return serverConn, clientConn
	case err := <-errChan:
		serverConn.Close()
		t.Fatalf("failed to dial: %v", err)
	case <-time.After(5 * time.Second):
		serverConn.Close()
		t.Fatal("timeout waiting for client connection")
	}
	return nil, nil
}

func TestNewOptions_Defaults(t *testing.T) {
	o := newOptions(nil)

	assert.NotNil(t, o.logger)
	assert.Equal(t, defaultBufferSize, o.bufferSize)
	assert.Equal(t, defaultReadSize, o.readSize)
	assert.Equal(t, defaultDialTimeout, o.dialTimeout)
	assert.Equal(t, defaultIdleTimeout, o.idleTimeout)

	o = newOptions([]Option{BufferSizeOption(-1), ReadSizeOption(0), IdleTimeoutOption(-time.Second)})
	assert.Equal(t, defaultBufferSize, o.bufferSize)
	assert.Equal(t, defaultReadSize, o.readSize)
	assert.Zero(t, o.idleTimeout)
}

func TestTransport_Names(t *testing.T) {
	tr := New("10.0.0.7:4000")
	assert.Equal(t, "10.0.0.7:4000", tr.DeviceIdentifier())
	assert.Equal(t, "10.0.0.7:4000", tr.DeviceName())
	assert.Nil(t, tr.RemoteAddr())

	tr = New("10.0.0.7:4000", NameOption("bench robot"))
	assert.Equal(t, "bench robot", tr.DeviceName())
}

func TestFactory(t *testing.T) {
	tr, err := Factory(NameOption("x"))("127.0.0.1:1")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:1", tr.DeviceIdentifier())
	assert.Equal(t, "x", tr.DeviceName())
}

func TestTransport_DialReadWrite(t *testing.T) {
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer listener.Close()

	h := newMockHandler()
	tr := New(listener.Addr().String(), IdleTimeoutOption(time.Second*5))
	require.NoError(t, tr.Connect(h))
	assert.ErrorIs(t, tr.Connect(h), ErrAlreadyStarted)

	peer, err := listener.AcceptTCP()
	require.NoError(t, err)
	defer peer.Close()

	wait(t, h.connected, "connected")
	assert.NotNil(t, tr.RemoteAddr())

	_, err = peer.Write([]byte{0x9D, 0x01, 0x07})
	require.NoError(t, err)
	wait(t, h.read, "read")
	assert.Eventually(t, func() bool { return h.received() == "\x9d\x01\x07" }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, tr.Write([]byte("ping")))
	buf := make([]byte, 4)
	_ = peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = peer.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	// remote close ends the link
	peer.Close()
	wait(t, h.disconnected, "disconnected")

	assert.Equal(t, []string{"connecting", "connected", "disconnected"}, h.getEvents())
}

func TestTransport_DialFailure(t *testing.T) {
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	addr := listener.Addr().String()
	listener.Close()

	h := newMockHandler()
	tr := New(addr, DialTimeoutOption(time.Second))
	require.NoError(t, tr.Connect(h))

	wait(t, h.failed, "failed to connect")
	assert.Equal(t, []string{"connecting", "failed"}, h.getEvents())
	h.mu.Lock()
	assert.Error(t, h.cause)
	h.mu.Unlock()
}

func TestTransport_Disconnect(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	h := newMockHandler()
	tr := newAccepted(serverConn, newOptions(nil))
	require.NoError(t, tr.Connect(h))
	wait(t, h.connected, "connected")

	require.NoError(t, tr.Disconnect())
	wait(t, h.disconnected, "disconnected")

	assert.NoError(t, tr.Disconnect(), "second disconnect is a no-op")
	assert.ErrorIs(t, tr.Write([]byte("x")), ErrConnectionClosed)
	assert.ErrorIs(t, tr.WriteBlocking(context.Background(), []byte("x")), ErrConnectionClosed)
	assert.Equal(t, []string{"connecting", "connected", "disconnected"}, h.getEvents())
}

func TestTransport_DisconnectBeforeConnect(t *testing.T) {
	tr := New("127.0.0.1:1")
	assert.NoError(t, tr.Disconnect())
	assert.ErrorIs(t, tr.Write([]byte("x")), ErrConnectionClosed)
}

func TestTransport_WriteBufferFull(t *testing.T) {
	// not started, so nothing drains the queue
	tr := New("127.0.0.1:1", BufferSizeOption(1))

	require.NoError(t, tr.Write([]byte("a")))
	assert.ErrorIs(t, tr.Write([]byte("b")), ErrBufferFull)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tr.WriteBlocking(ctx, []byte("c")), context.DeadlineExceeded)
}

func TestTransport_IdleTimeout(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	h := newMockHandler()
	tr := newAccepted(serverConn, newOptions([]Option{IdleTimeoutOption(25 * time.Millisecond)}))
	require.NoError(t, tr.Connect(h))
	wait(t, h.connected, "connected")

	// the peer never sends, so the read deadline fires
	wait(t, h.disconnected, "idle disconnect")
}
