package tcp

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockAcceptHandler collects accepted transports.
type mockAcceptHandler struct {
	mu       sync.Mutex
	accepted []*Transport
	ch       chan *Transport
}

func newMockAcceptHandler() *mockAcceptHandler {
	return &mockAcceptHandler{ch: make(chan *Transport, 10)}
}

func (m *mockAcceptHandler) HandleAccept(t *Transport) {
	m.mu.Lock()
	m.accepted = append(m.accepted, t)
	m.mu.Unlock()
	m.ch <- t
}

func (m *mockAcceptHandler) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accepted)
}

func newLocalServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()
	server, err := NewServer(&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}, opts...)
	require.NoError(t, err)
	return server
}

func TestNewServer_InvalidAddress(t *testing.T) {
	// port already in use
	first := newLocalServer(t)
	defer first.Close()

	_, err := NewServer(first.Addr().(*net.TCPAddr))
	assert.Error(t, err)
}

func TestServer_Options(t *testing.T) {
	server := newLocalServer(t,
		ServerShutdownTimeoutOption(time.Second),
		ServerTransportOption(NameOption("remote"), BufferSizeOption(4)),
	)
	defer server.Close()

	assert.Equal(t, time.Second, server.shutdownTimeout)
	assert.Len(t, server.transportOpts, 2)
	assert.NotNil(t, server.Addr())
}

func TestServer_Serve(t *testing.T) {
	server := newLocalServer(t, ServerTransportOption(NameOption("dialled-in")))
	handler := newMockAcceptHandler()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, handler)
	}()

	clientConn, err := net.DialTCP("tcp", nil, server.Addr().(*net.TCPAddr))
	require.NoError(t, err)
	defer clientConn.Close()

	var tr *Transport
	select {
	case tr = <-handler.ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for accept")
	}
	assert.Equal(t, clientConn.LocalAddr().String(), tr.DeviceIdentifier())
	assert.Equal(t, "dialled-in", tr.DeviceName())

	// an accepted transport connects without dialing
	h := newMockHandler()
	require.NoError(t, tr.Connect(h))
	wait(t, h.connected, "connected")

	_, err = clientConn.Write([]byte("hi"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return h.received() == "hi" }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, tr.Disconnect())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}
}

func TestServer_Serve_MultipleConnections(t *testing.T) {
	server := newLocalServer(t)
	handler := newMockAcceptHandler()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go server.Serve(ctx, AcceptFunc(handler.HandleAccept))

	numClients := 5
	clients := make([]*net.TCPConn, numClients)
	for i := 0; i < numClients; i++ {
		clientConn, err := net.DialTCP("tcp", nil, server.Addr().(*net.TCPAddr))
		require.NoError(t, err)
		clients[i] = clientConn
	}

	for i := 0; i < numClients; i++ {
		select {
		case tr := <-handler.ch:
			assert.NotNil(t, tr)
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for accept %d", i)
		}
	}
	assert.Equal(t, numClients, handler.count())

	for _, conn := range clients {
		conn.Close()
	}
	for _, tr := range handler.accepted {
		_ = tr.Disconnect()
	}
}

func TestServer_Close(t *testing.T) {
	server := newLocalServer(t, ServerShutdownTimeoutOption(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, newMockAcceptHandler())
	}()

	// give Serve time to reach AcceptTCP
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, server.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}
}

func acceptN(t *testing.T, server *Server, handler *mockAcceptHandler, n int) ([]*net.TCPConn, []*Transport) {
	t.Helper()
	var clients []*net.TCPConn
	var accepted []*Transport
	for i := 0; i < n; i++ {
		c, err := net.DialTCP("tcp", nil, server.Addr().(*net.TCPAddr))
		require.NoError(t, err)
		clients = append(clients, c)

		select {
		case tr := <-handler.ch:
			accepted = append(accepted, tr)
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for accept %d", i)
		}
	}
	return clients, accepted
}

func TestServer_TracksAcceptedTransports(t *testing.T) {
	server := newLocalServer(t)
	defer server.Close()
	handler := newMockAcceptHandler()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx, handler)

	clients, accepted := acceptN(t, server, handler, 2)
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()
	assert.Equal(t, 2, server.Active())

	require.NoError(t, accepted[0].Disconnect())
	assert.Eventually(t, func() bool { return server.Active() == 1 }, 5*time.Second, 10*time.Millisecond)

	// the peer hanging up ends the link too
	h := newMockHandler()
	require.NoError(t, accepted[1].Connect(h))
	wait(t, h.connected, "connected")
	require.NoError(t, clients[1].Close())
	wait(t, h.disconnected, "disconnected")
	assert.Eventually(t, func() bool { return server.Active() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestServer_Shutdown(t *testing.T) {
	server := newLocalServer(t, ServerShutdownTimeoutOption(time.Hour))
	handler := newMockAcceptHandler()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, handler)
	}()

	clients, accepted := acceptN(t, server, handler, 2)
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	// one link running, one never started
	h := newMockHandler()
	require.NoError(t, accepted[0].Connect(h))
	wait(t, h.connected, "connected")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	require.NoError(t, server.Shutdown(shutdownCtx))
	assert.Equal(t, 0, server.Active())
	wait(t, h.disconnected, "disconnected")

	select {
	case <-accepted[1].Done():
	default:
		t.Error("unstarted transport should be done after Shutdown")
	}

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}

	_, err := net.DialTCP("tcp", nil, server.Addr().(*net.TCPAddr))
	assert.Error(t, err, "listener should be closed")
}
