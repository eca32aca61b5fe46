// Package dummy simulates physical devices so connections can be exercised
// without hardware. A Transport links a communicator connection to a
// PhysicalDevice; every lifecycle step and every chunk of data runs on the
// transport's own executor goroutine, in order.
package dummy

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Zereker/communicator"
)

var (
	// ErrClosed is returned when writing to a disconnected transport.
	ErrClosed = errors.New("dummy transport closed")
	// ErrAlreadyStarted is returned when Connect is called twice.
	ErrAlreadyStarted = errors.New("transport already started")
	// ErrUnknownDevice is returned by the factory for unregistered identifiers.
	ErrUnknownDevice = errors.New("no simulated device with that identifier")
)

// PhysicalDevice is the remote end of a dummy link.
type PhysicalDevice interface {
	Identifier() string
	Name() string
	// Start is called once the link is up. send delivers bytes to the host
	// as if read from the wire; it is safe to call from any goroutine until
	// Stop returns.
	Start(send func(data []byte))
	Stop()
	// Receive gets the bytes the host wrote.
	Receive(data []byte)
}

type options struct {
	logger       communicator.Logger
	connectDelay time.Duration
}

// Option configures a Transport.
type Option func(*options)

// LoggerOption sets the transport logger.
func LoggerOption(logger communicator.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// ConnectDelayOption delays HandleConnected after HandleConnecting.
func ConnectDelayOption(d time.Duration) Option {
	return func(o *options) {
		o.connectDelay = d
	}
}

// Transport is a communicator.Transport backed by a PhysicalDevice.
type Transport struct {
	device PhysicalDevice
	opts   options
	logger communicator.Logger
	exec   *executor

	mu      sync.Mutex
	handler communicator.Handler
	started bool
	linked  bool // HandleConnected was reported
	running bool // device started and not yet stopped

	closed atomic.Bool
}

// New links device to a new transport.
func New(device PhysicalDevice, opts ...Option) *Transport {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return &Transport{
		device: device,
		opts:   o,
		logger: o.logger,
		exec:   newExecutor(),
	}
}

// DeviceIdentifier returns the simulated device's identifier.
func (t *Transport) DeviceIdentifier() string { return t.device.Identifier() }

// DeviceName returns the simulated device's name.
func (t *Transport) DeviceName() string { return t.device.Name() }

// Connect reports connecting, then connected after the configured delay.
func (t *Transport) Connect(h communicator.Handler) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	if t.closed.Load() {
		t.mu.Unlock()
		return ErrClosed
	}
	t.started = true
	t.handler = h
	t.mu.Unlock()

	t.exec.submit(h.HandleConnecting)
	if t.opts.connectDelay <= 0 {
		t.exec.submit(t.connected)
		return nil
	}
	time.AfterFunc(t.opts.connectDelay, func() {
		t.exec.submit(t.connected)
	})
	return nil
}

func (t *Transport) connected() {
	// Disconnect reports the aborted attempt.
	if t.closed.Load() {
		return
	}
	t.mu.Lock()
	t.linked = true
	t.mu.Unlock()
	t.handler.HandleConnected()

	// initialization may have failed and disconnected us
	if t.closed.Load() {
		return
	}
	t.mu.Lock()
	t.running = true
	t.mu.Unlock()
	t.device.Start(t.send)
}

func (t *Transport) send(data []byte) {
	if t.closed.Load() {
		return
	}
	buf := append([]byte(nil), data...)
	t.exec.submit(func() {
		if t.closed.Load() {
			return
		}
		t.logger.Debug("dummy read", "identifier", t.device.Identifier(), "data", hex.EncodeToString(buf))
		t.handler.HandleReadData(buf)
	})
}

// Write hands data to the simulated device.
func (t *Transport) Write(data []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	buf := append([]byte(nil), data...)
	if !t.exec.submit(func() { t.device.Receive(buf) }) {
		return ErrClosed
	}
	return nil
}

// Disconnect stops the simulated device and reports the link as down. An
// attempt still waiting for its connect delay is reported as failed with
// ErrClosed.
func (t *Transport) Disconnect() error {
	if t.closed.Swap(true) {
		return nil
	}

	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()

	t.exec.submit(func() {
		t.mu.Lock()
		running, linked := t.running, t.linked
		t.running = false
		t.mu.Unlock()
		if running {
			t.device.Stop()
		}
		switch {
		case h == nil:
		case linked:
			h.HandleDisconnected()
		default:
			h.HandleFailedToConnect(ErrClosed)
		}
	})
	t.exec.stop()
	return nil
}

// Manager holds the simulated devices available to Factory.
type Manager struct {
	logger communicator.Logger

	mu      sync.RWMutex
	order   []string
	devices map[string]PhysicalDevice
}

// NewManager returns an empty Manager.
func NewManager(logger communicator.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger, devices: make(map[string]PhysicalDevice)}
}

// Register adds d, replacing any device with the same identifier.
func (m *Manager) Register(d PhysicalDevice) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := d.Identifier()
	if _, ok := m.devices[id]; ok {
		m.logger.Warn("replacing simulated device", "identifier", id)
	} else {
		m.order = append(m.order, id)
	}
	m.devices[id] = d
}

// Unregister removes the device with identifier id.
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[id]; !ok {
		return
	}
	delete(m.devices, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
}

// Device looks up a device by identifier.
func (m *Manager) Device(id string) (PhysicalDevice, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	return d, ok
}

// Devices returns the registered devices in registration order.
func (m *Manager) Devices() []PhysicalDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]PhysicalDevice, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.devices[id])
	}
	return out
}

// Factory returns a communicator.TransportFactory that links identifiers
// to the manager's devices.
func Factory(m *Manager, opts ...Option) communicator.TransportFactory {
	return func(identifier string) (communicator.Transport, error) {
		d, ok := m.Device(identifier)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, identifier)
		}
		return New(d, opts...), nil
	}
}
