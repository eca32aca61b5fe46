// Package serial carries communicator connections over a serial port, such
// as a USB-serial adapter.
package serial

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.bug.st/serial"

	"github.com/Zereker/communicator"
)

var (
	// ErrPortClosed is returned when writing to a closed port.
	ErrPortClosed = errors.New("serial port closed")
	// ErrAlreadyStarted is returned when Connect is called twice.
	ErrAlreadyStarted = errors.New("transport already started")
)

const defaultReadSize = 256

// port is the part of serial.Port the transport uses.
type port interface {
	io.ReadWriteCloser
}

type opener func(name string, mode *serial.Mode) (port, error)

func openPort(name string, mode *serial.Mode) (port, error) {
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	return p, nil
}

type options struct {
	logger   communicator.Logger
	name     string
	readSize int
	parity   serial.Parity
	stopBits serial.StopBits
	dataBits int
	open     opener
}

// Option configures a Transport.
type Option func(*options)

// LoggerOption sets the transport logger.
func LoggerOption(logger communicator.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// NameOption sets the device name reported by DeviceName.
func NameOption(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// ReadSizeOption sets the size of a single port read.
func ReadSizeOption(size int) Option {
	return func(o *options) {
		o.readSize = size
	}
}

// FramingOption overrides the default 8N1 framing.
func FramingOption(dataBits int, parity serial.Parity, stopBits serial.StopBits) Option {
	return func(o *options) {
		o.dataBits = dataBits
		o.parity = parity
		o.stopBits = stopBits
	}
}

// Transport is a communicator.Transport over a serial port.
type Transport struct {
	portName string
	mode     *serial.Mode
	opts     options
	logger   communicator.Logger

	mu      sync.Mutex
	port    port
	started bool

	writeMu sync.Mutex
	closed  atomic.Bool
}

// New returns a transport that opens portName at baud on Connect.
func New(portName string, baud int, opts ...Option) *Transport {
	o := options{
		readSize: defaultReadSize,
		dataBits: 8,
		parity:   serial.NoParity,
		stopBits: serial.OneStopBit,
		open:     openPort,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.readSize <= 0 {
		o.readSize = defaultReadSize
	}

	return &Transport{
		portName: portName,
		mode: &serial.Mode{
			BaudRate: baud,
			DataBits: o.dataBits,
			Parity:   o.parity,
			StopBits: o.stopBits,
		},
		opts:   o,
		logger: o.logger,
	}
}

// Factory adapts New to a communicator.TransportFactory; the identifier is
// the port name.
func Factory(baud int, opts ...Option) communicator.TransportFactory {
	return func(identifier string) (communicator.Transport, error) {
		return New(identifier, baud, opts...), nil
	}
}

// Ports lists the serial ports present on the system.
func Ports() ([]string, error) {
	return serial.GetPortsList()
}

// DeviceIdentifier returns the port name.
func (t *Transport) DeviceIdentifier() string {
	return t.portName
}

// DeviceName returns the configured name, falling back to the port name.
func (t *Transport) DeviceName() string {
	if t.opts.name != "" {
		return t.opts.name
	}
	return t.portName
}

// Connect opens the port in the background.
func (t *Transport) Connect(h communicator.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return ErrAlreadyStarted
	}
	t.started = true

	go t.run(h)
	return nil
}

func (t *Transport) run(h communicator.Handler) {
	h.HandleConnecting()

	p, err := t.opts.open(t.portName, t.mode)
	if err != nil {
		t.logger.Warn("open serial port failed", "port", t.portName, "error", err)
		h.HandleFailedToConnect(fmt.Errorf("open %s: %w", t.portName, err))
		return
	}

	t.mu.Lock()
	t.port = p
	t.mu.Unlock()
	if t.closed.Load() {
		_ = p.Close()
		h.HandleFailedToConnect(ErrPortClosed)
		return
	}

	h.HandleConnected()

	err = t.readLoop(p, h)
	t.closed.Store(true)
	_ = p.Close()
	t.logger.Info("serial link closed", "port", t.portName, "reason", err)
	h.HandleDisconnected()
}

func (t *Transport) readLoop(p port, h communicator.Handler) error {
	buf := make([]byte, t.opts.readSize)
	for {
		n, err := p.Read(buf)
		if n > 0 {
			h.HandleReadData(buf[:n])
		}
		if err != nil {
			return err
		}
		if t.closed.Load() {
			return ErrPortClosed
		}
	}
}

// Disconnect closes the port, which ends the read loop.
func (t *Transport) Disconnect() error {
	if t.closed.Swap(true) {
		return nil
	}

	t.mu.Lock()
	p := t.port
	t.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Close()
}

// Write sends data synchronously.
func (t *Transport) Write(data []byte) error {
	if t.closed.Load() {
		return ErrPortClosed
	}

	t.mu.Lock()
	p := t.port
	t.mu.Unlock()
	if p == nil {
		return ErrPortClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := p.Write(data)
	return err
}
