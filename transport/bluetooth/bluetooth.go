// Package bluetooth carries communicator connections over Bluetooth serial
// port profile (RFCOMM) links managed by BlueZ over D-Bus.
//
// Only linux is supported. On other platforms Connect fails with
// ErrUnsupportedPlatform.
package bluetooth

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/Zereker/communicator"
)

const (
	// SPPUUID is the Serial Port Profile UUID.
	SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

	defaultAdapter        = "hci0"
	defaultConnectTimeout = 30 * time.Second
	defaultReadSize       = 256
)

var (
	// ErrUnsupportedPlatform is returned where BlueZ is unavailable.
	ErrUnsupportedPlatform = errors.New("bluetooth transport requires linux")
	// ErrClosed is returned when writing to a closed transport.
	ErrClosed = errors.New("bluetooth link closed")
	// ErrAlreadyStarted is returned when Connect is called twice.
	ErrAlreadyStarted = errors.New("transport already started")
	// ErrInvalidAddress is returned for identifiers that are neither a MAC
	// address nor a BlueZ device path.
	ErrInvalidAddress = errors.New("invalid bluetooth address")
)

type options struct {
	logger         communicator.Logger
	name           string
	adapter        string
	insecure       bool
	connectTimeout time.Duration
	readSize       int
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

// AdapterOption selects the local adapter, hci0 by default.
func AdapterOption(adapter string) Option {
	return func(o *options) {
		o.adapter = adapter
	}
}

// InsecureOption registers the profile without authentication or
// authorization, for devices that cannot pair.
func InsecureOption(insecure bool) Option {
	return func(o *options) {
		o.insecure = insecure
	}
}

// ConnectTimeoutOption bounds the wait for BlueZ to hand over the socket.
func ConnectTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.connectTimeout = timeout
	}
}

func newOptions(opts []Option) options {
	o := options{
		adapter:        defaultAdapter,
		connectTimeout: defaultConnectTimeout,
		readSize:       defaultReadSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.connectTimeout <= 0 {
		o.connectTimeout = defaultConnectTimeout
	}
	return o
}

// Factory adapts New to a communicator.TransportFactory. The identifier is
// a MAC address or a BlueZ device object path.
func Factory(opts ...Option) communicator.TransportFactory {
	return func(identifier string) (communicator.Transport, error) {
		t, err := New(identifier, opts...)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}

// devicePath turns a MAC address into the BlueZ object path of the device
// on adapter. Paths are returned unchanged.
func devicePath(adapter, identifier string) (string, error) {
	if strings.HasPrefix(identifier, "/") {
		if macFromPath(identifier) == "" {
			return "", ErrInvalidAddress
		}
		return identifier, nil
	}
	if !isMAC(identifier) {
		return "", ErrInvalidAddress
	}
	return "/org/bluez/" + adapter + "/dev_" + strings.ToUpper(strings.ReplaceAll(identifier, ":", "_")), nil
}

// macFromPath extracts the address from .../dev_XX_XX_XX_XX_XX_XX.
func macFromPath(path string) string {
	idx := strings.LastIndex(path, "/dev_")
	if idx < 0 {
		return ""
	}
	mac := strings.ReplaceAll(path[idx+5:], "_", ":")
	if !isMAC(mac) {
		return ""
	}
	return mac
}

func isMAC(s string) bool {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return false
	}
	for _, p := range parts {
		if len(p) != 2 || !isHex(p[0]) || !isHex(p[1]) {
			return false
		}
	}
	return true
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}
