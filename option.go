package communicator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ErrorAction defines the action to take when an error occurs.
type ErrorAction int

const (
	// Disconnect drops the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and continues processing.
	Continue
)

// controllerOptions holds the configuration for a controller.
type controllerOptions struct {
	logger Logger

	// onDecodeError is called when the decoder fails.
	// Returns Disconnect to drop the connection, Continue to keep decoding.
	onDecodeError  func(conn *Connection, err error) ErrorAction
	onProcessError func(conn *Connection, m Message, err error)

	onConnected    func(conn *Connection)
	onDisconnected func(conn *Connection)
	onReplaced     func(conn *Connection)
}

// ControllerOption is a function that configures controller options.
type ControllerOption func(*controllerOptions)

// OnDecodeErrorOption returns a ControllerOption that sets the decode error callback.
// Return Disconnect to drop the connection, or Continue to keep decoding.
// The default logs the error and continues.
func OnDecodeErrorOption(cb func(conn *Connection, err error) ErrorAction) ControllerOption {
	return func(o *controllerOptions) {
		o.onDecodeError = cb
	}
}

// OnProcessErrorOption returns a ControllerOption that sets the callback for
// errors and panics raised while a decoded message is processed.
func OnProcessErrorOption(cb func(conn *Connection, m Message, err error)) ControllerOption {
	return func(o *controllerOptions) {
		o.onProcessError = cb
	}
}

// ControllerConnectedOption returns a ControllerOption that runs cb after the
// controller's device has been initialized on a new connection.
func ControllerConnectedOption(cb func(conn *Connection)) ControllerOption {
	return func(o *controllerOptions) {
		o.onConnected = cb
	}
}

// ControllerDisconnectedOption returns a ControllerOption that runs cb when
// the controller's connection goes down.
func ControllerDisconnectedOption(cb func(conn *Connection)) ControllerOption {
	return func(o *controllerOptions) {
		o.onDisconnected = cb
	}
}

// ControllerReplacedOption returns a ControllerOption that runs cb when the
// controller is installed on a live connection in place of another one.
func ControllerReplacedOption(cb func(conn *Connection)) ControllerOption {
	return func(o *controllerOptions) {
		o.onReplaced = cb
	}
}

// ControllerLoggerOption returns a ControllerOption that sets the logger.
// Without it a controller logs through the connection it is bound to.
func ControllerLoggerOption(logger Logger) ControllerOption {
	return func(o *controllerOptions) {
		o.logger = logger
	}
}

// connectionOptions holds the configuration for a connection.
type connectionOptions struct {
	logger Logger

	bufferCapacity    int // initial ring buffer size
	bufferMaxCapacity int // size the ring buffer may grow to

	onConnected    func(conn *Connection)
	onDisconnected func(conn *Connection)
}

// ConnectionOption is a function that configures connection options.
type ConnectionOption func(*connectionOptions)

// RingBufferOption returns a ConnectionOption that sizes the input ring buffer.
// Once max is reached the oldest unread bytes are overwritten.
func RingBufferOption(initial, max int) ConnectionOption {
	return func(o *connectionOptions) {
		o.bufferCapacity = initial
		o.bufferMaxCapacity = max
	}
}

// OnConnectedOption returns a ConnectionOption that runs cb once the
// connection is up and its device initialized.
func OnConnectedOption(cb func(conn *Connection)) ConnectionOption {
	return func(o *connectionOptions) {
		o.onConnected = cb
	}
}

// OnDisconnectedOption returns a ConnectionOption that runs cb when the
// connection goes down.
func OnDisconnectedOption(cb func(conn *Connection)) ConnectionOption {
	return func(o *connectionOptions) {
		o.onDisconnected = cb
	}
}

// ConnectionLoggerOption returns a ConnectionOption that sets the logger.
// If not set, the registry's logger is used.
func ConnectionLoggerOption(logger Logger) ConnectionOption {
	return func(o *connectionOptions) {
		o.logger = logger
	}
}

// registryOptions holds the configuration for a registry.
type registryOptions struct {
	logger     Logger
	types      *TypeTree
	registerer prometheus.Registerer
	factories  map[ConnectionType]TransportFactory
	connOpts   []ConnectionOption
}

// RegistryOption is a function that configures registry options.
type RegistryOption func(*registryOptions)

// LoggerOption returns a RegistryOption that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) RegistryOption {
	return func(o *registryOptions) {
		o.logger = logger
	}
}

// TypeTreeOption returns a RegistryOption that sets the device type tree
// used for listener matching and controller type checks.
func TypeTreeOption(types *TypeTree) RegistryOption {
	return func(o *registryOptions) {
		o.types = types
	}
}

// MetricsOption returns a RegistryOption that registers the registry's
// prometheus collectors with reg.
func MetricsOption(reg prometheus.Registerer) RegistryOption {
	return func(o *registryOptions) {
		o.registerer = reg
	}
}

// TransportFactoryOption returns a RegistryOption that makes Registry.Connect
// use f for connections of type t.
func TransportFactoryOption(t ConnectionType, f TransportFactory) RegistryOption {
	return func(o *registryOptions) {
		if o.factories == nil {
			o.factories = make(map[ConnectionType]TransportFactory)
		}
		o.factories[t] = f
	}
}

// DefaultConnectionOptions returns a RegistryOption that applies opts to
// every connection the registry creates, before per-call options.
func DefaultConnectionOptions(opts ...ConnectionOption) RegistryOption {
	return func(o *registryOptions) {
		o.connOpts = append(o.connOpts, opts...)
	}
}
