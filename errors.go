package communicator

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// Errors returned by ring buffer operations.
var (
	// ErrOutOfBounds is returned when an index or length exceeds the buffered content.
	ErrOutOfBounds = errors.New("ring buffer: out of bounds")
	// ErrInvalidCapacity is returned when the max capacity would shrink.
	ErrInvalidCapacity = errors.New("ring buffer: invalid capacity")
)

// Errors returned by the codec contract.
var (
	// ErrUndefinedMessageID is matched by every *UndefinedMessageIDError.
	ErrUndefinedMessageID = errors.New("undefined message id")
	// ErrUndefinedMessageType is returned when a message type has no wire id.
	ErrUndefinedMessageType = errors.New("undefined message type")
	// ErrDuplicateMessageID is returned when a message table entry collides with an existing one.
	ErrDuplicateMessageID = errors.New("duplicate message id or type")
	// ErrInstantiation is returned when a device or message could not be constructed.
	ErrInstantiation = errors.New("instantiation failed")
	// ErrNilMessage is returned when a nil message is encoded or sent.
	ErrNilMessage = errors.New("nil message")
)

// Errors describing a device that does not fit its controller.
// All three are connection-fatal.
var (
	ErrInappropriateDevice  = errors.New("inappropriate device")
	ErrInvalidDeviceType    = errors.New("invalid device type")
	ErrInvalidDeviceVersion = errors.New("invalid device version")
)

// Errors returned by controllers, connections and the registry.
var (
	// ErrDeviceAlreadyInitialized is returned when a controller is asked for a second device.
	ErrDeviceAlreadyInitialized = errors.New("device already initialized")
	// ErrNotConnected is returned when writing to a connection that is not connected.
	ErrNotConnected = errors.New("not connected")
	// ErrConnectAborted is the failure reported when a transport disconnects before connecting.
	ErrConnectAborted = errors.New("disconnected before the connection was established")
	// ErrAlreadyConnected is returned when a connection for the same endpoint is already tracked.
	ErrAlreadyConnected = errors.New("connection already exists")
	// ErrUnsupportedConnectionType is returned when no transport factory serves a connection type.
	ErrUnsupportedConnectionType = errors.New("unsupported connection type")
	// ErrListenerRegistered is returned when the same listener is registered twice.
	ErrListenerRegistered = errors.New("listener already registered")
	// ErrListenerNotFound is returned when unregistering an unknown listener.
	ErrListenerNotFound = errors.New("listener not registered")
	// ErrInvalidListener is returned for nil or non-comparable listeners.
	ErrInvalidListener = errors.New("invalid listener")
	// ErrUnknownDeviceType is returned when a device type refers to an unregistered parent.
	ErrUnknownDeviceType = errors.New("unknown device type")
	// ErrRegistryClosed is returned by operations on a closed registry.
	ErrRegistryClosed = errors.New("registry closed")
)

// UndefinedMessageIDError reports a wire identifier that maps to no message type.
type UndefinedMessageIDError struct {
	ID []byte
}

func (e *UndefinedMessageIDError) Error() string {
	return fmt.Sprintf("undefined message id 0x%s", hex.EncodeToString(e.ID))
}

// Is makes errors.Is(err, ErrUndefinedMessageID) hold.
func (e *UndefinedMessageIDError) Is(target error) bool {
	return target == ErrUndefinedMessageID
}

// DecodeError is a payload decoding failure attributed to one message type.
type DecodeError struct {
	Type    MessageType
	Payload []byte
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s payload [% x]: %v", e.Type, e.Payload, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// EncodeError is an encoding failure attributed to one message.
type EncodeError struct {
	Description string
	Err         error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %s: %v", e.Description, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// IsConnectionFatal reports whether err means the physical device does not
// match its controller, which terminates the connection attempt.
func IsConnectionFatal(err error) bool {
	return errors.Is(err, ErrInappropriateDevice) ||
		errors.Is(err, ErrInvalidDeviceType) ||
		errors.Is(err, ErrInvalidDeviceVersion)
}
