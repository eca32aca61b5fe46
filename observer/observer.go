// Package observer turns registry callbacks into flat Event records and
// fans them out to sinks such as an MQTT bridge, a time series database,
// a journal or a websocket feed.
package observer

import (
	"time"

	"github.com/google/uuid"

	"github.com/Zereker/communicator"
)

// Event is one registry notification, flattened for export.
type Event struct {
	ID             string    `json:"id"`
	At             time.Time `json:"at"`
	Kind           string    `json:"event"`
	ConnectionID   string    `json:"connection_id,omitempty"`
	ConnectionType string    `json:"connection_type,omitempty"`
	Identifier     string    `json:"identifier,omitempty"`
	Name           string    `json:"name,omitempty"`
	DeviceType     string    `json:"device_type,omitempty"`
	MessageType    string    `json:"message_type,omitempty"`
	Detail         string    `json:"detail,omitempty"`
}

// Sink receives events. HandleEvent runs on the registry's delivery
// goroutine and must not block for long.
type Sink interface {
	HandleEvent(e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(e Event)

// HandleEvent calls f(e).
func (f SinkFunc) HandleEvent(e Event) { f(e) }

// Listener is a communicator.Listener that forwards every event of its
// device type to sinks.
type Listener struct {
	deviceType communicator.DeviceType
	sinks      []Sink
	now        func() time.Time
}

var _ communicator.Listener = (*Listener)(nil)

// NewListener returns a listener for all devices.
func NewListener(sinks ...Sink) *Listener {
	return &Listener{
		deviceType: communicator.DeviceTypeAny,
		sinks:      sinks,
		now:        time.Now,
	}
}

// ForType narrows the listener to t and its descendants. Call it before
// registering.
func (l *Listener) ForType(t communicator.DeviceType) *Listener {
	l.deviceType = t
	return l
}

// DeviceType implements communicator.Listener.
func (l *Listener) DeviceType() communicator.DeviceType { return l.deviceType }

func (l *Listener) emit(e Event) {
	e.ID = uuid.NewString()
	e.At = l.now().UTC()
	for _, s := range l.sinks {
		s.HandleEvent(e)
	}
}

func connEvent(kind string, conn *communicator.Connection) Event {
	e := Event{Kind: kind}
	if conn == nil {
		return e
	}
	e.ConnectionID = conn.ID()
	e.ConnectionType = string(conn.Type())
	e.Identifier = conn.DeviceIdentifier()
	e.Name = conn.DeviceName()
	return e
}

func deviceEvent(kind string, d communicator.Device) Event {
	e := connEvent(kind, d.Connection())
	e.DeviceType = string(d.DeviceType())
	return e
}

// OnStartConnecting emits a start_connecting event.
func (l *Listener) OnStartConnecting(conn *communicator.Connection) {
	l.emit(connEvent(communicator.EventStartConnecting, conn))
}

// OnFailedToConnect emits a failed_to_connect event carrying the cause.
func (l *Listener) OnFailedToConnect(conn *communicator.Connection, cause error) {
	e := connEvent(communicator.EventFailedToConnect, conn)
	if cause != nil {
		e.Detail = cause.Error()
	}
	l.emit(e)
}

// OnDeviceConnected emits a connected event. A reconnect of a known
// identifier is marked "already connected".
func (l *Listener) OnDeviceConnected(d communicator.Device, alreadyExisting bool) {
	e := deviceEvent(communicator.EventConnected, d)
	if alreadyExisting {
		e.Detail = "already connected"
	}
	l.emit(e)
}

// OnDeviceDisconnected emits a disconnected event.
func (l *Listener) OnDeviceDisconnected(d communicator.Device) {
	l.emit(deviceEvent(communicator.EventDisconnected, d))
}

// OnDeviceMessageProcessed emits a message_processed event with the message
// type and description.
func (l *Listener) OnDeviceMessageProcessed(d communicator.Device, m communicator.Message) {
	e := deviceEvent(communicator.EventMessageProcessed, d)
	e.MessageType = string(m.MessageType())
	e.Detail = m.Description()
	l.emit(e)
}

// OnDeviceUpdated emits an updated event.
func (l *Listener) OnDeviceUpdated(d communicator.Device) {
	l.emit(deviceEvent(communicator.EventUpdated, d))
}
