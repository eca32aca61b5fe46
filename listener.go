package communicator

// Listener observes connection and device events for one device type and
// all of its descendants in the registry's TypeTree.
//
// Callbacks run one at a time on the registry's delivery goroutine, never on
// a transport goroutine. Listeners are identified by ==, so implementations
// must be comparable; use pointer receivers.
type Listener interface {
	// DeviceType is the type the listener is declared for.
	DeviceType() DeviceType

	OnStartConnecting(conn *Connection)
	OnFailedToConnect(conn *Connection, cause error)
	// OnDeviceConnected reports a new device. alreadyExisting is true when the
	// device was connected before the listener registered.
	OnDeviceConnected(d Device, alreadyExisting bool)
	OnDeviceDisconnected(d Device)
	OnDeviceMessageProcessed(d Device, m Message)
	OnDeviceUpdated(d Device)
}

// ListenerFuncs adapts optional funcs to a Listener. Unset funcs are no-ops.
// Always register a *ListenerFuncs.
type ListenerFuncs struct {
	Type DeviceType

	StartConnecting        func(conn *Connection)
	FailedToConnect        func(conn *Connection, cause error)
	DeviceConnected        func(d Device, alreadyExisting bool)
	DeviceDisconnected     func(d Device)
	DeviceMessageProcessed func(d Device, m Message)
	DeviceUpdated          func(d Device)
}

var _ Listener = (*ListenerFuncs)(nil)

// DeviceType implements Listener. An empty Type means DeviceTypeAny.
func (l *ListenerFuncs) DeviceType() DeviceType {
	if l.Type == "" {
		return DeviceTypeAny
	}
	return l.Type
}

// OnStartConnecting calls StartConnecting if set.
func (l *ListenerFuncs) OnStartConnecting(conn *Connection) {
	if l.StartConnecting != nil {
		l.StartConnecting(conn)
	}
}

// OnFailedToConnect calls FailedToConnect if set.
func (l *ListenerFuncs) OnFailedToConnect(conn *Connection, cause error) {
	if l.FailedToConnect != nil {
		l.FailedToConnect(conn, cause)
	}
}

// OnDeviceConnected calls DeviceConnected if set.
func (l *ListenerFuncs) OnDeviceConnected(d Device, alreadyExisting bool) {
	if l.DeviceConnected != nil {
		l.DeviceConnected(d, alreadyExisting)
	}
}

// OnDeviceDisconnected calls DeviceDisconnected if set.
func (l *ListenerFuncs) OnDeviceDisconnected(d Device) {
	if l.DeviceDisconnected != nil {
		l.DeviceDisconnected(d)
	}
}

// OnDeviceMessageProcessed calls DeviceMessageProcessed if set.
func (l *ListenerFuncs) OnDeviceMessageProcessed(d Device, m Message) {
	if l.DeviceMessageProcessed != nil {
		l.DeviceMessageProcessed(d, m)
	}
}

// OnDeviceUpdated calls DeviceUpdated if set.
func (l *ListenerFuncs) OnDeviceUpdated(d Device) {
	if l.DeviceUpdated != nil {
		l.DeviceUpdated(d)
	}
}

// listenerEntry is one registration.
type listenerEntry struct {
	listener Listener
	declared DeviceType
}

// Event names used in logs and metrics labels.
const (
	EventStartConnecting  = "start_connecting"
	EventFailedToConnect  = "failed_to_connect"
	EventConnected        = "connected"
	EventDisconnected     = "disconnected"
	EventMessageProcessed = "message_processed"
	EventUpdated          = "updated"
)
