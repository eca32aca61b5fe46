package communicator

import (
	"fmt"
	"reflect"
	"slices"
	"sync"
)

// Registry tracks live connections and the listeners observing them, and
// delivers every event through one serialized goroutine.
//
// Create one per process with NewRegistry and share it. Close it on
// shutdown.
type Registry struct {
	opts       registryOptions
	logger     Logger
	types      *TypeTree
	metrics    *registryMetrics
	dispatcher *dispatcher

	mu          sync.Mutex
	closed      bool
	connections []*Connection
	// announced holds connections whose connected event has been raised,
	// with the device listeners were told about.
	announced map[*Connection]Device
	listeners []*listenerEntry
	// cache maps each connected device type to its matching listeners.
	cache map[DeviceType][]*listenerEntry
}

// NewRegistry creates a registry and starts its delivery goroutine.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		announced: make(map[*Connection]Device),
		cache:     make(map[DeviceType][]*listenerEntry),
	}
	for _, o := range opts {
		o(&r.opts)
	}
	r.checkOptions()

	r.logger = r.opts.logger
	r.types = r.opts.types

	metrics, err := newRegistryMetrics(r.opts.registerer)
	if err != nil {
		r.logger.Error("failed to register metrics", "error", err)
		metrics, _ = newRegistryMetrics(nil)
	}
	r.metrics = metrics
	r.dispatcher = newDispatcher(r.logger, r.metrics)
	return r
}

func (r *Registry) checkOptions() {
	if r.opts.logger == nil {
		r.opts.logger = defaultLogger()
	}
	if r.opts.types == nil {
		r.opts.types = NewTypeTree()
	}
}

// Types returns the registry's device type tree.
func (r *Registry) Types() *TypeTree {
	return r.types
}

// Close delivers the events already queued and stops the delivery
// goroutine. Connections are left alone; call DisconnectAll first to drop
// them. Events raised afterwards are dropped.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.dispatcher.close()
}

// Flush blocks until every event raised before the call has been delivered.
// It must not be called from a listener.
func (r *Registry) Flush() {
	r.dispatcher.flush()
}

// RegisterListener adds l. Devices already connected whose type matches are
// replayed to l with alreadyExisting set.
func (r *Registry) RegisterListener(l Listener) error {
	if err := checkListener(l); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	if r.indexOf(l) >= 0 {
		r.logger.Warn("listener already registered", "listener", fmt.Sprintf("%T", l))
		return ErrListenerRegistered
	}

	e := &listenerEntry{listener: l, declared: l.DeviceType()}
	r.listeners = append(r.listeners, e)
	r.metrics.listeners.Inc()
	r.rebuildLocked()

	var replay []delivery
	for _, conn := range r.connections {
		device, ok := r.announced[conn]
		if !ok || !r.types.IsA(device.DeviceType(), e.declared) {
			continue
		}
		replay = append(replay, delivery{
			event:    EventConnected,
			listener: l,
			call:     func(l Listener) { l.OnDeviceConnected(device, true) },
		})
	}
	r.dispatcher.enqueue(replay...)
	return nil
}

// UnregisterListener removes l. Deliveries already queued for l still run.
func (r *Registry) UnregisterListener(l Listener) error {
	if err := checkListener(l); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(l)
	if i < 0 {
		r.logger.Warn("listener not registered", "listener", fmt.Sprintf("%T", l))
		return ErrListenerNotFound
	}
	r.listeners = slices.Delete(r.listeners, i, i+1)
	r.metrics.listeners.Dec()
	r.rebuildLocked()
	return nil
}

func checkListener(l Listener) error {
	if l == nil {
		return fmt.Errorf("%w: nil listener", ErrInvalidListener)
	}
	if !reflect.TypeOf(l).Comparable() {
		return fmt.Errorf("%w: %T is not comparable", ErrInvalidListener, l)
	}
	return nil
}

func (r *Registry) indexOf(l Listener) int {
	for i, e := range r.listeners {
		if e.listener == l {
			return i
		}
	}
	return -1
}

// matchLocked returns the listeners declared for t or one of its ancestors,
// in registration order.
func (r *Registry) matchLocked(t DeviceType) []*listenerEntry {
	var out []*listenerEntry
	for _, e := range r.listeners {
		if r.types.IsA(t, e.declared) {
			out = append(out, e)
		}
	}
	return out
}

// rebuildLocked recomputes the cache from announced devices and listeners.
func (r *Registry) rebuildLocked() {
	cache := make(map[DeviceType][]*listenerEntry, len(r.announced))
	for _, device := range r.announced {
		t := device.DeviceType()
		if _, ok := cache[t]; ok {
			continue
		}
		cache[t] = r.matchLocked(t)
	}
	r.cache = cache
}

// lookupLocked returns the cached listeners for t, computing them without
// caching for types no connected device has.
func (r *Registry) lookupLocked(t DeviceType) []*listenerEntry {
	if entries, ok := r.cache[t]; ok {
		return entries
	}
	return r.matchLocked(t)
}

// enqueueLocked queues call for every entry. Queuing under the registry
// lock keeps delivery order identical to the order of state changes.
func (r *Registry) enqueueLocked(event string, entries []*listenerEntry, call func(Listener)) {
	if len(entries) == 0 {
		return
	}
	ds := make([]delivery, 0, len(entries))
	for _, e := range entries {
		ds = append(ds, delivery{event: event, listener: e.listener, call: call})
	}
	r.dispatcher.enqueue(ds...)
}

func (r *Registry) trackLocked(conn *Connection) {
	if !slices.Contains(r.connections, conn) {
		r.connections = append(r.connections, conn)
		r.metrics.connections.Inc()
	}
}

func (r *Registry) untrackLocked(conn *Connection) {
	if i := slices.Index(r.connections, conn); i >= 0 {
		r.connections = slices.Delete(r.connections, i, i+1)
		r.metrics.connections.Dec()
	}
	delete(r.announced, conn)
}

func (r *Registry) notifyStartConnecting(conn *Connection, t DeviceType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.trackLocked(conn)
	r.enqueueLocked(EventStartConnecting, r.matchLocked(t), func(l Listener) {
		l.OnStartConnecting(conn)
	})
}

// notifyFailedToConnect drops conn. A device already announced for it, as
// when a connection-fatal error ends a live session, is reported
// disconnected first.
func (r *Registry) notifyFailedToConnect(conn *Connection, t DeviceType, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if device, ok := r.announced[conn]; ok {
		r.enqueueLocked(EventDisconnected, r.lookupLocked(device.DeviceType()), func(l Listener) {
			l.OnDeviceDisconnected(device)
		})
	}
	r.untrackLocked(conn)
	r.rebuildLocked()

	r.enqueueLocked(EventFailedToConnect, r.matchLocked(t), func(l Listener) {
		l.OnFailedToConnect(conn, cause)
	})
}

func (r *Registry) notifyConnected(conn *Connection, device Device) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.trackLocked(conn)
	r.announced[conn] = device
	r.rebuildLocked()

	r.enqueueLocked(EventConnected, r.cache[device.DeviceType()], func(l Listener) {
		l.OnDeviceConnected(device, false)
	})
}

// notifyDisconnected drops conn. Only announced devices produce an event.
func (r *Registry) notifyDisconnected(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if device, ok := r.announced[conn]; ok {
		r.enqueueLocked(EventDisconnected, r.lookupLocked(device.DeviceType()), func(l Listener) {
			l.OnDeviceDisconnected(device)
		})
	}
	r.untrackLocked(conn)
	r.rebuildLocked()
}

// notifyControllerReplaced points conn at the replacement device so that
// later events and replays match its type.
func (r *Registry) notifyControllerReplaced(conn *Connection, device Device) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.announced[conn]; ok {
		r.announced[conn] = device
	}
	r.rebuildLocked()
}

func (r *Registry) notifyMessageProcessed(conn *Connection, device Device, m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.enqueueLocked(EventMessageProcessed, r.lookupLocked(device.DeviceType()), func(l Listener) {
		l.OnDeviceMessageProcessed(device, m)
	})
}

func (r *Registry) notifyDeviceUpdated(conn *Connection, device Device) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.enqueueLocked(EventUpdated, r.lookupLocked(device.DeviceType()), func(l Listener) {
		l.OnDeviceUpdated(device)
	})
}

// NewConnection creates a connection over transport without connecting it.
func (r *Registry) NewConnection(connType ConnectionType, transport Transport, controller *Controller, opts ...ConnectionOption) *Connection {
	all := append(slices.Clone(r.opts.connOpts), opts...)
	return newConnection(r, connType, transport, controller, all...)
}

// Connect creates a transport for identifier with the factory registered for
// connType and starts connecting. Failures are also reported to listeners
// as failed connection attempts.
func (r *Registry) Connect(connType ConnectionType, identifier string, controller *Controller, opts ...ConnectionOption) (*Connection, error) {
	if controller == nil {
		return nil, fmt.Errorf("%w: nil controller", ErrInstantiation)
	}

	r.mu.Lock()
	closed := r.closed
	existing := r.findLocked(connType, identifier)
	factory := r.opts.factories[connType]
	r.mu.Unlock()

	var err error
	switch {
	case closed:
		return nil, ErrRegistryClosed
	case existing != nil:
		err = fmt.Errorf("%w: %s %s", ErrAlreadyConnected, connType, identifier)
	case factory == nil:
		err = fmt.Errorf("%w: %s", ErrUnsupportedConnectionType, connType)
	}
	if err != nil {
		r.failWithoutConnection(controller.DeviceType(), err)
		return nil, err
	}

	transport, err := factory(identifier)
	if err != nil {
		err = fmt.Errorf("create %s transport for %s: %w", connType, identifier, err)
		r.failWithoutConnection(controller.DeviceType(), err)
		return nil, err
	}
	return r.ConnectTransport(connType, transport, controller, opts...)
}

// ConnectTransport wraps an existing transport in a connection and starts
// connecting it.
func (r *Registry) ConnectTransport(connType ConnectionType, transport Transport, controller *Controller, opts ...ConnectionOption) (*Connection, error) {
	conn := r.NewConnection(connType, transport, controller, opts...)
	if err := conn.Connect(); err != nil {
		err = fmt.Errorf("connect %s: %w", conn.Description(), err)
		conn.HandleFailedToConnect(err)
		return nil, err
	}
	return conn, nil
}

func (r *Registry) failWithoutConnection(t DeviceType, err error) {
	r.logger.Warn("failed to connect", "error", err)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.enqueueLocked(EventFailedToConnect, r.matchLocked(t), func(l Listener) {
		l.OnFailedToConnect(nil, err)
	})
}

// Disconnect drops the device's connection.
func (r *Registry) Disconnect(device Device) error {
	if device == nil || device.Connection() == nil {
		return ErrNotConnected
	}
	return device.Connection().Disconnect()
}

// DisconnectAll drops every tracked connection.
func (r *Registry) DisconnectAll() {
	for _, conn := range r.Connections() {
		if err := conn.Disconnect(); err != nil {
			r.logger.Error("failed to disconnect", "connection", conn.Description(), "error", err)
		}
	}
}

func (r *Registry) findLocked(connType ConnectionType, identifier string) *Connection {
	for _, conn := range r.connections {
		if conn.Type() == connType && conn.DeviceIdentifier() == identifier {
			return conn
		}
	}
	return nil
}

// FindConnection returns the tracked connection for an endpoint, or nil.
func (r *Registry) FindConnection(connType ConnectionType, identifier string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findLocked(connType, identifier)
}

// IsConnected reports whether the endpoint has a connected connection.
func (r *Registry) IsConnected(connType ConnectionType, identifier string) bool {
	conn := r.FindConnection(connType, identifier)
	return conn != nil && conn.IsConnected()
}

// FindConnectedDevice returns the device of a connected endpoint, or nil.
func (r *Registry) FindConnectedDevice(connType ConnectionType, identifier string) Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn := r.findLocked(connType, identifier)
	if conn == nil {
		return nil
	}
	return r.announced[conn]
}

// ConnectedDevices returns the devices of all connected connections, in
// connection order.
func (r *Registry) ConnectedDevices() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Device
	for _, conn := range r.connections {
		if device, ok := r.announced[conn]; ok {
			out = append(out, device)
		}
	}
	return out
}

// ConnectionCount returns the number of tracked connections when t is
// empty, and otherwise the number of connected devices of exactly type t.
func (r *Registry) ConnectionCount(t DeviceType) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t == "" {
		return len(r.connections)
	}
	var n int
	for _, device := range r.announced {
		if device.DeviceType() == t {
			n++
		}
	}
	return n
}

// Connections returns a snapshot of the tracked connections.
func (r *Registry) Connections() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.connections)
}
