package communicator

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a connection.
type Status int32

const (
	// NotConnected is the initial and terminal state of a connection attempt.
	NotConnected Status = iota
	// Connecting means the transport is establishing the link.
	Connecting
	// Connected means the link is up and the device is initialized.
	Connected
)

func (s Status) String() string {
	switch s {
	case NotConnected:
		return "not_connected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// ConnectionType names the kind of transport behind a connection.
type ConnectionType string

// Known connection types.
const (
	BluetoothSPP         ConnectionType = "bluetooth-spp"
	BluetoothSPPInsecure ConnectionType = "bluetooth-spp-insecure"
	BluetoothLE          ConnectionType = "bluetooth-le"
	USBSerial            ConnectionType = "usb-serial"
	TCP                  ConnectionType = "tcp"
	Dummy                ConnectionType = "dummy"
)

// Transport moves bytes to and from one physical endpoint. Implementations
// report progress through the Handler passed to Connect: HandleConnecting,
// then HandleConnected or HandleFailedToConnect, then HandleReadData while
// connected, and finally one HandleDisconnected.
//
// Disconnect must not wait for the transport's reader to return, since it
// may be called from inside HandleReadData.
type Transport interface {
	Connect(h Handler) error
	Disconnect() error
	Write(data []byte) error
	DeviceIdentifier() string
	DeviceName() string
}

// Handler is the set of entry points a transport drives. *Connection
// implements it.
type Handler interface {
	HandleConnecting()
	HandleConnected()
	HandleFailedToConnect(cause error)
	HandleDisconnected()
	HandleReadData(data []byte)
}

// TransportFactory creates the transport for an endpoint identifier.
type TransportFactory func(identifier string) (Transport, error)

// Connection is one endpoint's link: a transport, the ring buffer staging
// its input and the active controller decoding it.
//
// Lock order is ioMu, then the registry lock, then stateMu. stateMu is never
// held while calling out.
type Connection struct {
	id        string
	connType  ConnectionType
	transport Transport
	registry  *Registry
	opts      connectionOptions
	logger    Logger

	// ioMu serializes decoding, device initialization and controller swaps.
	// Every holder releases it through unlockIO so that a swap requested
	// while it was held is applied.
	ioMu   sync.Mutex
	buffer *RingBuffer

	stateMu    sync.RWMutex
	status     Status
	controller *Controller
	pending    *Controller
}

var _ Handler = (*Connection)(nil)

func newConnection(r *Registry, t ConnectionType, tr Transport, ctrl *Controller, opts ...ConnectionOption) *Connection {
	c := &Connection{
		id:         uuid.NewString(),
		connType:   t,
		transport:  tr,
		registry:   r,
		controller: ctrl,
	}
	for _, o := range opts {
		o(&c.opts)
	}
	if c.opts.logger == nil {
		c.opts.logger = r.logger
	}
	c.buffer = NewRingBuffer(c.opts.bufferCapacity, c.opts.bufferMaxCapacity)
	c.logger = withAttrs(c.opts.logger, "connection_id", c.id, "connection_type", string(t),
		"identifier", tr.DeviceIdentifier())
	if ctrl != nil {
		ctrl.bind(c)
	}
	return c
}

// ID returns the connection's unique id.
func (c *Connection) ID() string {
	return c.id
}

// Type returns the connection type.
func (c *Connection) Type() ConnectionType {
	return c.connType
}

// Transport returns the underlying transport.
func (c *Connection) Transport() Transport {
	return c.transport
}

// Status returns the lifecycle state.
func (c *Connection) Status() Status {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.status
}

// IsConnected reports whether Status is Connected.
func (c *Connection) IsConnected() bool {
	return c.Status() == Connected
}

// Controller returns the active controller.
func (c *Connection) Controller() *Controller {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.controller
}

// Device returns the active controller's device, or nil.
func (c *Connection) Device() Device {
	return c.Controller().Device()
}

// DeviceIdentifier returns the transport's endpoint identifier.
func (c *Connection) DeviceIdentifier() string {
	return c.transport.DeviceIdentifier()
}

// DeviceName returns the transport's endpoint name.
func (c *Connection) DeviceName() string {
	return c.transport.DeviceName()
}

// Description returns a one-line summary for logs.
func (c *Connection) Description() string {
	return fmt.Sprintf("%s %s (%s) %s", c.connType, c.DeviceIdentifier(), c.DeviceName(), c.Status())
}

// BufferedSize returns the number of undecoded bytes.
func (c *Connection) BufferedSize() int {
	c.ioMu.Lock()
	defer c.unlockIO()
	return c.buffer.ContentSize()
}

// Connect starts the transport.
func (c *Connection) Connect() error {
	return c.transport.Connect(c)
}

// Disconnect stops the transport. The transport reports completion through
// HandleDisconnected.
func (c *Connection) Disconnect() error {
	return c.transport.Disconnect()
}

// Write sends raw bytes. It fails with ErrNotConnected unless connected.
func (c *Connection) Write(data []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return c.transport.Write(data)
}

// SendMessage encodes m with the active controller and writes it.
func (c *Connection) SendMessage(m Message) error {
	data, err := c.Controller().EncodeMessage(m)
	if err != nil {
		return err
	}
	return c.Write(data)
}

// HandleConnecting implements Handler.
func (c *Connection) HandleConnecting() {
	c.stateMu.Lock()
	if c.status == Connecting {
		c.stateMu.Unlock()
		c.logger.Warn("already connecting")
		return
	}
	c.status = Connecting
	ctrl := c.controller
	c.stateMu.Unlock()

	c.logger.Debug("connecting")
	c.registry.notifyStartConnecting(c, ctrl.DeviceType())
}

// HandleConnected implements Handler. If the device cannot be initialized
// the transport is disconnected and the attempt reported as failed.
func (c *Connection) HandleConnected() {
	c.ioMu.Lock()
	defer c.unlockIO()

	c.stateMu.Lock()
	if c.status == Connected {
		c.stateMu.Unlock()
		c.logger.Warn("already connected")
		return
	}
	c.status = Connected
	ctrl := c.controller
	c.stateMu.Unlock()

	device, err := ctrl.InitializeDevice(c)
	if err != nil {
		c.failConnect(fmt.Errorf("failed to process the connected device: %w", err))
		return
	}

	c.logger.Info("connected")
	if ctrl.opts.onConnected != nil {
		ctrl.opts.onConnected(c)
	}
	if c.opts.onConnected != nil {
		c.opts.onConnected(c)
	}
	c.registry.notifyConnected(c, device)
}

// HandleFailedToConnect implements Handler.
func (c *Connection) HandleFailedToConnect(cause error) {
	c.stateMu.Lock()
	c.status = NotConnected
	ctrl := c.controller
	c.stateMu.Unlock()

	c.logger.Warn("failed to connect", "error", cause)
	c.registry.notifyFailedToConnect(c, ctrl.DeviceType(), cause)
}

// HandleDisconnected implements Handler. A link lost while still
// connecting is reported as a failed attempt with ErrConnectAborted.
func (c *Connection) HandleDisconnected() {
	c.stateMu.Lock()
	switch c.status {
	case NotConnected:
		c.stateMu.Unlock()
		c.logger.Debug("already disconnected")
		return
	case Connecting:
		c.stateMu.Unlock()
		c.HandleFailedToConnect(ErrConnectAborted)
		return
	}
	c.status = NotConnected
	ctrl := c.controller
	c.stateMu.Unlock()

	c.logger.Info("disconnected")
	if ctrl.opts.onDisconnected != nil {
		ctrl.opts.onDisconnected(c)
	}
	if c.opts.onDisconnected != nil {
		c.opts.onDisconnected(c)
	}
	c.registry.notifyDisconnected(c)
}

// HandleReadData implements Handler. It buffers data and decodes as many
// messages as are complete.
func (c *Connection) HandleReadData(data []byte) {
	c.ioMu.Lock()
	defer c.unlockIO()

	c.buffer.Put(data)
	c.Controller().decodeAndProcess(c)
}

// ReplaceController halts the active controller and installs next. When
// connected, next gets a fresh device and decodes the bytes still buffered.
//
// If a decode pass is running, including one calling ReplaceController from
// a callback, the pass installs next at its next message boundary and
// ReplaceController returns without waiting.
func (c *Connection) ReplaceController(next *Controller) error {
	if next == nil {
		return fmt.Errorf("%w: nil controller", ErrInstantiation)
	}
	next.bind(c)

	c.stateMu.Lock()
	current, superseded := c.controller, c.pending
	c.pending = next
	c.stateMu.Unlock()

	current.Halt()
	if superseded != nil {
		superseded.Halt()
	}

	if c.ioMu.TryLock() {
		c.unlockIO()
	}
	return nil
}

// unlockIO installs any pending controller before releasing ioMu, then
// picks up a swap requested while it was releasing.
func (c *Connection) unlockIO() {
	for {
		next := c.takePending()
		if next == nil {
			break
		}
		c.applyController(next)
	}
	c.ioMu.Unlock()

	if c.hasPending() && c.ioMu.TryLock() {
		c.unlockIO()
	}
}

func (c *Connection) takePending() *Controller {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	next := c.pending
	c.pending = nil
	return next
}

func (c *Connection) hasPending() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.pending != nil
}

// applyController swaps in next. The caller holds ioMu.
func (c *Connection) applyController(next *Controller) {
	c.stateMu.Lock()
	old := c.controller
	c.controller = next
	connected := c.status == Connected
	c.stateMu.Unlock()

	old.Halt()
	c.logger.Info("controller replaced", "from", string(old.DeviceType()), "to", string(next.DeviceType()))
	if !connected {
		return
	}

	device, err := next.InitializeDevice(c)
	if err != nil {
		c.failConnect(fmt.Errorf("failed to initialize replacement device: %w", err))
		return
	}
	if next.opts.onReplaced != nil {
		next.opts.onReplaced(c)
	}
	c.registry.notifyControllerReplaced(c, device)
	next.decodeAndProcess(c)
}

// failConnect tears down the transport and reports the attempt as failed.
// The status is reset first so the transport's own disconnect report is a
// no-op.
func (c *Connection) failConnect(cause error) {
	c.stateMu.Lock()
	c.status = NotConnected
	c.stateMu.Unlock()

	if err := c.transport.Disconnect(); err != nil {
		c.logger.Error("failed to disconnect", "error", err)
	}
	c.HandleFailedToConnect(cause)
}

// forceDisconnect drops the link after an unrecoverable decode error.
func (c *Connection) forceDisconnect(cause error) {
	c.logger.Warn("dropping connection after decode error", "error", cause)
	if err := c.transport.Disconnect(); err != nil {
		c.logger.Error("failed to disconnect", "error", err)
	}
}

func (c *Connection) types() *TypeTree {
	return c.registry.types
}

func (c *Connection) metrics() *registryMetrics {
	return c.registry.metrics
}
