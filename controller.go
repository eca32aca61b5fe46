package communicator

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// InboundCallback intercepts a decoded message before or after the device
// processes it. Returning consumed=true stops the rest of the pipeline for
// that message. A returned error is reported like a processing failure,
// or tears down the connection when IsConnectionFatal(err).
type InboundCallback func(conn *Connection, m Message) (consumed bool, err error)

// Callback is the handle of a registered InboundCallback, used to remove it.
type Callback struct {
	fn InboundCallback
}

// Controller binds a codec to one device model. It owns the device created
// for its connection and runs the inbound pipeline for every decoded message.
//
// A controller goes from unbound to bound when its device is initialized and
// stops for good once halted. Protocol swaps use a new controller.
type Controller struct {
	deviceType DeviceType
	newDevice  DeviceFactory
	codec      Codec
	opts       controllerOptions

	// logger follows the connection the controller is bound to unless
	// ControllerLoggerOption set one.
	logger    atomic.Pointer[boundLogger]
	ownLogger bool

	halted atomic.Bool

	mu     sync.Mutex
	device Device
	before []*Callback
	after  []*Callback
}

// NewController creates a controller for devices of the given type.
func NewController(deviceType DeviceType, newDevice DeviceFactory, codec Codec, opts ...ControllerOption) *Controller {
	c := &Controller{
		deviceType: deviceType,
		newDevice:  newDevice,
		codec:      codec,
	}
	for _, o := range opts {
		o(&c.opts)
	}
	c.checkOptions()
	c.setLogger(c.opts.logger)
	return c
}

type boundLogger struct{ Logger }

func (c *Controller) log() Logger {
	return c.logger.Load().Logger
}

func (c *Controller) setLogger(l Logger) {
	c.logger.Store(&boundLogger{withAttrs(l, "device_type", string(c.deviceType))})
}

// bind makes c log through conn's logger.
func (c *Controller) bind(conn *Connection) {
	if !c.ownLogger {
		c.setLogger(conn.logger)
	}
}

func (c *Controller) checkOptions() {
	c.ownLogger = c.opts.logger != nil
	if c.opts.logger == nil {
		c.opts.logger = defaultLogger()
	}
	if c.opts.onDecodeError == nil {
		c.opts.onDecodeError = func(conn *Connection, err error) ErrorAction {
			c.log().Error("failed to decode message", "connection", conn.Description(), "error", err)
			return Continue
		}
	}
	if c.opts.onProcessError == nil {
		c.opts.onProcessError = func(conn *Connection, m Message, err error) {
			c.log().Error("failed to process message", "connection", conn.Description(),
				"message", m.Description(), "error", err)
		}
	}
}

// DeviceType returns the device type the controller is declared for.
func (c *Controller) DeviceType() DeviceType {
	return c.deviceType
}

// Device returns the device, or nil before InitializeDevice.
func (c *Controller) Device() Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

// Encoder returns the controller's encoder.
func (c *Controller) Encoder() Encoder {
	return c.codec
}

// Decoder returns the controller's decoder.
func (c *Controller) Decoder() Decoder {
	return c.codec
}

// InitializeDevice creates the controller's device for conn. It succeeds
// at most once per controller.
func (c *Controller) InitializeDevice(conn *Connection) (Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.device != nil {
		return nil, ErrDeviceAlreadyInitialized
	}
	if c.newDevice == nil {
		return nil, fmt.Errorf("%w: no device factory for %s", ErrInstantiation, c.deviceType)
	}

	device, err := c.newDevice(conn)
	if err != nil {
		return nil, fmt.Errorf("%w: %s device: %w", ErrInstantiation, c.deviceType, err)
	}
	if device == nil {
		return nil, fmt.Errorf("%w: %s factory returned nil", ErrInstantiation, c.deviceType)
	}
	if !conn.types().IsA(device.DeviceType(), c.deviceType) {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrInvalidDeviceType, device.DeviceType(), c.deviceType)
	}

	c.device = device
	return device, nil
}

// Halt stops the decode loop at the next message boundary. It is terminal.
func (c *Controller) Halt() {
	if c.halted.Swap(true) {
		return
	}
	c.log().Info("controller halted")
}

// IsHalted reports whether Halt was called.
func (c *Controller) IsHalted() bool {
	return c.halted.Load()
}

// AddBefore appends a callback that runs before the device sees a message.
func (c *Controller) AddBefore(fn InboundCallback) *Callback {
	h := &Callback{fn: fn}
	c.mu.Lock()
	c.before = append(c.before, h)
	c.mu.Unlock()
	return h
}

// AddBeforeAtFront inserts a callback ahead of all other before-callbacks.
func (c *Controller) AddBeforeAtFront(fn InboundCallback) *Callback {
	h := &Callback{fn: fn}
	c.mu.Lock()
	c.before = append([]*Callback{h}, c.before...)
	c.mu.Unlock()
	return h
}

// AddAfter appends a callback that runs after the device processed a message.
func (c *Controller) AddAfter(fn InboundCallback) *Callback {
	h := &Callback{fn: fn}
	c.mu.Lock()
	c.after = append(c.after, h)
	c.mu.Unlock()
	return h
}

// AddAfterAtFront inserts a callback ahead of all other after-callbacks.
func (c *Controller) AddAfterAtFront(fn InboundCallback) *Callback {
	h := &Callback{fn: fn}
	c.mu.Lock()
	c.after = append([]*Callback{h}, c.after...)
	c.mu.Unlock()
	return h
}

// RemoveBefore removes a before-callback and reports whether it was present.
func (c *Controller) RemoveBefore(h *Callback) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ok bool
	c.before, ok = removeCallback(c.before, h)
	return ok
}

// RemoveAfter removes an after-callback and reports whether it was present.
func (c *Controller) RemoveAfter(h *Callback) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ok bool
	c.after, ok = removeCallback(c.after, h)
	return ok
}

func removeCallback(list []*Callback, h *Callback) ([]*Callback, bool) {
	for i, cb := range list {
		if cb == h {
			out := make([]*Callback, 0, len(list)-1)
			out = append(out, list[:i]...)
			return append(out, list[i+1:]...), true
		}
	}
	return list, false
}

// EncodeMessage encodes m with the controller's encoder.
func (c *Controller) EncodeMessage(m Message) ([]byte, error) {
	if m == nil {
		return nil, ErrNilMessage
	}

	data, err := c.codec.EncodeMessage(m)
	if err != nil {
		var ee *EncodeError
		if errors.As(err, &ee) {
			return nil, err
		}
		return nil, &EncodeError{Description: m.Description(), Err: err}
	}
	return data, nil
}

// DecodeAndProcess decodes every complete message buffered on conn and runs
// each through the inbound pipeline. It takes the connection's I/O lock, so
// it must not be called from inside a callback of the same connection.
func (c *Controller) DecodeAndProcess(conn *Connection) {
	conn.ioMu.Lock()
	defer conn.unlockIO()
	c.decodeAndProcess(conn)
}

// decodeAndProcess is the decode loop. The caller holds conn.ioMu.
func (c *Controller) decodeAndProcess(conn *Connection) {
	buf := conn.buffer
	for !c.halted.Load() {
		before := buf.ContentSize()

		m, err := c.decode(buf)
		if err != nil {
			conn.metrics().decodeErrors.Inc()
			c.log().Debug("decode failed", "buffered", buf.ContentSize(), "head", hexPrefix(buf, 50))

			if c.opts.onDecodeError(conn, err) == Disconnect {
				c.Halt()
				conn.forceDisconnect(err)
				return
			}
			if buf.ContentSize() == before {
				c.log().Warn("decoder made no progress, waiting for more data", "error", err)
				return
			}
			continue
		}
		if m == nil {
			return
		}

		if err := c.processInbound(conn, m); err != nil {
			c.Halt()
			conn.failConnect(err)
			return
		}
	}
}

func (c *Controller) decode(buf *RingBuffer) (m Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("decoder panic: %v", r)
		}
	}()
	return c.codec.DecodeMessage(buf)
}

// processInbound runs one message through the callbacks and the device.
// Only connection-fatal errors are returned; everything else is reported to
// the process error hook.
func (c *Controller) processInbound(conn *Connection, m Message) (fatal error) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err == nil {
			return
		}
		if IsConnectionFatal(err) {
			fatal = err
			return
		}
		conn.metrics().processErrors.Inc()
		c.opts.onProcessError(conn, m, err)
	}()

	c.mu.Lock()
	before, after, device := c.before, c.after, c.device
	c.mu.Unlock()

	var consumed bool
	for _, cb := range before {
		if consumed, err = cb.fn(conn, m); err != nil || consumed {
			return nil
		}
	}

	if device != nil {
		var updated bool
		if updated, err = device.ProcessMessage(m); err != nil {
			return nil
		}
		conn.registry.notifyMessageProcessed(conn, device, m)
		if updated {
			conn.registry.notifyDeviceUpdated(conn, device)
		}
	}

	for _, cb := range after {
		if consumed, err = cb.fn(conn, m); err != nil || consumed {
			return nil
		}
	}
	return nil
}

// hexPrefix formats up to n buffered bytes for diagnostics.
func hexPrefix(buf *RingBuffer, n int) string {
	n = min(n, buf.ContentSize())
	data, err := buf.ReadWithoutConsume(n)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("% x", data)
}
