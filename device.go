package communicator

import (
	"fmt"
	"sync"
)

// DeviceType tags a device model. Types form a tree rooted at DeviceTypeAny.
type DeviceType string

// DeviceTypeAny is the root type. A listener declared for it observes every device.
const DeviceTypeAny DeviceType = "device"

// Device is the application-defined model of one connected endpoint.
type Device interface {
	// DeviceType returns the concrete type of the device.
	DeviceType() DeviceType
	// Connection returns the connection the device was created for.
	Connection() *Connection
	// ProcessMessage applies a decoded message and reports whether
	// device-visible state changed.
	ProcessMessage(m Message) (bool, error)
}

// DeviceFactory creates the device for a connection.
type DeviceFactory func(conn *Connection) (Device, error)

// BaseDevice carries the fields every device has. Embed it and implement
// ProcessMessage.
type BaseDevice struct {
	conn *Connection
	typ  DeviceType

	mu   sync.RWMutex
	name string
}

// NewBaseDevice creates the embedded part of a device.
func NewBaseDevice(conn *Connection, t DeviceType) BaseDevice {
	name := ""
	if conn != nil {
		name = conn.DeviceName()
	}
	return BaseDevice{conn: conn, typ: t, name: name}
}

// DeviceType implements Device.
func (d *BaseDevice) DeviceType() DeviceType {
	return d.typ
}

// Connection implements Device.
func (d *BaseDevice) Connection() *Connection {
	return d.conn
}

// Name returns the display name of the device.
func (d *BaseDevice) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

// SetName changes the display name of the device.
func (d *BaseDevice) SetName(name string) {
	d.mu.Lock()
	d.name = name
	d.mu.Unlock()
}

// TypeTree records the parent of every device type so that listeners can
// be matched polymorphically: a listener declared for T receives events of
// devices whose type is T or descends from T.
//
// It is safe for concurrent use.
type TypeTree struct {
	mu      sync.RWMutex
	parents map[DeviceType]DeviceType
}

// NewTypeTree creates a tree that only knows DeviceTypeAny.
func NewTypeTree() *TypeTree {
	return &TypeTree{parents: make(map[DeviceType]DeviceType)}
}

// Register declares t as a child of parent. The parent must be the root or
// already registered, so the tree cannot contain cycles.
func (tt *TypeTree) Register(t, parent DeviceType) error {
	if t == "" || t == DeviceTypeAny {
		return fmt.Errorf("%w: cannot register %q", ErrUnknownDeviceType, t)
	}
	if parent == "" {
		parent = DeviceTypeAny
	}

	tt.mu.Lock()
	defer tt.mu.Unlock()

	if parent != DeviceTypeAny {
		if _, ok := tt.parents[parent]; !ok {
			return fmt.Errorf("%w: parent %q of %q", ErrUnknownDeviceType, parent, t)
		}
	}
	if existing, ok := tt.parents[t]; ok && existing != parent {
		return fmt.Errorf("%w: %q already registered under %q", ErrUnknownDeviceType, t, existing)
	}
	tt.parents[t] = parent
	return nil
}

// MustRegister is Register that panics.
func (tt *TypeTree) MustRegister(t, parent DeviceType) {
	if err := tt.Register(t, parent); err != nil {
		panic(err)
	}
}

// IsA reports whether t is super or descends from it. Unregistered types
// are treated as direct children of DeviceTypeAny.
func (tt *TypeTree) IsA(t, super DeviceType) bool {
	if t == super || super == DeviceTypeAny {
		return true
	}

	tt.mu.RLock()
	defer tt.mu.RUnlock()

	for cur := t; ; {
		parent, ok := tt.parents[cur]
		if !ok || parent == DeviceTypeAny {
			return false
		}
		if parent == super {
			return true
		}
		cur = parent
	}
}

// Ancestors returns t followed by its parents up to and including the root.
func (tt *TypeTree) Ancestors(t DeviceType) []DeviceType {
	tt.mu.RLock()
	defer tt.mu.RUnlock()

	out := []DeviceType{t}
	for cur := t; cur != DeviceTypeAny; {
		parent, ok := tt.parents[cur]
		if !ok {
			parent = DeviceTypeAny
		}
		out = append(out, parent)
		cur = parent
	}
	return out
}
