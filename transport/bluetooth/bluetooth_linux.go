//go:build linux

package bluetooth

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"

	"github.com/Zereker/communicator"
)

const (
	bluezService        = "org.bluez"
	profileIface        = "org.bluez.Profile1"
	profileManagerIface = "org.bluez.ProfileManager1"
	deviceIface         = "org.bluez.Device1"
)

var pathCounter atomic.Uint64

// profile implements org.bluez.Profile1. It hands the first RFCOMM socket
// to the waiting transport and rejects the rest.
type profile struct {
	mu       sync.Mutex
	ch       chan *os.File
	accepted bool
}

func newProfile() *profile {
	return &profile{ch: make(chan *os.File, 1)}
}

func (p *profile) Release() *dbus.Error { return nil }

func (p *profile) RequestDisconnection(dbus.ObjectPath) *dbus.Error { return nil }

func (p *profile) NewConnection(_ dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	f := os.NewFile(uintptr(fd), "rfcomm")

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.accepted {
		_ = f.Close()
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"already connected"}}
	}
	select {
	case p.ch <- f:
		p.accepted = true
		return nil
	default:
		_ = f.Close()
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no receiver"}}
	}
}

// Transport is a communicator.Transport over a BlueZ SPP link.
type Transport struct {
	path   string
	mac    string
	opts   options
	logger communicator.Logger

	mu      sync.Mutex
	file    *os.File
	alias   string
	cancel  context.CancelFunc
	started bool
	cleanup []func()

	writeMu sync.Mutex
	closed  atomic.Bool
}

// New returns a transport for the device at identifier, a MAC address or a
// BlueZ device object path.
func New(identifier string, opts ...Option) (*Transport, error) {
	o := newOptions(opts)
	path, err := devicePath(o.adapter, identifier)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", err, identifier)
	}
	return &Transport{
		path:   path,
		mac:    macFromPath(path),
		opts:   o,
		logger: o.logger,
	}, nil
}

// DeviceIdentifier returns the device's MAC address.
func (t *Transport) DeviceIdentifier() string {
	return t.mac
}

// DeviceName returns the configured name, the BlueZ alias once known, or
// the MAC address.
func (t *Transport) DeviceName() string {
	if t.opts.name != "" {
		return t.opts.name
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.alias != "" {
		return t.alias
	}
	return t.mac
}

// Connect asks BlueZ for an SPP link in the background.
func (t *Transport) Connect(h communicator.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return ErrAlreadyStarted
	}
	if t.closed.Load() {
		return ErrClosed
	}
	t.started = true

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.run(ctx, h)
	return nil
}

func (t *Transport) run(ctx context.Context, h communicator.Handler) {
	h.HandleConnecting()

	f, err := t.open(ctx)
	if err != nil {
		t.release()
		t.logger.Warn("bluetooth connect failed", "device", t.path, "error", err)
		h.HandleFailedToConnect(err)
		return
	}

	t.mu.Lock()
	t.file = f
	t.mu.Unlock()
	if t.closed.Load() {
		_ = f.Close()
		t.release()
		h.HandleFailedToConnect(ErrClosed)
		return
	}

	h.HandleConnected()

	err = t.readLoop(f, h)
	t.closed.Store(true)
	_ = f.Close()
	t.release()
	t.logger.Info("bluetooth link closed", "device", t.path, "reason", err)
	h.HandleDisconnected()
}

func (t *Transport) addCleanup(fn func()) {
	t.mu.Lock()
	t.cleanup = append(t.cleanup, fn)
	t.mu.Unlock()
}

// release runs cleanups in reverse order of registration.
func (t *Transport) release() {
	t.mu.Lock()
	cleanup := t.cleanup
	t.cleanup = nil
	t.mu.Unlock()

	for i := len(cleanup) - 1; i >= 0; i-- {
		cleanup[i]()
	}
}

// open registers a client SPP profile, asks the device to connect it and
// waits for BlueZ to deliver the RFCOMM socket.
func (t *Transport) open(ctx context.Context) (*os.File, error) {
	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	t.addCleanup(func() { _ = bus.Close() })

	prof := newProfile()
	profilePath := dbus.ObjectPath("/com/zereker/communicator/profile" + strconv.FormatUint(pathCounter.Add(1), 10))
	if err := bus.Export(prof, profilePath, profileIface); err != nil {
		return nil, fmt.Errorf("export profile: %w", err)
	}

	settings := map[string]dbus.Variant{
		"Role": dbus.MakeVariant("client"),
	}
	if t.opts.insecure {
		settings["RequireAuthentication"] = dbus.MakeVariant(false)
		settings["RequireAuthorization"] = dbus.MakeVariant(false)
	}
	pm := bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.CallWithContext(ctx, profileManagerIface+".RegisterProfile", 0, profilePath, SPPUUID, settings); call.Err != nil {
		return nil, fmt.Errorf("register profile: %w", call.Err)
	}
	t.addCleanup(func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, profilePath).Err
		_ = bus.Export(nil, profilePath, profileIface)
	})

	dev := bus.Object(bluezService, dbus.ObjectPath(t.path))
	if v, err := dev.GetProperty(deviceIface + ".Alias"); err == nil {
		if alias, ok := v.Value().(string); ok {
			t.mu.Lock()
			t.alias = alias
			t.mu.Unlock()
		}
	}

	ctx, cancel := context.WithTimeout(ctx, t.opts.connectTimeout)
	defer cancel()

	if call := dev.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, SPPUUID); call.Err != nil {
		return nil, fmt.Errorf("connect profile: %w", call.Err)
	}
	t.addCleanup(func() {
		_ = dev.Call(deviceIface+".DisconnectProfile", 0, SPPUUID).Err
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for rfcomm socket: %w", ctx.Err())
	case f := <-prof.ch:
		return f, nil
	}
}

func (t *Transport) readLoop(f *os.File, h communicator.Handler) error {
	buf := make([]byte, t.opts.readSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.HandleReadData(buf[:n])
		}
		if err != nil {
			return err
		}
	}
}

// Disconnect closes the socket and abandons a pending connect.
func (t *Transport) Disconnect() error {
	if t.closed.Swap(true) {
		return nil
	}

	t.mu.Lock()
	cancel, f := t.cancel, t.file
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

// Write sends data synchronously.
func (t *Transport) Write(data []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}

	t.mu.Lock()
	f := t.file
	t.mu.Unlock()
	if f == nil {
		return ErrClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := f.Write(data)
	return err
}
