package dummy

import (
	"sync"
	"time"
)

// ScriptOption configures a ScriptedDevice.
type ScriptOption func(*ScriptedDevice)

// Every repeats the script with the given pause between frames until the
// device is stopped. Without it the script plays once.
func Every(interval time.Duration) ScriptOption {
	return func(d *ScriptedDevice) {
		d.interval = interval
	}
}

// RespondWith sets a function that answers host writes with frames.
func RespondWith(fn func(data []byte) [][]byte) ScriptOption {
	return func(d *ScriptedDevice) {
		d.respond = fn
	}
}

// ScriptedDevice is a PhysicalDevice that plays fixed frames once started
// and records what the host writes.
type ScriptedDevice struct {
	id       string
	name     string
	frames   [][]byte
	interval time.Duration
	respond  func(data []byte) [][]byte

	mu       sync.Mutex
	send     func([]byte)
	stop     chan struct{}
	wg       sync.WaitGroup
	received [][]byte
}

// NewScriptedDevice returns a device that sends frames in order on start.
func NewScriptedDevice(id, name string, frames [][]byte, opts ...ScriptOption) *ScriptedDevice {
	d := &ScriptedDevice{id: id, name: name, frames: frames}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *ScriptedDevice) Identifier() string { return d.id }
func (d *ScriptedDevice) Name() string       { return d.name }

// Start plays the script.
func (d *ScriptedDevice) Start(send func([]byte)) {
	d.mu.Lock()
	d.send = send
	d.mu.Unlock()

	if d.interval <= 0 {
		for _, f := range d.frames {
			send(f)
		}
		return
	}
	if len(d.frames) == 0 {
		return
	}

	stop := make(chan struct{})
	d.mu.Lock()
	d.stop = stop
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for i := 0; ; i = (i + 1) % len(d.frames) {
			send(d.frames[i])
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop ends a repeating script and waits for it.
func (d *ScriptedDevice) Stop() {
	d.mu.Lock()
	stop := d.stop
	d.stop = nil
	d.send = nil
	d.mu.Unlock()

	if stop != nil {
		close(stop)
		d.wg.Wait()
	}
}

// Receive records data and sends any response frames.
func (d *ScriptedDevice) Receive(data []byte) {
	d.mu.Lock()
	d.received = append(d.received, data)
	send := d.send
	d.mu.Unlock()

	if d.respond == nil || send == nil {
		return
	}
	for _, f := range d.respond(data) {
		send(f)
	}
}

// Received returns the writes seen so far.
func (d *ScriptedDevice) Received() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.received...)
}
