package communicator

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
)

const (
	typeSensor      DeviceType = "sensor"
	typeThermometer DeviceType = "thermometer"
	typeCamera      DeviceType = "camera"
)

// valueMessage carries one byte. Wire id 0x01.
type valueMessage struct {
	v byte
}

func (m *valueMessage) MessageType() MessageType { return "value" }

func (m *valueMessage) EncodePayload() ([]byte, error) { return []byte{m.v}, nil }

func (m *valueMessage) DecodePayload(data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("want 1 byte, got %d", len(data))
	}
	m.v = data[0]
	return nil
}

func (m *valueMessage) Description() string { return "value(" + strconv.Itoa(int(m.v)) + ")" }

// versionMessage carries a major version. Wire id 0x02.
type versionMessage struct {
	major byte
}

func (m *versionMessage) MessageType() MessageType { return "version" }

func (m *versionMessage) EncodePayload() ([]byte, error) { return []byte{m.major}, nil }

func (m *versionMessage) DecodePayload(data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("want 1 byte, got %d", len(data))
	}
	m.major = data[0]
	return nil
}

func (m *versionMessage) Description() string { return "version(" + strconv.Itoa(int(m.major)) + ")" }

func (m *versionMessage) version() string { return strconv.Itoa(int(m.major)) + ".0" }

// brokenMessage fails to decode. Wire id 0x03.
type brokenMessage struct{}

func (m *brokenMessage) MessageType() MessageType       { return "broken" }
func (m *brokenMessage) EncodePayload() ([]byte, error) { return nil, errors.New("cannot encode") }
func (m *brokenMessage) DecodePayload([]byte) error     { return errors.New("cannot decode") }
func (m *brokenMessage) Description() string            { return "broken" }

// unmappedMessage has no wire id.
type unmappedMessage struct{}

func (m *unmappedMessage) MessageType() MessageType       { return "unmapped" }
func (m *unmappedMessage) EncodePayload() ([]byte, error) { return nil, nil }
func (m *unmappedMessage) DecodePayload([]byte) error     { return nil }
func (m *unmappedMessage) Description() string            { return "unmapped" }

func newTestTable() *MessageTable {
	table := NewMessageTable()
	table.MustRegister([]byte{0x01}, "value", func() Message { return &valueMessage{} })
	table.MustRegister([]byte{0x02}, "version", func() Message { return &versionMessage{} })
	table.MustRegister([]byte{0x03}, "broken", func() Message { return &brokenMessage{} })
	return table
}

// frameCodec frames every message as header | id | one payload byte.
type frameCodec struct {
	PayloadDecoder
	PayloadEncoder
	header byte
}

func newFrameCodec(header byte) *frameCodec {
	table := newTestTable()
	return &frameCodec{
		PayloadDecoder: PayloadDecoder{Mapper: table},
		PayloadEncoder: PayloadEncoder{Mapper: table},
		header:         header,
	}
}

func (c *frameCodec) DecodeMessage(buf *RingBuffer) (Message, error) {
	for buf.ContentSize() > 0 {
		b, _ := buf.Peek(0)
		if b == c.header {
			break
		}
		_ = buf.Consume(1)
	}
	if buf.ContentSize() < 3 {
		return nil, nil
	}
	frame, err := buf.Read(3)
	if err != nil {
		return nil, err
	}
	return c.DecodePayload(frame[1:2], frame, 2, 1)
}

func (c *frameCodec) EncodeMessage(m Message) ([]byte, error) {
	return c.Encode(m, func(id, payload []byte) []byte {
		out := append([]byte{c.header}, id...)
		return append(out, payload...)
	})
}

// stuckCodec fails without consuming anything.
type stuckCodec struct {
	calls int
}

func (c *stuckCodec) DecodeMessage(*RingBuffer) (Message, error) {
	c.calls++
	return nil, errors.New("stuck")
}

func (c *stuckCodec) EncodeMessage(Message) ([]byte, error) { return nil, errors.New("stuck") }

// testDevice records the values it receives.
type testDevice struct {
	BaseDevice

	mu       sync.Mutex
	values   []byte
	failNext error
}

func newTestDevice(t DeviceType) DeviceFactory {
	return func(conn *Connection) (Device, error) {
		return &testDevice{BaseDevice: NewBaseDevice(conn, t)}, nil
	}
}

func (d *testDevice) ProcessMessage(m Message) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.failNext; err != nil {
		d.failNext = nil
		return false, err
	}
	if v, ok := m.(*valueMessage); ok {
		d.values = append(d.values, v.v)
		return true, nil
	}
	return false, nil
}

func (d *testDevice) received() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.values...)
}

// mockTransport records writes and drives its handler synchronously.
type mockTransport struct {
	id   string
	name string

	connectErr  error
	autoConnect bool

	mu          sync.Mutex
	handler     Handler
	written     [][]byte
	disconnects int
}

func newMockTransport(id string) *mockTransport {
	return &mockTransport{id: id, name: "mock-" + id, autoConnect: true}
}

func (t *mockTransport) Connect(h Handler) error {
	if t.connectErr != nil {
		return t.connectErr
	}
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()

	if t.autoConnect {
		h.HandleConnecting()
		h.HandleConnected()
	}
	return nil
}

func (t *mockTransport) Disconnect() error {
	t.mu.Lock()
	t.disconnects++
	h := t.handler
	t.mu.Unlock()

	if h != nil {
		h.HandleDisconnected()
	}
	return nil
}

func (t *mockTransport) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.written = append(t.written, append([]byte(nil), data...))
	return nil
}

func (t *mockTransport) DeviceIdentifier() string { return t.id }
func (t *mockTransport) DeviceName() string       { return t.name }

func (t *mockTransport) disconnectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnects
}

func (t *mockTransport) writes() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.written...)
}

// recordingListener records events as "event:identifier[:detail]".
type recordingListener struct {
	typ DeviceType

	mu     sync.Mutex
	events []string
}

func newRecordingListener(t DeviceType) *recordingListener {
	return &recordingListener{typ: t}
}

func (l *recordingListener) DeviceType() DeviceType { return l.typ }

func (l *recordingListener) add(format string, args ...any) {
	l.mu.Lock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *recordingListener) OnStartConnecting(conn *Connection) {
	l.add("connecting:%s", conn.DeviceIdentifier())
}

func (l *recordingListener) OnFailedToConnect(conn *Connection, cause error) {
	id := ""
	if conn != nil {
		id = conn.DeviceIdentifier()
	}
	l.add("failed:%s", id)
}

func (l *recordingListener) OnDeviceConnected(d Device, alreadyExisting bool) {
	l.add("connected:%s:%t", d.Connection().DeviceIdentifier(), alreadyExisting)
}

func (l *recordingListener) OnDeviceDisconnected(d Device) {
	l.add("disconnected:%s", d.Connection().DeviceIdentifier())
}

func (l *recordingListener) OnDeviceMessageProcessed(d Device, m Message) {
	l.add("message:%s:%s", d.Connection().DeviceIdentifier(), m.Description())
}

func (l *recordingListener) OnDeviceUpdated(d Device) {
	l.add("updated:%s", d.Connection().DeviceIdentifier())
}

func (l *recordingListener) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *recordingListener) reset() {
	l.mu.Lock()
	l.events = nil
	l.mu.Unlock()
}

// mockLogger counts log calls by level.
type mockLogger struct {
	mu     sync.Mutex
	counts map[string]int
}

func newMockLogger() *mockLogger {
	return &mockLogger{counts: make(map[string]int)}
}

func (l *mockLogger) log(level string) {
	l.mu.Lock()
	l.counts[level]++
	l.mu.Unlock()
}

func (l *mockLogger) Debug(msg string, args ...any) { l.log("debug") }
func (l *mockLogger) Info(msg string, args ...any)  { l.log("info") }
func (l *mockLogger) Warn(msg string, args ...any)  { l.log("warn") }
func (l *mockLogger) Error(msg string, args ...any) { l.log("error") }

func (l *mockLogger) count(level string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[level]
}

func newTestTypeTree() *TypeTree {
	types := NewTypeTree()
	types.MustRegister(typeSensor, DeviceTypeAny)
	types.MustRegister(typeThermometer, typeSensor)
	types.MustRegister(typeCamera, DeviceTypeAny)
	return types
}

func newTestRegistry(t *testing.T, opts ...RegistryOption) *Registry {
	t.Helper()
	opts = append([]RegistryOption{TypeTreeOption(newTestTypeTree()), LoggerOption(newMockLogger())}, opts...)
	r := NewRegistry(opts...)
	t.Cleanup(r.Close)
	return r
}

// connectTest connects a mock transport with a frame controller for t.
func connectTest(t *testing.T, r *Registry, id string, dt DeviceType, opts ...ControllerOption) (*Connection, *mockTransport) {
	t.Helper()

	tr := newMockTransport(id)
	ctrl := NewController(dt, newTestDevice(dt), newFrameCodec(0x9D), opts...)
	conn, err := r.ConnectTransport(Dummy, tr, ctrl)
	if err != nil {
		t.Fatalf("ConnectTransport failed: %v", err)
	}
	if !conn.IsConnected() {
		t.Fatalf("connection %s not connected: %s", id, conn.Status())
	}
	return conn, tr
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
