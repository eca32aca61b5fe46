package observer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zereker/communicator"
	"github.com/Zereker/communicator/protocol/robot"
)

type fakeDevice struct {
	communicator.BaseDevice
}

func (d *fakeDevice) ProcessMessage(communicator.Message) (bool, error) { return false, nil }

type fakeMessage struct{}

func (fakeMessage) MessageType() communicator.MessageType { return "test.ping" }
func (fakeMessage) EncodePayload() ([]byte, error)        { return nil, nil }
func (fakeMessage) DecodePayload([]byte) error            { return nil }
func (fakeMessage) Description() string                   { return "Ping()" }

func collect() (*[]Event, Sink) {
	var events []Event
	return &events, SinkFunc(func(e Event) { events = append(events, e) })
}

func TestListener_FansOut(t *testing.T) {
	first, s1 := collect()
	second, s2 := collect()
	l := NewListener(s1, s2)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	d := &fakeDevice{BaseDevice: communicator.NewBaseDevice(nil, "robot")}
	l.OnDeviceConnected(d, true)
	l.OnDeviceMessageProcessed(d, fakeMessage{})
	l.OnDeviceUpdated(d)
	l.OnDeviceDisconnected(d)

	require.Len(t, *first, 4)
	assert.Equal(t, *first, *second)

	kinds := make([]string, 0, 4)
	for _, e := range *first {
		kinds = append(kinds, e.Kind)
		assert.NotEmpty(t, e.ID)
		assert.Equal(t, fixed, e.At)
		assert.Equal(t, "robot", e.DeviceType)
	}
	assert.Equal(t, []string{
		communicator.EventConnected,
		communicator.EventMessageProcessed,
		communicator.EventUpdated,
		communicator.EventDisconnected,
	}, kinds)

	assert.Equal(t, "already connected", (*first)[0].Detail)
	assert.Equal(t, "test.ping", (*first)[1].MessageType)
	assert.Equal(t, "Ping()", (*first)[1].Detail)
	assert.NotEqual(t, (*first)[0].ID, (*first)[1].ID)
}

func TestListener_ConnectionEventsWithoutConnection(t *testing.T) {
	events, s := collect()
	l := NewListener(s)

	l.OnStartConnecting(nil)
	l.OnFailedToConnect(nil, errors.New("no route"))
	l.OnFailedToConnect(nil, nil)

	require.Len(t, *events, 3)
	assert.Equal(t, communicator.EventStartConnecting, (*events)[0].Kind)
	assert.Equal(t, "no route", (*events)[1].Detail)
	assert.Empty(t, (*events)[2].Detail)
}

func TestListener_ForType(t *testing.T) {
	l := NewListener()
	assert.Equal(t, communicator.DeviceTypeAny, l.DeviceType())
	assert.Equal(t, communicator.DeviceType("robot"), l.ForType("robot").DeviceType())
}

func TestListener_WithRegistry(t *testing.T) {
	tree := communicator.NewTypeTree()
	require.NoError(t, robot.RegisterTypes(tree))
	r := communicator.NewRegistry(communicator.TypeTreeOption(tree))
	defer r.Close()

	events, s := collect()
	require.NoError(t, r.RegisterListener(NewListener(s)))

	_, err := r.Connect(communicator.TCP, "10.0.0.1:7000", robot.NewController())
	require.Error(t, err)
	r.Flush()

	require.Len(t, *events, 1)
	assert.Equal(t, communicator.EventFailedToConnect, (*events)[0].Kind)
	assert.Contains(t, (*events)[0].Detail, "unsupported connection type")
	assert.Empty(t, (*events)[0].Identifier)
}
