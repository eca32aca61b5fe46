package robot

import (
	"sync"

	"github.com/Zereker/communicator"
)

// DeviceType is the device type of robots.
const DeviceType communicator.DeviceType = "robot"

// RegisterTypes declares the robot device type in tree.
func RegisterTypes(tree *communicator.TypeTree) error {
	return tree.Register(DeviceType, communicator.DeviceTypeAny)
}

// State is a snapshot of what a robot has reported.
type State struct {
	LastButton int    `json:"last_button"` // -1 until a button is pressed
	Presses    int    `json:"presses"`
	Left       byte   `json:"proximity_left"`
	Right      byte   `json:"proximity_right"`
	Firmware   string `json:"firmware,omitempty"`
}

// Robot is the device behind a robot connection.
type Robot struct {
	communicator.BaseDevice

	mu    sync.RWMutex
	state State
}

// NewRobot is the communicator.DeviceFactory of robots.
func NewRobot(conn *communicator.Connection) (communicator.Device, error) {
	return &Robot{
		BaseDevice: communicator.NewBaseDevice(conn, DeviceType),
		state:      State{LastButton: -1},
	}, nil
}

// ProcessMessage applies reports to the robot state. It reports whether the
// state changed.
func (r *Robot) ProcessMessage(m communicator.Message) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch msg := m.(type) {
	case *ButtonPressed:
		r.state.LastButton = int(msg.Button)
		r.state.Presses++
		return true, nil
	case *ProximityReport:
		if r.state.Left == msg.Left && r.state.Right == msg.Right {
			return false, nil
		}
		r.state.Left, r.state.Right = msg.Left, msg.Right
		return true, nil
	case *FirmwareVersion:
		v := msg.Version()
		if r.state.Firmware == v {
			return false, nil
		}
		r.state.Firmware = v
		return true, nil
	}
	return false, nil
}

// State returns a copy of the current state.
func (r *Robot) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Snapshot returns State as an opaque value for status endpoints.
func (r *Robot) Snapshot() any {
	return r.State()
}

// Drive sends wheel speeds to the robot.
func (r *Robot) Drive(left, right int8) error {
	return r.Connection().SendMessage(&OperateWheels{Left: left, Right: right})
}

type controllerOptions struct {
	minFirmware, maxFirmware string
	opts                     []communicator.ControllerOption
}

// Option configures NewController.
type Option func(*controllerOptions)

// FirmwareRangeOption rejects robots whose announced firmware is outside
// [min, max]. Such a robot is disconnected.
func FirmwareRangeOption(min, max string) Option {
	return func(o *controllerOptions) {
		o.minFirmware, o.maxFirmware = min, max
	}
}

// ControllerOptions passes options through to the communicator controller.
func ControllerOptions(opts ...communicator.ControllerOption) Option {
	return func(o *controllerOptions) {
		o.opts = append(o.opts, opts...)
	}
}

// NewController returns a controller that decodes robot frames into a Robot.
func NewController(opts ...Option) *communicator.Controller {
	var o controllerOptions
	for _, opt := range opts {
		opt(&o)
	}

	ctrl := communicator.NewController(DeviceType, NewRobot, NewCodec(), o.opts...)
	if o.minFirmware != "" || o.maxFirmware != "" {
		lo, hi := o.minFirmware, o.maxFirmware
		if lo == "" {
			lo = "0"
		}
		if hi == "" {
			hi = "255.255.255"
		}
		ctrl.AddBefore(communicator.VersionGate(lo, hi, firmwareOf))
	}
	return ctrl
}

func firmwareOf(m communicator.Message) (string, bool) {
	fw, ok := m.(*FirmwareVersion)
	if !ok {
		return "", false
	}
	return fw.Version(), true
}
