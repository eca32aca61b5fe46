// Package robot implements the wire protocol of a simple wheeled robot
// with buttons and proximity sensors.
//
// Every frame is the header byte 0x9D, a one byte message id and a payload
// whose length is fixed per id.
package robot

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/Zereker/communicator"
)

// Header starts every frame.
const Header byte = 0x9D

// Message ids.
const (
	IDButtonPressed   byte = 0x01
	IDProximityReport byte = 0x02
	IDOperateWheels   byte = 0x03
	IDFirmwareVersion byte = 0x04
)

// Message types.
const (
	TypeButtonPressed   communicator.MessageType = "robot.button_pressed"
	TypeProximityReport communicator.MessageType = "robot.proximity_report"
	TypeOperateWheels   communicator.MessageType = "robot.operate_wheels"
	TypeFirmwareVersion communicator.MessageType = "robot.firmware_version"
)

// payloadSizes is the payload length of each id.
var payloadSizes = map[byte]int{
	IDButtonPressed:   1,
	IDProximityReport: 2,
	IDOperateWheels:   2,
	IDFirmwareVersion: 3,
}

func checkSize(data []byte, want int) error {
	if len(data) != want {
		return errors.Errorf("payload is %d bytes, want %d", len(data), want)
	}
	return nil
}

// ButtonPressed is sent by the robot when one of its buttons is pressed.
type ButtonPressed struct {
	Button byte
}

func (m *ButtonPressed) MessageType() communicator.MessageType { return TypeButtonPressed }

func (m *ButtonPressed) EncodePayload() ([]byte, error) { return []byte{m.Button}, nil }

func (m *ButtonPressed) DecodePayload(data []byte) error {
	if err := checkSize(data, 1); err != nil {
		return err
	}
	m.Button = data[0]
	return nil
}

func (m *ButtonPressed) Description() string {
	return fmt.Sprintf("ButtonPressed(button=%d)", m.Button)
}

// ProximityReport carries the left and right proximity sensor readings.
type ProximityReport struct {
	Left, Right byte
}

func (m *ProximityReport) MessageType() communicator.MessageType { return TypeProximityReport }

func (m *ProximityReport) EncodePayload() ([]byte, error) { return []byte{m.Left, m.Right}, nil }

func (m *ProximityReport) DecodePayload(data []byte) error {
	if err := checkSize(data, 2); err != nil {
		return err
	}
	m.Left, m.Right = data[0], data[1]
	return nil
}

func (m *ProximityReport) Description() string {
	return fmt.Sprintf("ProximityReport(left=%d, right=%d)", m.Left, m.Right)
}

// OperateWheels sets the wheel speeds. Negative values drive backwards.
type OperateWheels struct {
	Left, Right int8
}

func (m *OperateWheels) MessageType() communicator.MessageType { return TypeOperateWheels }

func (m *OperateWheels) EncodePayload() ([]byte, error) {
	return []byte{byte(m.Left), byte(m.Right)}, nil
}

func (m *OperateWheels) DecodePayload(data []byte) error {
	if err := checkSize(data, 2); err != nil {
		return err
	}
	m.Left, m.Right = int8(data[0]), int8(data[1])
	return nil
}

func (m *OperateWheels) Description() string {
	return fmt.Sprintf("OperateWheels(left=%d, right=%d)", m.Left, m.Right)
}

// FirmwareVersion is announced by the robot after connecting.
type FirmwareVersion struct {
	Major, Minor, Patch byte
}

func (m *FirmwareVersion) MessageType() communicator.MessageType { return TypeFirmwareVersion }

func (m *FirmwareVersion) EncodePayload() ([]byte, error) {
	return []byte{m.Major, m.Minor, m.Patch}, nil
}

func (m *FirmwareVersion) DecodePayload(data []byte) error {
	if err := checkSize(data, 3); err != nil {
		return err
	}
	m.Major, m.Minor, m.Patch = data[0], data[1], data[2]
	return nil
}

// Version formats the version as major.minor.patch.
func (m *FirmwareVersion) Version() string {
	return fmt.Sprintf("%d.%d.%d", m.Major, m.Minor, m.Patch)
}

func (m *FirmwareVersion) Description() string {
	return "FirmwareVersion(" + m.Version() + ")"
}

// NewTable returns the id mapping of the robot protocol.
func NewTable() *communicator.MessageTable {
	t := communicator.NewMessageTable()
	t.MustRegister([]byte{IDButtonPressed}, TypeButtonPressed, func() communicator.Message { return &ButtonPressed{} })
	t.MustRegister([]byte{IDProximityReport}, TypeProximityReport, func() communicator.Message { return &ProximityReport{} })
	t.MustRegister([]byte{IDOperateWheels}, TypeOperateWheels, func() communicator.Message { return &OperateWheels{} })
	t.MustRegister([]byte{IDFirmwareVersion}, TypeFirmwareVersion, func() communicator.Message { return &FirmwareVersion{} })
	return t
}
