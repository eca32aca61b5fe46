// Command robot runs a simulated robot on a local TCP port and drives it
// through a communicator registry.
package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Zereker/communicator"
	"github.com/Zereker/communicator/protocol/robot"
	"github.com/Zereker/communicator/transport/tcp"
)

// tracingController is a robot controller that logs every frame after the
// robot has processed it.
func tracingController() *communicator.Controller {
	ctrl := robot.NewController()
	ctrl.AddAfter(func(conn *communicator.Connection, m communicator.Message) (bool, error) {
		slog.Info("traced", "connection", conn.ID(), "type", m.MessageType())
		return false, nil
	})
	return ctrl
}

// simulate accepts robot hosts on l. Each host gets a firmware announcement
// and a button press, and every wheel command is answered with a proximity
// report carrying the wheel speeds.
func simulate(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()

			hello := []byte{
				robot.Header, robot.IDFirmwareVersion, 1, 2, 0,
				robot.Header, robot.IDButtonPressed, 1,
			}
			if _, err := conn.Write(hello); err != nil {
				return
			}

			var pending []byte
			buf := make([]byte, 256)
			for {
				n, err := conn.Read(buf)
				if err != nil {
					return
				}
				pending = append(pending, buf[:n]...)
				for len(pending) >= 4 {
					if pending[0] != robot.Header || pending[1] != robot.IDOperateWheels {
						pending = pending[1:]
						continue
					}
					reply := []byte{robot.Header, robot.IDProximityReport, pending[2], pending[3]}
					if _, err := conn.Write(reply); err != nil {
						return
					}
					pending = pending[4:]
				}
			}
		}()
	}
}

func main() {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		slog.Error("failed to listen", "error", err)
		os.Exit(1)
	}
	defer l.Close()
	go simulate(l)
	slog.Info("robot simulator started", "addr", l.Addr().String())

	types := communicator.NewTypeTree()
	if err := robot.RegisterTypes(types); err != nil {
		slog.Error("failed to register types", "error", err)
		os.Exit(1)
	}

	registry := communicator.NewRegistry(
		communicator.TypeTreeOption(types),
		communicator.TransportFactoryOption(communicator.TCP, tcp.Factory()),
	)
	defer registry.Close()

	var swap sync.Once
	err = registry.RegisterListener(&communicator.ListenerFuncs{
		Type: robot.DeviceType,
		DeviceConnected: func(d communicator.Device, _ bool) {
			slog.Info("robot connected", "connection", d.Connection().Description())
			if err := d.(*robot.Robot).Drive(40, -40); err != nil {
				slog.Error("drive failed", "error", err)
			}
		},
		DeviceMessageProcessed: func(d communicator.Device, m communicator.Message) {
			slog.Info("message", "description", m.Description())
		},
		DeviceUpdated: func(d communicator.Device) {
			slog.Info("robot updated", "state", d.(*robot.Robot).State())
			swap.Do(func() {
				// Buffered bytes survive the swap and are decoded by the new controller.
				if err := d.Connection().ReplaceController(tracingController()); err != nil {
					slog.Error("replace controller failed", "error", err)
				}
			})
		},
		DeviceDisconnected: func(d communicator.Device) {
			slog.Info("robot disconnected", "connection", d.Connection().Description())
		},
	})
	if err != nil {
		slog.Error("failed to register listener", "error", err)
		os.Exit(1)
	}

	ctrl := robot.NewController(robot.FirmwareRangeOption("1.0.0", "2.0.0"))
	if _, err := registry.Connect(communicator.TCP, l.Addr().String(), ctrl); err != nil {
		slog.Error("failed to connect", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	slog.Info("shutting down")
	registry.DisconnectAll()
	registry.Flush()
}
