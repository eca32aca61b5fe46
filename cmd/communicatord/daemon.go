package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/communicator"
	"github.com/Zereker/communicator/config"
	"github.com/Zereker/communicator/internal/httpapi"
	"github.com/Zereker/communicator/observer"
	"github.com/Zereker/communicator/observer/influx"
	"github.com/Zereker/communicator/observer/journal"
	"github.com/Zereker/communicator/observer/mqttbridge"
	"github.com/Zereker/communicator/observer/wsfeed"
	"github.com/Zereker/communicator/protocol/robot"
	"github.com/Zereker/communicator/transport/bluetooth"
	"github.com/Zereker/communicator/transport/dummy"
	"github.com/Zereker/communicator/transport/serial"
	"github.com/Zereker/communicator/transport/tcp"
)

const drainTimeout = 5 * time.Second

// daemon holds everything run wires together.
type daemon struct {
	cfg      *config.Config
	log      *slog.Logger
	prom     *prometheus.Registry
	registry *communicator.Registry
	manager  *dummy.Manager

	sinks   []observer.Sink
	checks  map[string]httpapi.HealthChecker
	events  httpapi.EventSource
	hub     *wsfeed.Hub
	closers []func()
}

// run blocks until ctx is canceled or a server fails, then disconnects
// every device and releases the observers.
func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	d := &daemon{
		cfg:    cfg,
		log:    log,
		prom:   prometheus.NewRegistry(),
		checks: make(map[string]httpapi.HealthChecker),
	}
	defer d.close()

	d.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := d.setupRegistry(); err != nil {
		return err
	}
	if err := d.setupObservers(); err != nil {
		return err
	}

	api, err := httpapi.New(httpapi.Deps{
		Config:   cfg.HTTP,
		Logger:   log,
		Registry: d.registry,
		Gatherer: d.prom,
		Feed:     d.hub,
		Events:   d.events,
		Checks:   d.checks,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating http api: %w", err)
	}
	if err := api.Start(); err != nil {
		return err
	}
	d.onClose(func() {
		if err := api.Close(); err != nil {
			log.Error("error closing http api", "error", err)
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	if cfg.TCP.Listen != "" {
		server, err := d.newTCPServer()
		if err != nil {
			return err
		}
		g.Go(func() error {
			err := server.Serve(gctx, tcp.AcceptFunc(d.accept))
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	d.connectConfigured()
	log.Info("initialisation complete, waiting for shutdown signal")

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	err = g.Wait()

	log.Info("shutting down", "connections", d.registry.ConnectionCount(""))
	d.registry.DisconnectAll()
	d.waitDrained(drainTimeout)
	d.registry.Flush()
	return err
}

func (d *daemon) onClose(fn func()) {
	d.closers = append(d.closers, fn)
}

func (d *daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func (d *daemon) setupRegistry() error {
	types := communicator.NewTypeTree()
	if err := robot.RegisterTypes(types); err != nil {
		return fmt.Errorf("registering device types: %w", err)
	}

	d.manager = dummy.NewManager(d.log)
	for _, dc := range d.cfg.Dummy.Devices {
		frames, err := dc.DecodeFrames()
		if err != nil {
			return fmt.Errorf("dummy device %s: %w", dc.ID, err)
		}
		var opts []dummy.ScriptOption
		if iv := dc.IntervalDuration(); iv > 0 {
			opts = append(opts, dummy.Every(iv))
		}
		d.manager.Register(dummy.NewScriptedDevice(dc.ID, dc.Name, frames, opts...))
	}

	bt := []bluetooth.Option{
		bluetooth.LoggerOption(d.log),
		bluetooth.AdapterOption(d.cfg.Bluetooth.Adapter),
		bluetooth.ConnectTimeoutOption(d.cfg.Bluetooth.ConnectTimeoutDuration()),
	}

	d.registry = communicator.NewRegistry(
		communicator.TypeTreeOption(types),
		communicator.LoggerOption(d.log),
		communicator.MetricsOption(d.prom),
		communicator.DefaultConnectionOptions(
			communicator.RingBufferOption(d.cfg.Buffer.InitialCapacity, d.cfg.Buffer.MaxCapacity),
		),
		communicator.TransportFactoryOption(communicator.TCP, tcp.Factory(d.tcpOptions()...)),
		communicator.TransportFactoryOption(communicator.USBSerial,
			serial.Factory(d.cfg.Serial.Baud, serial.LoggerOption(d.log))),
		communicator.TransportFactoryOption(communicator.Dummy,
			dummy.Factory(d.manager, dummy.LoggerOption(d.log))),
		communicator.TransportFactoryOption(communicator.BluetoothSPP, bluetooth.Factory(bt...)),
		communicator.TransportFactoryOption(communicator.BluetoothSPPInsecure,
			bluetooth.Factory(append(bt, bluetooth.InsecureOption(true))...)),
	)
	d.onClose(d.registry.Close)

	return d.registry.RegisterListener(&communicator.ListenerFuncs{
		DeviceConnected: func(dev communicator.Device, _ bool) {
			d.log.Info("device connected", "device_type", dev.DeviceType(), "connection", dev.Connection().Description())
		},
		DeviceDisconnected: func(dev communicator.Device) {
			d.log.Info("device disconnected", "device_type", dev.DeviceType(), "connection", dev.Connection().Description())
		},
		FailedToConnect: func(conn *communicator.Connection, cause error) {
			if conn == nil {
				d.log.Warn("failed to connect", "error", cause)
				return
			}
			d.log.Warn("failed to connect", "connection", conn.Description(), "error", cause)
		},
	})
}

func (d *daemon) tcpOptions() []tcp.Option {
	return []tcp.Option{
		tcp.LoggerOption(d.log),
		tcp.DialTimeoutOption(d.cfg.TCP.DialTimeoutDuration()),
		tcp.IdleTimeoutOption(d.cfg.TCP.IdleTimeoutDuration()),
		tcp.BufferSizeOption(d.cfg.TCP.WriteBuffer),
	}
}

// setupObservers opens every enabled sink. The websocket feed is always on.
func (d *daemon) setupObservers() error {
	if d.cfg.Journal.Enabled {
		j, err := journal.Open(d.cfg.Journal, d.log)
		if err != nil {
			return fmt.Errorf("opening journal: %w", err)
		}
		d.onClose(func() {
			if err := j.Close(); err != nil {
				d.log.Error("error closing journal", "error", err)
			}
		})
		d.sinks = append(d.sinks, j)
		d.checks["journal"] = j
		d.events = j
		d.log.Info("journal opened", "path", j.Path())
	}

	if d.cfg.InfluxDB.Enabled {
		sink, err := influx.Connect(d.cfg.InfluxDB, d.log)
		if err != nil {
			return fmt.Errorf("connecting to influxdb: %w", err)
		}
		d.onClose(func() { sink.Close() })
		d.sinks = append(d.sinks, sink)
		d.checks["influxdb"] = sink
		d.log.Info("influxdb connected", "url", d.cfg.InfluxDB.URL, "bucket", d.cfg.InfluxDB.Bucket)
	}

	if d.cfg.MQTT.Enabled {
		client, err := mqttbridge.Connect(d.cfg.MQTT, d.log)
		if err != nil {
			return fmt.Errorf("connecting to mqtt: %w", err)
		}
		d.onClose(func() { client.Close() })
		bridge := mqttbridge.NewBridge(client, d.cfg.MQTT.TopicPrefix, byte(d.cfg.MQTT.QoS), d.log)
		d.onClose(bridge.Close)
		d.sinks = append(d.sinks, bridge)
		d.checks["mqtt"] = client
		d.log.Info("mqtt connected", "broker", fmt.Sprintf("%s:%d", d.cfg.MQTT.Broker.Host, d.cfg.MQTT.Broker.Port))
	}

	d.hub = wsfeed.NewHub(d.log)
	d.onClose(d.hub.Close)
	d.sinks = append(d.sinks, d.hub)

	return d.registry.RegisterListener(observer.NewListener(d.sinks...))
}

func (d *daemon) newController() *communicator.Controller {
	var opts []robot.Option
	if d.cfg.Robot.MinFirmware != "" || d.cfg.Robot.MaxFirmware != "" {
		opts = append(opts, robot.FirmwareRangeOption(d.cfg.Robot.MinFirmware, d.cfg.Robot.MaxFirmware))
	}
	return robot.NewController(opts...)
}

func (d *daemon) newTCPServer() (*tcp.Server, error) {
	addr, err := net.ResolveTCPAddr("tcp", d.cfg.TCP.Listen)
	if err != nil {
		return nil, fmt.Errorf("resolving tcp listen address: %w", err)
	}
	server, err := tcp.NewServer(addr,
		tcp.ServerLoggerOption(d.log),
		tcp.ServerTransportOption(d.tcpOptions()...),
	)
	if err != nil {
		return nil, fmt.Errorf("starting tcp server: %w", err)
	}
	d.onClose(func() {
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			d.log.Warn("tcp server shutdown", "error", err)
		}
	})
	return server, nil
}

func (d *daemon) accept(t *tcp.Transport) {
	if _, err := d.registry.ConnectTransport(communicator.TCP, t, d.newController()); err != nil {
		d.log.Warn("failed to register accepted connection", "remote_addr", t.RemoteAddr(), "error", err)
	}
}

// connectConfigured starts a connection for every configured endpoint.
// Failures are logged and reported to listeners; they do not stop the
// daemon.
func (d *daemon) connectConfigured() {
	connect := func(t communicator.ConnectionType, id string) {
		if _, err := d.registry.Connect(t, id, d.newController()); err != nil {
			d.log.Warn("connect failed", "connection_type", t, "identifier", id, "error", err)
		}
	}

	for _, addr := range d.cfg.TCP.Targets {
		connect(communicator.TCP, addr)
	}

	if len(d.cfg.Serial.Ports) > 0 {
		if ports, err := serial.Ports(); err == nil {
			d.log.Debug("serial ports available", "ports", ports)
		}
	}
	for _, port := range d.cfg.Serial.Ports {
		connect(communicator.USBSerial, port)
	}

	if d.cfg.Bluetooth.Enabled {
		t := communicator.BluetoothSPP
		if d.cfg.Bluetooth.Insecure {
			t = communicator.BluetoothSPPInsecure
		}
		for _, mac := range d.cfg.Bluetooth.Devices {
			connect(t, mac)
		}
	}

	for _, dev := range d.manager.Devices() {
		connect(communicator.Dummy, dev.Identifier())
	}
}

// waitDrained waits for disconnects to complete so that their events reach
// the observers before they close.
func (d *daemon) waitDrained(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for d.registry.ConnectionCount("") > 0 {
		if time.Now().After(deadline) {
			d.log.Warn("connections still open at shutdown", "connections", d.registry.ConnectionCount(""))
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}
