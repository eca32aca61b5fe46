// Package influx records registry events as InfluxDB points.
//
// Measurements:
//   - device_messages: one point per processed message, tagged with the
//     message type.
//   - device_updates: one point per device state change.
//   - device_connections: one point per lifecycle event, tagged with the
//     event name, with connected=1 only for the connected event.
//
// Writes are non-blocking and batched by the client library.
package influx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/Zereker/communicator"
	"github.com/Zereker/communicator/config"
	"github.com/Zereker/communicator/observer"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second
	defaultBatchSize      = 100
	defaultFlushInterval  = 10 * time.Second
)

var (
	ErrDisabled         = errors.New("influxdb: disabled in configuration")
	ErrConnectionFailed = errors.New("influxdb: connection failed")
	ErrNotConnected     = errors.New("influxdb: not connected")
)

// Measurement names.
const (
	MeasurementMessages    = "device_messages"
	MeasurementUpdates     = "device_updates"
	MeasurementConnections = "device_connections"
)

type pointWriter interface {
	WritePoint(p *write.Point)
	Flush()
}

// Logger is the subset of slog.Logger the sink uses.
type Logger interface {
	Warn(msg string, args ...any)
}

// Sink is an observer.Sink writing events to InfluxDB.
type Sink struct {
	client influxdb2.Client
	writer pointWriter
	logger Logger

	mu        sync.RWMutex
	connected bool
}

var _ observer.Sink = (*Sink)(nil)

// Connect creates the client, verifies the server with a ping and starts
// the asynchronous write API. Write errors are logged.
func Connect(cfg config.InfluxDBConfig, logger Logger) (*Sink, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	flushInterval := cfg.FlushIntervalDuration()
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval.Milliseconds())))

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	s := newSink(writeAPI, logger)
	s.client = client

	errs := writeAPI.Errors()
	go func() {
		for err := range errs {
			if s.logger != nil {
				s.logger.Warn("influxdb write failed", "error", err)
			}
		}
	}()
	return s, nil
}

func newSink(w pointWriter, logger Logger) *Sink {
	return &Sink{writer: w, logger: logger, connected: true}
}

// IsConnected reports whether the sink accepts writes.
func (s *Sink) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// HealthCheck pings the server.
func (s *Sink) HealthCheck(ctx context.Context) error {
	if !s.IsConnected() {
		return ErrNotConnected
	}
	if s.client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	healthy, err := s.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("influxdb health check failed: %w", err)
	}
	if !healthy {
		return errors.New("influxdb health check failed: server not healthy")
	}
	return nil
}

func (s *Sink) HandleEvent(e observer.Event) {
	if !s.IsConnected() {
		return
	}
	if p := Point(e); p != nil {
		s.writer.WritePoint(p)
	}
}

// Point converts e to the point recorded for it.
func Point(e observer.Event) *write.Point {
	tags := map[string]string{}
	addTag(tags, "device_type", e.DeviceType)
	addTag(tags, "identifier", e.Identifier)
	addTag(tags, "connection_type", e.ConnectionType)

	switch e.Kind {
	case communicator.EventMessageProcessed:
		addTag(tags, "message_type", e.MessageType)
		return write.NewPoint(MeasurementMessages, tags,
			map[string]interface{}{"count": 1, "description": e.Detail}, e.At)

	case communicator.EventUpdated:
		return write.NewPoint(MeasurementUpdates, tags,
			map[string]interface{}{"count": 1}, e.At)

	case communicator.EventStartConnecting, communicator.EventConnected,
		communicator.EventDisconnected, communicator.EventFailedToConnect:
		tags["event"] = e.Kind
		connected := 0
		if e.Kind == communicator.EventConnected {
			connected = 1
		}
		fields := map[string]interface{}{"connected": connected}
		if e.Detail != "" {
			fields["detail"] = e.Detail
		}
		return write.NewPoint(MeasurementConnections, tags, fields, e.At)
	}
	return nil
}

// Influx rejects empty tag values.
func addTag(tags map[string]string, k, v string) {
	if v != "" {
		tags[k] = v
	}
}

// Close flushes pending points and closes the client.
func (s *Sink) Close() error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	s.connected = false
	s.mu.Unlock()

	s.writer.Flush()
	if s.client != nil {
		s.client.Close()
	}
	return nil
}
