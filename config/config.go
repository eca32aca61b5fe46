// Package config loads the communicator daemon configuration from YAML with
// environment variable overrides.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration of communicatord.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Buffer    BufferConfig    `yaml:"buffer"`
	Robot     RobotConfig     `yaml:"robot"`
	TCP       TCPConfig       `yaml:"tcp"`
	Serial    SerialConfig    `yaml:"serial"`
	Bluetooth BluetoothConfig `yaml:"bluetooth"`
	Dummy     DummyConfig     `yaml:"dummy"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Journal   JournalConfig   `yaml:"journal"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// LoggingConfig selects the log handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
	Output string `yaml:"output"` // stdout or stderr
}

// BufferConfig sizes every connection's ring buffer.
type BufferConfig struct {
	InitialCapacity int `yaml:"initial_capacity"`
	MaxCapacity     int `yaml:"max_capacity"`
}

// RobotConfig restricts the robot firmware accepted.
type RobotConfig struct {
	MinFirmware string `yaml:"min_firmware"`
	MaxFirmware string `yaml:"max_firmware"`
}

// TCPConfig covers robots reached over TCP, dialing out to Targets and
// accepting on Listen.
type TCPConfig struct {
	Listen      string   `yaml:"listen"`
	Targets     []string `yaml:"targets"`
	IdleTimeout int      `yaml:"idle_timeout"` // seconds, 0 disables
	DialTimeout int      `yaml:"dial_timeout"` // seconds
	WriteBuffer int      `yaml:"write_buffer"`
}

// SerialConfig lists serial ports to open.
type SerialConfig struct {
	Ports []string `yaml:"ports"`
	Baud  int      `yaml:"baud"`
}

// BluetoothConfig lists Bluetooth SPP devices to connect.
type BluetoothConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Adapter        string   `yaml:"adapter"`
	Insecure       bool     `yaml:"insecure"`
	ConnectTimeout int      `yaml:"connect_timeout"` // seconds
	Devices        []string `yaml:"devices"`
}

// DummyConfig declares simulated devices.
type DummyConfig struct {
	Devices []DummyDeviceConfig `yaml:"devices"`
}

// DummyDeviceConfig is one simulated device. Frames are hex strings; spaces
// are ignored.
type DummyDeviceConfig struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Frames   []string `yaml:"frames"`
	Interval int      `yaml:"interval"` // milliseconds, 0 plays once
}

// MQTTConfig configures the event bridge.
type MQTTConfig struct {
	Enabled     bool             `yaml:"enabled"`
	Broker      MQTTBrokerConfig `yaml:"broker"`
	Auth        MQTTAuthConfig   `yaml:"auth"`
	QoS         int              `yaml:"qos"`
	TopicPrefix string           `yaml:"topic_prefix"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"` // seconds
}

// JournalConfig configures the SQLite event journal.
type JournalConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	BusyTimeout int    `yaml:"busy_timeout"` // seconds
}

// HTTPConfig configures the status API.
type HTTPConfig struct {
	Listen       string `yaml:"listen"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds
}

// Load reads path on top of the defaults, applies COMMUNICATOR_* environment
// overrides and validates the result. An empty path loads the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Buffer: BufferConfig{
			InitialCapacity: 128,
			MaxCapacity:     2048,
		},
		TCP: TCPConfig{
			IdleTimeout: 30,
			DialTimeout: 10,
			WriteBuffer: 16,
		},
		Serial: SerialConfig{
			Baud: 115200,
		},
		Bluetooth: BluetoothConfig{
			Adapter:        "hci0",
			ConnectTimeout: 30,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "communicatord",
			},
			QoS:         1,
			TopicPrefix: "communicator",
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Journal: JournalConfig{
			Path:        "./data/journal.db",
			BusyTimeout: 5,
		},
		HTTP: HTTPConfig{
			Listen:       ":8080",
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
	}
}

// applyEnvOverrides applies environment variable overrides. Variables follow
// the pattern COMMUNICATOR_SECTION_KEY.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("COMMUNICATOR_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("COMMUNICATOR_TCP_LISTEN"); v != "" {
		cfg.TCP.Listen = v
	}
	if v := os.Getenv("COMMUNICATOR_SERIAL_PORTS"); v != "" {
		cfg.Serial.Ports = splitList(v)
	}
	if v := os.Getenv("COMMUNICATOR_SERIAL_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Serial.Baud = n
		}
	}
	if v := os.Getenv("COMMUNICATOR_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("COMMUNICATOR_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("COMMUNICATOR_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
	if v := os.Getenv("COMMUNICATOR_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
	if v := os.Getenv("COMMUNICATOR_JOURNAL_PATH"); v != "" {
		cfg.Journal.Path = v
	}
	if v := os.Getenv("COMMUNICATOR_HTTP_LISTEN"); v != "" {
		cfg.HTTP.Listen = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, "logging.level must be debug, info, warn or error")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		errs = append(errs, "logging.format must be json or text")
	}

	if c.Buffer.InitialCapacity < 1 {
		errs = append(errs, "buffer.initial_capacity must be positive")
	}
	if c.Buffer.MaxCapacity < c.Buffer.InitialCapacity {
		errs = append(errs, "buffer.max_capacity must not be below buffer.initial_capacity")
	}

	if c.TCP.IdleTimeout < 0 {
		errs = append(errs, "tcp.idle_timeout must not be negative")
	}
	if len(c.Serial.Ports) > 0 && c.Serial.Baud < 1 {
		errs = append(errs, "serial.baud must be positive")
	}

	for i, d := range c.Dummy.Devices {
		if d.ID == "" {
			errs = append(errs, fmt.Sprintf("dummy.devices[%d].id is required", i))
		}
		if _, err := d.DecodeFrames(); err != nil {
			errs = append(errs, fmt.Sprintf("dummy.devices[%d].frames: %v", i, err))
		}
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required when mqtt is enabled")
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.org and influxdb.bucket are required when influxdb is enabled")
		}
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		errs = append(errs, "journal.path is required when the journal is enabled")
	}

	if c.HTTP.Listen == "" {
		errs = append(errs, "http.listen is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DecodeFrames parses the configured hex frames.
func (d DummyDeviceConfig) DecodeFrames() ([][]byte, error) {
	frames := make([][]byte, 0, len(d.Frames))
	for _, f := range d.Frames {
		b, err := hex.DecodeString(strings.ReplaceAll(f, " ", ""))
		if err != nil {
			return nil, fmt.Errorf("frame %q: %w", f, err)
		}
		frames = append(frames, b)
	}
	return frames, nil
}

// IntervalDuration returns the replay interval.
func (d DummyDeviceConfig) IntervalDuration() time.Duration {
	return time.Duration(d.Interval) * time.Millisecond
}

// IdleTimeoutDuration returns the TCP idle timeout.
func (c TCPConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(c.IdleTimeout) * time.Second
}

// DialTimeoutDuration returns the TCP dial timeout.
func (c TCPConfig) DialTimeoutDuration() time.Duration {
	return time.Duration(c.DialTimeout) * time.Second
}

// ConnectTimeoutDuration returns the Bluetooth connect timeout.
func (c BluetoothConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Second
}

// FlushIntervalDuration returns the InfluxDB flush interval.
func (c InfluxDBConfig) FlushIntervalDuration() time.Duration {
	return time.Duration(c.FlushInterval) * time.Second
}

// BusyTimeoutDuration returns the SQLite busy timeout.
func (c JournalConfig) BusyTimeoutDuration() time.Duration {
	return time.Duration(c.BusyTimeout) * time.Second
}

// ReadTimeoutDuration returns the HTTP read timeout.
func (c HTTPConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(c.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the HTTP write timeout.
func (c HTTPConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(c.WriteTimeout) * time.Second
}
