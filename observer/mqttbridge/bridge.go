package mqttbridge

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/Zereker/communicator/observer"
)

const (
	defaultPrefix    = "communicator"
	defaultQueueSize = 256
	unknownSegment   = "unknown"
)

// Publisher is the part of Client the bridge needs.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// StatusTopic is where the daemon's online and offline status is retained.
func StatusTopic(prefix string) string {
	return topicPrefix(prefix) + "/status"
}

// Topic returns <prefix>/<device type>/<identifier>/<event> for e. Missing
// segments read "unknown" and MQTT wildcard or separator characters inside
// a segment become underscores.
func Topic(prefix string, e observer.Event) string {
	return strings.Join([]string{
		topicPrefix(prefix),
		segment(e.DeviceType),
		segment(e.Identifier),
		segment(e.Kind),
	}, "/")
}

func topicPrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return defaultPrefix
	}
	return prefix
}

var segmentReplacer = strings.NewReplacer("/", "_", "+", "_", "#", "_")

func segment(s string) string {
	if s == "" {
		return unknownSegment
	}
	return segmentReplacer.Replace(s)
}

// Bridge is an observer.Sink that publishes every event as JSON. Events are
// queued and published from a goroutine of its own so that a slow broker
// never stalls listener delivery; when the queue is full the event is
// dropped with a warning.
type Bridge struct {
	pub    Publisher
	prefix string
	qos    byte
	logger Logger

	queue chan observer.Event
	done  chan struct{}
	once  sync.Once
}

var _ observer.Sink = (*Bridge)(nil)

// NewBridge starts a bridge publishing through pub.
func NewBridge(pub Publisher, prefix string, qos byte, logger Logger) *Bridge {
	b := &Bridge{
		pub:    pub,
		prefix: prefix,
		qos:    qos,
		logger: logger,
		queue:  make(chan observer.Event, defaultQueueSize),
		done:   make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bridge) HandleEvent(e observer.Event) {
	select {
	case b.queue <- e:
	default:
		if b.logger != nil {
			b.logger.Warn("mqtt bridge queue full, dropping event", "event", e.Kind, "identifier", e.Identifier)
		}
	}
}

func (b *Bridge) run() {
	defer close(b.done)
	for e := range b.queue {
		b.publish(e)
	}
}

func (b *Bridge) publish(e observer.Event) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Error("mqtt publish panic recovered", "event", e.Kind, "panic", r)
		}
	}()

	payload, err := json.Marshal(e)
	if err != nil {
		if b.logger != nil {
			b.logger.Error("failed to marshal event", "event", e.Kind, "error", err)
		}
		return
	}
	topic := Topic(b.prefix, e)
	if err := b.pub.Publish(topic, payload, b.qos, false); err != nil && b.logger != nil {
		b.logger.Warn("failed to publish event", "topic", topic, "error", err)
	}
}

// Close publishes what is queued and stops the bridge. HandleEvent must not
// be called afterwards.
func (b *Bridge) Close() {
	b.once.Do(func() { close(b.queue) })
	<-b.done
}
