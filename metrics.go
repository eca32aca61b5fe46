package communicator

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// registryMetrics holds the prometheus collectors of one registry.
// They are always allocated; registration happens only with MetricsOption.
// Gauges only move by deltas, so registries sharing a Registerer add up.
type registryMetrics struct {
	connections    prometheus.Gauge       // Connections tracked by the registry
	listeners      prometheus.Gauge       // Registered listeners
	delivered      *prometheus.CounterVec // Listener callbacks run, by event
	listenerPanics prometheus.Counter     // Listener callbacks that panicked
	queueDepth     prometheus.Gauge       // Deliveries waiting for the dispatcher

	decodeErrors  prometheus.Counter // Decoder failures
	processErrors prometheus.Counter // Failures while processing decoded messages
}

func newRegistryMetrics(reg prometheus.Registerer) (*registryMetrics, error) {
	m := &registryMetrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "communicator",
			Subsystem: "registry",
			Name:      "connections",
			Help:      "Number of connections tracked by the registry",
		}),
		listeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "communicator",
			Subsystem: "registry",
			Name:      "listeners",
			Help:      "Number of registered listeners",
		}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "communicator",
			Subsystem: "registry",
			Name:      "events_delivered_total",
			Help:      "Total listener callbacks delivered",
		}, []string{"event"}),
		listenerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "communicator",
			Subsystem: "registry",
			Name:      "listener_panics_total",
			Help:      "Total listener callbacks that panicked",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "communicator",
			Subsystem: "registry",
			Name:      "delivery_queue_depth",
			Help:      "Listener callbacks waiting to be delivered",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "communicator",
			Subsystem: "controller",
			Name:      "decode_errors_total",
			Help:      "Total decoder failures",
		}),
		processErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "communicator",
			Subsystem: "controller",
			Name:      "process_errors_total",
			Help:      "Total failures while processing decoded messages",
		}),
	}

	if reg == nil {
		return m, nil
	}

	var err error
	if m.connections, err = register(reg, m.connections); err != nil {
		return nil, err
	}
	if m.listeners, err = register(reg, m.listeners); err != nil {
		return nil, err
	}
	if m.delivered, err = register(reg, m.delivered); err != nil {
		return nil, err
	}
	if m.listenerPanics, err = register(reg, m.listenerPanics); err != nil {
		return nil, err
	}
	if m.queueDepth, err = register(reg, m.queueDepth); err != nil {
		return nil, err
	}
	if m.decodeErrors, err = register(reg, m.decodeErrors); err != nil {
		return nil, err
	}
	if m.processErrors, err = register(reg, m.processErrors); err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg. When an identical collector is already there,
// that one is returned so registries sharing reg report into the same series.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing, nil
		}
	}
	return c, err
}
