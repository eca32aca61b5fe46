package communicator

import (
	"fmt"
	"sync"
)

// delivery is one listener callback waiting to run.
type delivery struct {
	event    string
	listener Listener
	call     func(Listener)
	done     chan struct{} // set on flush markers only
}

// dispatcher runs listener callbacks on a single goroutine in the order they
// were enqueued. The queue is unbounded so that producers, which are
// transport goroutines, never block on slow listeners.
type dispatcher struct {
	logger  Logger
	metrics *registryMetrics

	mu     sync.Mutex
	queue  []delivery
	closed bool

	signal chan struct{}
	done   chan struct{}
}

func newDispatcher(logger Logger, metrics *registryMetrics) *dispatcher {
	d := &dispatcher{
		logger:  logger,
		metrics: metrics,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// enqueue appends deliveries. It never blocks. After close it drops them.
func (d *dispatcher) enqueue(ds ...delivery) {
	if len(ds) == 0 {
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Debug("dropping events after close", "count", len(ds))
		return
	}
	d.queue = append(d.queue, ds...)
	d.mu.Unlock()

	d.metrics.queueDepth.Add(float64(len(ds)))
	d.wake()
}

func (d *dispatcher) wake() {
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// flush blocks until every delivery enqueued before the call has run.
func (d *dispatcher) flush() {
	done := make(chan struct{})

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.queue = append(d.queue, delivery{done: done})
	d.mu.Unlock()

	d.wake()
	<-done
}

// close delivers what is queued, then stops the goroutine.
func (d *dispatcher) close() {
	d.mu.Lock()
	already := d.closed
	d.closed = true
	d.mu.Unlock()

	if !already {
		d.wake()
	}
	<-d.done
}

func (d *dispatcher) run() {
	defer close(d.done)

	for range d.signal {
		for {
			d.mu.Lock()
			batch := d.queue
			d.queue = nil
			closed := d.closed
			d.mu.Unlock()

			if len(batch) == 0 {
				if closed {
					return
				}
				break
			}

			for _, dl := range batch {
				d.deliver(dl)
				if dl.done == nil {
					d.metrics.queueDepth.Dec()
				}
			}
		}
	}
}

// deliver runs one callback. A panicking listener is logged and skipped.
func (d *dispatcher) deliver(dl delivery) {
	if dl.done != nil {
		close(dl.done)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.metrics.listenerPanics.Inc()
			d.logger.Error("listener panicked", "event", dl.event,
				"listener", fmt.Sprintf("%T", dl.listener), "panic", r)
		}
	}()

	dl.call(dl.listener)
	d.metrics.delivered.WithLabelValues(dl.event).Inc()
}
