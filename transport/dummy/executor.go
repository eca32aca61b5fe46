package dummy

import "sync"

// executor runs tasks one at a time, in submission order, on its own
// goroutine. submit never blocks, so tasks may submit further tasks.
type executor struct {
	mu      sync.Mutex
	queue   []func()
	signal  chan struct{}
	stopped bool
	done    chan struct{}
}

func newExecutor() *executor {
	e := &executor{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go e.run()
	return e
}

// submit queues task. It reports false once the executor is stopping.
func (e *executor) submit(task func()) bool {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, task)
	e.mu.Unlock()

	select {
	case e.signal <- struct{}{}:
	default:
	}
	return true
}

// stop lets queued tasks finish, then ends the goroutine.
func (e *executor) stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	select {
	case e.signal <- struct{}{}:
	default:
	}
}

func (e *executor) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		tasks := e.queue
		e.queue = nil
		stopped := e.stopped
		e.mu.Unlock()

		for _, task := range tasks {
			task()
		}
		if len(tasks) > 0 {
			continue
		}
		if stopped {
			return
		}
		<-e.signal
	}
}
