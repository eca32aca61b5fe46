package tcp

import (
	"log/slog"
	"time"

	"github.com/Zereker/communicator"
)

// Default configuration values.
const (
	// defaultBufferSize is the number of pending writes a transport queues.
	defaultBufferSize = 16
	// defaultReadSize is the size of a single read from the socket.
	defaultReadSize = 512
	// defaultDialTimeout bounds how long Connect waits for the remote end.
	defaultDialTimeout = 10 * time.Second
	// defaultIdleTimeout is the idle timeout. Reads time out after twice this value.
	defaultIdleTimeout = 30 * time.Second
)

type options struct {
	logger      communicator.Logger
	name        string
	bufferSize  int
	readSize    int
	dialTimeout time.Duration
	idleTimeout time.Duration
}

// Option configures a Transport.
type Option func(*options)

// LoggerOption sets the transport logger.
func LoggerOption(logger communicator.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// NameOption sets the human readable device name reported by DeviceName.
func NameOption(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// BufferSizeOption sets the size of the write queue. Write returns
// ErrBufferFull once it is exhausted.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// ReadSizeOption sets the size of a single socket read.
func ReadSizeOption(size int) Option {
	return func(o *options) {
		o.readSize = size
	}
}

// DialTimeoutOption bounds how long Connect waits for the dial.
func DialTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = timeout
	}
}

// IdleTimeoutOption sets the idle timeout. A link that receives nothing for
// twice this duration is dropped. Zero disables the deadline.
func IdleTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = timeout
	}
}

func newOptions(opts []Option) options {
	o := options{
		bufferSize:  defaultBufferSize,
		readSize:    defaultReadSize,
		dialTimeout: defaultDialTimeout,
		idleTimeout: defaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.bufferSize <= 0 {
		o.bufferSize = defaultBufferSize
	}
	if o.readSize <= 0 {
		o.readSize = defaultReadSize
	}
	if o.dialTimeout <= 0 {
		o.dialTimeout = defaultDialTimeout
	}
	if o.idleTimeout < 0 {
		o.idleTimeout = 0
	}
	return o
}
