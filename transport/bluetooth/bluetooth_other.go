//go:build !linux

package bluetooth

import "github.com/Zereker/communicator"

// Transport is unavailable off linux.
type Transport struct {
	path string
	opts options
}

// New validates identifier. The returned transport cannot connect.
func New(identifier string, opts ...Option) (*Transport, error) {
	o := newOptions(opts)
	path, err := devicePath(o.adapter, identifier)
	if err != nil {
		return nil, err
	}
	return &Transport{path: path, opts: o}, nil
}

func (t *Transport) Connect(communicator.Handler) error { return ErrUnsupportedPlatform }
func (t *Transport) Disconnect() error                  { return nil }
func (t *Transport) Write([]byte) error                 { return ErrUnsupportedPlatform }
func (t *Transport) DeviceIdentifier() string           { return macFromPath(t.path) }
func (t *Transport) DeviceName() string                 { return t.opts.name }
