//go:build !linux

package portio

import "github.com/pkg/errors"

// DevPortPath is only meaningful on Linux.
const DevPortPath = "/dev/port"

// ErrUnsupported is returned by OpenDevPort on systems without /dev/port.
var ErrUnsupported = errors.New("portio: direct port access is only supported on linux")

// DevPort is unavailable on this platform.
type DevPort struct{}

// OpenDevPort always fails here.
func OpenDevPort() (*DevPort, error) { return nil, ErrUnsupported }

// In implements Registers.
func (d *DevPort) In(uint16) (byte, error) { return 0, ErrUnsupported }

// Out implements Registers.
func (d *DevPort) Out(uint16, byte) error { return ErrUnsupported }

// Close implements io.Closer.
func (d *DevPort) Close() error { return nil }
