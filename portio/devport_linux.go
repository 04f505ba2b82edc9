//go:build linux

package portio

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DevPortPath is the kernel's byte-addressed view of the I/O port space.
const DevPortPath = "/dev/port"

// DevPort accesses I/O ports through /dev/port. It needs CAP_SYS_RAWIO.
type DevPort struct {
	fd int
}

// OpenDevPort opens /dev/port for reading and writing.
func OpenDevPort() (*DevPort, error) {
	fd, err := unix.Open(DevPortPath, unix.O_RDWR|unix.O_SYNC|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "portio: open %s", DevPortPath)
	}
	return &DevPort{fd: fd}, nil
}

// In reads one port.
func (d *DevPort) In(port uint16) (byte, error) {
	var b [1]byte
	n, err := unix.Pread(d.fd, b[:], int64(port))
	if err != nil {
		return 0, errors.Wrapf(err, "portio: in 0x%03x", port)
	}
	if n != 1 {
		return 0, errors.Errorf("portio: in 0x%03x: short read", port)
	}
	return b[0], nil
}

// Out writes one port.
func (d *DevPort) Out(port uint16, v byte) error {
	n, err := unix.Pwrite(d.fd, []byte{v}, int64(port))
	if err != nil {
		return errors.Wrapf(err, "portio: out 0x%03x", port)
	}
	if n != 1 {
		return errors.Errorf("portio: out 0x%03x: short write", port)
	}
	return nil
}

// Close closes the device.
func (d *DevPort) Close() error {
	return unix.Close(d.fd)
}
