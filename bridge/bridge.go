// Package bridge implements fdc.Provider over a serial link to a small
// microcontroller that owns the controller chip's bus pins.
//
// Every request starts with a two byte header, opcode and total length,
// followed by its arguments. The bridge answers with the opcode echo and
// a status byte; commands that return data follow the ACK with a length
// (one byte for results, two little-endian bytes for blocks) and the
// payload. A write block request is followed by the raw sector bytes.
package bridge

import (
	"encoding/binary"
	"io"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"

	"fdctl/fdc"
)

// Request opcodes.
const (
	OpInit       = 0x01
	OpReset      = 0x02
	OpWriteDOR   = 0x03
	OpWriteDCR   = 0x04
	OpWait       = 0x05
	OpWriteData  = 0x06
	OpReadResult = 0x07
	OpReadBlock  = 0x08
	OpWriteBlock = 0x09
	OpDrain      = 0x0A
)

// ACK status codes that are not fdc.Status values.
const (
	AckOK         = 0x00
	AckBadCommand = 0x01
)

// DefaultBaud is the link speed the bridge firmware boots with.
const DefaultBaud = 115200

// ReadTimeout bounds a single read from the link. The bridge runs its own
// MSR timeouts, so this only trips when the bridge is gone.
const ReadTimeout = 2 * time.Second

// ErrLink is wrapped by every error caused by the serial link itself.
var ErrLink = errors.New("bridge: link error")

// Provider talks to the bridge. It is not safe for concurrent use.
type Provider struct {
	port io.ReadWriter
	log  *slog.Logger
	err  error
}

// Open opens the serial device and returns a provider on it.
func Open(name string, baud int, log *slog.Logger) (*Provider, error) {
	if baud <= 0 {
		baud = DefaultBaud
	}
	port, err := serial.Open(name, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, errors.Wrapf(err, "bridge: open %s", name)
	}
	if err := port.SetReadTimeout(ReadTimeout); err != nil {
		port.Close()
		return nil, errors.Wrap(err, "bridge: set read timeout")
	}
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, errors.Wrap(err, "bridge: flush input")
	}
	return New(port, log), nil
}

// New wraps an already open link.
func New(port io.ReadWriter, log *slog.Logger) *Provider {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Provider{port: port, log: log}
}

// Close closes the link when it supports closing.
func (p *Provider) Close() error {
	if c, ok := p.port.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Err returns the last link failure. Status returning methods cannot carry
// it, so they report a timeout status and record the cause here.
func (p *Provider) Err() error { return p.err }

/* ===================== fdc.Provider ===================== */

// Init implements fdc.Provider.
func (p *Provider) Init() error {
	return p.control(OpInit)
}

// Reset implements fdc.Provider.
func (p *Provider) Reset(dor byte) error {
	return p.control(OpReset, dor)
}

// WriteDOR implements fdc.Provider.
func (p *Provider) WriteDOR(v byte) error {
	return p.control(OpWriteDOR, v)
}

// WriteDCR implements fdc.Provider.
func (p *Provider) WriteDCR(v byte) error {
	return p.control(OpWriteDCR, v)
}

// WaitStatus implements fdc.Provider.
func (p *Provider) WaitStatus(mask, expected byte) fdc.Status {
	st, err := p.do([]byte{OpWait, 4, mask, expected})
	if err != nil {
		return p.linkFailed(err, fdc.StatusTimeoutExec)
	}
	return st
}

// WriteData implements fdc.Provider.
func (p *Provider) WriteData(b byte) fdc.Status {
	st, err := p.do([]byte{OpWriteData, 3, b})
	if err != nil {
		return p.linkFailed(err, fdc.StatusTimeoutExec)
	}
	return st
}

// ReadResult implements fdc.Provider.
func (p *Provider) ReadResult() (fdc.Status, []byte) {
	st, err := p.do([]byte{OpReadResult, 2})
	if err != nil {
		return p.linkFailed(err, fdc.StatusTimeoutResult), nil
	}
	var n [1]byte
	if err := p.readFull(n[:]); err != nil {
		return p.linkFailed(err, fdc.StatusTimeoutResult), nil
	}
	frb := make([]byte, n[0])
	if err := p.readFull(frb); err != nil {
		return p.linkFailed(err, fdc.StatusTimeoutResult), nil
	}
	return st, frb
}

// ReadBlock implements fdc.Provider. The bridge sends whatever it managed
// to read, so a ReadError status still comes with data.
func (p *Provider) ReadBlock(count int) (fdc.Status, []byte) {
	cmd := []byte{OpReadBlock, 4, 0, 0}
	binary.LittleEndian.PutUint16(cmd[2:], uint16(count))
	st, err := p.do(cmd)
	if err != nil {
		return p.linkFailed(err, fdc.StatusTimeoutExec), nil
	}
	var hdr [2]byte
	if err := p.readFull(hdr[:]); err != nil {
		return p.linkFailed(err, fdc.StatusTimeoutExec), nil
	}
	data := make([]byte, binary.LittleEndian.Uint16(hdr[:]))
	if err := p.readFull(data); err != nil {
		return p.linkFailed(err, fdc.StatusTimeoutExec), nil
	}
	return st, data
}

// WriteBlock implements fdc.Provider.
func (p *Provider) WriteBlock(data []byte, count int) fdc.Status {
	if count > len(data) {
		count = len(data)
	}
	msg := make([]byte, 4+count)
	msg[0], msg[1] = OpWriteBlock, 4
	binary.LittleEndian.PutUint16(msg[2:4], uint16(count))
	copy(msg[4:], data[:count])
	st, err := p.do(msg)
	if err != nil {
		return p.linkFailed(err, fdc.StatusTimeoutExec)
	}
	return st
}

// Drain implements fdc.Provider.
func (p *Provider) Drain() fdc.Status {
	st, err := p.do([]byte{OpDrain, 2})
	if err != nil {
		return p.linkFailed(err, fdc.StatusOverDrain)
	}
	return st
}

/* ===================== Link ===================== */

func (p *Provider) control(op byte, args ...byte) error {
	cmd := append([]byte{op, byte(2 + len(args))}, args...)
	st, err := p.do(cmd)
	if err != nil {
		p.err = err
		return err
	}
	if st != fdc.StatusOK {
		return errors.Errorf("bridge: op 0x%02x: %v", op, st)
	}
	return nil
}

// do sends msg and reads the two byte ACK.
func (p *Provider) do(msg []byte) (fdc.Status, error) {
	if _, err := p.port.Write(msg); err != nil {
		return 0, errors.Wrapf(ErrLink, "write op 0x%02x: %v", msg[0], err)
	}
	var ack [2]byte
	if err := p.readFull(ack[:]); err != nil {
		return 0, err
	}
	if ack[0] != msg[0] {
		return 0, errors.Wrapf(ErrLink, "op 0x%02x answered with 0x%02x (status 0x%02x)", msg[0], ack[0], ack[1])
	}
	if ack[1] == AckBadCommand {
		return 0, errors.Wrapf(ErrLink, "op 0x%02x rejected by bridge", msg[0])
	}
	return fdc.Status(ack[1]), nil
}

// readFull is io.ReadFull for a port whose Read returns (0, nil) when the
// read timeout expires.
func (p *Provider) readFull(buf []byte) error {
	for off := 0; off < len(buf); {
		n, err := p.port.Read(buf[off:])
		if err != nil {
			return errors.Wrapf(ErrLink, "read: %v", err)
		}
		if n == 0 {
			return errors.Wrap(ErrLink, "read timeout")
		}
		off += n
	}
	return nil
}

func (p *Provider) linkFailed(err error, st fdc.Status) fdc.Status {
	p.err = err
	p.log.Warn("bridge link failed", "err", err, "status", st.String())
	return st
}
