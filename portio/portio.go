// Package portio drives a PC-class floppy controller through its I/O
// ports. Register access goes through the Registers interface; on Linux
// DevPort implements it on top of /dev/port.
package portio

import (
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"fdctl/fdc"
)

// DefaultBase is the I/O base of the primary floppy controller.
const DefaultBase = 0x3F0

// Register offsets from the base.
const (
	RegDOR  = 2
	RegMSR  = 4
	RegData = 5
	RegDCR  = 7
)

// Polling bounds.
const (
	waitPolls     = 3 * 65535
	waitDelay     = 3 * time.Microsecond
	drainLimit    = 1024
	resultLimit   = 128
	resultIdle    = 10000
	resultDelay   = 10 * time.Microsecond
	resetPulse    = 17 * time.Microsecond
	resetSettle   = 2400 * time.Microsecond
	msrResultBits = 0xF0
	msrResultByte = fdc.MSRRequest | fdc.MSRDataOut | fdc.MSRBusy // D0
	msrIdle       = fdc.MSRRequest
	msrDrainable  = fdc.MSRRequest | fdc.MSRDataOut
	msrExecRead   = 0xF0
	msrExecWrite  = 0xB0
)

// Registers reads and writes single I/O ports.
type Registers interface {
	In(port uint16) (byte, error)
	Out(port uint16, v byte) error
}

// Provider implements fdc.Provider by polling the controller registers.
type Provider struct {
	regs  Registers
	base  uint16
	log   *slog.Logger
	delay func(time.Duration)
	err   error
}

// Option configures a Provider.
type Option func(*Provider)

// WithBase moves the controller to another I/O base (0x370 for the
// secondary controller).
func WithBase(base uint16) Option { return func(p *Provider) { p.base = base } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.log = l
		}
	}
}

// WithDelay replaces the busy-wait used between polls.
func WithDelay(fn func(time.Duration)) Option { return func(p *Provider) { p.delay = fn } }

// New returns a provider on regs.
func New(regs Registers, opts ...Option) *Provider {
	p := &Provider{
		regs:  regs,
		base:  DefaultBase,
		log:   slog.New(slog.DiscardHandler),
		delay: spin,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Err returns the last register access failure.
func (p *Provider) Err() error { return p.err }

// Init implements fdc.Provider. It checks that the MSR can be read.
func (p *Provider) Init() error {
	if _, err := p.in(RegMSR); err != nil {
		return errors.Wrap(err, "portio: init")
	}
	return nil
}

// Reset implements fdc.Provider: pulse DOR reset low and restore dor.
func (p *Provider) Reset(dor byte) error {
	if err := p.out(RegDOR, 0); err != nil {
		return errors.Wrap(err, "portio: reset")
	}
	p.delay(resetPulse)
	if err := p.out(RegDOR, dor); err != nil {
		return errors.Wrap(err, "portio: reset")
	}
	p.delay(resetSettle)
	return nil
}

// WriteDOR implements fdc.Provider.
func (p *Provider) WriteDOR(v byte) error {
	return errors.Wrap(p.out(RegDOR, v), "portio: dor")
}

// WriteDCR implements fdc.Provider.
func (p *Provider) WriteDCR(v byte) error {
	return errors.Wrap(p.out(RegDCR, v), "portio: dcr")
}

// WaitStatus implements fdc.Provider.
func (p *Provider) WaitStatus(mask, expected byte) fdc.Status {
	if _, ok := p.wait(mask, expected); !ok {
		return fdc.StatusTimeoutExec
	}
	return fdc.StatusOK
}

// WriteData implements fdc.Provider.
func (p *Provider) WriteData(b byte) fdc.Status {
	if err := p.out(RegData, b); err != nil {
		return fdc.StatusTimeoutExec
	}
	return fdc.StatusOK
}

// ReadResult implements fdc.Provider. Bytes are collected while the chip
// shows a result byte; the phase ends when it drops back to idle.
func (p *Provider) ReadResult() (fdc.Status, []byte) {
	var frb []byte
	idle := 0
	for {
		msr, err := p.in(RegMSR)
		if err != nil {
			return fdc.StatusTimeoutResult, frb
		}
		switch msr & msrResultBits {
		case msrResultByte:
			if len(frb) == resultLimit {
				return fdc.StatusOverResult, frb
			}
			b, err := p.in(RegData)
			if err != nil {
				return fdc.StatusTimeoutResult, frb
			}
			frb = append(frb, b)
			idle = 0
		case msrIdle:
			return fdc.StatusOK, frb
		default:
			idle++
			if idle >= resultIdle {
				return fdc.StatusTimeoutResult, frb
			}
			p.delay(resultDelay)
		}
	}
}

// ReadBlock implements fdc.Provider. When the chip jumps to the result
// phase early the bytes read so far are returned with StatusReadError.
func (p *Provider) ReadBlock(count int) (fdc.Status, []byte) {
	data := make([]byte, 0, count)
	for len(data) < count {
		msr, ok := p.wait(0xFF, msrExecRead)
		if !ok {
			if msr == msrResultByte {
				return fdc.StatusReadError, data
			}
			return fdc.StatusTimeoutExec, data
		}
		b, err := p.in(RegData)
		if err != nil {
			return fdc.StatusTimeoutExec, data
		}
		data = append(data, b)
	}
	return fdc.StatusOK, data
}

// WriteBlock implements fdc.Provider.
func (p *Provider) WriteBlock(data []byte, count int) fdc.Status {
	if count > len(data) {
		count = len(data)
	}
	for i := 0; i < count; i++ {
		msr, ok := p.wait(0xFF, msrExecWrite)
		if !ok {
			if msr == msrResultByte {
				return fdc.StatusWriteError
			}
			return fdc.StatusTimeoutExec
		}
		if err := p.out(RegData, data[i]); err != nil {
			return fdc.StatusTimeoutExec
		}
	}
	return fdc.StatusOK
}

// Drain implements fdc.Provider. Stale output bytes are discarded.
func (p *Provider) Drain() fdc.Status {
	for i := 0; i <= drainLimit; i++ {
		msr, err := p.in(RegMSR)
		if err != nil {
			return fdc.StatusOverDrain
		}
		if msr&msrDrainable != msrDrainable {
			return fdc.StatusOK
		}
		if i == drainLimit {
			break
		}
		if _, err := p.in(RegData); err != nil {
			return fdc.StatusOverDrain
		}
	}
	p.log.Warn("portio: drain overflow")
	return fdc.StatusOverDrain
}

// wait polls MSR until msr&mask == expected. It returns the last MSR read.
func (p *Provider) wait(mask, expected byte) (byte, bool) {
	var msr byte
	for i := 0; i < waitPolls; i++ {
		v, err := p.in(RegMSR)
		if err != nil {
			return 0, false
		}
		msr = v
		if msr&mask == expected {
			return msr, true
		}
		p.delay(waitDelay)
	}
	return msr, false
}

func (p *Provider) in(reg uint16) (byte, error) {
	v, err := p.regs.In(p.base + reg)
	if err != nil {
		p.fault(err)
	}
	return v, err
}

func (p *Provider) out(reg uint16, v byte) error {
	err := p.regs.Out(p.base+reg, v)
	if err != nil {
		p.fault(err)
	}
	return err
}

func (p *Provider) fault(err error) {
	if p.err == nil {
		p.log.Warn("portio: register access failed", "err", err)
	}
	p.err = err
}

// spin busy-waits for d. Sleeping is far too coarse for microsecond gaps.
func spin(d time.Duration) {
	for start := time.Now(); time.Since(start) < d; {
	}
}
