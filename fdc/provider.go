// Package fdc drives NEC765/WD37C65 compatible floppy disk controllers.
//
// The chip itself is reached through a Provider, a small capability
// interface that knows how to poke registers and shift bytes. Everything
// above that (command framing, result decoding, seek and motor handling)
// lives here.
package fdc

import "fmt"

// Status is a provider level return code. Zero means success. The nonzero
// values below are the ones the reference GPIO provider reports; other
// providers may return any nonzero code and it is passed through untouched.
type Status int

// Provider status codes.
const (
	StatusOK            Status = 0
	StatusTimeoutExec   Status = 0x14 // MSR never matched
	StatusOverDrain     Status = 0x16 // drain found more than 1024 stale bytes
	StatusOverResult    Status = 0x17 // result phase longer than 128 bytes
	StatusTimeoutResult Status = 0x18 // result phase never finished
	StatusReadError     Status = 0x19 // chip left execution early, data present
	StatusWriteError    Status = 0x20 // chip left execution early during write
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusTimeoutExec:
		return "timeout waiting for MSR"
	case StatusOverDrain:
		return "drain overflow"
	case StatusOverResult:
		return "result overflow"
	case StatusTimeoutResult:
		return "timeout reading result"
	case StatusReadError:
		return "read error"
	case StatusWriteError:
		return "write error"
	}
	return fmt.Sprintf("status 0x%02X", int(s))
}

// Main status register bits.
const (
	MSRRequest = 0x80 // RQM: data register ready
	MSRDataOut = 0x40 // DIO: 1 = chip to host
	MSRNonDMA  = 0x20 // NDM: execution phase in non-DMA mode
	MSRBusy    = 0x10 // CB: command in progress
)

// Provider is the low-level chip access the driver is built on. All calls
// are synchronous and must not be issued concurrently.
type Provider interface {
	// Init brings the chip out of power-on state.
	Init() error
	// Reset pulses the DOR reset and leaves dor written.
	Reset(dor byte) error
	WriteDOR(v byte) error
	WriteDCR(v byte) error

	// WaitStatus polls MSR until (MSR & mask) == expected. It returns
	// StatusOK or a timeout code.
	WaitStatus(mask, expected byte) Status
	// WriteData writes one byte to the data register.
	WriteData(b byte) Status
	// ReadResult collects the result phase bytes until the chip returns
	// to command phase.
	ReadResult() (Status, []byte)
	// ReadBlock reads count execution phase bytes. On StatusReadError the
	// returned slice still holds whatever was transferred.
	ReadBlock(count int) (Status, []byte)
	// WriteBlock writes the first count bytes of p during execution phase.
	WriteBlock(p []byte, count int) Status
	// Drain discards anything the chip still wants to hand over.
	Drain() Status
}
