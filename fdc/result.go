package fdc

import (
	"errors"
	"fmt"
)

// Outcome classifies how one command exchange ended. It is a closed set;
// OK is the only non-error value.
type Outcome uint8

// Outcomes decoded from the FRB.
const (
	OK Outcome = iota
	AbnormalTermination
	InvalidCommand
	DiskChanged
	EndOfCylinder
	DataError
	Overrun
	NoData
	NotWritable
	MissingAddressMark

	// Software level failures.
	ControllerNotReady
	CommandSendTimeout
	ResultReadTimeout
	SeekWaitTimeout
	ProviderFault
)

var outcomeNames = [...]string{
	OK:                  "ok",
	AbnormalTermination: "abnormal termination",
	InvalidCommand:      "invalid command",
	DiskChanged:         "disk changed",
	EndOfCylinder:       "end of cylinder",
	DataError:           "data error",
	Overrun:             "overrun",
	NoData:              "no data",
	NotWritable:         "not writable",
	MissingAddressMark:  "missing address mark",
	ControllerNotReady:  "controller not ready",
	CommandSendTimeout:  "command send timeout",
	ResultReadTimeout:   "result read timeout",
	SeekWaitTimeout:     "seek wait timeout",
	ProviderFault:       "provider fault",
}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Error makes an Outcome usable as an errors.Is target.
func (o Outcome) Error() string { return o.String() }

// Err returns nil for OK and an *Error otherwise.
func (o Outcome) Err() error {
	if o == OK {
		return nil
	}
	return &Error{Outcome: o}
}

// Device reports whether the outcome came from chip status bits rather
// than from the transport.
func (o Outcome) Device() bool {
	return o >= AbnormalTermination && o <= MissingAddressMark
}

// Error is a failed operation.
type Error struct {
	Outcome Outcome
	Op      string // stage that failed
	Status  Status // provider code, StatusOK when the chip reported the error
	FRB     []byte
}

func (e *Error) Error() string {
	msg := e.Outcome.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Status != StatusOK {
		msg += fmt.Sprintf(" (%v)", e.Status)
	}
	if len(e.FRB) > 0 {
		msg += " [" + hexBytes(e.FRB) + "]"
	}
	return msg
}

// Is matches Outcome targets, so errors.Is(err, fdc.DataError) works.
func (e *Error) Is(target error) bool {
	o, ok := target.(Outcome)
	return ok && o == e.Outcome
}

// OutcomeOf extracts the Outcome from err. nil maps to OK; errors that did
// not come from the driver map to ProviderFault.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OK
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Outcome
	}
	var o Outcome
	if errors.As(err, &o) {
		return o
	}
	return ProviderFault
}

/* ===================== Status registers ===================== */

// ST0 interrupt code (bits 7-6).
const (
	st0CodeMask     = 0xC0
	st0Abnormal     = 0x40
	st0Invalid      = 0x80
	st0ReadyChanged = 0xC0
)

// ST0 bits.
const (
	ST0SeekEnd    = 0x20
	ST0EquipCheck = 0x10
	ST0NotReady   = 0x08
)

// ST1 bits, in decode priority order.
const (
	ST1EndOfCylinder = 0x80
	ST1DataError     = 0x20
	ST1Overrun       = 0x10
	ST1NoData        = 0x04
	ST1NotWritable   = 0x02
	ST1MissingAM     = 0x01
)

// ST2 bits.
const (
	ST2ControlMark = 0x40
	ST2DataCRC     = 0x20
	ST2WrongCyl    = 0x10
	ST2BadCyl      = 0x02
	ST2MissingDAM  = 0x01
)

// ST3 bits.
const (
	ST3Fault        = 0x80
	ST3WriteProtect = 0x40
	ST3Ready        = 0x20
	ST3Track0       = 0x10
	ST3TwoSide      = 0x08
)

var st1Causes = []struct {
	mask    byte
	outcome Outcome
}{
	{ST1EndOfCylinder, EndOfCylinder},
	{ST1DataError, DataError},
	{ST1Overrun, Overrun},
	{ST1NoData, NoData},
	{ST1NotWritable, NotWritable},
	{ST1MissingAM, MissingAddressMark},
}

// Decode classifies the FRB returned for command (opcode without flags).
// It is pure.
func Decode(command byte, frb []byte) Outcome {
	if command == CmdDriveStatus || len(frb) == 0 {
		return OK
	}
	switch frb[0] & st0CodeMask {
	case st0Abnormal:
		if command == CmdSenseInt || len(frb) == 1 {
			return AbnormalTermination
		}
		st1 := frb[1]
		for _, c := range st1Causes {
			if st1&c.mask != 0 {
				return c.outcome
			}
		}
		// no listed cause: not-ready and similar stay OK, see Result.NotReady
		return OK
	case st0Invalid:
		return InvalidCommand
	case st0ReadyChanged:
		return DiskChanged
	}
	return OK
}

// ID is the C/H/R/N echoed at the end of a read, write or read-ID result.
type ID struct {
	Cylinder, Head, Sector, Size byte
}

func (id ID) String() string {
	return fmt.Sprintf("C=%d H=%d R=%d N=%d", id.Cylinder, id.Head, id.Sector, id.Size)
}

// Result is what one transfer engine run produced.
type Result struct {
	Outcome Outcome
	FRB     []byte
	// Data holds execution phase bytes for reads, including partial data
	// when the provider reported StatusReadError.
	Data []byte
}

// ST0 returns the first status byte, or 0 when absent.
func (r Result) ST0() byte { return r.at(0) }

// ST1 returns the second status byte, or 0 when absent.
func (r Result) ST1() byte { return r.at(1) }

// ST2 returns the third status byte, or 0 when absent.
func (r Result) ST2() byte { return r.at(2) }

// NotReady reports an abnormal termination with the ST0 not-ready bit,
// which Decode leaves at OK when ST1 names no cause.
func (r Result) NotReady() bool {
	st0 := r.ST0()
	return len(r.FRB) > 0 && st0&st0CodeMask == st0Abnormal && st0&ST0NotReady != 0
}

// ID returns the C/H/R/N tail of a seven byte result.
func (r Result) ID() (ID, bool) {
	if len(r.FRB) < 7 {
		return ID{}, false
	}
	return ID{r.FRB[3], r.FRB[4], r.FRB[5], r.FRB[6]}, true
}

func (r Result) at(i int) byte {
	if i < len(r.FRB) {
		return r.FRB[i]
	}
	return 0
}
