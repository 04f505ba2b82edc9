package fdc

import (
	"fmt"
	"strings"
)

// Command opcodes (low five bits of the first FCP byte).
const (
	CmdRead          = 0x06 // CMD,HDS/DS,C,H,R,N,EOT,GPL,DTL -> ST0,ST1,ST2,C,H,R,N
	CmdReadDeleted   = 0x0C
	CmdWrite         = 0x05
	CmdWriteDeleted  = 0x09
	CmdReadTrack     = 0x02
	CmdReadID        = 0x0A // CMD,HDS/DS -> ST0,ST1,ST2,C,H,R,N
	CmdFormatTrack   = 0x0D // CMD,HDS/DS,N,SC,GPL,D -> ST0,ST1,ST2,C,H,R,N
	CmdScanEqual     = 0x11
	CmdScanLowEqual  = 0x19
	CmdScanHighEqual = 0x1D
	CmdRecalibrate   = 0x07 // CMD,DS -> none
	CmdSenseInt      = 0x08 // CMD -> ST0,PCN
	CmdSpecify       = 0x03 // CMD,SRT/HUT,HLT/ND -> none
	CmdDriveStatus   = 0x04 // CMD,HDS/DS -> ST3
	CmdSeek          = 0x0F // CMD,HDS/DS,NCN -> none
	CmdVersion       = 0x10 // CMD -> ST0
)

// Opcode flag bits.
const (
	FlagMultiTrack = 0x80
	FlagMFM        = 0x40
	FlagSkip       = 0x20

	opcodeMask = 0x1F
)

// Flag patterns used by the public operations.
const (
	ReadFlags   = FlagMultiTrack | FlagMFM | FlagSkip
	WriteFlags  = FlagMultiTrack | FlagMFM
	ReadIDFlags = FlagMFM
)

// dataLength is the DTL byte sent with read and write. It only matters
// when N is zero.
const dataLength = 2

// Transfer is the kind of execution phase a command has.
type Transfer int

// Execution phase kinds.
const (
	TransferNone Transfer = iota
	TransferRead
	TransferWrite
)

// Packet is one Floppy Command Packet plus what the transfer engine needs
// to know to run it. Packets are values; copying one copies its bytes.
type Packet struct {
	buf [9]byte
	n   int

	// Command is the opcode without flag bits.
	Command byte
	// ResultLen is the FRB length the chip is expected to return.
	ResultLen int
	// Transfer is the execution phase data direction.
	Transfer Transfer
	// DataLen is the number of execution phase bytes.
	DataLen int
}

// Len is the number of FCP bytes.
func (p Packet) Len() int { return p.n }

// Bytes returns a copy of the FCP bytes.
func (p Packet) Bytes() []byte { return append([]byte(nil), p.buf[:p.n]...) }

// Byte returns FCP byte i.
func (p Packet) Byte(i int) byte { return p.buf[i] }

func (p Packet) String() string { return hexBytes(p.buf[:p.n]) }

func (p *Packet) add(b ...byte) {
	p.n += copy(p.buf[p.n:], b)
}

func hexBytes(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("%02X", v)
	}
	return strings.Join(parts, " ")
}

// selectByte is the HDS/DS byte shared by most commands.
func selectByte(drive, head int) byte {
	return byte((head&1)<<2 | drive&3)
}

// NewCommand starts a packet with the opcode byte and the drive/head select
// byte. op may carry flag bits.
func NewCommand(op byte, drive, head int) Packet {
	p := Packet{Command: op & opcodeMask}
	p.add(op, selectByte(drive, head))
	return p
}

/* ===================== Builders ===================== */

// SeekCommand moves the head of drive to cyl.
func SeekCommand(drive, head, cyl int) Packet {
	p := NewCommand(CmdSeek, drive, head)
	p.add(byte(cyl))
	return p
}

// RecalibrateCommand steps drive back to cylinder 0.
func RecalibrateCommand(drive int) Packet {
	return NewCommand(CmdRecalibrate, drive, 0)
}

// SpecifyCommand loads step rate, head unload/load times and non-DMA mode.
func SpecifyCommand(m MediaProfile) Packet {
	p := Packet{Command: CmdSpecify}
	sp := m.SpecifyBytes()
	p.add(CmdSpecify, sp[0], sp[1])
	return p
}

// SenseIntCommand reads and clears one pending interrupt.
func SenseIntCommand() Packet {
	p := Packet{Command: CmdSenseInt, ResultLen: 2}
	p.add(CmdSenseInt)
	return p
}

// DriveStatusCommand returns ST3 for drive/head.
func DriveStatusCommand(drive, head int) Packet {
	p := NewCommand(CmdDriveStatus, drive, head)
	p.ResultLen = 1
	return p
}

// VersionCommand asks the chip to identify itself.
func VersionCommand() Packet {
	p := Packet{Command: CmdVersion, ResultLen: 1}
	p.add(CmdVersion)
	return p
}

// ReadIDCommand reads the first ID field found under the head.
func ReadIDCommand(op byte, drive, head int) Packet {
	p := NewCommand(op, drive, head)
	p.ResultLen = 7
	return p
}

// IOCommand builds a nine byte read or write packet for one sector using
// the geometry of m.
func IOCommand(op byte, m MediaProfile, drive, cyl, head, sector int) Packet {
	p := NewCommand(op, drive, head)
	p.add(
		byte(cyl),
		byte(head),
		byte(sector),
		byte(m.SectorSizeCode),
		byte(m.SectorsPerTrack),
		m.GapReadWrite,
		dataLength,
	)
	p.ResultLen = 7
	p.DataLen = m.SectorSize()
	switch p.Command {
	case CmdRead, CmdReadDeleted:
		p.Transfer = TransferRead
	case CmdWrite, CmdWriteDeleted:
		p.Transfer = TransferWrite
	}
	return p
}

// FormatCommand formats one track. The execution phase takes four ID bytes
// (C, H, R, N) per sector, see FormatIDs.
func FormatCommand(op byte, m MediaProfile, drive, head int) Packet {
	p := NewCommand(op, drive, head)
	p.add(byte(m.SectorSizeCode), byte(m.SectorsPerTrack), m.GapFormat, m.FillByte)
	p.ResultLen = 7
	p.Transfer = TransferWrite
	p.DataLen = 4 * m.SectorsPerTrack
	return p
}

// FormatIDs builds the execution phase data for FormatCommand.
func FormatIDs(m MediaProfile, cyl, head int) []byte {
	ids := make([]byte, 0, 4*m.SectorsPerTrack)
	for s := 0; s < m.SectorsPerTrack; s++ {
		ids = append(ids, byte(cyl), byte(head), byte(m.StartSector+s), byte(m.SectorSizeCode))
	}
	return ids
}

var commandNames = map[byte]string{
	CmdRead:          "read",
	CmdReadDeleted:   "read deleted",
	CmdWrite:         "write",
	CmdWriteDeleted:  "write deleted",
	CmdReadTrack:     "read track",
	CmdReadID:        "read id",
	CmdFormatTrack:   "format track",
	CmdScanEqual:     "scan equal",
	CmdScanLowEqual:  "scan low or equal",
	CmdScanHighEqual: "scan high or equal",
	CmdRecalibrate:   "recalibrate",
	CmdSenseInt:      "sense interrupt",
	CmdSpecify:       "specify",
	CmdDriveStatus:   "drive status",
	CmdSeek:          "seek",
	CmdVersion:       "version",
}

// CommandName returns a readable name for an opcode.
func CommandName(cmd byte) string {
	if n, ok := commandNames[cmd&opcodeMask]; ok {
		return n
	}
	return fmt.Sprintf("cmd 0x%02X", cmd&opcodeMask)
}
