package sim

import (
	"fdctl/fdc"
)

type phase int

const (
	phaseCommand phase = iota
	phaseExecRead
	phaseExecWrite
	phaseResult
)

// Version byte reported for the Version command (82077-class part).
const Version = 0x90

// Faults forces provider level failures. A zero field means no fault.
type Faults struct {
	Drain      fdc.Status
	Wait       fdc.Status
	WriteData  fdc.Status
	ReadResult fdc.Status
	ReadBlock  fdc.Status
	WriteBlock fdc.Status

	// WaitAfter lets this many WaitStatus calls succeed before Wait is
	// returned.
	WaitAfter int
}

type interrupt struct {
	st0 byte
	pcn byte
}

type execKind int

const (
	execSector execKind = iota
	execFormat
)

// exec is the pending execution phase.
type exec struct {
	kind   execKind
	drive  int
	cyl    int
	head   int
	sector int
	buf    []byte
	cutAt  int // bytes delivered before the chip gives up, -1 for all
	fill   byte

	// byte level data register access
	want int
	pos  int
	wbuf []byte
}

// Chip models one controller. It is not safe for concurrent use, same as
// the hardware it stands in for.
type Chip struct {
	// Faults injects provider failures.
	Faults Faults
	// Override, when set, may replace the result bytes of any command.
	// It sees the complete FCP and returns the FRB to use and true, or
	// false to keep the modelled result.
	Override func(fcp []byte) ([]byte, bool)

	drives [fdc.MaxDrives]*Disk
	cyl    [fdc.MaxDrives]int

	dor, dcr byte
	specify  [2]byte
	inited   bool

	phase   phase
	cmd     []byte
	result  []byte
	exec    exec
	pending []interrupt
	waits   int
	rot     int

	history [][]byte
}

// NewChip returns a chip with no media inserted.
func NewChip() *Chip {
	return &Chip{}
}

// Insert places d in drive n.
func (c *Chip) Insert(n int, d *Disk) { c.drives[n] = d }

// Eject removes the disk from drive n.
func (c *Chip) Eject(n int) { c.drives[n] = nil }

// Disk returns the disk in drive n.
func (c *Chip) Disk(n int) *Disk { return c.drives[n] }

// HeadCylinder returns the physical head position of drive n.
func (c *Chip) HeadCylinder(n int) int { return c.cyl[n] }

// DOR returns the last value written to the digital output register.
func (c *Chip) DOR() byte { return c.dor }

// DCR returns the last value written to the data rate register.
func (c *Chip) DCR() byte { return c.dcr }

// Specify returns the two parameter bytes of the last Specify command.
func (c *Chip) Specify() [2]byte { return c.specify }

// Commands returns every complete FCP the chip has executed.
func (c *Chip) Commands() [][]byte {
	out := make([][]byte, len(c.history))
	for i, h := range c.history {
		out[i] = append([]byte(nil), h...)
	}
	return out
}

// Count returns how many executed commands had opcode op (flags ignored).
func (c *Chip) Count(op byte) int {
	n := 0
	for _, h := range c.history {
		if h[0]&0x1F == op {
			n++
		}
	}
	return n
}

// ClearHistory forgets executed commands.
func (c *Chip) ClearHistory() { c.history = nil }

// MSR computes the main status register from the current phase.
func (c *Chip) MSR() byte {
	switch c.phase {
	case phaseExecRead:
		return fdc.MSRRequest | fdc.MSRDataOut | fdc.MSRNonDMA | fdc.MSRBusy
	case phaseExecWrite:
		return fdc.MSRRequest | fdc.MSRNonDMA | fdc.MSRBusy
	case phaseResult:
		return fdc.MSRRequest | fdc.MSRDataOut | fdc.MSRBusy
	}
	if len(c.cmd) > 0 {
		return fdc.MSRRequest | fdc.MSRBusy
	}
	return fdc.MSRRequest
}

/* ===================== fdc.Provider ===================== */

// Init implements fdc.Provider.
func (c *Chip) Init() error {
	c.inited = true
	return nil
}

// Reset implements fdc.Provider. Every drive gets a pending ready-change
// interrupt, as the real part does in polling mode.
func (c *Chip) Reset(dor byte) error {
	c.dor = dor
	c.phase = phaseCommand
	c.cmd = nil
	c.result = nil
	c.exec = exec{}
	c.pending = c.pending[:0]
	for d := 0; d < fdc.MaxDrives; d++ {
		c.pending = append(c.pending, interrupt{st0: 0xC0 | byte(d), pcn: byte(c.cyl[d])})
	}
	return nil
}

// WriteDOR implements fdc.Provider.
func (c *Chip) WriteDOR(v byte) error {
	c.dor = v
	return nil
}

// WriteDCR implements fdc.Provider.
func (c *Chip) WriteDCR(v byte) error {
	c.dcr = v
	return nil
}

// WaitStatus implements fdc.Provider. The model never blocks: a mismatch
// is reported as a timeout straight away.
func (c *Chip) WaitStatus(mask, expected byte) fdc.Status {
	if c.Faults.Wait != fdc.StatusOK && c.waits >= c.Faults.WaitAfter {
		return c.Faults.Wait
	}
	c.waits++
	if c.MSR()&mask != expected {
		return fdc.StatusTimeoutExec
	}
	return fdc.StatusOK
}

// WriteData implements fdc.Provider.
func (c *Chip) WriteData(b byte) fdc.Status {
	if c.Faults.WriteData != fdc.StatusOK {
		return c.Faults.WriteData
	}
	if c.phase != phaseCommand {
		return fdc.StatusOK
	}
	c.cmd = append(c.cmd, b)
	if len(c.cmd) == commandLength(c.cmd[0]) {
		fcp := c.cmd
		c.cmd = nil
		c.execute(fcp)
	}
	return fdc.StatusOK
}

// ReadResult implements fdc.Provider.
func (c *Chip) ReadResult() (fdc.Status, []byte) {
	if c.Faults.ReadResult != fdc.StatusOK {
		return c.Faults.ReadResult, nil
	}
	switch c.phase {
	case phaseResult:
		r := c.result
		c.result = nil
		c.phase = phaseCommand
		return fdc.StatusOK, r
	case phaseCommand:
		return fdc.StatusOK, nil
	}
	return fdc.StatusTimeoutResult, nil
}

// ReadBlock implements fdc.Provider.
func (c *Chip) ReadBlock(count int) (fdc.Status, []byte) {
	if c.Faults.ReadBlock != fdc.StatusOK {
		return c.Faults.ReadBlock, nil
	}
	switch c.phase {
	case phaseExecRead:
	case phaseResult:
		return fdc.StatusReadError, nil
	default:
		return fdc.StatusTimeoutExec, nil
	}
	out := make([]byte, count)
	n := copy(out, c.exec.buf)
	c.phase = phaseResult
	if c.exec.cutAt >= 0 && c.exec.cutAt < n {
		for i := c.exec.cutAt; i < count; i++ {
			out[i] = 0
		}
		return fdc.StatusReadError, out
	}
	return fdc.StatusOK, out
}

// WriteBlock implements fdc.Provider.
func (c *Chip) WriteBlock(p []byte, count int) fdc.Status {
	if c.Faults.WriteBlock != fdc.StatusOK {
		return c.Faults.WriteBlock
	}
	switch c.phase {
	case phaseExecWrite:
	case phaseResult:
		return fdc.StatusWriteError
	default:
		return fdc.StatusTimeoutExec
	}
	if count > len(p) {
		count = len(p)
	}
	c.commit(p[:count])
	return fdc.StatusOK
}

// commit ends a write execution phase with data.
func (c *Chip) commit(data []byte) {
	e := c.exec
	d := c.drives[e.drive]
	// the result was queued before the data phase, amend it on failure
	switch {
	case d == nil:
		c.result[0] |= 0x40 | fdc.ST0NotReady
		c.result[5] = byte(e.sector)
	case e.kind == execSector:
		if err := d.SetSector(e.cyl, e.head, e.sector, data); err != nil {
			c.result[0] |= 0x40
			c.result[1] |= fdc.ST1NoData
			c.result[5] = byte(e.sector)
		}
	case e.kind == execFormat:
		d.formatTrack(e.cyl, e.head, data, e.fill)
	}
	c.phase = phaseResult
}

// Drain implements fdc.Provider.
func (c *Chip) Drain() fdc.Status {
	if c.Faults.Drain != fdc.StatusOK {
		return c.Faults.Drain
	}
	if c.phase == phaseResult || c.phase == phaseExecRead {
		c.result = nil
		c.phase = phaseCommand
	}
	return fdc.StatusOK
}

/* ===================== Command execution ===================== */

func commandLength(op byte) int {
	switch op & 0x1F {
	case fdc.CmdRead, fdc.CmdReadDeleted, fdc.CmdWrite, fdc.CmdWriteDeleted,
		fdc.CmdReadTrack, fdc.CmdScanEqual, fdc.CmdScanLowEqual, fdc.CmdScanHighEqual:
		return 9
	case fdc.CmdFormatTrack:
		return 6
	case fdc.CmdSpecify, fdc.CmdSeek:
		return 3
	case fdc.CmdReadID, fdc.CmdRecalibrate, fdc.CmdDriveStatus:
		return 2
	}
	return 1
}

func (c *Chip) execute(fcp []byte) {
	c.history = append(c.history, append([]byte(nil), fcp...))
	c.phase = phaseCommand
	c.result = nil

	var drive, head int
	if len(fcp) > 1 {
		drive, head = int(fcp[1]&0x03), int(fcp[1]>>2&1)
	}
	sel := byte(head<<2 | drive)

	switch fcp[0] & 0x1F {
	case fdc.CmdSpecify:
		c.specify = [2]byte{fcp[1], fcp[2]}
	case fdc.CmdRecalibrate:
		c.seek(drive, sel, 0)
	case fdc.CmdSeek:
		c.seek(drive, sel, int(fcp[2]))
	case fdc.CmdSenseInt:
		if len(c.pending) == 0 {
			c.respond(0x80)
			break
		}
		in := c.pending[0]
		c.pending = c.pending[1:]
		c.respond(in.st0, in.pcn)
	case fdc.CmdDriveStatus:
		c.respond(c.st3(drive, head))
	case fdc.CmdVersion:
		c.respond(Version)
	case fdc.CmdRead, fdc.CmdReadDeleted:
		c.readWrite(fcp, drive, head, sel, false)
	case fdc.CmdWrite, fdc.CmdWriteDeleted:
		c.readWrite(fcp, drive, head, sel, true)
	case fdc.CmdReadID:
		c.readID(drive, head, sel)
	case fdc.CmdFormatTrack:
		c.format(fcp, drive, head, sel)
	default:
		c.respond(0x80)
	}

	if c.Override != nil {
		if frb, ok := c.Override(fcp); ok {
			c.result = append([]byte(nil), frb...)
			if c.phase == phaseCommand && len(frb) > 0 {
				c.phase = phaseResult
			}
		}
	}
}

func (c *Chip) respond(frb ...byte) {
	c.result = frb
	c.phase = phaseResult
}

// ready returns the disk in drive when it is inserted, spinning and read
// at the right data rate.
func (c *Chip) ready(drive int) *Disk {
	d := c.drives[drive]
	if d == nil || c.dor&(1<<(4+drive)) == 0 {
		return nil
	}
	return d
}

func (c *Chip) seek(drive int, sel byte, target int) {
	d := c.ready(drive)
	if d == nil {
		c.pending = append(c.pending, interrupt{
			st0: 0x40 | fdc.ST0SeekEnd | fdc.ST0NotReady | sel,
			pcn: byte(c.cyl[drive]),
		})
		return
	}
	if target >= d.Media.Cylinders {
		target = d.Media.Cylinders - 1
	}
	c.cyl[drive] = target
	c.pending = append(c.pending, interrupt{st0: fdc.ST0SeekEnd | sel, pcn: byte(target)})
}

func (c *Chip) st3(drive, head int) byte {
	st3 := byte(head<<2 | drive)
	d := c.drives[drive]
	if d != nil {
		if c.ready(drive) != nil {
			st3 |= fdc.ST3Ready
		}
		if d.Media.Heads > 1 {
			st3 |= fdc.ST3TwoSide
		}
		if d.WriteProtected {
			st3 |= fdc.ST3WriteProtect
		}
	}
	if c.cyl[drive] == 0 {
		st3 |= fdc.ST3Track0
	}
	return st3
}

// trackReadable reports whether ID fields on the current track can be seen:
// the disk is ready, the track is formatted and the data rate matches.
func (c *Chip) trackReadable(d *Disk, drive, head int) bool {
	return d.formatted(c.cyl[drive], head) && c.dcr == d.Media.DataRateSelect
}

func (c *Chip) readWrite(fcp []byte, drive, head int, sel byte, write bool) {
	cyl, hd, rec, n := fcp[2], fcp[3], fcp[4], fcp[5]
	chrn := func(st0, st1, st2 byte, r byte) {
		c.respond(st0, st1, st2, cyl, hd, r, n)
	}

	d := c.ready(drive)
	switch {
	case d == nil:
		chrn(0x40|fdc.ST0NotReady|sel, 0, 0, rec)
		return
	case !c.trackReadable(d, drive, head):
		chrn(0x40|sel, fdc.ST1MissingAM, 0, rec)
		return
	case int(cyl) != c.cyl[drive]:
		chrn(0x40|sel, fdc.ST1NoData, fdc.ST2WrongCyl, rec)
		return
	case int(n) != d.Media.SectorSizeCode || d.Sector(c.cyl[drive], head, int(rec)) == nil:
		chrn(0x40|sel, fdc.ST1NoData, 0, rec)
		return
	case write && d.WriteProtected:
		chrn(0x40|sel, fdc.ST1NotWritable, 0, rec)
		return
	}

	c.exec = exec{drive: drive, cyl: c.cyl[drive], head: head, sector: int(rec), cutAt: -1,
		want: d.Media.SectorSize()}
	if write {
		c.phase = phaseExecWrite
		c.result = []byte{sel, 0, 0, cyl, hd, rec + 1, n}
		return
	}
	c.exec.buf = d.Sector(c.cyl[drive], head, int(rec))
	c.phase = phaseExecRead
	if d.isBad(c.cyl[drive], head, int(rec)) {
		c.exec.cutAt = len(c.exec.buf) / 2
		c.result = []byte{0x40 | sel, fdc.ST1DataError, fdc.ST2DataCRC, cyl, hd, rec, n}
		return
	}
	c.result = []byte{sel, 0, 0, cyl, hd, rec + 1, n}
}

func (c *Chip) readID(drive, head int, sel byte) {
	d := c.ready(drive)
	switch {
	case d == nil:
		c.respond(0x40|fdc.ST0NotReady|sel, 0, 0, 0, 0, 0, 0)
		return
	case !c.trackReadable(d, drive, head):
		c.respond(0x40|sel, fdc.ST1MissingAM, 0, 0, 0, 0, 0)
		return
	}
	r := d.Media.StartSector + c.rot%d.Media.SectorsPerTrack
	c.rot++
	c.respond(sel, 0, 0, byte(c.cyl[drive]), byte(head), byte(r), byte(d.Media.SectorSizeCode))
}

func (c *Chip) format(fcp []byte, drive, head int, sel byte) {
	n, sc, fill := fcp[2], fcp[3], fcp[5]
	d := c.ready(drive)
	switch {
	case d == nil:
		c.respond(0x40|fdc.ST0NotReady|sel, 0, 0, 0, 0, 0, n)
		return
	case d.WriteProtected:
		c.respond(0x40|sel, fdc.ST1NotWritable, 0, 0, 0, 0, n)
		return
	}
	c.exec = exec{kind: execFormat, drive: drive, cyl: c.cyl[drive], head: head, cutAt: -1, fill: fill,
		want: 4 * int(sc)}
	c.phase = phaseExecWrite
	c.result = []byte{sel, 0, 0, byte(c.cyl[drive]), byte(head), sc, n}
}
