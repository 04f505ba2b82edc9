package sim

import (
	"bytes"
	"path/filepath"
	"testing"

	"fdctl/fdc"
)

func profile(t *testing.T, k fdc.MediaKind) fdc.MediaProfile {
	t.Helper()
	m, err := fdc.Profile(k)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// send pushes a full FCP the way the engine does.
func send(t *testing.T, c *Chip, fcp ...byte) {
	t.Helper()
	for i, b := range fcp {
		if st := c.WaitStatus(0xC0, 0x80); st != fdc.StatusOK {
			t.Fatalf("byte %d: chip not accepting commands (msr %#x)", i, c.MSR())
		}
		if st := c.WriteData(b); st != fdc.StatusOK {
			t.Fatalf("byte %d: %v", i, st)
		}
	}
}

func result(t *testing.T, c *Chip) []byte {
	t.Helper()
	st, frb := c.ReadResult()
	if st != fdc.StatusOK {
		t.Fatalf("ReadResult: %v", st)
	}
	return frb
}

func spinning(t *testing.T, k fdc.MediaKind) (*Chip, *Disk) {
	t.Helper()
	m := profile(t, k)
	c := NewChip()
	d := NewDisk(m)
	c.Insert(0, d)
	if err := c.Reset(0x0C); err != nil {
		t.Fatal(err)
	}
	_ = c.WriteDOR(0x1C)
	_ = c.WriteDCR(m.DataRateSelect)
	return c, d
}

func TestResetQueuesReadyChange(t *testing.T) {
	c := NewChip()
	if err := c.Reset(0x0C); err != nil {
		t.Fatal(err)
	}
	for d := byte(0); d < 4; d++ {
		send(t, c, fdc.CmdSenseInt)
		if frb := result(t, c); !bytes.Equal(frb, []byte{0xC0 | d, 0}) {
			t.Errorf("drive %d: sense interrupt = % X", d, frb)
		}
	}
	send(t, c, fdc.CmdSenseInt)
	if frb := result(t, c); !bytes.Equal(frb, []byte{0x80}) {
		t.Errorf("idle sense interrupt = % X, expected 80", frb)
	}
}

func TestMSRFollowsPhases(t *testing.T) {
	c, _ := spinning(t, fdc.Floppy144)
	if c.MSR() != 0x80 {
		t.Errorf("idle msr = %#x", c.MSR())
	}
	_ = c.WriteData(fdc.ReadFlags | fdc.CmdRead)
	if c.MSR() != 0x90 {
		t.Errorf("collecting msr = %#x", c.MSR())
	}
	for _, b := range []byte{0, 0, 0, 1, 2, 18, 0x1B, 2} {
		_ = c.WriteData(b)
	}
	if c.MSR() != 0xF0 {
		t.Errorf("exec read msr = %#x", c.MSR())
	}
	if st := c.WaitStatus(0xFF, 0xF0); st != fdc.StatusOK {
		t.Errorf("WaitStatus in exec phase = %v", st)
	}
	if st, _ := c.ReadBlock(512); st != fdc.StatusOK {
		t.Errorf("ReadBlock = %v", st)
	}
	if c.MSR() != 0xD0 {
		t.Errorf("result msr = %#x", c.MSR())
	}
	if st := c.WaitStatus(0xC0, 0x80); st != fdc.StatusTimeoutExec {
		t.Errorf("command wait in result phase = %v", st)
	}
	result(t, c)
	if c.MSR() != 0x80 {
		t.Errorf("msr after result = %#x", c.MSR())
	}
}

func TestSeekAndRecalibrate(t *testing.T) {
	c, _ := spinning(t, fdc.Floppy144)
	for i := 0; i < 4; i++ {
		send(t, c, fdc.CmdSenseInt)
		result(t, c)
	}

	send(t, c, fdc.CmdSeek, 0x04, 33)
	send(t, c, fdc.CmdSenseInt)
	if frb := result(t, c); !bytes.Equal(frb, []byte{0x24, 33}) {
		t.Errorf("seek sense = % X", frb)
	}
	if c.HeadCylinder(0) != 33 {
		t.Errorf("head at %d", c.HeadCylinder(0))
	}

	send(t, c, fdc.CmdSeek, 0x00, 200)
	send(t, c, fdc.CmdSenseInt)
	if frb := result(t, c); frb[1] != 79 {
		t.Errorf("seek past the end stopped at %d", frb[1])
	}

	send(t, c, fdc.CmdRecalibrate, 0x00)
	send(t, c, fdc.CmdSenseInt)
	if frb := result(t, c); !bytes.Equal(frb, []byte{0x20, 0}) {
		t.Errorf("recalibrate sense = % X", frb)
	}
}

func TestSeekWithoutMotor(t *testing.T) {
	c, _ := spinning(t, fdc.Floppy144)
	_ = c.WriteDOR(0x0C)
	for i := 0; i < 4; i++ {
		send(t, c, fdc.CmdSenseInt)
		result(t, c)
	}
	send(t, c, fdc.CmdRecalibrate, 0x00)
	send(t, c, fdc.CmdSenseInt)
	frb := result(t, c)
	if fdc.Decode(fdc.CmdSenseInt, frb) != fdc.AbnormalTermination {
		t.Errorf("sense after seek on stopped drive = % X", frb)
	}
}

func TestReadWriteSector(t *testing.T) {
	c, d := spinning(t, fdc.Floppy144)
	payload := bytes.Repeat([]byte{0x3C}, 512)

	send(t, c, fdc.WriteFlags|fdc.CmdWrite, 0x00, 0, 0, 5, 2, 18, 0x1B, 2)
	if st := c.WriteBlock(payload, 512); st != fdc.StatusOK {
		t.Fatalf("WriteBlock = %v", st)
	}
	if frb := result(t, c); !bytes.Equal(frb, []byte{0, 0, 0, 0, 0, 6, 2}) {
		t.Errorf("write result = % X", frb)
	}
	if !bytes.Equal(d.Sector(0, 0, 5), payload) {
		t.Error("sector not written")
	}

	send(t, c, fdc.ReadFlags|fdc.CmdRead, 0x00, 0, 0, 5, 2, 18, 0x1B, 2)
	st, data := c.ReadBlock(512)
	if st != fdc.StatusOK || !bytes.Equal(data, payload) {
		t.Errorf("ReadBlock = %v, % X...", st, data[:4])
	}
	result(t, c)
}

func TestReadWriteErrors(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*Chip, *Disk)
		fcp      []byte
		expected fdc.Outcome
	}{
		{"missing sector", nil, []byte{0xE6, 0, 0, 0, 19, 2, 18, 0x1B, 2}, fdc.NoData},
		{"wrong size code", nil, []byte{0xE6, 0, 0, 0, 1, 3, 18, 0x1B, 2}, fdc.NoData},
		{"wrong cylinder", nil, []byte{0xE6, 0, 7, 0, 1, 2, 18, 0x1B, 2}, fdc.NoData},
		{"unformatted", func(c *Chip, d *Disk) { d.Unformat(0, 0) }, []byte{0xE6, 0, 0, 0, 1, 2, 18, 0x1B, 2}, fdc.MissingAddressMark},
		{"wrong data rate", func(c *Chip, d *Disk) { _ = c.WriteDCR(fdc.Rate250K) }, []byte{0xE6, 0, 0, 0, 1, 2, 18, 0x1B, 2}, fdc.MissingAddressMark},
		{"write protected", func(c *Chip, d *Disk) { d.WriteProtected = true }, []byte{0xC5, 0, 0, 0, 1, 2, 18, 0x1B, 2}, fdc.NotWritable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, d := spinning(t, fdc.Floppy144)
			if tt.setup != nil {
				tt.setup(c, d)
			}
			send(t, c, tt.fcp...)
			if c.MSR() != 0xD0 {
				t.Errorf("msr = %#x, expected straight to result phase", c.MSR())
			}
			if tt.fcp[0]&0x1F == fdc.CmdRead {
				if st, _ := c.ReadBlock(512); st != fdc.StatusReadError {
					t.Errorf("ReadBlock = %v, expected read error", st)
				}
			} else if st := c.WriteBlock(make([]byte, 512), 512); st != fdc.StatusWriteError {
				t.Errorf("WriteBlock = %v, expected write error", st)
			}
			frb := result(t, c)
			if len(frb) != 7 {
				t.Fatalf("result length %d", len(frb))
			}
			if got := fdc.Decode(tt.fcp[0]&0x1F, frb); got != tt.expected {
				t.Errorf("outcome = %v (% X), expected %v", got, frb, tt.expected)
			}
		})
	}
}

func TestReadNotReady(t *testing.T) {
	c, _ := spinning(t, fdc.Floppy144)
	c.Eject(0)
	send(t, c, 0xE6, 0, 0, 0, 1, 2, 18, 0x1B, 2)
	if st, data := c.ReadBlock(512); st != fdc.StatusReadError || len(data) != 0 {
		t.Errorf("ReadBlock = %v with %d bytes", st, len(data))
	}
	frb := result(t, c)
	if got := fdc.Decode(fdc.CmdRead, frb); got != fdc.OK {
		t.Errorf("outcome = %v (% X), expected ok", got, frb)
	}
	if !(fdc.Result{FRB: frb}).NotReady() {
		t.Errorf("result % X does not report not ready", frb)
	}
}

func TestWriteDiskSwappedMidCommand(t *testing.T) {
	tests := []struct {
		name     string
		swap     func(*Chip)
		expected fdc.Outcome
		notReady bool
	}{
		{"smaller disk", func(c *Chip) { c.Insert(0, NewDisk(profile(t, fdc.Floppy720))) }, fdc.NoData, false},
		{"ejected", func(c *Chip) { c.Eject(0) }, fdc.OK, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, d := spinning(t, fdc.Floppy144)
			send(t, c, 0xC5, 0, 0, 0, 18, 2, 18, 0x1B, 2)
			tt.swap(c)
			if st := c.WriteBlock(bytes.Repeat([]byte{0xA5}, 512), 512); st != fdc.StatusOK {
				t.Fatalf("WriteBlock = %v", st)
			}
			frb := result(t, c)
			if got := fdc.Decode(fdc.CmdWrite, frb); got != tt.expected {
				t.Errorf("outcome = %v (% X), expected %v", got, frb, tt.expected)
			}
			if got := (fdc.Result{FRB: frb}).NotReady(); got != tt.notReady {
				t.Errorf("NotReady = %v, expected %v", got, tt.notReady)
			}
			if frb[5] != 18 {
				t.Errorf("result R = %d, expected the failed sector", frb[5])
			}
			if bytes.Contains(d.Bytes(), []byte{0xA5, 0xA5}) {
				t.Error("original disk was written")
			}
		})
	}
}

func TestBadSectorCutsTransfer(t *testing.T) {
	c, d := spinning(t, fdc.Floppy144)
	_ = d.SetSector(0, 1, 2, bytes.Repeat([]byte{0x11}, 512))
	d.MarkBad(0, 1, 2)

	send(t, c, 0xE6, 0x04, 0, 1, 2, 2, 18, 0x1B, 2)
	st, data := c.ReadBlock(512)
	if st != fdc.StatusReadError {
		t.Fatalf("ReadBlock = %v", st)
	}
	if data[255] != 0x11 || data[256] != 0 {
		t.Errorf("cut point wrong: %#x %#x", data[255], data[256])
	}
	if got := fdc.Decode(fdc.CmdRead, result(t, c)); got != fdc.DataError {
		t.Errorf("outcome = %v", got)
	}
}

func TestFormatClearsTrack(t *testing.T) {
	c, d := spinning(t, fdc.Floppy360)
	m := d.Media
	d.Unformat(0, 1)
	d.MarkBad(0, 1, 3)
	_ = d.SetSector(0, 1, 3, bytes.Repeat([]byte{0x99}, 512))

	pkt := fdc.FormatCommand(fdc.FlagMFM|fdc.CmdFormatTrack, m, 0, 1)
	send(t, c, pkt.Bytes()...)
	ids := fdc.FormatIDs(m, 0, 1)
	if st := c.WriteBlock(ids, len(ids)); st != fdc.StatusOK {
		t.Fatalf("WriteBlock = %v", st)
	}
	if got := fdc.Decode(fdc.CmdFormatTrack, result(t, c)); got != fdc.OK {
		t.Errorf("format outcome = %v", got)
	}
	if !d.formatted(0, 1) || d.isBad(0, 1, 3) {
		t.Error("track not restored by format")
	}
	if !bytes.Equal(d.Sector(0, 1, 3), bytes.Repeat([]byte{m.FillByte}, 512)) {
		t.Error("sector not filled")
	}
}

func TestReadIDRotates(t *testing.T) {
	c, _ := spinning(t, fdc.Floppy360)
	for want := 1; want <= 10; want++ {
		send(t, c, 0x4A, 0x00)
		frb := result(t, c)
		expected := (want-1)%9 + 1
		if int(frb[5]) != expected {
			t.Errorf("read id %d: sector %d, expected %d", want, frb[5], expected)
		}
	}
}

func TestDriveStatusBits(t *testing.T) {
	c, d := spinning(t, fdc.Floppy144)
	d.WriteProtected = true
	send(t, c, fdc.CmdDriveStatus, 0x04)
	st3 := result(t, c)[0]
	want := byte(fdc.ST3Ready | fdc.ST3WriteProtect | fdc.ST3TwoSide | fdc.ST3Track0 | 0x04)
	if st3 != want {
		t.Errorf("ST3 = %#x, expected %#x", st3, want)
	}
}

func TestUnknownOpcodeIsInvalid(t *testing.T) {
	c, _ := spinning(t, fdc.Floppy144)
	send(t, c, 0x1F)
	if frb := result(t, c); !bytes.Equal(frb, []byte{0x80}) {
		t.Errorf("result = % X", frb)
	}
}

func TestFaultsAndOverride(t *testing.T) {
	c, _ := spinning(t, fdc.Floppy144)
	c.Faults = Faults{Wait: fdc.StatusTimeoutExec, WaitAfter: 2}
	for i := 0; i < 2; i++ {
		if st := c.WaitStatus(0xC0, 0x80); st != fdc.StatusOK {
			t.Fatalf("wait %d = %v", i, st)
		}
	}
	if st := c.WaitStatus(0xC0, 0x80); st != fdc.StatusTimeoutExec {
		t.Errorf("wait after limit = %v", st)
	}

	c.Faults = Faults{}
	c.Override = func(fcp []byte) ([]byte, bool) {
		return []byte{0x40, 0x80}, fcp[0] == fdc.CmdVersion
	}
	send(t, c, fdc.CmdVersion)
	if frb := result(t, c); !bytes.Equal(frb, []byte{0x40, 0x80}) {
		t.Errorf("override ignored: % X", frb)
	}
	if c.Count(fdc.CmdVersion) != 1 {
		t.Errorf("history count = %d", c.Count(fdc.CmdVersion))
	}
	c.ClearHistory()
	if len(c.Commands()) != 0 {
		t.Error("history not cleared")
	}
}

func TestDrainDropsResult(t *testing.T) {
	c, _ := spinning(t, fdc.Floppy144)
	send(t, c, fdc.CmdVersion)
	if st := c.Drain(); st != fdc.StatusOK {
		t.Fatal(st)
	}
	if c.MSR() != 0x80 {
		t.Errorf("msr after drain = %#x", c.MSR())
	}
}

func TestDiskImageRoundTrip(t *testing.T) {
	d := NewDisk(profile(t, fdc.Floppy720))
	_ = d.SetSector(79, 1, 9, bytes.Repeat([]byte{0xA5}, 512))
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := d.Save(path); err != nil {
		t.Fatal(err)
	}
	back, err := LoadDisk(path)
	if err != nil {
		t.Fatal(err)
	}
	if back.Media.Kind != fdc.Floppy720 {
		t.Errorf("media = %v", back.Media.Kind)
	}
	if !bytes.Equal(back.Sector(79, 1, 9), d.Sector(79, 1, 9)) {
		t.Error("sector lost in round trip")
	}
	if _, err := NewDiskFromImage(make([]byte, 1000)); err == nil {
		t.Error("odd sized image accepted")
	}
	if err := d.SetSector(80, 0, 1, nil); err == nil {
		t.Error("SetSector outside media accepted")
	}
}
