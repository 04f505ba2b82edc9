package main

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fdctl/fdc"
	"fdctl/retrodfrg"
	"fdctl/sim"
)

func profile(t *testing.T, k fdc.MediaKind) fdc.MediaProfile {
	t.Helper()
	m, err := fdc.Profile(k)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// patternImage fills every sector with its own LBA.
func patternImage(m fdc.MediaProfile) []byte {
	img := make([]byte, m.Size())
	n := m.SectorSize()
	for lba := 0; lba < m.TotalSectors(); lba++ {
		for i := 0; i < n; i++ {
			img[lba*n+i] = byte(lba)
		}
	}
	return img
}

func writeImage(t *testing.T, img []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, img, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs(append([]string{"--spinup", "0"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func simSession(t *testing.T, k fdc.MediaKind) (*session, *sim.Disk) {
	t.Helper()
	m := profile(t, k)
	chip := sim.NewChip()
	disk := sim.NewDisk(m)
	chip.Insert(0, disk)
	ctl, err := fdc.New(chip, fdc.WithMedia(k), fdc.WithSleep(func(time.Duration) {}))
	if err != nil {
		t.Fatal(err)
	}
	return &session{
		ctl:   ctl,
		log:   slog.New(slog.DiscardHandler),
		media: ctl.Media(),
		close: func() error { return nil },
	}, disk
}

func TestDescribeST3(t *testing.T) {
	tests := []struct {
		st3      byte
		expected string
	}{
		{0x00, "ST3=0x00 head=0 drive=0 [none]"},
		{0x38, "ST3=0x38 head=0 drive=0 [ready track0 two-sided]"},
		{0x65, "ST3=0x65 head=1 drive=1 [write-protected ready]"},
		{0x80, "ST3=0x80 head=0 drive=0 [fault]"},
	}
	for _, tt := range tests {
		if got := describeST3(tt.st3); got != tt.expected {
			t.Errorf("describeST3(0x%02X) = %q, expected %q", tt.st3, got, tt.expected)
		}
	}
}

func TestParseArguments(t *testing.T) {
	got, err := parseInts([]string{"12", "0x1", "7"})
	if err != nil || len(got) != 3 || got[0] != 12 || got[1] != 1 || got[2] != 7 {
		t.Errorf("parseInts = %v, %v", got, err)
	}
	if _, err := parseInts([]string{"x"}); err == nil {
		t.Error("parseInts accepted a non-number")
	}
	if b, err := parseByte("0xE5"); err != nil || b != 0xE5 {
		t.Errorf("parseByte = %#x, %v", b, err)
	}
	if _, err := parseByte("256"); err == nil {
		t.Error("parseByte accepted 256")
	}
}

func TestHuman(t *testing.T) {
	tests := []struct {
		in       int64
		expected string
	}{
		{512, "512B"},
		{368640, "360K"},
		{1474560, "1M"},
	}
	for _, tt := range tests {
		if got := human(tt.in); got != tt.expected {
			t.Errorf("human(%d) = %q, expected %q", tt.in, got, tt.expected)
		}
	}
}

func TestReadCommand(t *testing.T) {
	m := profile(t, fdc.Floppy360)
	path := writeImage(t, patternImage(m))
	out, err := runCLI(t, "--image", path, "read", "0", "1", "3")
	if err != nil {
		t.Fatal(err)
	}
	// C=0 H=1 R=3 is LBA 11
	if !strings.HasPrefix(out, "00000000  0b 0b 0b 0b") {
		t.Errorf("dump starts %q", out[:min(len(out), 40)])
	}
	if n := strings.Count(out, "\n"); n != 32 {
		t.Errorf("dump has %d lines, expected 32", n)
	}
}

func TestWriteCommandSavesImage(t *testing.T) {
	m := profile(t, fdc.Floppy360)
	path := writeImage(t, patternImage(m))
	out, err := runCLI(t, "--image", path, "--save", "write", "2", "0", "1", "--fill", "0xAA")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "wrote C=2 H=0 R=1 (512 bytes)") {
		t.Errorf("output = %q", out)
	}
	img, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	off := m.LBA(2, 0, 1) * 512
	if !bytes.Equal(img[off:off+512], bytes.Repeat([]byte{0xAA}, 512)) {
		t.Error("sector not written to the image")
	}
	if img[off+512] != byte(m.LBA(2, 0, 2)) {
		t.Error("neighbouring sector changed")
	}
}

func TestWriteCommandNeedsOneSource(t *testing.T) {
	if _, err := runCLI(t, "write", "0", "0", "1"); err == nil {
		t.Error("write without --in or --fill accepted")
	}
}

func TestInfoCommands(t *testing.T) {
	tests := []struct {
		args     []string
		expected string
	}{
		{[]string{"version"}, "version 0x90: enhanced controller"},
		{[]string{"status"}, "[track0 two-sided]"},
		{[]string{"seek", "17"}, "head at cylinder 17"},
		{[]string{"recalibrate"}, "head at cylinder 0"},
		{[]string{"readid"}, "C=0 H=0 R=1 N=2 (512 bytes)"},
		{[]string{"format", "--cyl", "3"}, "format complete: 1 cylinder(s), 1.44M"},
	}
	for _, tt := range tests {
		out, err := runCLI(t, tt.args...)
		if err != nil {
			t.Errorf("%v: %v", tt.args, err)
			continue
		}
		if !strings.Contains(out, tt.expected) {
			t.Errorf("%v output = %q, expected to contain %q", tt.args, out, tt.expected)
		}
	}
}

func TestBadFlags(t *testing.T) {
	tests := [][]string{
		{"--backend", "floppy", "status"},
		{"--media", "2.88M", "status"},
		{"--drive", "4", "status"},
		{"--backend", "serial", "status"},
		{"seek", "80"},
	}
	for _, args := range tests {
		if _, err := runCLI(t, args...); err == nil {
			t.Errorf("%v accepted", args)
		}
	}
}

func TestImageSizeMustMatchProfile(t *testing.T) {
	path := writeImage(t, make([]byte, 1000))
	if _, err := runCLI(t, "--image", path, "status"); err == nil {
		t.Error("odd sized image accepted")
	}
}

func TestDumpRestoreVerify(t *testing.T) {
	m := profile(t, fdc.Floppy360)
	src := patternImage(m)
	srcPath := writeImage(t, src)
	dumpPath := filepath.Join(t.TempDir(), "dump.img")

	out, err := runCLI(t, "--image", srcPath, "dump", "--out", dumpPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "dumped 360K (360K)") {
		t.Errorf("dump output = %q", out)
	}
	got, err := os.ReadFile(dumpPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, src) {
		t.Error("dump differs from the disk")
	}

	blank := writeImage(t, make([]byte, m.Size()))
	if _, err := runCLI(t, "--image", blank, "--save", "restore", "--in", dumpPath); err != nil {
		t.Fatal(err)
	}
	restored, err := os.ReadFile(blank)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(restored, src) {
		t.Error("restore did not reproduce the image")
	}

	out, err = runCLI(t, "--image", blank, "verify")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "verified 720 sectors, 0 bad") {
		t.Errorf("verify output = %q", out)
	}
	if n := strings.Count(out, "cylinder "); n != 40 {
		t.Errorf("%d cylinder lines, expected 40", n)
	}
}

func TestRestoreSwitchesProfile(t *testing.T) {
	s, _ := simSession(t, fdc.Floppy144)
	img := writeImage(t, patternImage(profile(t, fdc.Floppy720)))
	// the 1.44M disk reads back nothing at 250 kbps, so every write fails
	err := restoreDisk(s, img, &lineReporter{w: &bytes.Buffer{}})
	if err == nil {
		t.Fatal("restore onto mismatched media succeeded")
	}
	if s.media.Kind != fdc.Floppy720 || s.ctl.Media().Kind != fdc.Floppy720 {
		t.Errorf("profile is %v", s.ctl.Media().Kind)
	}
}

func TestVerifyListsBadSectors(t *testing.T) {
	s, disk := simSession(t, fdc.Floppy360)
	disk.MarkBad(0, 0, 3)
	disk.MarkBad(39, 1, 9)
	var out bytes.Buffer
	err := verifyDisk(s, &lineReporter{w: &out})
	if err == nil || !strings.Contains(err.Error(), "2 bad sector") {
		t.Errorf("err = %v", err)
	}
	for _, want := range []string{
		"bad sector C=0 H=0 R=3: ",
		"bad sectors (C/H/R): 0/0/3 39/1/9",
		"verified 720 sectors, 2 bad",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestDumpKeepsPartialData(t *testing.T) {
	s, disk := simSession(t, fdc.Floppy360)
	disk.MarkBad(1, 0, 1)
	path := filepath.Join(t.TempDir(), "d.img")
	if err := dumpDisk(s, path, &lineReporter{w: &bytes.Buffer{}}); err != nil {
		t.Fatal(err)
	}
	img, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	off := s.media.LBA(1, 0, 1) * 512
	if !bytes.Equal(img[off+256:off+512], make([]byte, 256)) {
		t.Error("tail of the bad sector is not zero filled")
	}
	if img[off-1] != s.media.FillByte {
		t.Error("previous sector lost")
	}
}

func TestDumpStopsOnProtectedOrMissingDisk(t *testing.T) {
	s, _ := simSession(t, fdc.Floppy360)
	chip := sim.NewChip() // empty drive
	ctl, _ := fdc.New(chip, fdc.WithMedia(fdc.Floppy360), fdc.WithSleep(func(time.Duration) {}))
	s.ctl = ctl
	err := dumpDisk(s, filepath.Join(t.TempDir(), "x.img"), &lineReporter{w: &bytes.Buffer{}})
	if err == nil {
		t.Fatal("dump of an empty drive succeeded")
	}

	s, disk := simSession(t, fdc.Floppy360)
	disk.WriteProtected = true
	img := writeImage(t, make([]byte, s.media.Size()))
	if err := restoreDisk(s, img, &lineReporter{w: &bytes.Buffer{}}); err == nil || fdc.OutcomeOf(err) != fdc.NotWritable {
		t.Errorf("restore onto protected disk err = %v", err)
	}
}

func TestDumpStopsWhenDriveEmpties(t *testing.T) {
	s, _ := simSession(t, fdc.Floppy360)
	chip := sim.NewChip()
	chip.Insert(0, sim.NewDisk(s.media))
	ctl, err := fdc.New(chip, fdc.WithMedia(fdc.Floppy360), fdc.WithSleep(func(time.Duration) {}))
	if err != nil {
		t.Fatal(err)
	}
	if err := ctl.Recalibrate(); err != nil {
		t.Fatal(err)
	}
	chip.Eject(0)
	s.ctl = ctl

	var out bytes.Buffer
	err = dumpDisk(s, filepath.Join(t.TempDir(), "x.img"), &lineReporter{w: &out})
	if !errors.Is(err, errNotReady) {
		t.Fatalf("err = %v, expected not ready", err)
	}
	if n := chip.Count(fdc.CmdRead); n != 1 {
		t.Errorf("read issued %d times, expected 1", n)
	}
	if strings.Contains(out.String(), "bad sector") {
		t.Errorf("not ready drive marked sectors bad:\n%s", out.String())
	}
}

func TestStatusLines(t *testing.T) {
	p := newProgress("Dump", profile(t, fdc.Floppy360))
	p.m.Mark(0, retrodfrg.Good)
	p.m.Mark(1, retrodfrg.Bad)
	p.op = "read C=0 H=0 R=2"
	lines := p.statusLines(p.start.Add(2 * time.Second))
	expected := []string{
		"Sectors: 2 / 720   Bad: 1",
		"Elapsed: 2s   Rate: 512B/s   ETA: 11m58s",
		"Current op: read C=0 H=0 R=2",
	}
	if len(lines) != len(expected) {
		t.Fatalf("lines = %q", lines)
	}
	for i := range expected {
		if lines[i] != expected[i] {
			t.Errorf("line %d = %q, expected %q", i, lines[i], expected[i])
		}
	}
}

func TestScriptCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geo.lua")
	if err := os.WriteFile(path, []byte("print(fdc.geometry())\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := runCLI(t, "--media", "720K", "script", path)
	if err != nil {
		t.Fatal(err)
	}
	if out != "80\t2\t9\t512\n" {
		t.Errorf("output = %q", out)
	}
}
