package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"fdctl/fdc"
	"fdctl/retrodfrg"
)

/* ===================== Progress ===================== */

// progress is the state shared by both reporters.
type progress struct {
	title string
	media fdc.MediaProfile
	m     *retrodfrg.SectorMap
	start time.Time
	op    string

	phases []string
	done   []string
}

func newProgress(title string, media fdc.MediaProfile, phases ...string) *progress {
	return &progress{
		title:  title,
		phases: phases,
		media:  media,
		m:      retrodfrg.NewSectorMap(media.TotalSectors()),
		start:  time.Now(),
	}
}

// statusLines formats position, counts, rate and ETA as of now.
func (p *progress) statusLines(now time.Time) []string {
	done, bad := p.m.Counts()
	total := p.m.Len()
	elapsed := now.Sub(p.start).Truncate(time.Second)

	var rate float64
	if s := now.Sub(p.start).Seconds(); s > 0 {
		rate = float64(done*p.media.SectorSize()) / s
	}
	eta := "-"
	if rate > 0 {
		remain := float64((total - done) * p.media.SectorSize())
		eta = time.Duration(remain / rate * float64(time.Second)).Truncate(time.Second).String()
	}
	return []string{
		fmt.Sprintf("Sectors: %d / %d   Bad: %d", done, total, bad),
		fmt.Sprintf("Elapsed: %s   Rate: %s/s   ETA: %s", elapsed, human(int64(rate)), eta),
		"Current op: " + p.op,
	}
}

// reporter shows the progress of a whole disk run.
type reporter interface {
	// Sector records one finished sector. A non-nil error aborts the run.
	Sector(p *progress, lba int, st retrodfrg.SectorState) error
	// Done shows the final summary.
	Done(p *progress, summary []string)
}

// newReporter picks the fullscreen map on a terminal and plain lines
// otherwise.
func newReporter(w io.Writer, plain bool) reporter {
	if f, ok := w.(*os.File); ok && !plain && term.IsTerminal(int(f.Fd())) {
		if ui, err := retrodfrg.NewUI(); err == nil {
			return &screenReporter{ui: ui}
		}
	}
	return &lineReporter{w: w}
}

// lineReporter prints one line per cylinder and one per bad sector.
type lineReporter struct {
	w io.Writer
}

func (r *lineReporter) Sector(p *progress, lba int, st retrodfrg.SectorState) error {
	c, h, s := p.media.CHS(lba)
	if st == retrodfrg.Bad {
		fmt.Fprintf(r.w, "bad sector C=%d H=%d R=%d: %s\n", c, h, s, p.op)
	}
	if (lba+1)%(p.media.Heads*p.media.SectorsPerTrack) == 0 {
		_, bad := p.m.Counts()
		fmt.Fprintf(r.w, "%s cylinder %02d/%02d (%d bad)\n", p.title, c, p.media.Cylinders-1, bad)
	}
	return nil
}

func (r *lineReporter) Done(_ *progress, summary []string) {
	for _, l := range summary {
		fmt.Fprintln(r.w, l)
	}
}

// screenReporter draws the sector map with tcell.
type screenReporter struct {
	ui    *retrodfrg.UI
	drawn time.Time
}

func (r *screenReporter) Sector(p *progress, _ int, _ retrodfrg.SectorState) error {
	if r.ui.IsStopped() {
		return retrodfrg.ErrInterrupted
	}
	if time.Since(r.drawn) < 50*time.Millisecond {
		return nil
	}
	r.draw(p)
	return nil
}

func (r *screenReporter) draw(p *progress) {
	r.drawn = time.Now()
	w, _ := r.ui.Size()
	r.ui.SetTitle(" " + p.title + " ")
	r.ui.SetSummaryLines([]string{fmt.Sprintf("Media: %s   %d cylinders, %d heads, %d sectors of %d bytes",
		p.media.Kind, p.media.Cylinders, p.media.Heads, p.media.SectorsPerTrack, p.media.SectorSize())})
	r.ui.SetLegend(retrodfrg.Legend())
	r.ui.SetPhases(p.phases)
	for _, ph := range p.done {
		r.ui.SetPhaseDone(ph)
	}
	r.ui.SetSectorMap(p.m.Render(w, r.ui.MapRows()))
	r.ui.SetStatusLines(p.statusLines(time.Now()))
	r.ui.LayoutAndDraw()
}

func (r *screenReporter) Done(p *progress, summary []string) {
	p.op = "done, press q to exit"
	r.draw(p)
	_ = retrodfrg.WaitWithStop(r.ui, 3*time.Second)
	r.ui.Close()
	for _, l := range summary {
		fmt.Println(l)
	}
}

/* ===================== Whole disk runs ===================== */

// sectorRetries is how many times a failing sector is read again before
// it is marked bad.
const sectorRetries = 3

// errNotReady is returned when the chip ended a data command with the
// not-ready bit set. That result decodes as OK, so callers have to ask.
var errNotReady = errors.New("drive not ready")

// checkReady turns an OK data command that the chip ended as not ready
// into errNotReady.
func checkReady(ctl *fdc.Controller, err error) error {
	if err == nil && ctl.LastResult().NotReady() {
		return errNotReady
	}
	return err
}

// fatal reports whether err should stop a whole disk run instead of
// marking one sector bad.
func fatal(err error) bool {
	o := fdc.OutcomeOf(err)
	if !o.Device() || o == fdc.NotWritable || o == fdc.DiskChanged {
		return true
	}
	// no disk or motor: every other sector would fail the same way
	var fe *fdc.Error
	return errors.As(err, &fe) && len(fe.FRB) > 0 && fe.FRB[0]&fdc.ST0NotReady != 0
}

// readSector reads lba with retries. data holds whatever arrived on the
// last attempt.
func readSector(ctl *fdc.Controller, m fdc.MediaProfile, lba int) ([]byte, error) {
	c, h, s := m.CHS(lba)
	var (
		data []byte
		err  error
	)
	for try := 0; try <= sectorRetries; try++ {
		data, err = ctl.Read(c, h, s)
		if err = checkReady(ctl, err); err == nil || fatal(err) {
			break
		}
	}
	return data, err
}

func badSummary(m fdc.MediaProfile, sm *retrodfrg.SectorMap) []string {
	bad := sm.BadSectors()
	if len(bad) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString("bad sectors (C/H/R):")
	for _, lba := range bad {
		c, h, s := m.CHS(lba)
		fmt.Fprintf(&b, " %d/%d/%d", c, h, s)
	}
	return []string{b.String()}
}

// scan reads every sector, handing good data to keep.
func scan(s *session, p *progress, rep reporter, keep func(lba int, data []byte)) error {
	for lba := 0; lba < p.m.Len(); lba++ {
		c, h, r := p.media.CHS(lba)
		p.op = fmt.Sprintf("read C=%d H=%d R=%d", c, h, r)
		data, err := readSector(s.ctl, p.media, lba)
		st := retrodfrg.Good
		if err != nil {
			if fatal(err) {
				return fmt.Errorf("%s: %w", p.op, err)
			}
			st = retrodfrg.Bad
			p.op = err.Error()
			s.log.Debug("bad sector", "lba", lba, "err", err)
		}
		if keep != nil {
			keep(lba, data)
		}
		p.m.Mark(lba, st)
		if err := rep.Sector(p, lba, st); err != nil {
			return err
		}
	}
	return nil
}

// dumpDisk reads the whole disk into a raw image. Bad sectors keep the
// bytes that arrived before the chip gave up, zero filled.
func dumpDisk(s *session, path string, rep reporter) error {
	p := newProgress("Dump "+path, s.media, "Read", "Save")
	img := make([]byte, s.media.Size())
	size := s.media.SectorSize()
	err := scan(s, p, rep, func(lba int, data []byte) {
		copy(img[lba*size:(lba+1)*size], data)
	})
	if err == nil {
		p.done = append(p.done, "Read")
		if err = os.WriteFile(path, img, 0o644); err == nil {
			p.done = append(p.done, "Save")
		}
	}
	summary := append([]string{fmt.Sprintf("dumped %s (%s) to %s", s.media.Kind, human(s.media.Size()), path)},
		badSummary(s.media, p.m)...)
	if err != nil {
		summary = []string{"dump failed: " + err.Error()}
	}
	rep.Done(p, summary)
	return err
}

// verifyDisk reads every sector and fails when any is bad.
func verifyDisk(s *session, rep reporter) error {
	p := newProgress("Verify", s.media, "Read")
	err := scan(s, p, rep, nil)
	if err == nil {
		p.done = append(p.done, "Read")
	}
	_, bad := p.m.Counts()
	summary := append([]string{fmt.Sprintf("verified %d sectors, %d bad", p.m.Len(), bad)}, badSummary(s.media, p.m)...)
	if err != nil {
		summary = []string{"verify failed: " + err.Error()}
	}
	rep.Done(p, summary)
	if err == nil && bad > 0 {
		err = fmt.Errorf("%d bad sector(s)", bad)
	}
	return err
}

// restoreDisk writes a raw image to the disk. The media profile follows
// the image size.
func restoreDisk(s *session, path string, rep reporter) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	size, err := imageSize(f)
	if err != nil {
		return err
	}
	m, err := fdc.ProfileForSize(size)
	if err != nil {
		return fmt.Errorf("%s (%s): %w", path, human(size), err)
	}
	if m.Kind != s.media.Kind {
		if err := s.ctl.SelectProfile(m.Kind); err != nil {
			return err
		}
		s.media = s.ctl.Media()
	}
	img := make([]byte, size)
	if _, err := io.ReadFull(f, img); err != nil {
		return fmt.Errorf("read image: %w", err)
	}

	p := newProgress("Restore "+path, m, "Load", "Write")
	p.done = append(p.done, "Load")
	n := m.SectorSize()
	for lba := 0; lba < p.m.Len(); lba++ {
		c, h, r := m.CHS(lba)
		p.op = fmt.Sprintf("write C=%d H=%d R=%d", c, h, r)
		st := retrodfrg.Good
		werr := checkReady(s.ctl, s.ctl.Write(c, h, r, img[lba*n:(lba+1)*n]))
		if werr != nil {
			if fatal(werr) {
				err = fmt.Errorf("%s: %w", p.op, werr)
				break
			}
			st = retrodfrg.Bad
		}
		p.m.Mark(lba, st)
		if err = rep.Sector(p, lba, st); err != nil {
			break
		}
	}

	if err == nil {
		p.done = append(p.done, "Write")
	}
	_, bad := p.m.Counts()
	summary := append([]string{fmt.Sprintf("restored %s to a %s disk, %d bad", path, m.Kind, bad)}, badSummary(m, p.m)...)
	if err != nil {
		summary = []string{"restore failed: " + err.Error()}
	}
	rep.Done(p, summary)
	if err == nil && bad > 0 {
		err = fmt.Errorf("%d sector(s) could not be written", bad)
	}
	return err
}
