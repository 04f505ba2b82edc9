package retrodfrg

import (
	"strings"
	"time"
)

// Map glyphs.
const (
	GlyphPending = '░'
	GlyphGood    = '█'
	GlyphBad     = 'B'
	GlyphHead    = '▒'
)

// SectorState is the per-sector progress of a run.
type SectorState uint8

// Sector states.
const (
	Pending SectorState = iota
	Good
	Bad
)

// SectorMap tracks one state per logical sector and the current position.
type SectorMap struct {
	states  []SectorState
	current int
}

// NewSectorMap returns a map of total pending sectors.
func NewSectorMap(total int) *SectorMap {
	return &SectorMap{states: make([]SectorState, total), current: -1}
}

// Len is the number of sectors tracked.
func (m *SectorMap) Len() int { return len(m.states) }

// Mark records the state of sector lba and moves the position there.
// Out of range sectors are ignored.
func (m *SectorMap) Mark(lba int, st SectorState) {
	if lba < 0 || lba >= len(m.states) {
		return
	}
	m.states[lba] = st
	m.current = lba
}

// Counts returns how many sectors are done and how many of those are bad.
func (m *SectorMap) Counts() (done, bad int) {
	for _, st := range m.states {
		switch st {
		case Good:
			done++
		case Bad:
			done++
			bad++
		}
	}
	return done, bad
}

// BadSectors lists the bad sector numbers in ascending order.
func (m *SectorMap) BadSectors() []int {
	var out []int
	for i, st := range m.states {
		if st == Bad {
			out = append(out, i)
		}
	}
	return out
}

// Render lays the map out in rows of width glyphs. When the disk does not
// fit, the window scrolls to keep the current sector visible.
func (m *SectorMap) Render(width, rows int) []string {
	if width <= 0 || rows <= 0 || len(m.states) == 0 {
		return nil
	}
	cells := width * rows
	start := 0
	if len(m.states) > cells && m.current >= cells {
		start = (m.current/width - rows + 1) * width
		if last := len(m.states) - cells; start > last {
			start = last
		}
	}

	var lines []string
	for row := 0; row < rows; row++ {
		var b strings.Builder
		for col := 0; col < width; col++ {
			i := start + row*width + col
			if i >= len(m.states) {
				break
			}
			b.WriteRune(m.glyph(i))
		}
		if b.Len() == 0 {
			break
		}
		lines = append(lines, b.String())
	}
	return lines
}

func (m *SectorMap) glyph(i int) rune {
	switch {
	case m.states[i] == Bad:
		return GlyphBad
	case i == m.current:
		return GlyphHead
	case m.states[i] == Good:
		return GlyphGood
	}
	return GlyphPending
}

// Legend returns the lines explaining the glyphs.
func Legend() []string {
	return []string{string([]rune{GlyphGood}) + " done   " +
		string([]rune{GlyphPending}) + " pending   " +
		string([]rune{GlyphHead}) + " head   " +
		string([]rune{GlyphBad}) + " bad"}
}

// WaitWithStop lingers on the final screen for d or until the user quits.
func WaitWithStop(u *UI, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-u.Stopped():
		return ErrInterrupted
	case <-timer.C:
		return nil
	}
}
