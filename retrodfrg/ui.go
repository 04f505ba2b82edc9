// Package retrodfrg draws a fullscreen, DOS-defrag style view of a floppy:
// a title, a few summary lines, one glyph per sector and a status block.
// The caller owns all state; the UI only renders what it is handed.
package retrodfrg

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gdamore/tcell/v2"
)

// ErrInterrupted is returned when the user asks to stop the run.
var ErrInterrupted = errors.New("interrupted")

// reservedRows is the space kept below the sector map for the phase and
// status blocks.
const reservedRows = 7

// UI is a tcell screen plus the text it shows. Setters may be called from
// the worker goroutine; drawing happens in LayoutAndDraw.
type UI struct {
	s        tcell.Screen
	stopChan chan struct{}
	once     sync.Once
	mu       sync.Mutex

	title       string
	phases      []string
	phaseDone   map[string]bool
	summary     []string
	legend      []string
	status      []string
	sectorLines []string
}

// NewUI opens the terminal and starts listening for q, Esc and Ctrl-C.
func NewUI() (*UI, error) {
	s, err := tcell.NewScreen()
	if err != nil {
		return nil, err
	}
	return NewUIOnScreen(s)
}

// NewUIOnScreen runs the UI on an existing screen (a simulation screen in
// tests).
func NewUIOnScreen(s tcell.Screen) (*UI, error) {
	if err := s.Init(); err != nil {
		return nil, err
	}
	s.DisableMouse()
	s.HideCursor()
	u := &UI{
		s:         s,
		stopChan:  make(chan struct{}),
		phaseDone: make(map[string]bool),
	}
	go u.eventLoop()
	return u, nil
}

// Close restores the terminal.
func (u *UI) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.s == nil {
		return
	}
	u.RequestStop()
	u.s.Fini()
	u.s = nil
}

// RequestStop signals the worker to stop. Safe to call more than once.
func (u *UI) RequestStop() {
	u.once.Do(func() {
		close(u.stopChan)
		if u.s != nil {
			_ = u.s.PostEvent(tcell.NewEventInterrupt(nil))
		}
	})
}

// IsStopped reports whether a stop was requested.
func (u *UI) IsStopped() bool {
	select {
	case <-u.stopChan:
		return true
	default:
		return false
	}
}

// Stopped is closed when a stop is requested.
func (u *UI) Stopped() <-chan struct{} { return u.stopChan }

// Size returns the screen size, zero once closed.
func (u *UI) Size() (width, height int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.s == nil {
		return 0, 0
	}
	return u.s.Size()
}

// MapRows is the number of sector map rows that fit below the header.
func (u *UI) MapRows() int {
	_, h := u.Size()
	u.mu.Lock()
	used := len(u.summary) + len(u.legend)
	if u.title != "" {
		used++
	}
	u.mu.Unlock()
	if rows := h - used - reservedRows; rows > 0 {
		return rows
	}
	return 1
}

func putStr(s tcell.Screen, x, y int, str string, style tcell.Style) {
	w, _ := s.Size()
	for i, r := range []rune(str) {
		if x+i >= w {
			break
		}
		s.SetContent(x+i, y, r, nil, style)
	}
}

// sectorStyle colours the map glyphs.
func sectorStyle(r rune) tcell.Style {
	switch r {
	case GlyphBad:
		return tcell.StyleDefault.Foreground(tcell.ColorRed)
	case GlyphHead:
		return tcell.StyleDefault.Foreground(tcell.ColorYellow)
	case GlyphGood:
		return tcell.StyleDefault.Foreground(tcell.ColorBlue)
	}
	return tcell.StyleDefault
}

// LayoutAndDraw redraws the screen from the current state.
func (u *UI) LayoutAndDraw() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.s == nil {
		return
	}
	u.s.Clear()
	w, h := u.s.Size()
	y := 0

	if u.title != "" {
		putStr(u.s, 0, y, strings.Repeat("═", w), tcell.StyleDefault)
		putStr(u.s, (w-len([]rune(u.title)))/2, y, u.title, tcell.StyleDefault.Bold(true))
		y++
	}
	for _, block := range [][]string{u.summary, u.legend} {
		for _, line := range block {
			if y >= h {
				break
			}
			putStr(u.s, 0, y, line, tcell.StyleDefault)
			y++
		}
	}

	rows := h - y - reservedRows
	if rows < 1 {
		rows = 1
	}
	for i := 0; i < rows && i < len(u.sectorLines) && y < h; i++ {
		for x, r := range []rune(u.sectorLines[i]) {
			if x >= w {
				break
			}
			u.s.SetContent(x, y, r, nil, sectorStyle(r))
		}
		y++
	}

	if len(u.phases) > 0 && y < h {
		putStr(u.s, 0, y, strings.Repeat("─", w), tcell.StyleDefault)
		putStr(u.s, 2, y, " Phase ", tcell.StyleDefault)
		y++
		var b strings.Builder
		for i, p := range u.phases {
			if i > 0 {
				b.WriteByte(' ')
			}
			mark := ' '
			if u.phaseDone[strings.ToLower(p)] {
				mark = '✓'
			}
			fmt.Fprintf(&b, "[%c]%s", mark, p)
		}
		putStr(u.s, 0, y, b.String(), tcell.StyleDefault)
		y++
	}

	if len(u.status) > 0 && y < h {
		putStr(u.s, 0, y, strings.Repeat("─", w), tcell.StyleDefault)
		putStr(u.s, 2, y, " Status ", tcell.StyleDefault)
		y++
		for _, line := range u.status {
			if y >= h {
				break
			}
			putStr(u.s, 0, y, line, tcell.StyleDefault)
			y++
		}
	}
	u.s.Show()
}

// SetTitle sets the centred title.
func (u *UI) SetTitle(t string) {
	u.mu.Lock()
	u.title = t
	u.mu.Unlock()
}

// SetPhases sets the phase list shown with check marks.
func (u *UI) SetPhases(labels []string) {
	u.mu.Lock()
	u.phases = append([]string(nil), labels...)
	u.mu.Unlock()
}

// SetPhaseDone ticks a phase. The name is case-insensitive.
func (u *UI) SetPhaseDone(p string) {
	u.mu.Lock()
	u.phaseDone[strings.ToLower(p)] = true
	u.mu.Unlock()
}

// SetSummaryLines sets the lines under the title.
func (u *UI) SetSummaryLines(lines []string) {
	u.mu.Lock()
	u.summary = append([]string(nil), lines...)
	u.mu.Unlock()
}

// SetLegend sets the legend lines.
func (u *UI) SetLegend(lines []string) {
	u.mu.Lock()
	u.legend = append([]string(nil), lines...)
	u.mu.Unlock()
}

// SetStatusLines sets the status block.
func (u *UI) SetStatusLines(lines []string) {
	u.mu.Lock()
	u.status = append([]string(nil), lines...)
	u.mu.Unlock()
}

// SetSectorMap sets the rendered sector map rows.
func (u *UI) SetSectorMap(lines []string) {
	u.mu.Lock()
	u.sectorLines = append([]string(nil), lines...)
	u.mu.Unlock()
}

func (u *UI) eventLoop() {
	for {
		u.mu.Lock()
		s := u.s
		u.mu.Unlock()
		if s == nil {
			return
		}
		switch ev := s.PollEvent().(type) {
		case *tcell.EventKey:
			switch {
			case ev.Key() == tcell.KeyCtrlC, ev.Key() == tcell.KeyEscape:
				u.RequestStop()
			case ev.Key() == tcell.KeyRune && (ev.Rune() == 'q' || ev.Rune() == 'Q'):
				u.RequestStop()
			}
		case *tcell.EventResize:
			s.Sync()
		case *tcell.EventInterrupt, nil:
			return
		}
	}
}
