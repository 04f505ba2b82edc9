// Package script runs Lua programs against a floppy controller.
//
// Scripts see a global table fdc. Calls that fail return nil, an error
// message and the outcome name, in the usual Lua style:
//
//	local data, err, outcome = fdc.read(0, 0, 1)
//	if not data then print("read failed: " .. err) end
package script

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/pkg/errors"
	lua "github.com/yuin/gopher-lua"

	"fdctl/fdc"
)

var errNotReady = errors.New("drive not ready")

// Host binds one controller to Lua states.
type Host struct {
	ctl *fdc.Controller
	out io.Writer
	log *slog.Logger
}

// New returns a host. print output from scripts goes to out.
func New(ctl *fdc.Controller, out io.Writer, log *slog.Logger) *Host {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Host{ctl: ctl, out: out, log: log}
}

// RunFile executes the script at path.
func (h *Host) RunFile(ctx context.Context, path string) error {
	L := h.state(ctx)
	defer L.Close()
	if err := L.DoFile(path); err != nil {
		return errors.Wrapf(err, "script %s", path)
	}
	return nil
}

// RunString executes src.
func (h *Host) RunString(ctx context.Context, src string) error {
	L := h.state(ctx)
	defer L.Close()
	if err := L.DoString(src); err != nil {
		return errors.Wrap(err, "script")
	}
	return nil
}

func (h *Host) state(ctx context.Context) *lua.LState {
	L := lua.NewState()
	L.SetContext(ctx)

	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"init":        h.initialize,
		"read":        h.read,
		"write":       h.write,
		"seek":        h.seek,
		"recalibrate": h.recalibrate,
		"readid":      h.readID,
		"status":      h.status,
		"version":     h.version,
		"format":      h.format,
		"motor_off":   h.motorOff,
		"drive":       h.drive,
		"media":       h.media,
		"geometry":    h.geometry,
		"cylinder":    h.cylinder,
		"state":       h.stateName,
	})
	L.SetGlobal("fdc", mod)
	L.SetGlobal("print", L.NewFunction(h.print))
	return L
}

// fail pushes the nil, message, outcome triple.
func fail(L *lua.LState, err error) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(err.Error()))
	L.Push(lua.LString(fdc.OutcomeOf(err).String()))
	return 3
}

// ready fails a data command that the chip ended as not ready. Such a
// result decodes as OK.
func (h *Host) ready(err error) error {
	if err == nil && h.ctl.LastResult().NotReady() {
		return errNotReady
	}
	return err
}

// ok pushes true, or fails.
func ok(L *lua.LState, err error) int {
	if err != nil {
		return fail(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

func (h *Host) initialize(L *lua.LState) int {
	return ok(L, h.ctl.Initialize())
}

func (h *Host) read(L *lua.LState) int {
	c, hd, s := L.CheckInt(1), L.CheckInt(2), L.CheckInt(3)
	data, err := h.ctl.Read(c, hd, s)
	err = h.ready(err)
	if err != nil {
		return fail(L, err)
	}
	L.Push(lua.LString(data))
	return 1
}

func (h *Host) write(L *lua.LState) int {
	c, hd, s := L.CheckInt(1), L.CheckInt(2), L.CheckInt(3)
	data := []byte(L.CheckString(4))
	if n := h.ctl.Media().SectorSize(); len(data) < n {
		// pad short strings with the fill byte
		pad := make([]byte, n)
		for i := range pad {
			pad[i] = h.ctl.Media().FillByte
		}
		copy(pad, data)
		data = pad
	}
	return ok(L, h.ready(h.ctl.Write(c, hd, s, data)))
}

func (h *Host) seek(L *lua.LState) int {
	return ok(L, h.ctl.Seek(L.CheckInt(1)))
}

func (h *Host) recalibrate(L *lua.LState) int {
	return ok(L, h.ctl.Recalibrate())
}

func (h *Host) readID(L *lua.LState) int {
	id, err := h.ctl.ReadID()
	err = h.ready(err)
	if err != nil {
		return fail(L, err)
	}
	L.Push(lua.LNumber(id.Cylinder))
	L.Push(lua.LNumber(id.Head))
	L.Push(lua.LNumber(id.Sector))
	L.Push(lua.LNumber(id.Size))
	return 4
}

func (h *Host) status(L *lua.LState) int {
	st3, err := h.ctl.DriveStatus()
	if err != nil {
		return fail(L, err)
	}
	L.Push(lua.LNumber(st3))
	return 1
}

func (h *Host) version(L *lua.LState) int {
	v, err := h.ctl.Version()
	if err != nil {
		return fail(L, err)
	}
	L.Push(lua.LNumber(v))
	return 1
}

func (h *Host) format(L *lua.LState) int {
	return ok(L, h.ready(h.ctl.FormatTrack(L.CheckInt(1), L.CheckInt(2))))
}

func (h *Host) motorOff(L *lua.LState) int {
	return ok(L, h.ctl.MotorOff())
}

func (h *Host) drive(L *lua.LState) int {
	return ok(L, h.ctl.SelectDrive(L.CheckInt(1)))
}

func (h *Host) media(L *lua.LState) int {
	k, err := fdc.ParseMedia(L.CheckString(1))
	if err != nil {
		return fail(L, err)
	}
	return ok(L, h.ctl.SelectProfile(k))
}

func (h *Host) geometry(L *lua.LState) int {
	m := h.ctl.Media()
	L.Push(lua.LNumber(m.Cylinders))
	L.Push(lua.LNumber(m.Heads))
	L.Push(lua.LNumber(m.SectorsPerTrack))
	L.Push(lua.LNumber(m.SectorSize()))
	return 4
}

func (h *Host) cylinder(L *lua.LState) int {
	L.Push(lua.LNumber(h.ctl.Cylinder()))
	return 1
}

func (h *Host) stateName(L *lua.LState) int {
	L.Push(lua.LString(h.ctl.State().String()))
	return 1
}

func (h *Host) print(L *lua.LState) int {
	parts := make([]string, L.GetTop())
	for i := range parts {
		parts[i] = L.ToStringMeta(L.Get(i + 1)).String()
	}
	line := strings.Join(parts, "\t")
	h.log.Debug("script", "print", line)
	fmt.Fprintln(h.out, line)
	return 0
}
