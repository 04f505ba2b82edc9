// fdctl drives NEC765 compatible floppy controllers: read and write
// sectors, seek, format tracks and image whole disks.
// Cobra CLI + tcell fullscreen sector map for imaging runs.
//
// Backends:
//
//	sim     simulated controller over an image file (default)
//	serial  microcontroller bridge on a serial port
//	port    PC controller at 0x3F0 through /dev/port (linux, root)
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.bug.st/serial"

	"fdctl/bridge"
	"fdctl/fdc"
	"fdctl/portio"
	"fdctl/script"
	"fdctl/sim"
)

/* ===================== Options and backends ===================== */

type options struct {
	backend string
	image   string
	save    bool
	port    string
	baud    int
	media   string
	drive   int
	spinup  time.Duration
	verbose bool
	plain   bool
}

// session is an open controller plus whatever has to happen on exit.
type session struct {
	ctl   *fdc.Controller
	log   *slog.Logger
	media fdc.MediaProfile
	close func() error
}

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

func human(b int64) string {
	if b >= 1024*1024 {
		return fmt.Sprintf("%dM", b/(1024*1024))
	}
	if b >= 1024 {
		return fmt.Sprintf("%dK", b/1024)
	}
	return fmt.Sprintf("%dB", b)
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	if !verbose {
		return slog.New(slog.DiscardHandler)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// open builds the provider selected by o and a controller on top of it.
func (o *options) open(stderr io.Writer) (*session, error) {
	log := newLogger(stderr, o.verbose)
	kind, err := fdc.ParseMedia(o.media)
	if err != nil {
		return nil, err
	}

	var (
		p       fdc.Provider
		closeFn = func() error { return nil }
	)
	switch strings.ToLower(o.backend) {
	case "sim":
		chip, disk, err := o.simChip(kind)
		if err != nil {
			return nil, err
		}
		kind = disk.Media.Kind
		p = chip
		if o.save && o.image != "" {
			closeFn = func() error { return disk.Save(o.image) }
		}
	case "serial":
		if o.port == "" {
			return nil, fmt.Errorf("--port is required for the serial backend")
		}
		bp, err := bridge.Open(o.port, o.baud, log)
		if err != nil {
			return nil, err
		}
		p, closeFn = bp, bp.Close
	case "port":
		dp, err := portio.OpenDevPort()
		if err != nil {
			return nil, err
		}
		p, closeFn = portio.New(dp, portio.WithLogger(log)), dp.Close
	default:
		return nil, fmt.Errorf("unknown --backend %q (sim, serial, port)", o.backend)
	}

	ctl, err := fdc.New(p,
		fdc.WithLogger(log),
		fdc.WithMedia(kind),
		fdc.WithDrive(o.drive),
		fdc.WithSpinUp(o.spinup),
	)
	if err != nil {
		_ = closeFn()
		return nil, err
	}
	return &session{ctl: ctl, log: log, media: ctl.Media(), close: closeFn}, nil
}

// simChip loads --image into drive --drive, or inserts a blank disk.
func (o *options) simChip(kind fdc.MediaKind) (*sim.Chip, *sim.Disk, error) {
	if o.drive < 0 || o.drive >= fdc.MaxDrives {
		return nil, nil, fdc.ErrBadDrive
	}
	var disk *sim.Disk
	if o.image != "" {
		f, err := os.Open(o.image)
		switch {
		case err == nil:
			size, serr := imageSize(f)
			f.Close()
			if serr != nil {
				return nil, nil, fmt.Errorf("image size: %w", serr)
			}
			if _, err := fdc.ProfileForSize(size); err != nil {
				return nil, nil, fmt.Errorf("%s (%s): %w", o.image, human(size), err)
			}
			if disk, err = sim.LoadDisk(o.image); err != nil {
				return nil, nil, err
			}
		case errors.Is(err, os.ErrNotExist) && o.save:
			// created on exit
		default:
			return nil, nil, err
		}
	}
	if disk == nil {
		m, err := fdc.Profile(kind)
		if err != nil {
			return nil, nil, err
		}
		disk = sim.NewDisk(m)
	}
	chip := sim.NewChip()
	chip.Insert(o.drive, disk)
	return chip, disk, nil
}

func (s *session) finish(err error) error {
	if cerr := s.close(); err == nil && cerr != nil {
		err = cerr
	}
	return err
}

/* ===================== Argument helpers ===================== */

func parseInts(args []string) ([]int, error) {
	out := make([]int, len(args))
	for i, a := range args {
		v, err := strconv.ParseInt(a, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", a)
		}
		out[i] = int(v)
	}
	return out, nil
}

func parseByte(s string) (byte, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("bad byte value %q", s)
	}
	return byte(v), nil
}

func describeST3(st3 byte) string {
	var flags []string
	for _, f := range []struct {
		bit  byte
		name string
	}{
		{fdc.ST3Fault, "fault"},
		{fdc.ST3WriteProtect, "write-protected"},
		{fdc.ST3Ready, "ready"},
		{fdc.ST3Track0, "track0"},
		{fdc.ST3TwoSide, "two-sided"},
	} {
		if st3&f.bit != 0 {
			flags = append(flags, f.name)
		}
	}
	if len(flags) == 0 {
		flags = append(flags, "none")
	}
	return fmt.Sprintf("ST3=0x%02X head=%d drive=%d [%s]", st3, st3>>2&1, st3&3, strings.Join(flags, " "))
}

func describeVersion(v byte) string {
	switch v {
	case 0x80:
		return "NEC 765A or compatible"
	case 0x90:
		return "enhanced controller (82077 / 765B class)"
	}
	return "unknown"
}

/* ===================== Main ===================== */

func main() {
	must(newRootCmd(os.Stdout, os.Stderr).Execute())
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:           "fdctl",
		Short:         "NEC765 floppy controller tool",
		Long:          "Read, write, seek, format and image floppies through a NEC765/WD37C65 compatible controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&o.backend, "backend", "sim", "controller backend: sim, serial or port")
	pf.StringVar(&o.image, "image", "", "raw disk image for the sim backend")
	pf.BoolVar(&o.save, "save", false, "write the sim disk back to --image on exit")
	pf.StringVar(&o.port, "port", "", "serial device of the bridge (e.g. /dev/ttyACM0)")
	pf.IntVar(&o.baud, "baud", bridge.DefaultBaud, "bridge baud rate")
	pf.StringVar(&o.media, "media", "1.44M", "media profile: 1.44M, 1.2M, 720K or 360K")
	pf.IntVar(&o.drive, "drive", 0, "drive select 0-3")
	pf.DurationVar(&o.spinup, "spinup", time.Second, "motor spin-up delay")
	pf.BoolVarP(&o.verbose, "verbose", "v", false, "debug logging to stderr")
	pf.BoolVar(&o.plain, "plain", false, "plain progress output even on a terminal")

	// run opens a session, calls fn and closes the session.
	run := func(fn func(*session) error) error {
		s, err := o.open(stderr)
		if err != nil {
			return err
		}
		return s.finish(fn(s))
	}

	// read C H S
	var readOut string
	readCmd := &cobra.Command{
		Use:   "read C H S",
		Short: "Read one sector and hex dump it",
		Args:  cobra.ExactArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			chs, err := parseInts(args)
			if err != nil {
				return err
			}
			return run(func(s *session) error {
				data, err := s.ctl.Read(chs[0], chs[1], chs[2])
				err = checkReady(s.ctl, err)
				if err != nil && len(data) == 0 {
					return err
				}
				if readOut != "" {
					if werr := os.WriteFile(readOut, data, 0o644); werr != nil {
						return werr
					}
				} else {
					fmt.Fprint(stdout, hex.Dump(data))
				}
				return err
			})
		},
	}
	readCmd.Flags().StringVar(&readOut, "out", "", "write the raw sector to a file instead")
	root.AddCommand(readCmd)

	// write C H S
	var writeIn, writeFill string
	writeCmd := &cobra.Command{
		Use:   "write C H S",
		Short: "Write one sector from a file or a fill byte",
		Args:  cobra.ExactArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			chs, err := parseInts(args)
			if err != nil {
				return err
			}
			if (writeIn == "") == (writeFill == "") {
				return fmt.Errorf("choose exactly one of --in or --fill")
			}
			return run(func(s *session) error {
				data := make([]byte, s.media.SectorSize())
				if writeIn != "" {
					b, err := os.ReadFile(writeIn)
					if err != nil {
						return err
					}
					copy(data, b)
				} else {
					v, err := parseByte(writeFill)
					if err != nil {
						return err
					}
					for i := range data {
						data[i] = v
					}
				}
				if err := checkReady(s.ctl, s.ctl.Write(chs[0], chs[1], chs[2], data)); err != nil {
					return err
				}
				fmt.Fprintf(stdout, "wrote C=%d H=%d R=%d (%d bytes)\n", chs[0], chs[1], chs[2], len(data))
				return nil
			})
		},
	}
	writeCmd.Flags().StringVar(&writeIn, "in", "", "file holding the sector data (zero padded)")
	writeCmd.Flags().StringVar(&writeFill, "fill", "", "fill byte, e.g. 0xE5")
	root.AddCommand(writeCmd)

	root.AddCommand(&cobra.Command{
		Use:   "seek C",
		Short: "Move the head to cylinder C",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := parseInts(args)
			if err != nil {
				return err
			}
			return run(func(s *session) error {
				if err := s.ctl.Seek(c[0]); err != nil {
					return err
				}
				fmt.Fprintf(stdout, "head at cylinder %d\n", s.ctl.Cylinder())
				return nil
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "recalibrate",
		Short: "Step the head back to track 0",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(func(s *session) error {
				if err := s.ctl.Recalibrate(); err != nil {
					return err
				}
				fmt.Fprintln(stdout, "head at cylinder 0")
				return nil
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "readid",
		Short: "Show the first sector ID under the head",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(func(s *session) error {
				id, err := s.ctl.ReadID()
				err = checkReady(s.ctl, err)
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "%v (%d bytes)\n", id, 128<<id.Size)
				return nil
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show drive status (ST3)",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(func(s *session) error {
				st3, err := s.ctl.DriveStatus()
				if err != nil {
					return err
				}
				fmt.Fprintln(stdout, describeST3(st3))
				return nil
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Identify the controller chip",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(func(s *session) error {
				v, err := s.ctl.Version()
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "version 0x%02X: %s\n", v, describeVersion(v))
				return nil
			})
		},
	})

	// format
	var formatCyl int
	formatCmd := &cobra.Command{
		Use:   "format",
		Short: "Low-level format every track, or one cylinder",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(func(s *session) error {
				first, last := 0, s.media.Cylinders-1
				if formatCyl >= 0 {
					first, last = formatCyl, formatCyl
				}
				for c := first; c <= last; c++ {
					for h := 0; h < s.media.Heads; h++ {
						if err := checkReady(s.ctl, s.ctl.FormatTrack(c, h)); err != nil {
							return fmt.Errorf("format C=%d H=%d: %w", c, h, err)
						}
					}
					if !o.verbose {
						fmt.Fprintf(stdout, "\rformatted cylinder %02d", c)
					}
				}
				fmt.Fprintf(stdout, "\nformat complete: %d cylinder(s), %s\n", last-first+1, s.media.Kind)
				return s.ctl.MotorOff()
			})
		},
	}
	formatCmd.Flags().IntVar(&formatCyl, "cyl", -1, "format only this cylinder")
	root.AddCommand(formatCmd)

	// dump / restore / verify
	var dumpOut string
	dumpCmd := &cobra.Command{
		Use:   "dump --out <image>",
		Short: "Read the whole disk into a raw image",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(func(s *session) error {
				return dumpDisk(s, dumpOut, newReporter(stdout, o.plain))
			})
		},
	}
	dumpCmd.Flags().StringVar(&dumpOut, "out", "", "output image file")
	_ = dumpCmd.MarkFlagRequired("out")
	root.AddCommand(dumpCmd)

	var restoreIn string
	restoreCmd := &cobra.Command{
		Use:   "restore --in <image>",
		Short: "Write a raw image to the disk",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(func(s *session) error {
				return restoreDisk(s, restoreIn, newReporter(stdout, o.plain))
			})
		},
	}
	restoreCmd.Flags().StringVar(&restoreIn, "in", "", "source image file")
	_ = restoreCmd.MarkFlagRequired("in")
	root.AddCommand(restoreCmd)

	root.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Read every sector and list the bad ones",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(func(s *session) error {
				return verifyDisk(s, newReporter(stdout, o.plain))
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "script <file.lua>",
		Short: "Run a Lua script against the controller",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(func(s *session) error {
				return script.New(s.ctl, stdout, s.log).RunFile(ctx, args[0])
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "ports",
		Short: "List serial ports a bridge may be attached to",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ports, err := serial.GetPortsList()
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, "Serial ports (usable with --backend serial --port):")
			if len(ports) == 0 {
				fmt.Fprintln(stdout, "  <none detected>")
			}
			for _, p := range ports {
				fmt.Fprintf(stdout, "  %s\n", p)
			}
			return nil
		},
	})

	root.SetContext(context.Background())
	return root
}
