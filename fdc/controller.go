package fdc

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// State is the controller lifecycle state.
type State int

// Controller states.
const (
	Uninitialized State = iota
	Ready
	Seeking
	Transferring
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Seeking:
		return "seeking"
	case Transferring:
		return "transferring"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const (
	// UnknownCylinder marks a drive that must be recalibrated before its
	// position can be trusted.
	UnknownCylinder = 0xFF

	// SeekPollLimit bounds the sense-interrupt loop after seek/recalibrate.
	SeekPollLimit = 0x1000

	// MaxDrives is the number of drive selects the chip decodes.
	MaxDrives = 4

	clearDiskChangeTries = 5
	defaultSpinUp        = time.Second
)

// DOR bits.
const (
	dorInit       = 0x0C // !RESET | DMA gate
	dorDriveMask  = 0x03
	dorMotorShift = 4
)

// Caller input errors. These are returned before any chip I/O.
var (
	ErrBadDrive   = errors.New("fdc: drive out of range")
	ErrBadAddress = errors.New("fdc: address outside media geometry")
)

// DriveState is the controller's view of the selected drive.
type DriveState struct {
	Drive       int
	Cylinder    int // UnknownCylinder until recalibrated or seeked
	Head        int
	Sector      int
	MotorOn     [MaxDrives]bool
	DiskChanged bool // set when an operation reported a disk change
	Ready       bool
	LastOutcome Outcome
}

// Controller is the drive level state machine. It is not safe for
// concurrent use; wrap calls in a mutex when sharing one.
type Controller struct {
	p     Provider
	eng   *Engine
	log   *slog.Logger
	media MediaProfile
	state State
	ds    DriveState
	dor   byte
	fcp   Packet // last packet sent, kept for diagnostics
	last  Result // and its result

	spinUp time.Duration
	sleep  func(time.Duration)
}

// Option configures a Controller.
type Option func(*Controller) error

// WithLogger routes driver logging to l.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) error {
		if l != nil {
			c.log = l
		}
		return nil
	}
}

// WithSpinUp sets the delay applied when a drive motor is switched on.
func WithSpinUp(d time.Duration) Option {
	return func(c *Controller) error {
		c.spinUp = d
		return nil
	}
}

// WithSleep replaces time.Sleep for the spin-up delay.
func WithSleep(fn func(time.Duration)) Option {
	return func(c *Controller) error {
		if fn != nil {
			c.sleep = fn
		}
		return nil
	}
}

// WithMedia selects the initial media profile. The default is Floppy144.
func WithMedia(kind MediaKind) Option {
	return func(c *Controller) error {
		m, err := Profile(kind)
		if err != nil {
			return err
		}
		c.media = m
		return nil
	}
}

// WithDrive selects the initial drive.
func WithDrive(n int) Option {
	return func(c *Controller) error {
		if n < 0 || n >= MaxDrives {
			return ErrBadDrive
		}
		c.ds.Drive = n
		return nil
	}
}

// New returns an uninitialized controller driving p. No chip I/O happens
// until Initialize or the first operation.
func New(p Provider, opts ...Option) (*Controller, error) {
	c := &Controller{
		p:      p,
		log:    discardLogger(),
		media:  profiles[Floppy144],
		spinUp: defaultSpinUp,
		sleep:  time.Sleep,
		dor:    dorInit,
	}
	c.ds.Cylinder = UnknownCylinder
	c.ds.Sector = c.media.StartSector
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	c.eng = NewEngine(p, c.log)
	return c, nil
}

/* ===================== Accessors ===================== */

// State returns the lifecycle state.
func (c *Controller) State() State { return c.state }

// DriveState returns a copy of the drive state.
func (c *Controller) DriveState() DriveState { return c.ds }

// Cylinder is the cached head position, UnknownCylinder when uncalibrated.
func (c *Controller) Cylinder() int { return c.ds.Cylinder }

// LastOutcome is the outcome of the most recent public operation.
func (c *Controller) LastOutcome() Outcome { return c.ds.LastOutcome }

// Media returns the active media profile.
func (c *Controller) Media() MediaProfile { return c.media }

// LastPacket returns the most recent FCP handed to the engine.
func (c *Controller) LastPacket() Packet { return c.fcp }

// LastResult returns the result of the most recent packet. Check
// LastResult().NotReady() after an OK data command that moved no data.
func (c *Controller) LastResult() Result { return c.last }

// SelectProfile swaps the media profile. It must not be called while an
// operation is in flight.
func (c *Controller) SelectProfile(kind MediaKind) error {
	m, err := Profile(kind)
	if err != nil {
		return err
	}
	c.media = m
	return nil
}

// SelectDrive changes the drive select and forgets the head position.
func (c *Controller) SelectDrive(n int) error {
	if n < 0 || n >= MaxDrives {
		return ErrBadDrive
	}
	if n != c.ds.Drive {
		c.ds.Drive = n
		c.ds.Cylinder = UnknownCylinder
	}
	return nil
}

/* ===================== Public operations ===================== */

// Initialize resets the chip and clears the ready-change interrupts it
// raises for every drive after reset.
func (c *Controller) Initialize() error {
	return c.done(c.initialize())
}

// Read reads one sector. When the chip reported an error after a partial
// transfer the partial data is returned together with the error.
func (c *Controller) Read(cyl, head, sector int) ([]byte, error) {
	if err := c.checkAddress(cyl, head, sector); err != nil {
		return nil, err
	}
	if err := c.start(cyl, head); err != nil {
		return nil, c.done(err)
	}
	c.ds.Sector = sector
	pkt := IOCommand(ReadFlags|CmdRead, c.media, c.ds.Drive, cyl, head, sector)
	res, err := c.transfer(pkt, nil)
	return res.Data, c.done(err)
}

// Write writes one sector. data must hold at least one sector.
func (c *Controller) Write(cyl, head, sector int, data []byte) error {
	if err := c.checkAddress(cyl, head, sector); err != nil {
		return err
	}
	if len(data) < c.media.SectorSize() {
		return ErrShortBuffer
	}
	if err := c.start(cyl, head); err != nil {
		return c.done(err)
	}
	c.ds.Sector = sector
	pkt := IOCommand(WriteFlags|CmdWrite, c.media, c.ds.Drive, cyl, head, sector)
	_, err := c.transfer(pkt, data)
	return c.done(err)
}

// ReadID returns the first sector ID passing under the current head. It
// does not seek.
func (c *Controller) ReadID() (ID, error) {
	if err := c.ensureReady(); err != nil {
		return ID{}, c.done(err)
	}
	if err := c.motorOn(); err != nil {
		return ID{}, c.done(err)
	}
	res, err := c.transfer(ReadIDCommand(ReadIDFlags|CmdReadID, c.ds.Drive, c.ds.Head), nil)
	if err != nil {
		return ID{}, c.done(err)
	}
	id, _ := res.ID()
	return id, c.done(nil)
}

// Seek positions the head over cyl, recalibrating first when needed.
func (c *Controller) Seek(cyl int) error {
	if err := c.checkAddress(cyl, c.ds.Head, c.media.StartSector); err != nil {
		return err
	}
	return c.done(c.start(cyl, c.ds.Head))
}

// Recalibrate runs the drive reset sequence: specify, recalibrate and wait.
func (c *Controller) Recalibrate() error {
	if err := c.ensureReady(); err != nil {
		return c.done(err)
	}
	if err := c.motorOn(); err != nil {
		return c.done(err)
	}
	return c.done(c.driveReset())
}

// DriveStatus returns ST3 for the selected drive.
func (c *Controller) DriveStatus() (byte, error) {
	if err := c.ensureReady(); err != nil {
		return 0, c.done(err)
	}
	res, err := c.exec(DriveStatusCommand(c.ds.Drive, c.ds.Head), nil)
	if err != nil {
		return 0, c.done(err)
	}
	return res.ST0(), c.done(nil)
}

// Version returns the chip version byte (0x80 for a 765A, 0x90 for
// enhanced parts).
func (c *Controller) Version() (byte, error) {
	if err := c.ensureReady(); err != nil {
		return 0, c.done(err)
	}
	// The version byte is not an ST0: a 765A answers 0x80, which decodes
	// as invalid command, so a single returned byte is taken as is.
	res, err := c.exec(VersionCommand(), nil)
	if len(res.FRB) == 1 && (err == nil || OutcomeOf(err).Device()) {
		return res.FRB[0], c.done(nil)
	}
	if err == nil {
		err = &Error{Outcome: ResultReadTimeout, Op: "version", FRB: res.FRB}
	}
	return 0, c.done(err)
}

// FormatTrack lays down sector IDs StartSector.. on one track.
func (c *Controller) FormatTrack(cyl, head int) error {
	if err := c.checkAddress(cyl, head, c.media.StartSector); err != nil {
		return err
	}
	if err := c.start(cyl, head); err != nil {
		return c.done(err)
	}
	pkt := FormatCommand(FlagMFM|CmdFormatTrack, c.media, c.ds.Drive, head)
	_, err := c.transfer(pkt, FormatIDs(c.media, cyl, head))
	return c.done(err)
}

// MotorOff stops every drive motor.
func (c *Controller) MotorOff() error {
	dor := c.dor &^ (0xF << dorMotorShift)
	if err := c.p.WriteDOR(dor); err != nil {
		return fmt.Errorf("fdc: write dor: %w", err)
	}
	c.dor = dor
	c.ds.MotorOn = [MaxDrives]bool{}
	return nil
}

/* ===================== Internals ===================== */

func (c *Controller) initialize() error {
	c.ds.Ready = false
	c.state = Uninitialized
	c.fcp = Packet{}
	c.dor = dorInit
	c.ds.MotorOn = [MaxDrives]bool{}
	c.ds.Cylinder = UnknownCylinder

	if err := c.p.Init(); err != nil {
		return fmt.Errorf("fdc: init: %w", err)
	}
	if err := c.p.Reset(c.dor); err != nil {
		return fmt.Errorf("fdc: reset: %w", err)
	}
	if err := c.clearDiskChange(); err != nil {
		return err
	}
	c.ds.DiskChanged = false
	c.ds.Ready = true
	c.state = Ready
	c.log.Debug("controller ready")
	return nil
}

// clearDiskChange drains the ready-change interrupts left by a reset. It
// stops on the first clean sense interrupt; more than clearDiskChangeTries
// pending interrupts are left in place.
func (c *Controller) clearDiskChange() error {
	for i := 0; i < clearDiskChangeTries; i++ {
		_, err := c.exec(SenseIntCommand(), nil)
		switch o := OutcomeOf(err); {
		case o == DiskChanged || o == AbnormalTermination || o == InvalidCommand:
			continue
		case !o.Device():
			return err
		}
		return nil
	}
	return nil
}

func (c *Controller) ensureReady() error {
	if c.ds.Ready {
		return nil
	}
	c.log.Debug("start", "step", "reset")
	return c.initialize()
}

// start brings the selected drive to cyl: initialize, motor, recalibrate
// when the position is unknown, then seek. The first failing step wins.
func (c *Controller) start(cyl, head int) error {
	if err := c.ensureReady(); err != nil {
		return err
	}
	if err := c.motorOn(); err != nil {
		return err
	}
	c.ds.Head = head

	if c.ds.Cylinder == UnknownCylinder {
		c.log.Debug("start", "step", "driveReset")
		if err := c.driveReset(); err != nil {
			return err
		}
	}

	if c.ds.Cylinder != cyl {
		c.log.Debug("start", "step", "seek", "from", c.ds.Cylinder, "to", cyl)
		c.state = Seeking
		if _, err := c.exec(SeekCommand(c.ds.Drive, head, cyl), nil); err != nil {
			c.settle()
			return err
		}
		if err := c.waitSeek(); err != nil {
			c.settle()
			return err
		}
		c.ds.Cylinder = cyl
		c.settle()
	}
	return nil
}

// driveReset sends specify and recalibrate, then waits for the seek end
// interrupt, giving the wait one extra attempt.
func (c *Controller) driveReset() error {
	c.log.Debug("driveReset", "step", "specify")
	if _, err := c.exec(SpecifyCommand(c.media), nil); err != nil {
		return err
	}
	c.log.Debug("driveReset", "step", "recal")
	c.state = Seeking
	defer c.settle()
	if _, err := c.exec(RecalibrateCommand(c.ds.Drive), nil); err != nil {
		return err
	}
	c.log.Debug("driveReset", "step", "waitseek1")
	err := c.waitSeek()
	if err != nil {
		c.log.Debug("driveReset", "step", "waitseek2", "err", err)
		err = c.waitSeek()
	}
	if err != nil {
		return err
	}
	c.ds.Cylinder = 0
	return nil
}

// waitSeek polls sense-interrupt until the chip reports seek end (OK) or a
// seek error (AbnormalTermination). It does not touch DriveState.
func (c *Controller) waitSeek() error {
	var last Status
	for i := 0; i < SeekPollLimit; i++ {
		_, err := c.exec(SenseIntCommand(), nil)
		switch o := OutcomeOf(err); {
		case o == OK:
			return nil
		case o == AbnormalTermination:
			return err
		case !o.Device():
			// a missed poll is retried until the bound
			var fe *Error
			if errors.As(err, &fe) {
				last = fe.Status
			}
			c.log.Debug("seek poll failed", "try", i, "err", err)
		}
	}
	return &Error{Outcome: SeekWaitTimeout, Op: "wait seek", Status: last}
}

// motorOn selects the drive and enables its motor, sleeping for spin-up
// only when the motor was off.
func (c *Controller) motorOn() error {
	mask := byte(1) << (dorMotorShift + c.ds.Drive)
	wasOn := c.dor&mask != 0
	dor := c.dor&^dorDriveMask | byte(c.ds.Drive) | mask
	if err := c.p.WriteDOR(dor); err != nil {
		return fmt.Errorf("fdc: write dor: %w", err)
	}
	c.dor = dor
	if err := c.p.WriteDCR(c.media.DataRateSelect); err != nil {
		return fmt.Errorf("fdc: write dcr: %w", err)
	}
	c.ds.MotorOn[c.ds.Drive] = true
	if !wasOn {
		c.log.Debug("motor delay", "drive", c.ds.Drive, "delay", c.spinUp)
		c.sleep(c.spinUp)
	}
	return nil
}

// transfer runs a data command and tracks the Transferring state.
func (c *Controller) transfer(pkt Packet, data []byte) (Result, error) {
	c.state = Transferring
	res, err := c.exec(pkt, data)
	c.settle()
	return res, err
}

func (c *Controller) exec(pkt Packet, data []byte) (Result, error) {
	c.fcp = pkt
	res, err := c.eng.Execute(pkt, data)
	c.last = res
	if res.Outcome == DiskChanged && pkt.Command != CmdSenseInt {
		c.log.Warn("disk changed", "cmd", CommandName(pkt.Command))
		c.ds.DiskChanged = true
		c.ds.Ready = false
		c.ds.Cylinder = UnknownCylinder
		c.state = Uninitialized
	}
	return res, err
}

// settle returns to Ready unless a disk change knocked the controller back
// to Uninitialized.
func (c *Controller) settle() {
	if c.state != Uninitialized {
		c.state = Ready
	}
}

// done records the outcome of a public operation.
func (c *Controller) done(err error) error {
	var fe *Error
	switch {
	case err == nil:
		c.ds.LastOutcome = OK
	case errors.As(err, &fe):
		c.ds.LastOutcome = fe.Outcome
		c.log.Warn("operation failed", "err", err)
	default:
		c.ds.LastOutcome = ProviderFault
		c.log.Warn("operation failed", "err", err)
	}
	return err
}

func (c *Controller) checkAddress(cyl, head, sector int) error {
	m := c.media
	if cyl < 0 || cyl >= m.Cylinders || head < 0 || head >= m.Heads ||
		sector < m.StartSector || sector >= m.StartSector+m.SectorsPerTrack {
		return fmt.Errorf("%w: C=%d H=%d R=%d", ErrBadAddress, cyl, head, sector)
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
