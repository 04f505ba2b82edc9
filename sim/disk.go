// Package sim is a software model of a NEC765 floppy controller with up to
// four drives. It implements fdc.Provider so the driver can run without
// hardware.
package sim

import (
	"bytes"
	"os"

	"github.com/pkg/errors"

	"fdctl/fdc"
)

// Disk is an in-memory medium laid out as a raw sector image in
// cylinder, head, sector order.
type Disk struct {
	Media          fdc.MediaProfile
	WriteProtected bool

	data        []byte
	bad         map[int]bool
	unformatted map[int]bool // track index cyl*heads+head
}

// NewDisk returns a formatted disk filled with the media fill byte.
func NewDisk(m fdc.MediaProfile) *Disk {
	return &Disk{
		Media:       m,
		data:        bytes.Repeat([]byte{m.FillByte}, int(m.Size())),
		bad:         map[int]bool{},
		unformatted: map[int]bool{},
	}
}

// NewDiskFromImage wraps a raw image. The media is picked from its size.
func NewDiskFromImage(img []byte) (*Disk, error) {
	m, err := fdc.ProfileForSize(int64(len(img)))
	if err != nil {
		return nil, errors.Wrap(err, "sim: image")
	}
	d := NewDisk(m)
	copy(d.data, img)
	return d, nil
}

// LoadDisk reads a raw image file.
func LoadDisk(path string) (*Disk, error) {
	img, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "sim: load disk")
	}
	return NewDiskFromImage(img)
}

// Save writes the raw image to path.
func (d *Disk) Save(path string) error {
	return errors.Wrap(os.WriteFile(path, d.data, 0o644), "sim: save disk")
}

// Bytes returns the raw image. The slice aliases the disk contents.
func (d *Disk) Bytes() []byte { return d.data }

// Sector returns a copy of one sector, or nil when the address is outside
// the media.
func (d *Disk) Sector(cyl, head, sector int) []byte {
	off, ok := d.offset(cyl, head, sector)
	if !ok {
		return nil
	}
	return append([]byte(nil), d.data[off:off+d.Media.SectorSize()]...)
}

// SetSector overwrites one sector.
func (d *Disk) SetSector(cyl, head, sector int, p []byte) error {
	off, ok := d.offset(cyl, head, sector)
	if !ok {
		return errors.Errorf("sim: no sector C=%d H=%d R=%d", cyl, head, sector)
	}
	copy(d.data[off:off+d.Media.SectorSize()], p)
	return nil
}

// MarkBad makes reads of the sector fail with a data CRC error.
func (d *Disk) MarkBad(cyl, head, sector int) {
	d.bad[d.Media.LBA(cyl, head, sector)] = true
}

// Unformat removes the ID fields of a track.
func (d *Disk) Unformat(cyl, head int) {
	d.unformatted[cyl*d.Media.Heads+head] = true
}

func (d *Disk) isBad(cyl, head, sector int) bool {
	return d.bad[d.Media.LBA(cyl, head, sector)]
}

func (d *Disk) formatted(cyl, head int) bool {
	if cyl < 0 || cyl >= d.Media.Cylinders || head < 0 || head >= d.Media.Heads {
		return false
	}
	return !d.unformatted[cyl*d.Media.Heads+head]
}

// formatTrack writes the fill byte across every sector named in ids and
// marks the track formatted.
func (d *Disk) formatTrack(cyl, head int, ids []byte, fill byte) {
	delete(d.unformatted, cyl*d.Media.Heads+head)
	blank := bytes.Repeat([]byte{fill}, d.Media.SectorSize())
	for i := 0; i+3 < len(ids); i += 4 {
		r := int(ids[i+2])
		if off, ok := d.offset(cyl, head, r); ok {
			copy(d.data[off:], blank)
			delete(d.bad, d.Media.LBA(cyl, head, r))
		}
	}
}

func (d *Disk) offset(cyl, head, sector int) (int, bool) {
	m := d.Media
	if cyl < 0 || cyl >= m.Cylinders || head < 0 || head >= m.Heads ||
		sector < m.StartSector || sector >= m.StartSector+m.SectorsPerTrack {
		return 0, false
	}
	return m.LBA(cyl, head, sector) * m.SectorSize(), true
}
