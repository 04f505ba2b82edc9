package fdc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MediaKind selects one of the supported media profiles.
type MediaKind int

// Supported media.
const (
	Floppy144 MediaKind = 1 // 3.5" HD 1.44M
	Floppy360 MediaKind = 2 // 5.25" DD 360K
	Floppy720 MediaKind = 3 // 3.5" DD 720K
	Floppy120 MediaKind = 4 // 5.25" HD 1.2M
)

// ErrUnsupportedMedia is returned for a media kind or size with no profile.
var ErrUnsupportedMedia = errors.New("unsupported media")

func (k MediaKind) String() string {
	switch k {
	case Floppy144:
		return "1.44M"
	case Floppy360:
		return "360K"
	case Floppy720:
		return "720K"
	case Floppy120:
		return "1.2M"
	}
	return fmt.Sprintf("media(%d)", int(k))
}

// Data rate select values for the DCR.
const (
	Rate500K = 0 // HD media
	Rate250K = 1 // DD media in an HD drive (300 kbps on 360rpm 5.25")
)

// MediaProfile is the static geometry and timing for one media type.
// Profiles are values; switching media replaces the whole profile.
type MediaProfile struct {
	Kind            MediaKind
	Cylinders       int
	Heads           int
	SectorsPerTrack int
	SectorSizeCode  int  // N: sector size is 128 << N
	GapReadWrite    byte // GPL for read/write
	GapFormat       byte // GPL for format track
	StepRate        byte // SRT/HUT nibble pair for Specify
	HeadLoadTime    byte // HLT/ND byte for Specify
	DataRateSelect  byte // DCR value
	StartSector     int  // first sector number on a track
	FillByte        byte // format filler
}

var profiles = map[MediaKind]MediaProfile{
	Floppy144: {
		Kind: Floppy144, Cylinders: 80, Heads: 2, SectorsPerTrack: 18, SectorSizeCode: 2,
		GapReadWrite: 0x1B, GapFormat: 0x6C,
		StepRate: 13 << 4, HeadLoadTime: 8<<1 | 1,
		DataRateSelect: Rate500K, StartSector: 1, FillByte: 0xE5,
	},
	Floppy360: {
		Kind: Floppy360, Cylinders: 40, Heads: 2, SectorsPerTrack: 9, SectorSizeCode: 2,
		GapReadWrite: 0x02, GapFormat: 0x50,
		StepRate: 13 << 4, HeadLoadTime: 4<<1 | 1,
		DataRateSelect: Rate250K, StartSector: 1, FillByte: 0xE5,
	},
	Floppy720: {
		Kind: Floppy720, Cylinders: 80, Heads: 2, SectorsPerTrack: 9, SectorSizeCode: 2,
		GapReadWrite: 0x2A, GapFormat: 0x50,
		StepRate: 13 << 4, HeadLoadTime: 4<<1 | 1,
		DataRateSelect: Rate250K, StartSector: 1, FillByte: 0xE5,
	},
	Floppy120: {
		Kind: Floppy120, Cylinders: 80, Heads: 2, SectorsPerTrack: 15, SectorSizeCode: 2,
		GapReadWrite: 0x1B, GapFormat: 0x54,
		StepRate: 13 << 4, HeadLoadTime: 8<<1 | 1,
		DataRateSelect: Rate500K, StartSector: 1, FillByte: 0xE5,
	},
}

// Profile returns the profile for kind.
func Profile(kind MediaKind) (MediaProfile, error) {
	p, ok := profiles[kind]
	if !ok {
		return MediaProfile{}, fmt.Errorf("%w: %v", ErrUnsupportedMedia, kind)
	}
	return p, nil
}

// ProfileForSize picks a profile from a raw image size in bytes.
func ProfileForSize(size int64) (MediaProfile, error) {
	switch size {
	case 1440 * 1024:
		return Profile(Floppy144)
	case 1200 * 1024:
		return Profile(Floppy120)
	case 720 * 1024:
		return Profile(Floppy720)
	case 360 * 1024:
		return Profile(Floppy360)
	}
	return MediaProfile{}, fmt.Errorf("%w: %d bytes", ErrUnsupportedMedia, size)
}

// ParseMedia accepts a profile name ("1.44M", "360k") or an image size
// with an optional k/m suffix ("1440k", "737280").
func ParseMedia(s string) (MediaKind, error) {
	ss := strings.TrimSpace(strings.ToLower(s))
	for k := range profiles {
		if strings.ToLower(k.String()) == ss {
			return k, nil
		}
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(ss, "k"):
		mult = 1024
		ss = strings.TrimSuffix(ss, "k")
	case strings.HasSuffix(ss, "m"):
		mult = 1024 * 1024
		ss = strings.TrimSuffix(ss, "m")
	}
	v, err := strconv.ParseInt(ss, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedMedia, s)
	}
	p, err := ProfileForSize(v * mult)
	if err != nil {
		return 0, err
	}
	return p.Kind, nil
}

// SectorSize is the sector length in bytes.
func (p MediaProfile) SectorSize() int { return 128 << uint(p.SectorSizeCode) }

// TotalSectors is the number of sectors on the medium.
func (p MediaProfile) TotalSectors() int { return p.Cylinders * p.Heads * p.SectorsPerTrack }

// SpecifyBytes returns the SRT/HUT and HLT/ND parameters of Specify.
func (p MediaProfile) SpecifyBytes() [2]byte { return [2]byte{p.StepRate, p.HeadLoadTime} }

// Size is the medium capacity in bytes.
func (p MediaProfile) Size() int64 { return int64(p.TotalSectors()) * int64(p.SectorSize()) }

// LBA converts a CHS address to a linear sector index.
func (p MediaProfile) LBA(cyl, head, sector int) int {
	return (cyl*p.Heads+head)*p.SectorsPerTrack + sector - p.StartSector
}

// CHS converts a linear sector index to a CHS address.
func (p MediaProfile) CHS(lba int) (cyl, head, sector int) {
	track := lba / p.SectorsPerTrack
	return track / p.Heads, track % p.Heads, lba%p.SectorsPerTrack + p.StartSector
}
