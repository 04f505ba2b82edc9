//go:build linux

package main

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// imageSize returns the size of an image file or a block device such as
// a USB floppy drive.
func imageSize(f *os.File) (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return 0, err
	}
	if st.Mode&unix.S_IFMT != unix.S_IFBLK {
		return st.Size, nil
	}
	n, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKGETSIZE64)
	if err != nil {
		// some drivers reject the ioctl but still seek
		size, serr := f.Seek(0, io.SeekEnd)
		if serr != nil {
			return 0, fmt.Errorf("cannot determine device size: %v", err)
		}
		_, _ = f.Seek(0, io.SeekStart)
		return size, nil
	}
	return int64(n), nil
}
