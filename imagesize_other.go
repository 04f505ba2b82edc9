//go:build !linux

package main

import (
	"io"
	"os"
)

// imageSize returns the size of an image file. Devices are only supported
// where seeking to the end works.
func imageSize(f *os.File) (int64, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	_, _ = f.Seek(0, io.SeekStart)
	return size, nil
}
