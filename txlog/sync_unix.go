//go:build linux || freebsd

package txlog

import (
	"os"

	"golang.org/x/sys/unix"
)

// fdatasync flushes file data and the metadata needed to read it back.
func fdatasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
