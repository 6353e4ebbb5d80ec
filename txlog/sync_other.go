//go:build !linux && !freebsd && !darwin && !windows

package txlog

import "os"

func fdatasync(f *os.File) error {
	return f.Sync()
}
