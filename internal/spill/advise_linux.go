//go:build linux

package spill

import (
	"os"

	"golang.org/x/sys/unix"
)

// advise tells the kernel reads will be random so it skips readahead.
func advise(f *os.File) {
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_RANDOM)
}
