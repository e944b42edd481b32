//go:build unix

package scan

import (
	"os"
	"syscall"
)

// deviceOf returns the filesystem device a file lives on. Crossing onto
// a different device during a walk means crossing a mount boundary.
func deviceOf(fi os.FileInfo) uint64 {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return uint64(st.Dev)
	}
	return 0
}
