//go:build unix

package gitprobe

import (
	"os"
	"syscall"
)

// deviceOf returns the filesystem device a file lives on.
func deviceOf(fi os.FileInfo) uint64 {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return uint64(st.Dev)
	}
	return 0
}
