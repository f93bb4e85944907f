//go:build !windows

package checkpoint

import (
	"os"
	"syscall"
)

// inodeOf extracts the inode from FileInfo
func inodeOf(fi os.FileInfo) uint64 {
	if stat, ok := fi.Sys().(*syscall.Stat_t); ok {
		return uint64(stat.Ino)
	}
	return 0
}
