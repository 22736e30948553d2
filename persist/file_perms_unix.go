//go:build !windows
// +build !windows

package persist

import (
	"os"
	"syscall"
)

// preserveFilePermissions best-effort carries the destination file's owner
// and group onto the new temp file before it is renamed into place.
func preserveFilePermissions(path string, fileInfo os.FileInfo) {
	sysInfo := fileInfo.Sys()
	if sysInfo == nil {
		return
	}
	stat, ok := sysInfo.(*syscall.Stat_t)
	if !ok {
		return
	}
	_ = os.Chown(path, int(stat.Uid), int(stat.Gid))
}
