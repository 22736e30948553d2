//go:build windows
// +build windows

package persist

import "os"

// preserveFilePermissions is a no-op on Windows, which has no POSIX
// owner/group concept.
func preserveFilePermissions(path string, fileInfo os.FileInfo) {}
