//go:build !linux

package disk

import "os"

func syncFile(f *os.File) error {
	return f.Sync()
}

// isNFS reports false where the filesystem type cannot be probed; the change
// feed then relies on the platform watcher.
func isNFS(string) bool { return false }
