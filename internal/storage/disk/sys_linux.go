//go:build linux

package disk

import (
	"os"

	"golang.org/x/sys/unix"
)

const nfsSuperMagic = 0x6969

func syncFile(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}

func isNFS(root string) bool {
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		return false
	}
	return st.Type == nfsSuperMagic
}
