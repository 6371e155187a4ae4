//go:build unix

package disk

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockFile takes an exclusive fcntl lock on f, blocking until granted.
// fcntl locks are honoured by NFS lock managers, unlike flock.
func lockFile(f *os.File) error {
	flock := unix.Flock_t{Type: unix.F_WRLCK, Whence: 0}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLKW, &flock)
}

func unlockFile(f *os.File) error {
	flock := unix.Flock_t{Type: unix.F_UNLCK, Whence: 0}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLK, &flock)
}
