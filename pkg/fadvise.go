//go:build linux

package truevfs

import (
	"golang.org/x/sys/unix"
)

// fadvise wrappers hint the kernel about intended access patterns on the
// temp-file buffer pool.

// fadviseSequential hints that the file will be read sequentially.
func fadviseSequential(fd uintptr) error {
	return unix.Fadvise(int(fd), 0, 0, unix.FADV_SEQUENTIAL)
}

// fadviseDontneed hints that data won't be needed anymore.
func fadviseDontneed(fd uintptr, offset, length int64) error {
	return unix.Fadvise(int(fd), offset, length, unix.FADV_DONTNEED)
}
