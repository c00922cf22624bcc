//go:build unix

package filestore

import (
	"os"

	"golang.org/x/sys/unix"
)

// syncDir fsyncs a directory's inode so a preceding rename into it is
// durable across a crash, not just the renamed file's own contents.
func syncDir(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return unix.Fsync(int(f.Fd()))
}
