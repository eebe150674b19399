//go:build linux || darwin || freebsd || netbsd || openbsd

package tailer

import "golang.org/x/sys/unix"

// statIdentity returns the device id, inode, and size of path, used to
// detect log rotation (inode change) versus truncation (size shrink).
func statIdentity(path string) (dev, ino uint64, size int64, err error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, 0, 0, err
	}
	return uint64(st.Dev), uint64(st.Ino), st.Size, nil
}
