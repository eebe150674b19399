//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd

package tailer

import "os"

// statIdentity is the portable fallback for platforms without
// golang.org/x/sys/unix.Stat support: it can only detect truncation (via
// size), not rotation-by-rename (no inode available), matching
// log_monitor.py's own size-only shrink check.
func statIdentity(path string) (dev, ino uint64, size int64, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, 0, err
	}
	return 0, 0, info.Size(), nil
}
