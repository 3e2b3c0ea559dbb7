//go:build darwin

package sockopt

import (
	"golang.org/x/sys/unix"
)

// На macOS нет SO_PRIORITY, Priority игнорируется
func apply(fd int, o Options) error {
	if o.ReuseAddr {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return err
		}
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_NOSIGPIPE, 1)
	return nil
}
