//go:build linux

package sockopt

import (
	"golang.org/x/sys/unix"
)

func apply(fd int, o Options) error {
	if o.ReuseAddr {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return err
		}
	}
	if o.Priority > 0 {
		// в контейнерах без CAP_NET_ADMIN приоритет выше 6 запрещен, ошибка не критична
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PRIORITY, o.Priority)
	}
	return nil
}
