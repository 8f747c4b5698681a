//go:build linux

package rtp

import (
	"golang.org/x/sys/unix"
)

// setSockOpts выставляет DSCP и приоритет сокета.
// Ошибки IPv6 и SO_PRIORITY не критичны (контейнеры, IPv4-only сокет).
func setSockOpts(fd int, opts SocketOptions) error {
	if opts.DSCP != 0 {
		// DSCP находится в старших 6 битах TOS поля
		tos := opts.DSCP << 2
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, tos); err != nil {
			return err
		}
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	}
	if opts.Priority != 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PRIORITY, opts.Priority)
	}
	return nil
}
