//go:build !linux

package rtp

func setSockOpts(fd int, opts SocketOptions) error {
	return nil
}
