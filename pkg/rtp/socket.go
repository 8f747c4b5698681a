package rtp

import "net"

// DSCP класс Expedited Forwarding, рекомендуемый для голоса.
const DSCPExpeditedForwarding = 46

// SocketOptions параметры QoS для медиа сокетов.
type SocketOptions struct {
	DSCP     int // 0 - не менять
	Priority int // SO_PRIORITY, 0 - не менять
}

// DefaultSocketOptions возвращает настройки для голосового трафика.
func DefaultSocketOptions() SocketOptions {
	return SocketOptions{
		DSCP:     DSCPExpeditedForwarding,
		Priority: 6,
	}
}

func applySocketOptions(conn *net.UDPConn, opts SocketOptions) error {
	if opts.DSCP == 0 && opts.Priority == 0 {
		return nil
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = setSockOpts(int(fd), opts)
	})
	if err != nil {
		return err
	}
	return sockErr
}
